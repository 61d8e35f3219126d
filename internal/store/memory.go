package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// MemoryStore is an in-process Store. It runs the same update validation as
// PostgresStore and hands out copies, never its own records.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*models.Job
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateNew(job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := buildParams(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := applyUpdate(current, params, s.now())
	if err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListJobsByOwner(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	matched := make([]*models.Job, 0)
	for _, j := range s.jobs {
		if j.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		if !filter.Since.IsZero() && j.CreatedAt.Before(filter.Since) {
			continue
		}
		matched = append(matched, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID.String() > matched[b].ID.String()
	})

	total := len(matched)
	limit, offset := filter.normalize()
	if offset >= total {
		return []*models.Job{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) DeleteJobsOlderThan(ctx context.Context, age time.Duration, statuses []models.JobStatus) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-age)
	want := make(map[models.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if want[j.Status] && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
