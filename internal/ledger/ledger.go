// Package ledger couples job persistence with realtime fan-out: every write that
// lands in the store is published exactly once with the post-write snapshot.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// ErrWriteFailed marks infrastructure failures of the underlying store, as opposed to
// store.ErrNotFound, store.ErrInvalidTransition and store.ErrInvalidUpdate.
var ErrWriteFailed = errors.New("ledger write failed")

// ErrPublishFailed is returned when the write was persisted but could not be broadcast.
// The persisted job is returned alongside it.
var ErrPublishFailed = errors.New("ledger publish failed")

// Publisher fans a job snapshot out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, job *models.Job) error
}

// CreateParams describes a new job. Status and progress are always pending and 0.
type CreateParams struct {
	OwnerID      uuid.UUID
	Kind         models.JobKind
	ProviderName string
	Input        json.RawMessage
	Metadata     json.RawMessage
}

type Options struct {
	PublishAttempts int
	PublishBackoff  time.Duration
}

// Ledger is the single source of truth for job records.
type Ledger struct {
	store     store.Store
	publisher Publisher
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// New creates a Ledger. Zero Options fields fall back to 3 attempts starting at 50ms.
func New(s store.Store, p Publisher, logger *slog.Logger, opts Options) *Ledger {
	if opts.PublishAttempts <= 0 {
		opts.PublishAttempts = 3
	}
	if opts.PublishBackoff <= 0 {
		opts.PublishBackoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:     s,
		publisher: p,
		logger:    logger.With("component", "ledger"),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new pending job at version 1 and publishes it.
func (l *Ledger) Create(ctx context.Context, params CreateParams) (*models.Job, error) {
	now := l.now().Truncate(time.Microsecond)
	job := &models.Job{
		ID:           uuid.New(),
		OwnerID:      params.OwnerID,
		Kind:         params.Kind,
		ProviderName: params.ProviderName,
		Status:       models.JobStatusPending,
		Progress:     0,
		Input:        params.Input,
		Metadata:     params.Metadata,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.store.CreateJob(ctx, job); err != nil {
		return nil, classify("create job", err)
	}
	return l.publish(ctx, job)
}

// Update applies opts to the stored job and publishes the resulting snapshot.
func (l *Ledger) Update(ctx context.Context, id uuid.UUID, opts ...store.JobUpdateOption) (*models.Job, error) {
	job, err := l.store.UpdateJob(ctx, id, opts...)
	if err != nil {
		return nil, classify("update job", err)
	}
	return l.publish(ctx, job)
}

// Get returns the current snapshot of a job.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := l.store.GetJob(ctx, id)
	if err != nil {
		return nil, classify("get job", err)
	}
	return job, nil
}

// ListByOwner returns one page of the owner's jobs and the total match count.
func (l *Ledger) ListByOwner(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	jobs, total, err := l.store.ListJobsByOwner(ctx, filter)
	if err != nil {
		return nil, 0, classify("list jobs", err)
	}
	return jobs, total, nil
}

// DeleteOlderThan removes jobs in statuses whose last update is older than age.
// Deletions are not published.
func (l *Ledger) DeleteOlderThan(ctx context.Context, age time.Duration, statuses []models.JobStatus) (int64, error) {
	n, err := l.store.DeleteJobsOlderThan(ctx, age, statuses)
	if err != nil {
		return 0, classify("delete jobs", err)
	}
	return n, nil
}

// Ping checks the underlying store.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

// publish broadcasts the snapshot, retrying transport errors. On final failure the
// persisted job is still returned so callers can carry on.
func (l *Ledger) publish(ctx context.Context, job *models.Job) (*models.Job, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.PublishBackoff
	b.MaxInterval = 10 * l.opts.PublishBackoff
	b.MaxElapsedTime = 0

	snapshot := job.Clone()
	err := backoff.Retry(func() error {
		return l.publisher.Publish(ctx, snapshot)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.opts.PublishAttempts-1)), ctx))
	if err != nil {
		l.logger.Error("publish job update failed",
			"job_id", job.ID, "status", job.Status, "version", job.Version, "error", err, "alert", true)
		return job, fmt.Errorf("%w: job %s: %w", ErrPublishFailed, job.ID, err)
	}
	return job, nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrInvalidUpdate),
		errors.Is(err, store.ErrDuplicateKey),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrWriteFailed, err)
}

// IsWriteFailure reports whether err is a retryable infrastructure failure.
func IsWriteFailure(err error) bool {
	return errors.Is(err, ErrWriteFailed)
}
