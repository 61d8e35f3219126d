package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

const jobColumns = `id, owner_id, kind, provider_name, status, progress, progress_message, input, metadata,
	output, error_message, error_code, external_ref, version, started_at, completed_at, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	var errMsg, errCode *string
	if job.Error != nil {
		errMsg, errCode = &job.Error.Message, &job.Error.Code
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID, job.OwnerID, string(job.Kind), job.ProviderName, string(job.Status), job.Progress,
		job.ProgressMessage, nullableJSON(job.Input), nullableJSON(job.Metadata), nullableJSON(job.Output),
		errMsg, errCode, job.ExternalRef, job.Version, job.StartedAt, job.CompletedAt,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob locks the row, validates the update in Go and writes the whole mutable
// column set back in the same transaction.
func (s *PostgresStore) UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) (*models.Job, error) {
	params := buildParams(opts)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	current, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	next, err := applyUpdate(current, params, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	var errMsg, errCode *string
	if next.Error != nil {
		errMsg, errCode = &next.Error.Message, &next.Error.Code
	}
	updated, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET status = $2, progress = $3, progress_message = $4, output = $5,
		   error_message = $6, error_code = $7, external_ref = $8, version = $9,
		   started_at = COALESCE(started_at, $10), completed_at = COALESCE(completed_at, $11), updated_at = $12
		 WHERE id = $1
		 RETURNING `+jobColumns,
		id, string(next.Status), next.Progress, next.ProgressMessage, nullableJSON(next.Output),
		errMsg, errCode, next.ExternalRef, next.Version, next.StartedAt, next.CompletedAt, next.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update job: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) ListJobsByOwner(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"owner_id = $1"}
	args := []any{filter.OwnerID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := filter.normalize()
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) DeleteJobsOlderThan(ctx context.Context, age time.Duration, statuses []models.JobStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	cutoff := time.Now().UTC().Add(-age)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE updated_at < $1 AND status = ANY($2)`, cutoff, names)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j                models.Job
		kind, status     string
		input, meta, out []byte
		errMsg, errCode  *string
	)
	if err := row.Scan(&j.ID, &j.OwnerID, &kind, &j.ProviderName, &status, &j.Progress,
		&j.ProgressMessage, &input, &meta, &out, &errMsg, &errCode, &j.ExternalRef, &j.Version,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	j.Input = input
	j.Metadata = meta
	j.Output = out
	if errMsg != nil || errCode != nil {
		j.Error = &models.JobError{}
		if errMsg != nil {
			j.Error.Message = *errMsg
		}
		if errCode != nil {
			j.Error.Code = *errCode
		}
	}
	return &j, nil
}

// nullableJSON maps an empty payload to SQL NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
