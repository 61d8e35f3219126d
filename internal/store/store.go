package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when an update would move a job along an edge the
// state graph does not have, or when a WithExpectedStatus precondition does not hold.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ErrInvalidUpdate is returned when the fields of an update contradict the target status
// (output without completed, error without failed), progress is out of range or would go
// backwards, or the job is already terminal.
var ErrInvalidUpdate = errors.New("invalid job update")

// Store is the data access interface for job records. All ledger persistence goes through here.
// Implementations must be safe for concurrent use.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) (*models.Job, error)
	ListJobsByOwner(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	DeleteJobsOlderThan(ctx context.Context, age time.Duration, statuses []models.JobStatus) (int64, error)
}

// JobFilter selects one page of an owner's jobs. Zero-valued Status, Kind and
// Since match everything.
type JobFilter struct {
	OwnerID uuid.UUID
	Status  models.JobStatus
	Kind    models.JobKind
	Since   time.Time
	Page    int
	Limit   int
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// normalize clamps pagination to sane bounds and returns limit and offset.
func (f JobFilter) normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

type jobUpdateParams struct {
	Status          *models.JobStatus
	ExpectedStatus  *models.JobStatus
	Progress        *int
	ProgressMessage *string
	Output          json.RawMessage
	Error           *models.JobError
	ExternalRef     *string
}

// JobUpdateOption mutates the fields written by UpdateJob.
type JobUpdateOption func(*jobUpdateParams)

// WithStatus moves the job to status.
func WithStatus(status models.JobStatus) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Status = &status
	}
}

// WithProgress sets both the percentage and the message.
func WithProgress(pct int, msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Progress = &pct
		p.ProgressMessage = &msg
	}
}

// WithProgressMessage replaces the progress message and leaves progress alone.
func WithProgressMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ProgressMessage = &msg
	}
}

// WithOutput sets the result payload.
func WithOutput(output json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Output = output
	}
}

// WithJobError records a failure code and message.
func WithJobError(code, message string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Error = &models.JobError{Code: code, Message: message}
	}
}

// WithExternalRef records the provider-side request identifier.
func WithExternalRef(ref string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ExternalRef = &ref
	}
}

// WithExpectedStatus makes the update conditional on the job's current status.
// A mismatch fails with ErrInvalidTransition and writes nothing.
func WithExpectedStatus(status models.JobStatus) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ExpectedStatus = &status
	}
}

func buildParams(opts []JobUpdateOption) *jobUpdateParams {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}

// applyUpdate validates params against the current row and returns the post-update job.
// Both store implementations funnel every write through here.
func applyUpdate(current *models.Job, p *jobUpdateParams, now time.Time) (*models.Job, error) {
	if p.ExpectedStatus != nil && *p.ExpectedStatus != current.Status {
		return nil, fmt.Errorf("%w: expected %s, job %s is %s",
			ErrInvalidTransition, *p.ExpectedStatus, current.ID, current.Status)
	}
	if current.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidUpdate, current.ID, current.Status)
	}

	next := current.Clone()
	target := current.Status
	if p.Status != nil && *p.Status != current.Status {
		if !models.CanTransition(current.Status, *p.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, *p.Status)
		}
		target = *p.Status
	}

	switch {
	case p.Output != nil && target != models.JobStatusCompleted:
		return nil, fmt.Errorf("%w: output requires status completed, got %s", ErrInvalidUpdate, target)
	case p.Error != nil && target != models.JobStatusFailed:
		return nil, fmt.Errorf("%w: error requires status failed, got %s", ErrInvalidUpdate, target)
	case target == models.JobStatusCompleted && p.Output == nil:
		return nil, fmt.Errorf("%w: completed requires output", ErrInvalidUpdate)
	case target == models.JobStatusFailed && p.Error == nil:
		return nil, fmt.Errorf("%w: failed requires an error", ErrInvalidUpdate)
	}

	if p.Progress != nil {
		pct := *p.Progress
		if pct < 0 || pct > 100 {
			return nil, fmt.Errorf("%w: progress %d out of range", ErrInvalidUpdate, pct)
		}
		if pct < current.Progress {
			return nil, fmt.Errorf("%w: progress %d below current %d", ErrInvalidUpdate, pct, current.Progress)
		}
		next.Progress = pct
	}
	if p.ProgressMessage != nil {
		next.ProgressMessage = *p.ProgressMessage
	}
	if p.ExternalRef != nil {
		ref := *p.ExternalRef
		next.ExternalRef = &ref
	}

	next.Status = target
	if p.Output != nil {
		next.Output = append(json.RawMessage(nil), p.Output...)
	}
	if p.Error != nil {
		e := *p.Error
		next.Error = &e
	}
	if target == models.JobStatusStarted && next.StartedAt == nil {
		t := now
		next.StartedAt = &t
	}
	if target.IsTerminal() && next.CompletedAt == nil {
		t := now
		next.CompletedAt = &t
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// validateNew checks a record handed to CreateJob.
func validateNew(job *models.Job) error {
	if job.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidUpdate)
	}
	if !job.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidUpdate, job.Status)
	}
	if _, err := models.ParseJobKind(string(job.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if job.Progress < 0 || job.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidUpdate, job.Progress)
	}
	return nil
}
