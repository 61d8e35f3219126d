// Package jobs implements the submission-side operations behind the HTTP API:
// submit, get, list and cancel, all scoped to the requesting owner.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/dispatch"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

var (
	// ErrInvalidRequest rejects a submission before any job record exists.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrJobFinished is returned when cancelling a job that is already terminal.
	ErrJobFinished = errors.New("job already finished")
	// ErrDispatchFailed means the job was recorded but no worker could be asked to
	// run it. The job is marked failed.
	ErrDispatchFailed = errors.New("dispatch failed")
)

// CodeDispatchFailed is the job error code for submissions that could not be queued.
const CodeDispatchFailed = "dispatch_failed"

const defaultMaxInputBytes = 64 << 10

// ProviderCatalog reports which provider names may be submitted.
type ProviderCatalog interface {
	Has(name string) bool
}

// Enqueuer hands a task to the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, t dispatch.Task) error
}

// Canceller signals the executor running a job to stop.
type Canceller interface {
	RequestCancel(ctx context.Context, jobID uuid.UUID) error
}

// SubmitRequest is a validated-for-shape job submission.
type SubmitRequest struct {
	OwnerID      uuid.UUID
	Kind         string
	ProviderName string
	Input        json.RawMessage
	Metadata     json.RawMessage
}

// Service implements the job operations exposed over HTTP.
type Service struct {
	ledger        *ledger.Ledger
	providers     ProviderCatalog
	queue         Enqueuer
	cancels       Canceller
	logger        *slog.Logger
	maxInputBytes int
}

// NewService creates a new jobs Service. A non-positive maxInputBytes uses the
// 64 KiB default.
func NewService(l *ledger.Ledger, providers ProviderCatalog, queue Enqueuer, cancels Canceller, logger *slog.Logger, maxInputBytes int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if maxInputBytes <= 0 {
		maxInputBytes = defaultMaxInputBytes
	}
	return &Service{
		ledger:        l,
		providers:     providers,
		queue:         queue,
		cancels:       cancels,
		logger:        logger.With("component", "jobs"),
		maxInputBytes: maxInputBytes,
	}
}

// Submit records a pending job and dispatches it. Only the request's shape is
// checked here; input contents are validated by the executor so that a rejection
// shows up on the job itself.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	kind, err := models.ParseJobKind(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.ProviderName == "" {
		return nil, fmt.Errorf("%w: provider_name is required", ErrInvalidRequest)
	}
	if !s.providers.Has(req.ProviderName) {
		return nil, fmt.Errorf("%w: provider %q is not available", ErrInvalidRequest, req.ProviderName)
	}
	if len(req.Input) > s.maxInputBytes {
		return nil, fmt.Errorf("%w: input exceeds %d bytes", ErrInvalidRequest, s.maxInputBytes)
	}
	if !isObject(req.Input) {
		return nil, fmt.Errorf("%w: input must be a JSON object", ErrInvalidRequest)
	}
	if len(req.Metadata) > 0 && !isObject(req.Metadata) {
		return nil, fmt.Errorf("%w: metadata must be a JSON object", ErrInvalidRequest)
	}

	job, err := s.ledger.Create(ctx, ledger.CreateParams{
		OwnerID:      req.OwnerID,
		Kind:         kind,
		ProviderName: req.ProviderName,
		Input:        req.Input,
		Metadata:     req.Metadata,
	})
	if err != nil && !errors.Is(err, ledger.ErrPublishFailed) {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	task := dispatch.NewTask(job.ID)
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.logger.Error("dispatching job failed", "job_id", job.ID, "error", err, "alert", true)
		failed, uerr := s.ledger.Update(context.WithoutCancel(ctx), job.ID,
			store.WithStatus(models.JobStatusFailed),
			store.WithProgressMessage("failed"),
			store.WithJobError(CodeDispatchFailed, "job could not be queued"),
		)
		if uerr != nil && !errors.Is(uerr, ledger.ErrPublishFailed) {
			s.logger.Error("marking undispatched job failed", "job_id", job.ID, "error", uerr, "alert", true)
			return job, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
		}
		return failed, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}

	s.logger.Info("job submitted", "job_id", job.ID, "owner_id", job.OwnerID, "kind", job.Kind,
		"provider", job.ProviderName, "run_id", task.RunID)
	return job, nil
}

// Get returns the owner's job. Jobs of other owners are reported as not found.
func (s *Service) Get(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.ledger.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// List returns one page of the owner's jobs and the total count.
func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	return s.ledger.ListByOwner(ctx, filter)
}

// Cancel asks the executor running the job to stop. The job moves to cancelled
// asynchronously; the returned snapshot is the one the request was accepted on.
func (s *Service) Cancel(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job is %s", ErrJobFinished, job.Status)
	}
	if err := s.cancels.RequestCancel(ctx, jobID); err != nil {
		return nil, fmt.Errorf("requesting cancellation: %w", err)
	}
	s.logger.Info("cancellation requested", "job_id", jobID, "status", job.Status)
	return job, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
