// Package executor drives a single job from pending to a terminal status: it
// validates the input, claims the job, invokes the provider adapter with retries,
// and turns every provider tick into a ledger write.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiranshivaraju/genflow/internal/billing"
	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/dispatch"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/internal/provider"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// Error codes the executor records itself. Provider failures carry the
// provider's own code.
const (
	CodeValidation      = "validation_error"
	CodeUnknownProvider = "unknown_provider"
	CodeInterrupted     = "interrupted"
	CodeInternal        = "internal_error"
)

// Progress checkpoints written by the executor around the provider call.
const (
	progressClaimed   = 10
	progressPreparing = 20
)

// ErrPanicked is returned by Run when the run panicked. The job is recorded as
// failed with CodeInternal before it is returned.
var ErrPanicked = errors.New("executor run panicked")

var errCancelRequested = errors.New("cancellation requested")

const terminalWriteTimeout = 10 * time.Second

// Options tunes retries of provider calls and ledger writes. Zero values take
// defaults.
type Options struct {
	MaxAttempts   int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	WriteAttempts int
	WriteBackoff  time.Duration
}

// OptionsFromConfig builds Options from the executor configuration.
func OptionsFromConfig(cfg config.ExecutorConfig) Options {
	return Options{
		MaxAttempts:   cfg.MaxAttempts,
		RetryInitial:  cfg.RetryInitial,
		RetryMax:      cfg.RetryMax,
		WriteAttempts: cfg.WriteAttempts,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 10 * time.Second
	}
	if o.WriteAttempts <= 0 {
		o.WriteAttempts = 3
	}
	if o.WriteBackoff <= 0 {
		o.WriteBackoff = 100 * time.Millisecond
	}
	return o
}

// Executor runs dispatched jobs through a provider adapter and records every
// state change in the ledger.
type Executor struct {
	ledger    *ledger.Ledger
	providers *provider.Registry
	settler   billing.Settler
	cancels   CancelSource
	logger    *slog.Logger
	tracer    trace.Tracer
	opts      Options
}

// New creates an Executor. A nil settler or cancel source falls back to a no-op
// settler and in-process cancels.
func New(l *ledger.Ledger, providers *provider.Registry, settler billing.Settler, cancels CancelSource, logger *slog.Logger, opts Options) *Executor {
	if settler == nil {
		settler = billing.Noop{}
	}
	if cancels == nil {
		cancels = NewLocalCancels()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		ledger:    l,
		providers: providers,
		settler:   settler,
		cancels:   cancels,
		logger:    logger.With("component", "executor"),
		tracer:    otel.Tracer("github.com/kiranshivaraju/genflow/internal/executor"),
		opts:      opts.withDefaults(),
	}
}

// Handler adapts Run to a dispatch consumer.
func (e *Executor) Handler() dispatch.Handler {
	return e.Run
}

// Run executes the job named by task. A job that is no longer pending was already
// picked up by another delivery and is left alone. Run returns an error only when
// the job could not be brought to a recorded terminal status.
func (e *Executor) Run(ctx context.Context, task dispatch.Task) (err error) {
	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("job.id", task.JobID.String()),
		attribute.String("run.id", task.RunID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := e.logger.With("job_id", task.JobID, "run_id", task.RunID)

	var job *models.Job
	err = e.retryWrite(ctx, func() error {
		var getErr error
		job, getErr = e.ledger.Get(ctx, task.JobID)
		return getErr
	})
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != models.JobStatusPending {
		log.Info("job already picked up, skipping delivery", "status", job.Status)
		return nil
	}
	span.SetAttributes(
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.provider", job.ProviderName),
	)

	r := &run{Executor: e, task: task, job: job, log: log}
	defer func() {
		if p := recover(); p != nil {
			err = r.recoverPanic(ctx, p)
		}
	}()
	return r.execute(ctx)
}

// run holds the state of one Run call.
type run struct {
	*Executor
	task dispatch.Task
	job  *models.Job
	log  *slog.Logger
}

func (r *run) execute(ctx context.Context) error {
	if err := ValidateInput(r.job.Kind, r.job.Input); err != nil {
		r.log.Info("input rejected", "error", err)
		return r.reject(ctx, CodeValidation, err.Error())
	}
	adapter, err := r.providers.Resolve(r.job.ProviderName)
	if err != nil {
		r.log.Warn("provider no longer registered", "provider", r.job.ProviderName)
		return r.reject(ctx, CodeUnknownProvider, err.Error())
	}

	_, err = r.transition(ctx,
		store.WithExpectedStatus(models.JobStatusPending),
		store.WithStatus(models.JobStatusStarted),
		store.WithProgress(progressClaimed, "accepted"),
		store.WithExternalRef(r.task.RunID),
	)
	if errors.Is(err, store.ErrInvalidTransition) {
		r.log.Info("lost claim to a concurrent delivery")
		return nil
	}
	if err != nil {
		return err
	}

	runCtx, stop := r.watchCancel(ctx)
	defer stop()

	if done, err := r.stopped(ctx, runCtx); done {
		return err
	}
	if _, err := r.transition(ctx,
		store.WithStatus(models.JobStatusProcessing),
		store.WithProgress(progressPreparing, "preparing request"),
	); err != nil {
		return err
	}

	guard := newProgressGuard(progressPreparing)
	retry := r.retryBackoff()
	for attempt := 1; ; attempt++ {
		res, err := r.invoke(runCtx, adapter, guard, attempt)
		if err == nil {
			return r.complete(ctx, res)
		}
		if done, stopErr := r.stopped(ctx, runCtx); done {
			return stopErr
		}

		pe := provider.AsError(err)
		if !pe.Transient || attempt >= r.opts.MaxAttempts {
			r.log.Warn("provider call failed", "error", err, "attempt", attempt, "transient", pe.Transient)
			return r.fail(ctx, pe.Code, pe.Message)
		}

		wait := retry.NextBackOff()
		r.log.Warn("transient provider error, retrying", "error", err, "attempt", attempt, "backoff", wait)
		r.note(runCtx, "retrying")
		if err := sleep(runCtx, wait); err != nil {
			_, stopErr := r.stopped(ctx, runCtx)
			return stopErr
		}
	}
}

func (r *run) invoke(ctx context.Context, adapter provider.Adapter, guard *progressGuard, attempt int) (provider.Result, error) {
	ctx, span := r.tracer.Start(ctx, "provider.invoke", trace.WithAttributes(
		attribute.String("provider.adapter", adapter.Name()),
		attribute.String("provider.name", r.job.ProviderName),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	req := provider.Request{
		JobID:        r.job.ID,
		ProviderName: r.job.ProviderName,
		Kind:         r.job.Kind,
		Input:        r.job.Input,
	}
	res, err := adapter.Invoke(ctx, req, func(pct int, msg string) {
		switch p, tick := guard.accept(pct, msg); tick {
		case tickAdvance:
			r.progress(ctx, p, msg)
		case tickMessage:
			r.note(ctx, msg)
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// watchCancel derives the context the provider call runs under. It is cancelled
// with errCancelRequested once the CancelSource reports a request for this job.
func (r *run) watchCancel(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	jobID := r.job.ID
	if requested, err := r.cancels.CancelRequested(ctx, jobID); err != nil {
		r.log.Warn("checking cancel requests failed", "error", err)
	} else if requested {
		cancel(errCancelRequested)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := r.cancels.WaitCancel(runCtx, jobID)
		switch {
		case err == nil:
			r.log.Info("cancellation requested")
			cancel(errCancelRequested)
		case runCtx.Err() == nil:
			r.log.Warn("cancel signal unavailable for this run", "error", err)
		}
	}()
	return runCtx, func() {
		cancel(nil)
		<-done
	}
}

// stopped reports whether runCtx has ended and, if so, records the matching
// terminal status: cancelled for a cancel request, failed/interrupted when the
// worker itself is shutting down.
func (r *run) stopped(ctx, runCtx context.Context) (bool, error) {
	if runCtx.Err() == nil {
		return false, nil
	}
	if errors.Is(context.Cause(runCtx), errCancelRequested) {
		_, err := r.transition(ctx,
			store.WithStatus(models.JobStatusCancelled),
			store.WithProgressMessage("cancelled"),
		)
		return true, err
	}
	r.log.Warn("run interrupted", "cause", context.Cause(runCtx))
	return true, r.fail(ctx, CodeInterrupted, "worker stopped before the job finished")
}

func (r *run) complete(ctx context.Context, res provider.Result) error {
	output := res.Output
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	job, err := r.transition(ctx,
		store.WithStatus(models.JobStatusCompleted),
		store.WithProgress(100, "completed"),
		store.WithOutput(output),
	)
	if err != nil {
		return err
	}
	r.log.Info("job completed", "request_id", res.RequestID)
	r.settle(ctx, job)
	return nil
}

func (r *run) fail(ctx context.Context, code, message string) error {
	job, err := r.transition(ctx,
		store.WithStatus(models.JobStatusFailed),
		store.WithProgressMessage("failed"),
		store.WithJobError(code, message),
	)
	if err != nil {
		return err
	}
	r.settle(ctx, job)
	return nil
}

// reject fails a job that never got claimed. A concurrent delivery that already
// claimed it wins.
func (r *run) reject(ctx context.Context, code, message string) error {
	job, err := r.transition(ctx,
		store.WithExpectedStatus(models.JobStatusPending),
		store.WithStatus(models.JobStatusFailed),
		store.WithProgressMessage("failed"),
		store.WithJobError(code, message),
	)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	r.settle(ctx, job)
	return nil
}

func (r *run) settle(ctx context.Context, job *models.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	if err := r.settler.Settle(ctx, job); err != nil {
		r.log.Error("settle usage failed", "status", job.Status, "error", err, "alert", true)
	}
}

// transition writes a status change. It survives the caller's context ending so a
// shutting-down worker still records where the job stopped.
func (r *run) transition(ctx context.Context, opts ...store.JobUpdateOption) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	job, err := r.update(ctx, opts...)
	if err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			r.log.Error("job status write failed", "status", r.job.Status, "error", err, "alert", true)
		}
		return nil, fmt.Errorf("job %s: %w", r.job.ID, err)
	}
	return job, nil
}

// progress writes a progress tick. Lost ticks are logged and the run carries on.
func (r *run) progress(ctx context.Context, pct int, msg string) {
	if _, err := r.update(ctx, store.WithProgress(pct, msg)); err != nil && ctx.Err() == nil {
		r.log.Warn("progress write lost", "progress", pct, "error", err)
	}
}

func (r *run) note(ctx context.Context, msg string) {
	if _, err := r.update(ctx, store.WithProgressMessage(msg)); err != nil && ctx.Err() == nil {
		r.log.Warn("progress write lost", "message", msg, "error", err)
	}
}

func (r *run) update(ctx context.Context, opts ...store.JobUpdateOption) (*models.Job, error) {
	var job *models.Job
	err := r.retryWrite(ctx, func() error {
		j, err := r.ledger.Update(ctx, r.job.ID, opts...)
		if err != nil && !errors.Is(err, ledger.ErrPublishFailed) {
			return err
		}
		// A publish failure leaves the write persisted; the ledger has already
		// escalated it.
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.job = job
	return job, nil
}

func (r *run) recoverPanic(ctx context.Context, p any) error {
	r.log.Error("executor panic", "panic", p, "alert", true)
	msg := fmt.Sprintf("internal error: %v", p)
	if err := r.fail(ctx, CodeInternal, msg); err != nil {
		return fmt.Errorf("%w: %v (recording failure: %w)", ErrPanicked, p, err)
	}
	return fmt.Errorf("%w: %v", ErrPanicked, p)
}

// retryWrite retries op while it fails with ledger.ErrWriteFailed.
func (e *Executor) retryWrite(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.WriteBackoff
	b.MaxInterval = 10 * e.opts.WriteBackoff
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !ledger.IsWriteFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.opts.WriteAttempts-1)), ctx))
}

func (e *Executor) retryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.RetryInitial
	b.MaxInterval = e.opts.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
