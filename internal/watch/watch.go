// Package watch follows a single job: it reconciles a ledger snapshot with the
// realtime feed and keeps doing so across transport disconnects.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/realtime"
	"github.com/kiranshivaraju/genflow/pkg/models"
)

// JobSource reads the authoritative job snapshot.
type JobSource interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// Options tunes a Watcher. Zero values take defaults.
type Options struct {
	// StallTimeout is how long a non-terminal job may go without updates before
	// the ledger is consulted directly.
	StallTimeout     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Buffer           int
}

func (o Options) withDefaults() Options {
	if o.StallTimeout <= 0 {
		o.StallTimeout = 30 * time.Second
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 200 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 5 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 16
	}
	return o
}

// Watcher follows a single job to completion, merging snapshots with live updates.
type Watcher struct {
	source      JobSource
	broadcaster realtime.Broadcaster
	logger      *slog.Logger
	opts        Options
}

// New creates a Watcher.
func New(source JobSource, b realtime.Broadcaster, logger *slog.Logger, opts Options) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		source:      source,
		broadcaster: b,
		logger:      logger.With("component", "watch"),
		opts:        opts.withDefaults(),
	}
}

// Watch emits the job's current snapshot first, then every newer version. A job
// that is already terminal yields exactly one state and no subscription is made.
func (w *Watcher) Watch(ctx context.Context, jobID uuid.UUID) (*Stream, error) {
	job, err := w.source.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("fetching job snapshot: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := newStream(w.opts.Buffer, cancel)
	st, _ := s.accept(job)
	s.updates <- st

	if st.Terminal() {
		s.finish(nil)
		cancel()
		return s, nil
	}
	go w.follow(ctx, s, jobID)
	return s, nil
}

func (w *Watcher) follow(ctx context.Context, s *Stream, jobID uuid.UUID) {
	log := w.logger.With("job_id", jobID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.ReconnectInitial
	b.MaxInterval = w.opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if !sleep(ctx, b.NextBackOff()) {
				s.finish(ctx.Err())
				return
			}
			// state may have moved while nothing was listening
			if w.refresh(ctx, s, jobID, log) {
				s.finish(nil)
				return
			}
		}

		sub, err := w.broadcaster.Subscribe(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				s.finish(ctx.Err())
				return
			}
			log.Warn("subscribe failed, retrying", "error", err)
			continue
		}

		// a write may have landed between the snapshot and the subscription
		if w.refresh(ctx, s, jobID, log) {
			sub.Unsubscribe()
			s.finish(nil)
			return
		}

		err = w.consume(ctx, s, sub, jobID, log)
		sub.Unsubscribe()
		switch {
		case err == nil:
			s.finish(nil)
			return
		case ctx.Err() != nil:
			s.finish(ctx.Err())
			return
		}
		log.Info("subscription lost, reconnecting", "error", err)
		if errors.Is(err, realtime.ErrSlowSubscriber) {
			b.Reset()
		}
	}
}

// consume forwards subscription updates until the job is terminal (nil), ctx ends,
// or the subscription closes underneath it.
func (w *Watcher) consume(ctx context.Context, s *Stream, sub *realtime.Subscription, jobID uuid.UUID, log *slog.Logger) error {
	stall := time.NewTimer(w.opts.StallTimeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case job, ok := <-sub.Updates():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return realtime.ErrDisconnected
			}
			if st, ok := s.accept(job); ok {
				if !s.send(ctx, st) {
					return ctx.Err()
				}
				if st.Terminal() {
					return nil
				}
			}
			resetTimer(stall, w.opts.StallTimeout)

		case <-stall.C:
			before := s.Current().Job.Version
			if w.refresh(ctx, s, jobID, log) {
				return nil
			}
			if s.Current().Job.Version == before {
				log.Warn("no job updates within stall timeout", "timeout", w.opts.StallTimeout)
				if st, ok := s.markStalled(); ok && !s.send(ctx, st) {
					return ctx.Err()
				}
			}
			stall.Reset(w.opts.StallTimeout)
		}
	}
}

// refresh reads the ledger and emits the snapshot if it is newer. It reports
// whether the stream has reached a terminal state.
func (w *Watcher) refresh(ctx context.Context, s *Stream, jobID uuid.UUID, log *slog.Logger) bool {
	job, err := w.source.Get(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("refreshing job snapshot failed", "error", err)
		}
		return false
	}
	st, ok := s.accept(job)
	if !ok {
		return s.Current().Terminal()
	}
	if !s.send(ctx, st) {
		return false
	}
	return st.Terminal()
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
