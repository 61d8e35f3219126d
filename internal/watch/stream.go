package watch

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/genflow/pkg/models"
)

// Stream delivers the observed states of one job in version order. Updates is
// closed once the job is terminal, the stream is closed, or its context ends.
type Stream struct {
	updates chan State
	done    chan struct{}
	cancel  context.CancelFunc

	mu      sync.Mutex
	current State
	err     error
	closed  bool
}

func newStream(buffer int, cancel context.CancelFunc) *Stream {
	return &Stream{
		updates: make(chan State, buffer),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
}

func (s *Stream) Updates() <-chan State { return s.updates }

// Current returns the last emitted state.
func (s *Stream) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Err returns why the stream ended early. It is nil while the stream runs, after
// a terminal state, and after Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and waits for its goroutine to exit.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
}

// accept records job as the current state if it is newer than what was already
// emitted. Stale and duplicate versions are dropped.
func (s *Stream) accept(job *models.Job) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Job != nil && job.Version <= s.current.Job.Version {
		return State{}, false
	}
	s.current = NewState(job)
	return s.current, true
}

// markStalled flags the current state as stalled. It reports false when the state
// was already flagged.
func (s *Stream) markStalled() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Stalled || s.current.Job == nil {
		return State{}, false
	}
	s.current.Stalled = true
	return s.current, true
}

func (s *Stream) send(ctx context.Context, st State) bool {
	select {
	case s.updates <- st:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish closes Updates. Only the goroutine that owns the stream calls it.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if !s.closed {
		s.err = err
	}
	s.mu.Unlock()
	close(s.updates)
	close(s.done)
}
