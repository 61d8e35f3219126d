package realtime

import (
	"sync"

	"github.com/kiranshivaraju/genflow/pkg/models"
)

// Subscription is a live feed of job snapshots for one channel.
// Updates is closed when the subscription ends; Err then tells why.
type Subscription struct {
	channel string
	updates chan *models.Job
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	err    error

	cleanupOnce sync.Once
	cleanup     func()
}

func newSubscription(channel string, buffer int, cleanup func()) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if cleanup == nil {
		cleanup = func() {}
	}
	return &Subscription{
		channel: channel,
		updates: make(chan *models.Job, buffer),
		done:    make(chan struct{}),
		cleanup: cleanup,
	}
}

func (s *Subscription) Channel() string { return s.channel }

func (s *Subscription) Updates() <-chan *models.Job { return s.updates }

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is nil while the subscription is open and after a plain Unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe ends the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.closeWith(nil)
}

// closeWith ends the subscription with err and releases transport resources.
// Must not be called while holding a lock that cleanup takes.
func (s *Subscription) closeWith(err error) {
	s.mu.Lock()
	s.markClosedLocked(err)
	s.mu.Unlock()
	s.cleanupOnce.Do(s.cleanup)
}

func (s *Subscription) markClosedLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.updates)
	close(s.done)
}

// deliver queues job without blocking. A full buffer closes the subscription with
// ErrSlowSubscriber; the caller must then call closeWith to release resources.
func (s *Subscription) deliver(job *models.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.updates <- job:
		return true
	default:
		s.markClosedLocked(ErrSlowSubscriber)
		return false
	}
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
