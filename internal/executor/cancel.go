package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CancelSource carries cancellation requests from the API to running executors.
type CancelSource interface {
	RequestCancel(ctx context.Context, jobID uuid.UUID) error
	CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	// WaitCancel blocks until cancellation of jobID is requested (returning nil) or
	// ctx ends (returning its error). A request made before the call counts.
	WaitCancel(ctx context.Context, jobID uuid.UUID) error
}

const localCancelTTL = 24 * time.Hour

// LocalCancels is the in-process CancelSource used when API and executors share a
// process.
type LocalCancels struct {
	mu        sync.Mutex
	requested map[uuid.UUID]time.Time
	waiters   map[uuid.UUID][]chan struct{}
}

// NewLocalCancels creates an in-process cancel source.
func NewLocalCancels() *LocalCancels {
	return &LocalCancels{
		requested: make(map[uuid.UUID]time.Time),
		waiters:   make(map[uuid.UUID][]chan struct{}),
	}
}

// RequestCancel records a cancel request and wakes any waiter for the job.
func (c *LocalCancels) RequestCancel(_ context.Context, jobID uuid.UUID) error {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, at := range c.requested {
		if now.Sub(at) > localCancelTTL {
			delete(c.requested, id)
		}
	}
	c.requested[jobID] = now
	for _, ch := range c.waiters[jobID] {
		close(ch)
	}
	delete(c.waiters, jobID)
	return nil
}

func (c *LocalCancels) CancelRequested(_ context.Context, jobID uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.requested[jobID]
	return ok, nil
}

// WaitCancel blocks until a cancel is requested for jobID or ctx ends.
func (c *LocalCancels) WaitCancel(ctx context.Context, jobID uuid.UUID) error {
	c.mu.Lock()
	if _, ok := c.requested[jobID]; ok {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters[jobID] = append(c.waiters[jobID], ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		c.removeWaiter(jobID, ch)
		return ctx.Err()
	}
}

func (c *LocalCancels) removeWaiter(jobID uuid.UUID, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[jobID]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(c.waiters, jobID)
	} else {
		c.waiters[jobID] = ws
	}
}

var _ CancelSource = (*LocalCancels)(nil)
