package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrQueueClosed = errors.New("dispatch queue closed")

// LocalQueue is an in-process Queue for single-binary deployments and tests.
// Failed tasks are kept in memory in place of a dead-letter queue.
type LocalQueue struct {
	tasks  chan Task
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	dead   []Task
	closeC chan struct{}
}

// NewLocalQueue creates an in-process queue with the given buffer.
func NewLocalQueue(buffer int, logger *slog.Logger) *LocalQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalQueue{
		tasks:  make(chan Task, buffer),
		logger: logger.With("component", "local_queue"),
		closeC: make(chan struct{}),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, t Task) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- t:
		return nil
	case <-q.closeC:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume runs h with at most concurrency tasks in flight until ctx is done or
// the queue is closed.
func (q *LocalQueue) Consume(ctx context.Context, concurrency int, h Handler) error {
	jobs := make(chan delivery)
	done := make(chan struct{})
	go func() {
		runWorkers(ctx, concurrency, jobs, h, q.logger)
		close(done)
	}()
	defer func() {
		close(jobs)
		<-done
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.closeC:
			return nil
		case t := <-q.tasks:
			d := delivery{
				task: t,
				ack:  func() {},
				nack: func() {
					q.mu.Lock()
					q.dead = append(q.dead, t)
					q.mu.Unlock()
				},
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// DeadLetters returns the tasks whose handler failed.
func (q *LocalQueue) DeadLetters() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.dead...)
}

func (q *LocalQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.closeC)
	}
	return nil
}
