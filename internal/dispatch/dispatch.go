// Package dispatch delivers executor runs to workers. Each Task is handed to exactly
// one worker; failed handling is parked in a dead-letter destination.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var ErrDeliveriesClosed = errors.New("dispatch deliveries closed")

// Task asks a worker to run the executor for one job. RunID identifies this dispatch
// and is recorded on the job as its external reference.
type Task struct {
	JobID uuid.UUID `json:"job_id"`
	RunID string    `json:"run_id"`
}

// NewTask creates a task for jobID with a fresh run id.
func NewTask(jobID uuid.UUID) Task {
	return Task{JobID: jobID, RunID: ulid.Make().String()}
}

// Handler processes one task. A non-nil error dead-letters the task.
type Handler func(ctx context.Context, t Task) error

// Queue carries tasks from the API to executors.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	// Consume runs concurrency workers until ctx is done or the transport fails.
	Consume(ctx context.Context, concurrency int, h Handler) error
	Close() error
}

type delivery struct {
	task Task
	ack  func()
	nack func()
}

// runWorkers drains in with concurrency goroutines and returns once in is closed and
// every in-flight task has finished.
func runWorkers(ctx context.Context, concurrency int, in <-chan delivery, h Handler, logger *slog.Logger) {
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range in {
				if err := safeHandle(ctx, h, d.task); err != nil {
					logger.Error("task failed, dead-lettering",
						"worker", workerID, "job_id", d.task.JobID, "run_id", d.task.RunID, "error", err)
					d.nack()
					continue
				}
				d.ack()
			}
		}(i)
	}
	wg.Wait()
}

func safeHandle(ctx context.Context, h Handler, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling task: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, t)
}
