package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kiranshivaraju/genflow/internal/provider"
)

// MockProvider satisfies provider.Adapter for testing and for the zero-infra dev mode.
type MockProvider struct {
	Name_      string
	InvokeFunc func(ctx context.Context, req provider.Request, onProgress provider.ProgressFunc) (provider.Result, error)

	mu    sync.Mutex
	calls int
}

func (m *MockProvider) Name() string { return m.Name_ }

// Invoke plays the next scripted attempt.
func (m *MockProvider) Invoke(ctx context.Context, req provider.Request, onProgress provider.ProgressFunc) (provider.Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if onProgress == nil {
		onProgress = func(int, string) {}
	}
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, req, onProgress)
	}
	return provider.Result{Output: json.RawMessage(`{}`)}, nil
}

// Calls returns how many times Invoke ran.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func sampleOutput(req provider.Request) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"images":[{"url":"mock://%s.png","content_type":"image/png"}]}`, req.JobID))
}

// NewMockProvider returns a MockProvider that reports a short progress ramp and succeeds.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		InvokeFunc: func(_ context.Context, req provider.Request, onProgress provider.ProgressFunc) (provider.Result, error) {
			onProgress(provider.QueuedProgress(0), "queued (position 0)")
			onProgress(provider.ProcessingProgress(1), "processing")
			return provider.Result{Output: sampleOutput(req), RequestID: "mock-" + req.JobID.String()}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		InvokeFunc: func(_ context.Context, _ provider.Request, _ provider.ProgressFunc) (provider.Result, error) {
			return provider.Result{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		InvokeFunc: func(ctx context.Context, _ provider.Request, _ provider.ProgressFunc) (provider.Result, error) {
			<-ctx.Done()
			return provider.Result{}, ctx.Err()
		},
	}
}

// Step is one progress report, emitted after Delay.
type Step struct {
	Progress int
	Message  string
	Delay    time.Duration
}

// Attempt scripts one Invoke call. A nil Err with nil Output succeeds with a sample output.
type Attempt struct {
	Steps  []Step
	Output json.RawMessage
	Err    error
}

// NewScriptedProvider plays attempts in order, one per Invoke call; calls beyond the
// script repeat the last attempt. Delays honour cancellation.
func NewScriptedProvider(attempts ...Attempt) *MockProvider {
	m := &MockProvider{Name_: "mock-scripted"}
	var (
		mu   sync.Mutex
		next int
	)
	m.InvokeFunc = func(ctx context.Context, req provider.Request, onProgress provider.ProgressFunc) (provider.Result, error) {
		if len(attempts) == 0 {
			return provider.Result{Output: sampleOutput(req)}, nil
		}
		mu.Lock()
		a := attempts[min(next, len(attempts)-1)]
		next++
		mu.Unlock()

		for _, s := range a.Steps {
			if s.Delay > 0 {
				timer := time.NewTimer(s.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return provider.Result{}, ctx.Err()
				case <-timer.C:
				}
			}
			onProgress(s.Progress, s.Message)
		}
		if err := ctx.Err(); err != nil {
			return provider.Result{}, err
		}
		if a.Err != nil {
			return provider.Result{}, a.Err
		}
		out := a.Output
		if out == nil {
			out = sampleOutput(req)
		}
		return provider.Result{Output: out, RequestID: "mock-" + req.JobID.String()}, nil
	}
	return m
}

// NewDemoProvider walks through queue and processing phases with real delays so the
// realtime plane has something to show in dev mode.
func NewDemoProvider(tick time.Duration) *MockProvider {
	steps := []Step{
		{Progress: provider.QueuedProgress(2), Message: "queued (position 2)", Delay: tick},
		{Progress: provider.QueuedProgress(0), Message: "queued (position 0)", Delay: tick},
	}
	for i := 1; i <= 5; i++ {
		steps = append(steps, Step{
			Progress: provider.ProcessingProgress(i),
			Message:  fmt.Sprintf("denoising step %d/5", i),
			Delay:    tick,
		})
	}
	m := NewScriptedProvider(Attempt{Steps: steps})
	m.Name_ = "mock-demo"
	return m
}

// Compile-time check that MockProvider implements Adapter.
var _ provider.Adapter = (*MockProvider)(nil)
