package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/dispatch"
	"github.com/kiranshivaraju/genflow/internal/executor"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/internal/provider"
	"github.com/kiranshivaraju/genflow/internal/provider/mock"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const model = "fal-ai/flux/dev"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (p *recordingPublisher) Publish(_ context.Context, job *models.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingPublisher) statuses() []models.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.JobStatus, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.Status)
	}
	return out
}

func (p *recordingPublisher) progress() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.Progress)
	}
	return out
}

func (p *recordingPublisher) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.ProgressMessage)
	}
	return out
}

type recordingSettler struct {
	mu      sync.Mutex
	settled []*models.Job
}

func (s *recordingSettler) Settle(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled = append(s.settled, job)
	return nil
}

func (s *recordingSettler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.settled)
}

// flakyStore fails the first failures UpdateJob calls with an infrastructure error.
type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int32
}

var errConnReset = errors.New("connection reset by peer")

func (s *flakyStore) UpdateJob(ctx context.Context, id uuid.UUID, opts ...store.JobUpdateOption) (*models.Job, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errConnReset
	}
	return s.MemoryStore.UpdateJob(ctx, id, opts...)
}

type harness struct {
	ledger    *ledger.Ledger
	publisher *recordingPublisher
	settler   *recordingSettler
	cancels   *executor.LocalCancels
	exec      *executor.Executor
}

func testOptions() executor.Options {
	return executor.Options{
		MaxAttempts:   3,
		RetryInitial:  time.Millisecond,
		RetryMax:      5 * time.Millisecond,
		WriteAttempts: 3,
		WriteBackoff:  time.Millisecond,
	}
}

func newHarness(t *testing.T, adapter provider.Adapter, s store.Store, opts executor.Options) *harness {
	t.Helper()
	if s == nil {
		s = store.NewMemoryStore()
	}
	h := &harness{
		publisher: &recordingPublisher{},
		settler:   &recordingSettler{},
		cancels:   executor.NewLocalCancels(),
	}
	h.ledger = ledger.New(s, h.publisher, discardLogger(), ledger.Options{PublishBackoff: time.Millisecond})
	reg := provider.NewRegistry()
	reg.Register(model, adapter)
	h.exec = executor.New(h.ledger, reg, h.settler, h.cancels, discardLogger(), opts)
	return h
}

func (h *harness) submit(t *testing.T, kind models.JobKind, input string) *models.Job {
	t.Helper()
	job, err := h.ledger.Create(context.Background(), ledger.CreateParams{
		OwnerID:      uuid.New(),
		Kind:         kind,
		ProviderName: model,
		Input:        json.RawMessage(input),
	})
	require.NoError(t, err)
	return job
}

func (h *harness) get(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) waitForStatus(t *testing.T, id uuid.UUID, status models.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := h.ledger.Get(context.Background(), id)
		return err == nil && job.Status == status
	}, 2*time.Second, 5*time.Millisecond)
}

func assertNonDecreasing(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress went backwards at %d: %v", i, values)
	}
}

func TestRun_HappyPath(t *testing.T) {
	adapter := mock.NewScriptedProvider(mock.Attempt{
		Steps: []mock.Step{
			{Progress: 35, Message: "queued (position 1)"},
			{Progress: 45, Message: "processing"},
		},
		Output: json.RawMessage(`{"url":"x"}`),
	})
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)
	task := dispatch.NewTask(job.ID)

	require.NoError(t, h.exec.Run(context.Background(), task))

	assert.Equal(t, []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusStarted,
		models.JobStatusProcessing,
		models.JobStatusProcessing,
		models.JobStatusProcessing,
		models.JobStatusCompleted,
	}, h.publisher.statuses())
	assert.Equal(t, []int{0, 10, 20, 35, 45, 100}, h.publisher.progress())

	final := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.JSONEq(t, `{"url":"x"}`, string(final.Output))
	assert.Nil(t, final.Error)
	require.NotNil(t, final.ExternalRef)
	assert.Equal(t, task.RunID, *final.ExternalRef)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 1, h.settler.count())
}

func TestRun_TransientErrorsAreRetried(t *testing.T) {
	transient := provider.Transient(provider.CodeProviderUnavailable, "503")
	adapter := mock.NewScriptedProvider(
		mock.Attempt{Steps: []mock.Step{{Progress: 35, Message: "queued"}}, Err: transient},
		mock.Attempt{Err: transient},
		mock.Attempt{Steps: []mock.Step{{Progress: 30, Message: "queued again"}, {Progress: 50, Message: "processing"}}},
	)
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))

	assert.Equal(t, 3, adapter.Calls())
	assert.Equal(t, models.JobStatusCompleted, h.get(t, job.ID).Status)
	assert.Contains(t, h.publisher.messages(), "retrying")
	// 30 on the third attempt is below what was already reported and is dropped
	assert.NotContains(t, h.publisher.messages(), "queued again")
	assertNonDecreasing(t, h.publisher.progress())
	assert.Equal(t, 1, h.settler.count())
}

func TestRun_TransientErrorsExhaustRetries(t *testing.T) {
	adapter := mock.NewFailingProvider(provider.Transient(provider.CodeProviderTimeout, "no result within 5m"))
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))

	assert.Equal(t, 3, adapter.Calls())
	final := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, provider.CodeProviderTimeout, final.Error.Code)
	assert.Equal(t, "no result within 5m", final.Error.Message)
	assert.Nil(t, final.Output)
	assert.Equal(t, 1, h.settler.count())
}

func TestRun_PermanentErrorFailsImmediately(t *testing.T) {
	adapter := mock.NewFailingProvider(provider.Permanent(provider.CodeQuotaExceeded, "status 402"))
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))

	assert.Equal(t, 1, adapter.Calls())
	final := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, provider.CodeQuotaExceeded, final.Error.Code)
}

func TestRun_UnclassifiedErrorIsPermanent(t *testing.T) {
	adapter := mock.NewFailingProvider(errors.New("unexpected EOF"))
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))

	assert.Equal(t, 1, adapter.Calls())
	assert.Equal(t, provider.CodeGenerationFailed, h.get(t, job.ID).Error.Code)
}

func TestRun_ValidationFailureSkipsStartedAndProcessing(t *testing.T) {
	adapter := mock.NewMockProvider()
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"num_images":2}`)

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))

	assert.Equal(t, []models.JobStatus{models.JobStatusPending, models.JobStatusFailed}, h.publisher.statuses())
	assert.Equal(t, 0, adapter.Calls())
	final := h.get(t, job.ID)
	require.NotNil(t, final.Error)
	assert.Equal(t, executor.CodeValidation, final.Error.Code)
	assert.Contains(t, final.Error.Message, "prompt")
	assert.Nil(t, final.StartedAt)
	assert.Equal(t, 1, h.settler.count())
}

func TestRun_UnknownProvider(t *testing.T) {
	h := newHarness(t, mock.NewMockProvider(), nil, testOptions())
	job, err := h.ledger.Create(context.Background(), ledger.CreateParams{
		OwnerID:      uuid.New(),
		Kind:         models.JobKindGenerate,
		ProviderName: "retired/model",
		Input:        json.RawMessage(`{"prompt":"cat"}`),
	})
	require.NoError(t, err)

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))
	assert.Equal(t, executor.CodeUnknownProvider, h.get(t, job.ID).Error.Code)
}

func TestRun_ProgressGuard(t *testing.T) {
	adapter := mock.NewScriptedProvider(mock.Attempt{Steps: []mock.Step{
		{Progress: 50, Message: "a"},
		{Progress: 40, Message: "lower"},
		{Progress: 50, Message: "repeat"},
		{Progress: 95, Message: "clamped"},
		{Progress: 99, Message: "still clamped"},
	}})
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))

	assert.Equal(t, []int{0, 10, 20, 50, 50, 90, 90, 100}, h.publisher.progress())
	assert.Equal(t, []string{"a", "repeat", "clamped", "still clamped"}, h.publisher.messages()[3:7])
}

func TestRun_SameProgressStillUpdatesMessage(t *testing.T) {
	steps := make([]mock.Step, 0, 3)
	for ticks := 40; ticks <= 42; ticks++ {
		steps = append(steps, mock.Step{
			Progress: provider.ProcessingProgress(ticks),
			Message:  fmt.Sprintf("step %d/50", ticks),
		})
	}
	adapter := mock.NewScriptedProvider(mock.Attempt{Steps: steps})
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))

	assert.Equal(t, []string{"step 40/50", "step 41/50", "step 42/50"}, h.publisher.messages()[3:6])
	progress := h.publisher.progress()
	assert.Equal(t, []int{79, 79, 79}, progress[3:6])
	assertNonDecreasing(t, progress)
}

func TestRun_DuplicateDeliveryIsNoOp(t *testing.T) {
	adapter := mock.NewMockProvider()
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))
	published := len(h.publisher.statuses())

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))
	assert.Equal(t, 1, adapter.Calls())
	assert.Len(t, h.publisher.statuses(), published)
	assert.Equal(t, 1, h.settler.count())
}

func TestRun_ConcurrentDeliveriesClaimOnce(t *testing.T) {
	adapter := mock.NewScriptedProvider(mock.Attempt{Steps: []mock.Step{{Progress: 50, Delay: 20 * time.Millisecond}}})
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, adapter.Calls())
	assert.Equal(t, models.JobStatusCompleted, h.get(t, job.ID).Status)
	assert.Equal(t, 1, h.settler.count())
}

func TestRun_NotFound(t *testing.T) {
	h := newHarness(t, mock.NewMockProvider(), nil, testOptions())
	err := h.exec.Run(context.Background(), dispatch.NewTask(uuid.New()))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_CancelMidRun(t *testing.T) {
	adapter := mock.NewTimeoutProvider()
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	done := make(chan error, 1)
	go func() { done <- h.exec.Run(context.Background(), dispatch.NewTask(job.ID)) }()

	h.waitForStatus(t, job.ID, models.JobStatusProcessing)
	require.NoError(t, h.cancels.RequestCancel(context.Background(), job.ID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	final := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Nil(t, final.Error)
	assert.Nil(t, final.Output)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 1, adapter.Calls())
	assert.Equal(t, 0, h.settler.count())
}

func TestRun_CancelRequestedBeforeClaim(t *testing.T) {
	adapter := mock.NewMockProvider()
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)
	require.NoError(t, h.cancels.RequestCancel(context.Background(), job.ID))

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))

	assert.Equal(t, 0, adapter.Calls())
	assert.Equal(t, []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusStarted,
		models.JobStatusCancelled,
	}, h.publisher.statuses())
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	adapter := mock.NewFailingProvider(provider.Transient(provider.CodeRateLimited, "429"))
	opts := testOptions()
	opts.RetryInitial = time.Minute
	opts.RetryMax = time.Minute
	h := newHarness(t, adapter, nil, opts)
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	done := make(chan error, 1)
	go func() { done <- h.exec.Run(context.Background(), dispatch.NewTask(job.ID)) }()

	require.Eventually(t, func() bool { return adapter.Calls() == 1 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.get(t, job.ID).ProgressMessage == "retrying"
	}, time.Second, 2*time.Millisecond)
	require.NoError(t, h.cancels.RequestCancel(context.Background(), job.ID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("backoff sleep was not interrupted")
	}
	assert.Equal(t, models.JobStatusCancelled, h.get(t, job.ID).Status)
	assert.Equal(t, 1, adapter.Calls())
}

func TestRun_ShutdownMarksInterrupted(t *testing.T) {
	h := newHarness(t, mock.NewTimeoutProvider(), nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.exec.Run(ctx, dispatch.NewTask(job.ID)) }()

	h.waitForStatus(t, job.ID, models.JobStatusProcessing)
	cancel()
	require.NoError(t, <-done)

	final := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, executor.CodeInterrupted, final.Error.Code)
	assert.Equal(t, 1, h.settler.count())
}

func TestRun_PanicIsRecordedAsInternalError(t *testing.T) {
	adapter := &mock.MockProvider{
		Name_: "mock-panic",
		InvokeFunc: func(context.Context, provider.Request, provider.ProgressFunc) (provider.Result, error) {
			panic("nil map write")
		},
	}
	h := newHarness(t, adapter, nil, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)

	err := h.exec.Run(context.Background(), dispatch.NewTask(job.ID))
	assert.ErrorIs(t, err, executor.ErrPanicked)

	final := h.get(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, executor.CodeInternal, final.Error.Code)
	assert.Contains(t, final.Error.Message, "nil map write")
}

func TestRun_LedgerWritesAreRetried(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	h := newHarness(t, mock.NewMockProvider(), fs, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)
	fs.failures.Store(2)

	require.NoError(t, h.exec.Run(context.Background(), dispatch.NewTask(job.ID)))
	assert.Equal(t, models.JobStatusCompleted, h.get(t, job.ID).Status)
}

func TestRun_PersistentLedgerFailureAbortsRun(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	adapter := mock.NewMockProvider()
	h := newHarness(t, adapter, fs, testOptions())
	job := h.submit(t, models.JobKindGenerate, `{"prompt":"cat"}`)
	fs.failures.Store(1000)

	err := h.exec.Run(context.Background(), dispatch.NewTask(job.ID))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrWriteFailed)
	assert.Equal(t, 0, adapter.Calls())
	assert.Equal(t, models.JobStatusPending, h.get(t, job.ID).Status)
}

func TestHandler(t *testing.T) {
	h := newHarness(t, mock.NewMockProvider(), nil, testOptions())
	job := h.submit(t, models.JobKindUpscale, `{"image_url":"https://cdn.example/a.png","scale":2}`)

	handler := h.exec.Handler()
	require.NoError(t, handler(context.Background(), dispatch.NewTask(job.ID)))
	assert.Equal(t, models.JobStatusCompleted, h.get(t, job.ID).Status)
}
