package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []*models.Job
	failures  int
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, job *models.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return p.err
	}
	p.published = append(p.published, job)
	return nil
}

func (p *recordingPublisher) Published() []*models.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.Job(nil), p.published...)
}

// brokenStore fails every call with an infrastructure error.
type brokenStore struct {
	store.Store
}

var errConnReset = errors.New("connection reset by peer")

func (brokenStore) CreateJob(context.Context, *models.Job) error { return errConnReset }
func (brokenStore) UpdateJob(context.Context, uuid.UUID, ...store.JobUpdateOption) (*models.Job, error) {
	return nil, errConnReset
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLedger(pub ledger.Publisher) (*ledger.Ledger, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return ledger.New(s, pub, discardLogger(), ledger.Options{PublishBackoff: time.Millisecond}), s
}

func createParams() ledger.CreateParams {
	return ledger.CreateParams{
		OwnerID:      uuid.New(),
		Kind:         models.JobKindGenerate,
		ProviderName: "fal-ai/flux/dev",
		Input:        json.RawMessage(`{"prompt":"lighthouse at dusk"}`),
	}
}

func TestCreate_PersistsAndPublishesPending(t *testing.T) {
	pub := &recordingPublisher{}
	l, s := newLedger(pub)

	job, err := l.Create(context.Background(), createParams())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, int64(1), job.Version)

	stored, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)

	published := pub.Published()
	require.Len(t, published, 1)
	assert.Equal(t, job.ID, published[0].ID)
	assert.Equal(t, models.JobStatusPending, published[0].Status)
}

func TestUpdate_PublishesEveryWriteInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	l, _ := newLedger(pub)
	ctx := context.Background()

	job, err := l.Create(ctx, createParams())
	require.NoError(t, err)

	_, err = l.Update(ctx, job.ID, store.WithStatus(models.JobStatusStarted), store.WithProgress(10, "accepted"))
	require.NoError(t, err)
	_, err = l.Update(ctx, job.ID, store.WithStatus(models.JobStatusProcessing), store.WithProgress(20, "preparing request"))
	require.NoError(t, err)

	published := pub.Published()
	require.Len(t, published, 3)
	for i, j := range published {
		assert.Equal(t, int64(i+1), j.Version)
	}
	assert.Equal(t, models.JobStatusProcessing, published[2].Status)
}

func TestUpdate_DomainErrorsPassThroughWithoutPublish(t *testing.T) {
	pub := &recordingPublisher{}
	l, _ := newLedger(pub)
	ctx := context.Background()

	job, err := l.Create(ctx, createParams())
	require.NoError(t, err)

	_, err = l.Update(ctx, job.ID, store.WithStatus(models.JobStatusCompleted))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.False(t, ledger.IsWriteFailure(err))

	_, err = l.Update(ctx, uuid.New(), store.WithProgress(5, ""))
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Len(t, pub.Published(), 1, "only the create was broadcast")
}

func TestWrite_InfrastructureFailureIsWrapped(t *testing.T) {
	pub := &recordingPublisher{}
	l := ledger.New(brokenStore{}, pub, discardLogger(), ledger.Options{})

	_, err := l.Create(context.Background(), createParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrWriteFailed)
	assert.ErrorIs(t, err, errConnReset)
	assert.True(t, ledger.IsWriteFailure(err))

	_, err = l.Update(context.Background(), uuid.New(), store.WithProgress(1, ""))
	assert.ErrorIs(t, err, ledger.ErrWriteFailed)
	assert.Empty(t, pub.Published())
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	pub := &recordingPublisher{failures: 2, err: errors.New("redis: connection refused")}
	l, _ := newLedger(pub)

	job, err := l.Create(context.Background(), createParams())
	require.NoError(t, err)
	require.Len(t, pub.Published(), 1)
	assert.Equal(t, job.ID, pub.Published()[0].ID)
}

func TestPublish_FinalFailureReturnsPersistedJob(t *testing.T) {
	pub := &recordingPublisher{failures: 10, err: errors.New("redis: connection refused")}
	l, s := newLedger(pub)

	job, err := l.Create(context.Background(), createParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPublishFailed)
	require.NotNil(t, job, "persisted job is returned with the publish error")

	_, getErr := s.GetJob(context.Background(), job.ID)
	assert.NoError(t, getErr)
}

func TestJanitor_SweepRemovesOldTerminalJobs(t *testing.T) {
	pub := &recordingPublisher{}
	l, _ := newLedger(pub)
	ctx := context.Background()

	old, err := l.Create(ctx, createParams())
	require.NoError(t, err)
	_, err = l.Update(ctx, old.ID, store.WithStatus(models.JobStatusFailed), store.WithJobError("validation_error", "bad"))
	require.NoError(t, err)
	live, err := l.Create(ctx, createParams())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	j := ledger.NewJanitor(l, time.Millisecond, time.Hour, discardLogger())
	assert.Equal(t, int64(1), j.Sweep(ctx))

	_, err = l.Get(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = l.Get(ctx, live.ID)
	assert.NoError(t, err)
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	l, _ := newLedger(&recordingPublisher{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- ledger.NewJanitor(l, time.Hour, 10*time.Millisecond, discardLogger()).Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestJanitor_NonPositiveIntervalDoesNotPanic(t *testing.T) {
	l, _ := newLedger(&recordingPublisher{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NotPanics(t, func() {
		assert.NoError(t, ledger.NewJanitor(l, time.Hour, 0, discardLogger()).Run(ctx))
	})
}
