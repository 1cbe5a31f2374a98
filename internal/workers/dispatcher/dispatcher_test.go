package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"vigil/internal/domain"
	"vigil/internal/ports/portstest"
	"vigil/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newDispatcher(store *portstest.FakeStore, pipelines *portstest.FakePipelines) *Dispatcher {
	limits := map[domain.Lane]int{domain.LaneBuild: 4, domain.LaneScan: 6}
	return New(store, &portstest.FakeQueue{}, pipelines, limits, zap.NewNop())
}

func queuedJob(id string) *domain.Job {
	return &domain.Job{
		ID: id, Lane: domain.LaneScan, Status: domain.StatusQueued,
		UserID: "u1", ServiceID: "s1",
		RepoURL: "https://git.example.com/acme/api.git",
	}
}

func encode(t *testing.T, job *domain.Job) []byte {
	t.Helper()
	body, err := queue.Encode(job)
	require.NoError(t, err)
	return body
}

func TestHandleTriggersPipeline(t *testing.T) {
	job := queuedJob("j1")
	store := portstest.NewFakeStore(job)
	pipelines := &portstest.FakePipelines{}
	d := newDispatcher(store, pipelines)

	del := portstest.NewFakeDelivery(encode(t, job))
	d.Handle(context.Background(), del)

	assert.True(t, del.Acked())
	assert.Equal(t, 1, pipelines.Triggers())

	got, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.NotEmpty(t, got.PipelineRef)
}

func TestHandleMalformedMessageIsDeadLettered(t *testing.T) {
	pipelines := &portstest.FakePipelines{}
	d := newDispatcher(portstest.NewFakeStore(), pipelines)

	del := portstest.NewFakeDelivery([]byte(`{"id":`))
	d.Handle(context.Background(), del)

	assert.True(t, del.DeadLettered())
	assert.False(t, del.Acked())
	assert.Equal(t, 0, pipelines.Triggers())
}

func TestHandleCancelledJobIsSkipped(t *testing.T) {
	// The job was cancelled between enqueue and pickup; the message is
	// acknowledged and no pipeline is triggered.
	job := queuedJob("j1")
	body := encode(t, job)
	job.Status = domain.StatusCancelled
	store := portstest.NewFakeStore(job)
	pipelines := &portstest.FakePipelines{}
	d := newDispatcher(store, pipelines)

	del := portstest.NewFakeDelivery(body)
	d.Handle(context.Background(), del)

	assert.True(t, del.Acked())
	assert.Equal(t, 0, pipelines.Triggers())

	got, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestHandleRedeliveryAfterTerminalIsIdempotent(t *testing.T) {
	job := queuedJob("j1")
	body := encode(t, job)
	job.Status = domain.StatusSuccess
	store := portstest.NewFakeStore(job)
	pipelines := &portstest.FakePipelines{}
	d := newDispatcher(store, pipelines)

	del := portstest.NewFakeDelivery(body)
	d.Handle(context.Background(), del)

	assert.True(t, del.Acked())
	assert.Equal(t, 0, pipelines.Triggers())
	assert.Empty(t, store.StatusWrites)
}

func TestHandleDeletedJobIsDropped(t *testing.T) {
	pipelines := &portstest.FakePipelines{}
	d := newDispatcher(portstest.NewFakeStore(), pipelines)

	del := portstest.NewFakeDelivery(encode(t, queuedJob("gone")))
	d.Handle(context.Background(), del)

	assert.True(t, del.Acked())
	assert.Equal(t, 0, pipelines.Triggers())
}

func TestHandleTriggerFailureIsTerminal(t *testing.T) {
	job := queuedJob("j1")
	store := portstest.NewFakeStore(job)
	pipelines := &portstest.FakePipelines{TriggerErr: errors.New("context deadline exceeded")}
	d := newDispatcher(store, pipelines)

	del := portstest.NewFakeDelivery(encode(t, job))
	d.Handle(context.Background(), del)

	// Acknowledged, not requeued: retrying the trigger could start a
	// duplicate external run.
	assert.True(t, del.Acked())
	assert.False(t, del.Requeued())

	got, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailedTrigger, got.Status)
	assert.Contains(t, got.StatusReason, "deadline exceeded")
}

func TestHandleStoreOutageRequeues(t *testing.T) {
	job := queuedJob("j1")
	store := portstest.NewFakeStore(job)
	store.GetErr = errors.New("connection refused")
	pipelines := &portstest.FakePipelines{}
	d := newDispatcher(store, pipelines)

	del := portstest.NewFakeDelivery(encode(t, job))
	d.Handle(context.Background(), del)

	assert.True(t, del.Requeued())
	assert.False(t, del.Acked())
	assert.Equal(t, 0, pipelines.Triggers())
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	d := newDispatcher(portstest.NewFakeStore(), &portstest.FakePipelines{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
