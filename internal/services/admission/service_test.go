package admission

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vigil/internal/domain"
	"vigil/internal/ports/portstest"
)

func newService(store *portstest.FakeStore, pipelines *portstest.FakePipelines) *Service {
	return New(store, pipelines, 6, zap.NewNop())
}

func activeJob(id, user, service string, status domain.JobStatus, ref string) *domain.Job {
	return &domain.Job{
		ID: id, Lane: domain.LaneScan, Status: status,
		UserID: user, ServiceID: service, PipelineRef: ref,
	}
}

func TestCheckUserQuotaUnderLimit(t *testing.T) {
	store := portstest.NewFakeStore(
		activeJob("j1", "u1", "s1", domain.StatusQueued, ""),
		activeJob("j2", "u1", "s2", domain.StatusRunning, "900"),
	)
	svc := newService(store, &portstest.FakePipelines{})

	q, err := svc.CheckUserQuota(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, q.Allowed)
	assert.Equal(t, 2, q.Current)
	assert.Equal(t, 6, q.Max)
}

func TestCheckUserQuotaAtLimit(t *testing.T) {
	jobs := make([]*domain.Job, 0, 6)
	for i := 0; i < 6; i++ {
		jobs = append(jobs, activeJob(
			fmt.Sprintf("j%d", i), "u1", fmt.Sprintf("s%d", i), domain.StatusQueued, ""))
	}
	svc := newService(portstest.NewFakeStore(jobs...), &portstest.FakePipelines{})

	q, err := svc.CheckUserQuota(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, q.Allowed)
	assert.Equal(t, 6, q.Current)
	assert.Equal(t, 6, q.Max)
}

func TestCheckUserQuotaFailsClosedOnStoreError(t *testing.T) {
	store := portstest.NewFakeStore()
	store.CountErr = errors.New("connection refused")
	svc := newService(store, &portstest.FakePipelines{})

	q, err := svc.CheckUserQuota(context.Background(), "u1")
	assert.Error(t, err)
	assert.False(t, q.Allowed)
}

func TestCheckScanQuotaNoActiveJob(t *testing.T) {
	svc := newService(portstest.NewFakeStore(), &portstest.FakePipelines{})

	dec, err := svc.CheckScanQuota(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestCheckScanQuotaQueuedJobBlocks(t *testing.T) {
	store := portstest.NewFakeStore(activeJob("j1", "u1", "s1", domain.StatusQueued, ""))
	svc := newService(store, &portstest.FakePipelines{})

	dec, err := svc.CheckScanQuota(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "queue")
}

func TestCheckScanQuotaRunningWithoutRefBlocks(t *testing.T) {
	store := portstest.NewFakeStore(activeJob("j1", "u1", "s1", domain.StatusRunning, ""))
	svc := newService(store, &portstest.FakePipelines{})

	dec, err := svc.CheckScanQuota(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "dispatched")
}

func TestCheckScanQuotaActivePipelineBlocks(t *testing.T) {
	store := portstest.NewFakeStore(activeJob("j1", "u1", "s1", domain.StatusRunning, "999"))
	pipelines := &portstest.FakePipelines{Statuses: map[string]domain.PipelineInfo{
		"999": {State: domain.PipelineRunning},
	}}
	svc := newService(store, pipelines)

	dec, err := svc.CheckScanQuota(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "999")
}

func TestCheckScanQuotaHealsGhostJob(t *testing.T) {
	store := portstest.NewFakeStore(activeJob("j1", "u1", "s1", domain.StatusRunning, "999"))
	svc := newService(store, &portstest.FakePipelines{})

	dec, err := svc.CheckScanQuota(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	job, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailedTrigger, job.Status)
	assert.Contains(t, job.StatusReason, "999")
}

func TestCheckScanQuotaCorrectsFinishedPipeline(t *testing.T) {
	cases := []struct {
		state domain.PipelineState
		want  domain.JobStatus
	}{
		{domain.PipelineSuccess, domain.StatusSuccess},
		{domain.PipelineFailed, domain.StatusFailed},
		{domain.PipelineSkipped, domain.StatusFailed},
		{domain.PipelineCanceled, domain.StatusCancelled},
	}
	for _, tc := range cases {
		t.Run(string(tc.state), func(t *testing.T) {
			store := portstest.NewFakeStore(activeJob("j1", "u1", "s1", domain.StatusRunning, "999"))
			pipelines := &portstest.FakePipelines{Statuses: map[string]domain.PipelineInfo{
				"999": {State: tc.state},
			}}
			svc := newService(store, pipelines)

			dec, err := svc.CheckScanQuota(context.Background(), "s1")
			require.NoError(t, err)
			assert.True(t, dec.Allowed)

			job, err := store.GetJob(context.Background(), "j1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, job.Status)
		})
	}
}

func TestCheckScanQuotaFailsClosedOnVerificationError(t *testing.T) {
	store := portstest.NewFakeStore(activeJob("j1", "u1", "s1", domain.StatusRunning, "999"))
	pipelines := &portstest.FakePipelines{StatusErr: errors.New("dial tcp: timeout")}
	svc := newService(store, pipelines)

	dec, err := svc.CheckScanQuota(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "verify")

	// The job is left untouched: an unreachable CI system is not evidence
	// that the pipeline stopped.
	job, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, job.Status)
}

func TestCheckScanQuotaFailsClosedOnStoreError(t *testing.T) {
	store := portstest.NewFakeStore()
	store.FindErr = errors.New("connection refused")
	svc := newService(store, &portstest.FakePipelines{})

	dec, err := svc.CheckScanQuota(context.Background(), "s1")
	assert.Error(t, err)
	assert.False(t, dec.Allowed)
}
