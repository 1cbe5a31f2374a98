package ports

import (
	"context"

	"vigil/internal/domain"
)

// JobStore is the durable record of every job. Implementations must be safe
// for concurrent use; the dispatcher and poller may run on separate hosts.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	GetJobStatus(ctx context.Context, id string) (domain.JobStatus, error)

	// UpdateJobStatus applies a status transition. Terminal statuses are
	// absorbing: if the job is already terminal the call returns
	// domain.ErrJobTerminal and writes nothing. A non-empty reason replaces
	// the stored status reason.
	UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, reason string) error

	// SetPipelineRef records the external pipeline reference after a
	// successful trigger.
	SetPipelineRef(ctx context.Context, id, ref, webURL string) error

	// FindActiveJobForService returns the job holding the service's scan
	// slot (status QUEUED or RUNNING), if any.
	FindActiveJobForService(ctx context.Context, serviceID string) (*domain.Job, bool, error)

	CountActiveProjectsForUser(ctx context.Context, userID string) (int, error)

	// ListRunningWithRef returns every RUNNING job that has a concrete
	// external pipeline reference; input to the reconciliation poller.
	ListRunningWithRef(ctx context.Context) ([]domain.Job, error)

	// CancelQueued cancels a job only while it is still QUEUED.
	CancelQueued(ctx context.Context, id, reason string) error

	// DeleteJob removes a job record. Used only as the compensating action
	// when publishing the just-created job fails.
	DeleteJob(ctx context.Context, id string) error
}
