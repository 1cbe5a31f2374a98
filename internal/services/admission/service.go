// Package admission decides whether a new scan job may be created and
// queued: a per-user active-project quota and a single-active-scan rule per
// service, reconciled against the external CI system for jobs that may have
// drifted from reality.
package admission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"vigil/internal/domain"
	"vigil/internal/ports"
)

type Service struct {
	store       ports.JobStore
	pipelines   ports.Pipelines
	maxProjects int
	log         *zap.Logger
}

func New(store ports.JobStore, pipelines ports.Pipelines, maxProjects int, log *zap.Logger) *Service {
	return &Service{store: store, pipelines: pipelines, maxProjects: maxProjects, log: log}
}

// UserQuota is the result of a user-quota check.
type UserQuota struct {
	Allowed bool
	Current int
	Max     int
}

// CheckUserQuota allows the user another active project iff they are under
// the quota. A store failure fails closed.
func (s *Service) CheckUserQuota(ctx context.Context, userID string) (UserQuota, error) {
	n, err := s.store.CountActiveProjectsForUser(ctx, userID)
	if err != nil {
		return UserQuota{Allowed: false, Max: s.maxProjects},
			fmt.Errorf("count active projects: %w", err)
	}
	return UserQuota{Allowed: n < s.maxProjects, Current: n, Max: s.maxProjects}, nil
}

// ScanDecision is the result of a single-active-scan check.
type ScanDecision struct {
	Allowed bool
	Reason  string
}

// CheckScanQuota enforces at most one queued-or-running job per service.
//
// QUEUED is trusted as-is: the job has not been dispatched, so it cannot have
// drifted. RUNNING is re-verified against the external system, which is the
// source of truth once a pipeline is triggered; that is where ghost jobs are
// detected and healed.
func (s *Service) CheckScanQuota(ctx context.Context, serviceID string) (ScanDecision, error) {
	job, found, err := s.store.FindActiveJobForService(ctx, serviceID)
	if err != nil {
		return ScanDecision{Allowed: false, Reason: "could not check service scan state"},
			fmt.Errorf("find active job: %w", err)
	}
	if !found {
		return ScanDecision{Allowed: true}, nil
	}

	if job.Status == domain.StatusQueued {
		return ScanDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("scan %s is still in the queue", job.ID),
		}, nil
	}

	// RUNNING without a pipeline reference: the dispatcher has picked the
	// job up but the trigger has not completed yet.
	if job.PipelineRef == "" {
		return ScanDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("scan %s is being dispatched", job.ID),
		}, nil
	}

	return s.verifyRunning(ctx, job)
}

// verifyRunning asks the external system about a RUNNING job's pipeline and
// corrects local status when the two disagree.
func (s *Service) verifyRunning(ctx context.Context, job *domain.Job) (ScanDecision, error) {
	info, err := s.pipelines.Status(ctx, job.PipelineRef)
	switch {
	case errors.Is(err, domain.ErrPipelineNotFound):
		// Ghost job: recorded as running, unknown upstream. Heal it so the
		// service is not blocked forever.
		reason := fmt.Sprintf("pipeline %s no longer exists", job.PipelineRef)
		if uerr := s.store.UpdateJobStatus(ctx, job.ID, domain.StatusFailedTrigger, reason); uerr != nil && !errors.Is(uerr, domain.ErrJobTerminal) {
			return ScanDecision{Allowed: false, Reason: "could not heal stale scan job"}, uerr
		}
		s.log.Warn("healed ghost job",
			zap.String("job_id", job.ID),
			zap.String("pipeline_ref", job.PipelineRef))
		return ScanDecision{Allowed: true}, nil

	case err != nil:
		// Auth or transport failure: we cannot tell whether the pipeline is
		// still executing, so fail closed.
		s.log.Warn("pipeline verification failed",
			zap.String("job_id", job.ID),
			zap.String("pipeline_ref", job.PipelineRef),
			zap.Error(err))
		return ScanDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("could not verify running pipeline %s", job.PipelineRef),
		}, nil
	}

	if status, terminal := info.State.JobStatus(); terminal {
		// The pipeline finished but the poller has not caught up; correct
		// the local record and free the slot.
		if uerr := s.store.UpdateJobStatus(ctx, job.ID, status, fmt.Sprintf("pipeline %s reported %s", job.PipelineRef, info.State)); uerr != nil && !errors.Is(uerr, domain.ErrJobTerminal) {
			return ScanDecision{Allowed: false, Reason: "could not update finished scan job"}, uerr
		}
		return ScanDecision{Allowed: true}, nil
	}

	return ScanDecision{
		Allowed: false,
		Reason:  fmt.Sprintf("pipeline %s is still %s", job.PipelineRef, info.State),
	}, nil
}
