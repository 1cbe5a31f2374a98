// Package intake is the admission path for new scan requests: quota checks,
// durable job creation, and publishing onto the correct lane.
package intake

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"vigil/internal/domain"
	"vigil/internal/ports"
	"vigil/internal/queue"
	"vigil/internal/services/admission"
)

const (
	defaultPriority = 5
	minPriority     = 1
	maxPriority     = 10
)

// ErrInvalid marks request validation failures so the transport layer can
// tell them apart from infrastructure errors.
var ErrInvalid = errors.New("invalid scan request")

type Service struct {
	store     ports.JobStore
	queue     ports.Queue
	admission *admission.Service
	log       *zap.Logger
}

func New(store ports.JobStore, q ports.Queue, adm *admission.Service, log *zap.Logger) *Service {
	return &Service{store: store, queue: q, admission: adm, log: log}
}

// Request is an incoming scan request, credentials already resolved by the
// caller.
type Request struct {
	UserID    string
	ServiceID string
	Lane      domain.Lane
	Priority  int

	RepoURL         string
	ContextPath     string
	IsPrivate       bool
	ImageName       string
	ImageTag        string
	CustomBuildFile string
	Username        string

	GitCredential      string
	RegistryCredential string
}

func (r Request) validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: userId is required", ErrInvalid)
	case r.ServiceID == "":
		return fmt.Errorf("%w: serviceId is required", ErrInvalid)
	case !r.Lane.Valid():
		return fmt.Errorf("%w: lane must be %s or %s", ErrInvalid, domain.LaneBuild, domain.LaneScan)
	case r.RepoURL == "":
		return fmt.Errorf("%w: repoUrl is required", ErrInvalid)
	}
	u, err := url.Parse(r.RepoURL)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("%w: repoUrl is not a valid URL", ErrInvalid)
	}
	return nil
}

// Submit admits, records and enqueues a scan request, returning the new job
// id. Admission failures surface as *domain.QuotaError or
// domain.ErrScanActive before any record exists; a publish failure rolls the
// record back so the service slot is not leaked.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	quota, err := s.admission.CheckUserQuota(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if !quota.Allowed {
		return "", &domain.QuotaError{Current: quota.Current, Max: quota.Max}
	}

	decision, err := s.admission.CheckScanQuota(ctx, req.ServiceID)
	if err != nil {
		return "", err
	}
	if !decision.Allowed {
		return "", fmt.Errorf("%w: %s", domain.ErrScanActive, decision.Reason)
	}

	job := s.buildJob(req)
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	body, err := queue.Encode(job)
	if err != nil {
		_ = s.store.DeleteJob(ctx, job.ID)
		return "", err
	}
	if err := s.queue.Publish(ctx, queue.ForLane(job.Lane), body, job.Priority, job.UserID); err != nil {
		// Compensate: without the queue message the record would hold the
		// service's scan slot forever.
		if derr := s.store.DeleteJob(ctx, job.ID); derr != nil {
			s.log.Error("rollback of unpublished job failed",
				zap.String("job_id", job.ID), zap.Error(derr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	s.log.Info("job admitted",
		zap.String("job_id", job.ID),
		zap.String("lane", string(job.Lane)),
		zap.String("service_id", job.ServiceID),
		zap.String("user_id", job.UserID),
		zap.String("repo", repoDomain(job.RepoURL)),
		zap.Int("priority", job.Priority))
	return job.ID, nil
}

// repoDomain reduces a repository URL to its registrable domain for log
// fields; full URLs of private repositories stay out of the logs.
func repoDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if reg, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return reg
	}
	return host
}

func (s *Service) buildJob(req Request) *domain.Job {
	priority := req.Priority
	if priority < minPriority || priority > maxPriority {
		priority = defaultPriority
	}
	return &domain.Job{
		ID:                 uuid.New().String(),
		Lane:               req.Lane,
		Status:             domain.StatusQueued,
		Priority:           priority,
		UserID:             req.UserID,
		ServiceID:          req.ServiceID,
		RepoURL:            req.RepoURL,
		ContextPath:        req.ContextPath,
		IsPrivate:          req.IsPrivate,
		ImageName:          req.ImageName,
		ImageTag:           req.ImageTag,
		CustomBuildFile:    req.CustomBuildFile,
		Username:           req.Username,
		GitCredential:      req.GitCredential,
		RegistryCredential: req.RegistryCredential,
		CreatedAt:          time.Now().UTC(),
	}
}

// Job returns the stored job for status queries.
func (s *Service) Job(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Cancel cancels a job that is still queued. Once dispatched, cancellation
// is a no-op at this layer.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.store.CancelQueued(ctx, id, "cancelled by user"); err != nil {
		return err
	}
	s.log.Info("job cancelled", zap.String("job_id", id))
	return nil
}
