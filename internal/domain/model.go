package domain

import "time"

// Core domain models used internally. Transport representations (queue
// messages, API payloads) live next to their adapters; keep these decoupled.

// Lane is an independently capacity-limited queue category.
type Lane string

const (
	LaneBuild Lane = "BUILD"
	LaneScan  Lane = "SCAN"
)

func (l Lane) Valid() bool { return l == LaneBuild || l == LaneScan }

// JobStatus enumerates the states of a scan job.
type JobStatus string

const (
	StatusQueued        JobStatus = "QUEUED"
	StatusRunning       JobStatus = "RUNNING"
	StatusSuccess       JobStatus = "SUCCESS"
	StatusFailed        JobStatus = "FAILED"
	StatusFailedTrigger JobStatus = "FAILED_TRIGGER"
	StatusCancelled     JobStatus = "CANCELLED"
)

// Terminal reports whether the status is absorbing: once a job reaches a
// terminal status, no component writes a different one.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusFailedTrigger, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the job still occupies its service's scan slot.
func (s JobStatus) Active() bool { return s == StatusQueued || s == StatusRunning }

// Job is the unit of work: one requested scan or build of a repository.
//
// PipelineRef is the identifier of the external pipeline run; it is empty
// until the dispatcher has triggered the pipeline successfully.
type Job struct {
	ID           string
	Lane         Lane
	Status       JobStatus
	StatusReason string
	Priority     int

	UserID    string
	ServiceID string

	RepoURL         string
	ContextPath     string
	IsPrivate       bool
	ImageName       string
	ImageTag        string
	CustomBuildFile string
	Username        string

	// Credential material for the external trigger; opaque at this layer,
	// already resolved by the caller.
	GitCredential      string
	RegistryCredential string

	PipelineRef string
	PipelineURL string

	CreatedAt  time.Time
	FinishedAt *time.Time
}

// PipelineState is the external CI system's vocabulary for a pipeline run.
type PipelineState string

const (
	PipelineCreated  PipelineState = "created"
	PipelinePending  PipelineState = "pending"
	PipelineRunning  PipelineState = "running"
	PipelineSuccess  PipelineState = "success"
	PipelineFailed   PipelineState = "failed"
	PipelineCanceled PipelineState = "canceled"
	PipelineSkipped  PipelineState = "skipped"
)

// JobStatus maps a terminal pipeline state to the local job status. The
// second return is false while the pipeline is still active.
func (s PipelineState) JobStatus() (JobStatus, bool) {
	switch s {
	case PipelineSuccess:
		return StatusSuccess, true
	case PipelineFailed, PipelineSkipped:
		return StatusFailed, true
	case PipelineCanceled:
		return StatusCancelled, true
	}
	return "", false
}

// PipelineInfo is the external system's answer for one pipeline reference.
type PipelineInfo struct {
	State  PipelineState
	WebURL string
}
