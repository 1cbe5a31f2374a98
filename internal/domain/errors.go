package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrScanActive means the service already has a queued or running job.
	ErrScanActive = errors.New("scan already in progress for service")

	// ErrJobNotFound is returned by store lookups for unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal means the job already reached a terminal status and the
	// requested transition was not applied.
	ErrJobTerminal = errors.New("job already finished")

	// ErrNotCancellable means the job left QUEUED before the cancellation
	// arrived; an already-dispatched pipeline is not cancelled at this layer.
	ErrNotCancellable = errors.New("job already picked up")

	// ErrPipelineNotFound means the external system does not know the
	// pipeline reference (404-equivalent, distinct from a failed query).
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrPipelineAuth means the external status query was rejected for
	// authorization reasons; the pipeline may still be executing.
	ErrPipelineAuth = errors.New("pipeline api authorization failed")
)

// QuotaError reports a user over their active-project quota.
type QuotaError struct {
	Current int
	Max     int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("active project quota exceeded (%d/%d)", e.Current, e.Max)
}
