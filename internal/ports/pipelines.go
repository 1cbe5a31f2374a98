package ports

import (
	"context"

	"vigil/internal/domain"
)

// Pipelines is the external CI system: it starts pipeline runs and reports
// their status. Status must distinguish an unknown reference
// (domain.ErrPipelineNotFound) and an authorization failure
// (domain.ErrPipelineAuth) from other query errors.
type Pipelines interface {
	Trigger(ctx context.Context, job *domain.Job) (ref, webURL string, err error)
	Status(ctx context.Context, ref string) (domain.PipelineInfo, error)
}
