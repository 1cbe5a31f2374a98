// Package poller reconciles RUNNING jobs against the external CI system.
// The dispatcher learns about a pipeline only once, when it triggers it;
// everything after that is observed here.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vigil/internal/domain"
	"vigil/internal/ports"
)

type Poller struct {
	store     ports.JobStore
	pipelines ports.Pipelines
	interval  time.Duration
	log       *zap.Logger
}

func New(store ports.JobStore, pipelines ports.Pipelines, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{store: store, pipelines: pipelines, interval: interval, log: log}
}

// Run ticks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.log.Info("status poller started", zap.Duration("interval", p.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick reconciles every RUNNING job that has a pipeline reference.
func (p *Poller) Tick(ctx context.Context) {
	jobs, err := p.store.ListRunningWithRef(ctx)
	if err != nil {
		p.log.Warn("could not list running jobs", zap.Error(err))
		return
	}
	for _, job := range jobs {
		p.reconcile(ctx, job)
	}
}

func (p *Poller) reconcile(ctx context.Context, job domain.Job) {
	log := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("pipeline_ref", job.PipelineRef))

	info, err := p.pipelines.Status(ctx, job.PipelineRef)
	switch {
	case errors.Is(err, domain.ErrPipelineNotFound):
		// Deleted upstream; treat as cancellation so the slot frees.
		reason := fmt.Sprintf("pipeline %s was deleted upstream", job.PipelineRef)
		if uerr := p.store.UpdateJobStatus(ctx, job.ID, domain.StatusCancelled, reason); uerr != nil && !errors.Is(uerr, domain.ErrJobTerminal) {
			log.Error("could not cancel vanished job", zap.Error(uerr))
			return
		}
		log.Warn("pipeline vanished upstream, job cancelled")
		return

	case errors.Is(err, domain.ErrPipelineAuth):
		// An auth hiccup must never cancel a pipeline that may still be
		// executing. Log and leave the job RUNNING.
		log.Warn("pipeline status query unauthorized, leaving job running", zap.Error(err))
		return

	case err != nil:
		// Transient; the next tick retries.
		log.Warn("pipeline status query failed", zap.Error(err))
		return
	}

	status, terminal := info.State.JobStatus()
	if !terminal {
		return
	}
	reason := fmt.Sprintf("pipeline %s finished with %s", job.PipelineRef, info.State)
	if err := p.store.UpdateJobStatus(ctx, job.ID, status, reason); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			return
		}
		log.Error("could not record pipeline result", zap.Error(err))
		return
	}
	log.Info("job reconciled",
		zap.String("status", string(status)),
		zap.String("pipeline_state", string(info.State)))
}
