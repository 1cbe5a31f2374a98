// Package dispatcher consumes admitted jobs from the queue lanes and starts
// their external pipelines. One consumer loop runs per lane, each bounded by
// the lane's prefetch limit; the sum of the limits caps concurrent external
// pipelines system-wide.
package dispatcher

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vigil/internal/domain"
	"vigil/internal/ports"
	"vigil/internal/queue"
)

type Dispatcher struct {
	store     ports.JobStore
	queue     ports.Queue
	pipelines ports.Pipelines
	limits    map[domain.Lane]int
	log       *zap.Logger
}

func New(store ports.JobStore, q ports.Queue, pipelines ports.Pipelines, limits map[domain.Lane]int, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, queue: q, pipelines: pipelines, limits: limits, log: log}
}

// Run starts one consumer loop per configured lane and blocks until ctx is
// done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for lane, limit := range d.limits {
		lane, limit := lane, limit
		g.Go(func() error {
			d.log.Info("lane consumer started",
				zap.String("lane", string(lane)), zap.Int("prefetch", limit))
			return d.queue.Consume(ctx, queue.ForLane(lane), limit, d.Handle)
		})
	}
	return g.Wait()
}

// Handle processes one delivery through the dispatch state machine. The
// message is acknowledged only after a terminal outcome, so a crash mid-way
// leads to redelivery; the status re-read below makes redelivery harmless.
func (d *Dispatcher) Handle(ctx context.Context, del ports.Delivery) {
	msg, err := queue.Decode(del.Body())
	if err != nil {
		// Unrecoverable: dead-letter, never retried.
		d.log.Error("malformed job message", zap.Error(err))
		if rerr := del.Reject(ctx, false); rerr != nil {
			d.log.Error("dead-letter reject failed", zap.Error(rerr))
		}
		return
	}
	log := d.log.With(zap.String("job_id", msg.ID), zap.String("lane", string(msg.Lane)))

	// Re-read current status from the store. The job may have been
	// cancelled since enqueue, or this may be a redelivery of a message
	// whose job already finished; either way, acknowledge and do nothing so
	// no duplicate pipeline is ever triggered.
	status, err := d.store.GetJobStatus(ctx, msg.ID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		log.Warn("job deleted before pickup, dropping message")
		d.ack(ctx, del, log)
		return
	case err != nil:
		log.Warn("status pre-check failed, requeueing", zap.Error(err))
		if rerr := del.Reject(ctx, true); rerr != nil {
			log.Error("requeue failed", zap.Error(rerr))
		}
		return
	case status.Terminal():
		log.Info("job already finished, dropping message", zap.String("status", string(status)))
		d.ack(ctx, del, log)
		return
	}

	if err := d.store.UpdateJobStatus(ctx, msg.ID, domain.StatusRunning, ""); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			d.ack(ctx, del, log)
			return
		}
		log.Warn("could not mark job running, requeueing", zap.Error(err))
		if rerr := del.Reject(ctx, true); rerr != nil {
			log.Error("requeue failed", zap.Error(rerr))
		}
		return
	}

	ref, webURL, err := d.pipelines.Trigger(ctx, msg.Job())
	if err != nil {
		// Terminal: retrying a non-idempotent trigger could start a
		// duplicate external run.
		log.Error("pipeline trigger failed", zap.Error(err))
		if uerr := d.store.UpdateJobStatus(ctx, msg.ID, domain.StatusFailedTrigger, err.Error()); uerr != nil && !errors.Is(uerr, domain.ErrJobTerminal) {
			log.Error("could not record trigger failure", zap.Error(uerr))
		}
		d.ack(ctx, del, log)
		return
	}

	if err := d.store.SetPipelineRef(ctx, msg.ID, ref, webURL); err != nil {
		// The pipeline is running; without the reference the poller cannot
		// reconcile it, but redelivering would trigger a duplicate. Record
		// loudly and acknowledge.
		log.Error("could not store pipeline reference",
			zap.String("pipeline_ref", ref), zap.Error(err))
	}
	log.Info("pipeline triggered", zap.String("pipeline_ref", ref))
	d.ack(ctx, del, log)
}

func (d *Dispatcher) ack(ctx context.Context, del ports.Delivery, log *zap.Logger) {
	if err := del.Ack(ctx); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}
