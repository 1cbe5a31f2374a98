// Package portstest provides in-memory fakes of the ports interfaces for
// package tests.
package portstest

import (
	"context"
	"fmt"
	"sync"

	"vigil/internal/domain"
	"vigil/internal/ports"
)

// FakeStore is an in-memory ports.JobStore with error injection. It enforces
// terminal absorption the way the real store does.
type FakeStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	CreateErr error
	GetErr    error
	CountErr  error
	FindErr   error
	UpdateErr error
	ListErr   error

	// StatusWrites records every applied UpdateJobStatus, in order.
	StatusWrites []domain.JobStatus
}

func NewFakeStore(jobs ...*domain.Job) *FakeStore {
	s := &FakeStore{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

var _ ports.JobStore = (*FakeStore)(nil)

func (s *FakeStore) CreateJob(ctx context.Context, job *domain.Job) error {
	if s.CreateErr != nil {
		return s.CreateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *FakeStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *FakeStore) GetJobStatus(ctx context.Context, id string) (domain.JobStatus, error) {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	return j.Status, nil
}

func (s *FakeStore) UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, reason string) error {
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return domain.ErrJobTerminal
	}
	j.Status = status
	if reason != "" {
		j.StatusReason = reason
	}
	s.StatusWrites = append(s.StatusWrites, status)
	return nil
}

func (s *FakeStore) SetPipelineRef(ctx context.Context, id, ref, webURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.PipelineRef, j.PipelineURL = ref, webURL
	return nil
}

func (s *FakeStore) FindActiveJobForService(ctx context.Context, serviceID string) (*domain.Job, bool, error) {
	if s.FindErr != nil {
		return nil, false, s.FindErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ServiceID == serviceID && j.Status.Active() {
			cp := *j
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *FakeStore) CountActiveProjectsForUser(ctx context.Context, userID string) (int, error) {
	if s.CountErr != nil {
		return 0, s.CountErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, j := range s.jobs {
		if j.UserID == userID && j.Status.Active() {
			seen[j.ServiceID] = true
		}
	}
	return len(seen), nil
}

func (s *FakeStore) ListRunningWithRef(ctx context.Context) ([]domain.Job, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.StatusRunning && j.PipelineRef != "" {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *FakeStore) CancelQueued(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.StatusQueued {
		return domain.ErrNotCancellable
	}
	j.Status = domain.StatusCancelled
	j.StatusReason = reason
	return nil
}

func (s *FakeStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// Has reports whether a job record exists.
func (s *FakeStore) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// FakePipelines is an in-memory ports.Pipelines. Status answers from
// Statuses; an unknown ref maps to domain.ErrPipelineNotFound.
type FakePipelines struct {
	mu       sync.Mutex
	Statuses map[string]domain.PipelineInfo

	TriggerErr error
	StatusErr  error
	triggers   int
}

var _ ports.Pipelines = (*FakePipelines)(nil)

func (p *FakePipelines) Trigger(ctx context.Context, job *domain.Job) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggers++
	if p.TriggerErr != nil {
		return "", "", p.TriggerErr
	}
	ref := fmt.Sprintf("%d", 1000+p.triggers)
	return ref, "https://ci.example.com/pipelines/" + ref, nil
}

func (p *FakePipelines) Status(ctx context.Context, ref string) (domain.PipelineInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StatusErr != nil {
		return domain.PipelineInfo{}, p.StatusErr
	}
	info, ok := p.Statuses[ref]
	if !ok {
		return domain.PipelineInfo{}, fmt.Errorf("pipeline %s: %w", ref, domain.ErrPipelineNotFound)
	}
	return info, nil
}

// Triggers returns how many trigger calls were made.
func (p *FakePipelines) Triggers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triggers
}

// FakeQueue records publishes and optionally fails them.
type FakeQueue struct {
	mu         sync.Mutex
	PublishErr error
	published  []PublishedMessage
}

// PublishedMessage is one recorded Publish call.
type PublishedMessage struct {
	Lane     string
	Body     []byte
	Priority int
	UserID   string
}

var _ ports.Queue = (*FakeQueue)(nil)

func (q *FakeQueue) Publish(ctx context.Context, lane string, body []byte, priority int, userID string) error {
	if q.PublishErr != nil {
		return q.PublishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, PublishedMessage{Lane: lane, Body: body, Priority: priority, UserID: userID})
	return nil
}

func (q *FakeQueue) Consume(ctx context.Context, lane string, prefetch int, h ports.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

// Published returns the recorded messages.
func (q *FakeQueue) Published() []PublishedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PublishedMessage(nil), q.published...)
}

// FakeDelivery implements ports.Delivery and records its resolution.
type FakeDelivery struct {
	mu      sync.Mutex
	body    []byte
	acked   bool
	dead    bool
	requeue bool
}

func NewFakeDelivery(body []byte) *FakeDelivery { return &FakeDelivery{body: body} }

var _ ports.Delivery = (*FakeDelivery)(nil)

func (d *FakeDelivery) Body() []byte { return d.body }

func (d *FakeDelivery) Ack(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *FakeDelivery) Reject(ctx context.Context, requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if requeue {
		d.requeue = true
	} else {
		d.dead = true
	}
	return nil
}

func (d *FakeDelivery) Acked() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.acked }

// DeadLettered reports a Reject without requeue.
func (d *FakeDelivery) DeadLettered() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.dead }

// Requeued reports a Reject with requeue.
func (d *FakeDelivery) Requeued() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.requeue }
