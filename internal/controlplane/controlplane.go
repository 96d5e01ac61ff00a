// Package controlplane owns the job lifecycle: submission, routing to
// agent groups, the lease handoff, completion and retries, plus the
// cron scheduler and the agent fleet registry.
package controlplane

import (
	"context"
	"time"

	"github.com/synqx/synqx/internal/backoff"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/eventbus"
	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence"
)

// Service is the job control plane.
type Service struct {
	jobs      persistence.JobStore
	pipelines persistence.PipelineStore
	agents    persistence.AgentStore
	events    eventbus.Publisher
	liveness  time.Duration
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEvents publishes job state transitions to the bus.
func WithEvents(pub eventbus.Publisher) ServiceOption {
	return func(s *Service) { s.events = pub }
}

// WithLivenessWindow overrides how stale a heartbeat may be before an
// agent no longer counts as online.
func WithLivenessWindow(d time.Duration) ServiceOption {
	return func(s *Service) { s.liveness = d }
}

// NewService creates the control plane over the given stores.
func NewService(jobs persistence.JobStore, pipelines persistence.PipelineStore, agents persistence.AgentStore, opts ...ServiceOption) *Service {
	s := &Service{
		jobs:      jobs,
		pipelines: pipelines,
		agents:    agents,
		events:    eventbus.NopPublisher{},
		liveness:  2 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates a job for the pipeline's published version. Jobs
// without an agent group are internal and stay PENDING for the embedded
// worker; group-routed jobs require at least one online agent carrying
// the group and enter the queue as QUEUED. Without one, nothing is
// persisted and the submit is rejected.
func (s *Service) Submit(ctx context.Context, pipelineID string, opts ...models.JobOption) (*models.Job, error) {
	pipeline, err := s.pipelines.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if pipeline.PublishedVersionID == "" {
		return nil, errdefs.Newf(errdefs.KindConfiguration, "pipeline %q has no published version", pipelineID)
	}

	job := models.NewJob(pipeline, pipeline.PublishedVersionID, opts...)

	if job.AgentGroup == "" {
		job.Status = models.JobPending
	} else {
		online, err := s.onlineAgentsInGroup(ctx, pipeline.WorkspaceID, job.AgentGroup)
		if err != nil {
			return nil, err
		}
		if online == 0 {
			return nil, errdefs.Newf(errdefs.KindConnectionFailed,
				"no agents available for group %q", job.AgentGroup)
		}
		job.Status = models.JobQueued
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	logger.Info(ctx, "Job accepted", tag.Job(job.ID), tag.Pipeline(pipelineID),
		"group", job.AgentGroup, "status", string(job.Status))
	s.publishJob(ctx, job)
	return job, nil
}

func (s *Service) onlineAgentsInGroup(ctx context.Context, workspaceID, group string) (int, error) {
	agents, err := s.agents.ListAgents(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().UTC().Add(-s.liveness)
	online := 0
	for _, a := range agents {
		if a.Status != models.AgentOnline || a.LastHeartbeat.Before(cutoff) {
			continue
		}
		if agentServesGroup(a, group) {
			online++
		}
	}
	return online, nil
}

// Lease atomically claims the next eligible job for the worker. A nil
// job means nothing is queued for its groups.
func (s *Service) Lease(ctx context.Context, workerID string, groups []string) (*models.Job, error) {
	job, err := s.jobs.LeaseNextJob(ctx, workerID, groups)
	if err != nil || job == nil {
		return job, err
	}
	logger.Info(ctx, "Job leased", tag.Job(job.ID), "worker", workerID)
	s.publishJob(ctx, job)
	return job, nil
}

// Complete finishes a job attempt. Failed attempts with retry budget
// left re-enter the queue after the strategy's delay.
func (s *Service) Complete(ctx context.Context, jobID string, success bool, jobErr string, executionTime time.Duration) (*models.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, errdefs.Newf(errdefs.KindConfiguration, "job %q is already %s", jobID, job.Status)
	}

	now := s.now().UTC()
	job.ExecutionTimeMS = executionTime.Milliseconds()

	switch {
	case job.Status == models.JobCancelling:
		job.Status = models.JobCancelled
		job.CompletedAt = now
	case success:
		job.Status = models.JobSuccess
		job.CompletedAt = now
	case job.RetryCount < job.MaxRetries:
		job.RetryCount++
		job.Status = models.JobQueued
		job.InfraError = jobErr
		job.NextAttemptAt = now.Add(s.retryDelay(job))
		logger.Info(ctx, "Job re-queued for retry", tag.Job(job.ID),
			tag.Attempt(job.RetryCount), "next_attempt_at", job.NextAttemptAt)
	default:
		job.Status = models.JobFailed
		job.InfraError = jobErr
		job.CompletedAt = now
	}

	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	s.publishJob(ctx, job)
	return job, nil
}

func (s *Service) retryDelay(job *models.Job) time.Duration {
	interval := job.RetryDelay
	if interval <= 0 {
		interval = 60 * time.Second
	}
	var policy backoff.RetryPolicy
	switch job.RetryStrategy {
	case models.RetryLinear:
		policy = &backoff.LinearBackoffPolicy{Interval: interval, Increment: interval}
	case models.RetryExponential:
		policy = backoff.NewExponentialBackoffPolicy(interval)
	default:
		policy = &backoff.FixedBackoffPolicy{Interval: interval}
	}
	d, err := backoff.WithJitter(policy, backoff.HalfJitter).ComputeInterval(job.RetryCount - 1)
	if err != nil {
		return interval
	}
	return d
}

// Cancel requests cancellation. Queued jobs cancel immediately; running
// jobs transition to CANCELLING until the worker confirms.
func (s *Service) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.JobPending, models.JobQueued, models.JobRetrying:
		job.Status = models.JobCancelled
		job.CompletedAt = s.now().UTC()
	case models.JobRunning:
		job.Status = models.JobCancelling
	case models.JobCancelling:
		return job, nil
	default:
		return job, errdefs.Newf(errdefs.KindConfiguration, "job %q is already %s", jobID, job.Status)
	}
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	logger.Info(ctx, "Job cancellation requested", tag.Job(job.ID), "status", string(job.Status))
	s.publishJob(ctx, job)
	return job, nil
}

// Retry force-requeues a terminal job as a fresh attempt.
func (s *Service) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, errdefs.Newf(errdefs.KindConfiguration, "job %q is still %s", jobID, job.Status)
	}
	job.Status = models.JobQueued
	job.InfraError = ""
	job.NextAttemptAt = time.Time{}
	job.StartedAt = time.Time{}
	job.CompletedAt = time.Time{}
	job.WorkerID = ""
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	logger.Info(ctx, "Job force-retried", tag.Job(job.ID))
	s.publishJob(ctx, job)
	return job, nil
}

// GetJob returns the job by ID.
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

func (s *Service) publishJob(ctx context.Context, job *models.Job) {
	_ = s.events.Publish(ctx, eventbus.TopicJob(job.ID), eventbus.NewEvent("job_state", map[string]any{
		"job_id": job.ID,
		"status": string(job.Status),
	}))
}
