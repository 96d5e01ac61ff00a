package controlplane

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence"
)

// Scheduler fires cron-scheduled pipelines and watches SLAs. It polls
// the pipeline store on every tick so schedule edits take effect
// without a restart.
type Scheduler struct {
	service   *Service
	pipelines persistence.PipelineStore
	jobs      persistence.JobStore
	tick      time.Duration
	slaTick   time.Duration
	parser    cron.Parser
	lastTick  time.Time
	now       func() time.Time
}

// NewScheduler creates a scheduler over the control plane service.
func NewScheduler(service *Service, pipelines persistence.PipelineStore, jobs persistence.JobStore, tick, slaTick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	if slaTick <= 0 {
		slaTick = 5 * time.Minute
	}
	return &Scheduler{
		service:   service,
		pipelines: pipelines,
		jobs:      jobs,
		tick:      tick,
		slaTick:   slaTick,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:       time.Now,
	}
}

// Run drives the scheduler until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.lastTick = s.now().UTC()
	schedTicker := time.NewTicker(s.tick)
	slaTicker := time.NewTicker(s.slaTick)
	defer schedTicker.Stop()
	defer slaTicker.Stop()

	logger.Info(ctx, "Scheduler started", "tick", s.tick, "sla_tick", s.slaTick)
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Scheduler stopped")
			return
		case <-schedTicker.C:
			s.TickOnce(ctx)
		case <-slaTicker.C:
			s.CheckSLAs(ctx)
		}
	}
}

// TickOnce submits a job for every pipeline whose cron schedule fired
// since the previous tick.
func (s *Scheduler) TickOnce(ctx context.Context) {
	now := s.now().UTC()
	since := s.lastTick
	s.lastTick = now

	pipelines, err := s.pipelines.ListPipelines(ctx, "")
	if err != nil {
		logger.Error(ctx, "Scheduler failed to list pipelines", tag.Error(err))
		return
	}
	for _, p := range pipelines {
		if !p.Schedule.Enabled || p.Schedule.Cron == "" || p.PublishedVersionID == "" {
			continue
		}
		schedule, err := s.parser.Parse(p.Schedule.Cron)
		if err != nil {
			logger.Warn(ctx, "Pipeline has invalid cron expression",
				tag.Pipeline(p.ID), "cron", p.Schedule.Cron, tag.Error(err))
			continue
		}
		next := schedule.Next(since)
		if next.After(now) {
			continue
		}
		if s.atParallelLimit(ctx, p) {
			logger.Warn(ctx, "Skipping scheduled run, parallel limit reached", tag.Pipeline(p.ID))
			continue
		}
		if _, err := s.service.Submit(ctx, p.ID, models.WithCorrelationID("cron:"+next.Format(time.RFC3339))); err != nil {
			logger.Error(ctx, "Scheduled submission failed", tag.Pipeline(p.ID), tag.Error(err))
		}
	}
}

func (s *Scheduler) atParallelLimit(ctx context.Context, p *models.Pipeline) bool {
	if p.MaxParallelRuns <= 0 {
		return false
	}
	active, err := s.jobs.ListJobs(ctx, persistence.ListJobsOptions{
		PipelineID: p.ID,
		Statuses:   []models.JobStatus{models.JobQueued, models.JobRunning, models.JobCancelling},
	})
	if err != nil {
		return false
	}
	return len(active) >= p.MaxParallelRuns
}

// CheckSLAs flags running jobs that outlived their pipeline's SLA.
func (s *Scheduler) CheckSLAs(ctx context.Context) {
	jobs, err := s.jobs.ListJobs(ctx, persistence.ListJobsOptions{
		Statuses: []models.JobStatus{models.JobRunning},
	})
	if err != nil {
		logger.Error(ctx, "SLA sweep failed to list jobs", tag.Error(err))
		return
	}
	now := s.now().UTC()
	for _, job := range jobs {
		p, err := s.pipelines.GetPipeline(ctx, job.PipelineID)
		if err != nil || p.SLA == nil || p.SLA.MaxDuration <= 0 {
			continue
		}
		if job.StartedAt.IsZero() || now.Sub(job.StartedAt) <= p.SLA.MaxDuration {
			continue
		}
		logger.Warn(ctx, "Job exceeded pipeline SLA",
			tag.Job(job.ID), tag.Pipeline(p.ID),
			tag.Duration(now.Sub(job.StartedAt)), "sla", p.SLA.MaxDuration)
	}
}
