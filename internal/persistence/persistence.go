// Package persistence defines the storage interfaces the control plane
// depends on. Implementations live in subpackages; the in-memory one
// backs tests and single-process deployments.
package persistence

import (
	"context"

	"github.com/synqx/synqx/internal/models"
)

// JobStore persists jobs and performs the atomic lease handoff.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ListJobs(ctx context.Context, opts ListJobsOptions) ([]*models.Job, error)
	// LeaseNextJob atomically claims the oldest eligible QUEUED job
	// whose agent group matches one of groups, transitions it to
	// RUNNING with the worker recorded, and returns it. Returns nil
	// when nothing is eligible. At most one caller wins a given job.
	LeaseNextJob(ctx context.Context, workerID string, groups []string) (*models.Job, error)
}

// ListJobsOptions filters a job listing.
type ListJobsOptions struct {
	WorkspaceID string
	PipelineID  string
	Statuses    []models.JobStatus
	Limit       int
}

// PipelineStore persists pipelines and their immutable versions.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p *models.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*models.Pipeline, error)
	UpdatePipeline(ctx context.Context, p *models.Pipeline) error
	ListPipelines(ctx context.Context, workspaceID string) ([]*models.Pipeline, error)
	CreateVersion(ctx context.Context, v *models.PipelineVersion) error
	GetVersion(ctx context.Context, id string) (*models.PipelineVersion, error)
}

// AgentStore persists the registered agent fleet.
type AgentStore interface {
	PutAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, clientID string) (*models.Agent, error)
	ListAgents(ctx context.Context, workspaceID string) ([]*models.Agent, error)
}

// RunStore persists run and step telemetry.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.PipelineRun) error
	UpdateRun(ctx context.Context, run *models.PipelineRun) error
	GetRun(ctx context.Context, id string) (*models.PipelineRun, error)
	PutStepRun(ctx context.Context, step *models.StepRun) error
	ListStepRuns(ctx context.Context, runID string) ([]*models.StepRun, error)
}

// WatermarkStore persists incremental-extract progress.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, versionID, nodeID, assetID string) (*models.Watermark, error)
	SaveWatermark(ctx context.Context, w *models.Watermark) error
}

// ConnectionStore persists configured connections.
type ConnectionStore interface {
	CreateConnection(ctx context.Context, c *models.Connection) error
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	ListConnections(ctx context.Context, workspaceID string) ([]*models.Connection, error)
	// FindConnectionByName resolves a connection by display name within
	// a workspace; declarative imports reference connections this way.
	FindConnectionByName(ctx context.Context, workspaceID, name string) (*models.Connection, error)
}

// EphemeralJobStore persists short-lived tasks. Records are expected to
// expire; implementations may evict completed entries.
type EphemeralJobStore interface {
	CreateEphemeralJob(ctx context.Context, job *models.EphemeralJob) error
	GetEphemeralJob(ctx context.Context, id string) (*models.EphemeralJob, error)
	UpdateEphemeralJob(ctx context.Context, job *models.EphemeralJob) error
	// LeaseNextEphemeralJob mirrors JobStore.LeaseNextJob for the
	// ephemeral queue.
	LeaseNextEphemeralJob(ctx context.Context, workerID string, groups []string) (*models.EphemeralJob, error)
}
