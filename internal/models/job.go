package models

import (
	"time"

	"github.com/google/uuid"
)

// Job is one dispatchable execution of a pipeline version.
type Job struct {
	ID                string         `json:"id"`
	WorkspaceID       string         `json:"workspace_id"`
	PipelineID        string         `json:"pipeline_id"`
	PipelineVersionID string         `json:"pipeline_version_id"`
	Status            JobStatus      `json:"status"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	RetryStrategy     RetryStrategy  `json:"retry_strategy,omitempty"`
	RetryDelay        time.Duration  `json:"retry_delay,omitempty"`
	AgentGroup        string         `json:"agent_group,omitempty"`
	WorkerID          string         `json:"worker_id,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	IsBackfill        bool           `json:"is_backfill,omitempty"`
	BackfillConfig    map[string]any `json:"backfill_config,omitempty"`
	InfraError        string         `json:"infra_error,omitempty"`
	NextAttemptAt     time.Time      `json:"next_attempt_at,omitzero"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         time.Time      `json:"started_at,omitzero"`
	CompletedAt       time.Time      `json:"completed_at,omitzero"`
	ExecutionTimeMS   int64          `json:"execution_time_ms,omitempty"`
}

// JobOption configures a new job.
type JobOption func(*Job)

// WithCorrelationID sets the correlation ID for tracing the submission.
func WithCorrelationID(id string) JobOption {
	return func(j *Job) { j.CorrelationID = id }
}

// WithParameters sets the run parameters.
func WithParameters(params map[string]any) JobOption {
	return func(j *Job) { j.Parameters = params }
}

// WithBackfill marks the job as a backfill with the given config.
func WithBackfill(cfg map[string]any) JobOption {
	return func(j *Job) {
		j.IsBackfill = true
		j.BackfillConfig = cfg
	}
}

// NewJob creates a PENDING job for the pipeline version.
func NewJob(pipeline *Pipeline, versionID string, opts ...JobOption) *Job {
	job := &Job{
		ID:                uuid.New().String(),
		WorkspaceID:       pipeline.WorkspaceID,
		PipelineID:        pipeline.ID,
		PipelineVersionID: versionID,
		Status:            JobPending,
		MaxRetries:        pipeline.MaxRetries,
		RetryStrategy:     pipeline.RetryStrategy,
		RetryDelay:        time.Duration(pipeline.RetryDelaySeconds) * time.Second,
		AgentGroup:        pipeline.AgentGroup,
		CreatedAt:         time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(job)
	}
	return job
}

// PipelineRun holds aggregate metrics for one started job attempt.
type PipelineRun struct {
	ID           string        `json:"id"`
	JobID        string        `json:"job_id"`
	PipelineID   string        `json:"pipeline_id"`
	VersionID    string        `json:"pipeline_version_id"`
	RecordsIn    int64         `json:"records_in"`
	RecordsOut   int64         `json:"records_out"`
	RecordsError int64         `json:"records_error"`
	Bytes        int64         `json:"bytes"`
	Duration     time.Duration `json:"duration"`
	FailedStepID string        `json:"failed_step_id,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at,omitzero"`
}

// StepRun holds per-node metrics for one run. A step leaves PENDING at
// most once, into RUNNING or SKIPPED; a RUNNING step ends exactly once.
type StepRun struct {
	ID              string              `json:"id"`
	RunID           string              `json:"run_id"`
	NodeID          string              `json:"node_id"`
	State           StepState           `json:"state"`
	RecordsIn       int64               `json:"records_in"`
	RecordsOut      int64               `json:"records_out"`
	RecordsFiltered int64               `json:"records_filtered"`
	RecordsError    int64               `json:"records_error"`
	Bytes           int64               `json:"bytes"`
	RetryCount      int                 `json:"retry_count"`
	SampleData      []map[string]any    `json:"sample_data,omitempty"`
	LineageMap      map[string][]string `json:"lineage_map,omitempty"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	ErrorType       string              `json:"error_type,omitempty"`
	StartedAt       time.Time           `json:"started_at,omitzero"`
	FinishedAt      time.Time           `json:"finished_at,omitzero"`
}

// Watermark is the highest-seen value of a monotone column, or an opaque
// resume token, per (pipeline version, node, asset).
type Watermark struct {
	PipelineVersionID string    `json:"pipeline_version_id"`
	NodeID            string    `json:"node_id"`
	AssetID           string    `json:"asset_id,omitempty"`
	Column            string    `json:"column,omitempty"`
	Value             any       `json:"value,omitempty"`
	ResumeToken       string    `json:"resume_token,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Agent is a registered remote worker, scoped to a workspace.
type Agent struct {
	ClientID      string         `json:"client_id"`
	WorkspaceID   string         `json:"workspace_id"`
	Name          string         `json:"name"`
	HashedSecret  string         `json:"-"`
	Tags          AgentTags      `json:"tags"`
	Status        AgentStatus    `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat,omitzero"`
	IPAddress     string         `json:"ip_address,omitempty"`
	Version       string         `json:"version,omitempty"`
	SystemInfo    map[string]any `json:"system_info,omitempty"`
}

// AgentTags carries the routing labels for an agent.
type AgentTags struct {
	Groups []string `json:"groups"`
}

// EphemeralJob is a short-lived task (interactive query, schema
// inference, connection test) routed like a pipeline job; results live in
// the record and expire.
type EphemeralJob struct {
	ID            string           `json:"id"`
	WorkspaceID   string           `json:"workspace_id"`
	UserID        string           `json:"user_id,omitempty"`
	ConnectionID  string           `json:"connection_id,omitempty"`
	JobType       EphemeralJobType `json:"job_type"`
	Status        JobStatus        `json:"status"`
	AgentGroup    string           `json:"agent_group,omitempty"`
	WorkerID      string           `json:"worker_id,omitempty"`
	Payload       map[string]any   `json:"payload,omitempty"`
	ResultSummary map[string]any   `json:"result_summary,omitempty"`
	ResultSample  []map[string]any `json:"result_sample,omitempty"`
	Truncated     bool             `json:"truncated,omitempty"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     time.Time        `json:"started_at,omitzero"`
	CompletedAt   time.Time        `json:"completed_at,omitzero"`
}
