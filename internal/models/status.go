package models

// JobStatus is the lifecycle state of a job. Transitions are linear:
// PENDING -> QUEUED -> RUNNING -> {SUCCESS | FAILED | CANCELLED};
// RETRYING re-enters QUEUED.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobQueued     JobStatus = "QUEUED"
	JobRunning    JobStatus = "RUNNING"
	JobSuccess    JobStatus = "SUCCESS"
	JobFailed     JobStatus = "FAILED"
	JobRetrying   JobStatus = "RETRYING"
	JobCancelling JobStatus = "CANCELLING"
	JobCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the job occupies a worker slot.
func (s JobStatus) IsActive() bool {
	return s == JobQueued || s == JobRunning || s == JobCancelling
}

// StepState is the lifecycle state of a node within one run.
type StepState string

const (
	StepPending  StepState = "PENDING"
	StepRunning  StepState = "RUNNING"
	StepSuccess  StepState = "SUCCESS"
	StepFailed   StepState = "FAILED"
	StepSkipped  StepState = "SKIPPED"
	StepRetrying StepState = "RETRYING"
)

// RetryStrategy selects how retry delays grow between attempts.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
	RetryLinear      RetryStrategy = "linear"
)

// OperatorType is the role of a node in the DAG.
type OperatorType string

const (
	OperatorExtract   OperatorType = "EXTRACT"
	OperatorTransform OperatorType = "TRANSFORM"
	OperatorLoad      OperatorType = "LOAD"
	OperatorSystem    OperatorType = "SYSTEM"
)

// WriteMode selects how a LOAD writes into its destination.
type WriteMode string

const (
	WriteAppend    WriteMode = "append"
	WriteReplace   WriteMode = "replace"
	WriteOverwrite WriteMode = "overwrite"
	WriteUpsert    WriteMode = "upsert"
)

// Idempotent reports whether a partial write can be retried safely.
func (m WriteMode) Idempotent() bool {
	return m == WriteReplace || m == WriteOverwrite
}

// AgentStatus is the reported state of a remote agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "ONLINE"
	AgentOffline  AgentStatus = "OFFLINE"
	AgentDraining AgentStatus = "DRAINING"
)

// AssetType classifies a logical collection on a connection.
type AssetType string

const (
	AssetTable        AssetType = "table"
	AssetView         AssetType = "view"
	AssetFile         AssetType = "file"
	AssetCollection   AssetType = "collection"
	AssetTopic        AssetType = "topic"
	AssetKind         AssetType = "kind"
	AssetDomainEntity AssetType = "domain_entity"
)

// EphemeralJobType classifies short-lived tasks routed like jobs.
type EphemeralJobType string

const (
	EphemeralExplorer EphemeralJobType = "EXPLORER"
	EphemeralMetadata EphemeralJobType = "METADATA"
	EphemeralTest     EphemeralJobType = "TEST"
	EphemeralSystem   EphemeralJobType = "SYSTEM"
	EphemeralFile     EphemeralJobType = "FILE"
	EphemeralPipeline EphemeralJobType = "PIPELINE"
)
