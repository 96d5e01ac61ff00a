package models

import "time"

// Pipeline is the immutable pipeline metadata. Version history lives in
// PipelineVersion records referencing the pipeline by ID.
type Pipeline struct {
	ID                 string        `json:"id"`
	WorkspaceID        string        `json:"workspace_id"`
	Name               string        `json:"name"`
	Description        string        `json:"description,omitempty"`
	AgentGroup         string        `json:"agent_group,omitempty"`
	Schedule           CronSchedule  `json:"schedule"`
	MaxParallelRuns    int           `json:"max_parallel_runs,omitempty"`
	MaxRetries         int           `json:"max_retries"`
	RetryStrategy      RetryStrategy `json:"retry_strategy,omitempty"`
	RetryDelaySeconds  int           `json:"retry_delay_seconds,omitempty"`
	ExecutionTimeout   time.Duration `json:"execution_timeout,omitempty"`
	SLA                *SLAConfig    `json:"sla,omitempty"`
	Tags               []string      `json:"tags,omitempty"`
	Priority           int           `json:"priority,omitempty"`
	PublishedVersionID string        `json:"published_version_id,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// CronSchedule holds the optional cron trigger for a pipeline.
type CronSchedule struct {
	Cron     string `json:"cron,omitempty"`
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// SLAConfig bounds the expected run duration.
type SLAConfig struct {
	MaxDuration time.Duration `json:"max_duration"`
}

// PipelineVersion is an immutable snapshot of the DAG.
type PipelineVersion struct {
	ID            string    `json:"id"`
	PipelineID    string    `json:"pipeline_id"`
	VersionNumber int       `json:"version_number"`
	Nodes         []Node    `json:"nodes"`
	Edges         []Edge    `json:"edges"`
	Notes         string    `json:"notes,omitempty"`
	Published     bool      `json:"published"`
	CreatedAt     time.Time `json:"created_at"`
}

// NodeByID returns the node with the given node ID, or nil.
func (v *PipelineVersion) NodeByID(id string) *Node {
	for i := range v.Nodes {
		if v.Nodes[i].NodeID == id {
			return &v.Nodes[i]
		}
	}
	return nil
}

// Node is a single operator in a pipeline version. NodeID is the graph
// identity, stable across versions when the user preserves the DAG.
type Node struct {
	NodeID               string         `json:"node_id"`
	Name                 string         `json:"name,omitempty"`
	Description          string         `json:"description,omitempty"`
	OperatorType         OperatorType   `json:"operator_type"`
	OperatorClass        string         `json:"operator_class"`
	Config               map[string]any `json:"config,omitempty"`
	MaxRetries           int            `json:"max_retries,omitempty"`
	RetryStrategy        RetryStrategy  `json:"retry_strategy,omitempty"`
	RetryDelaySeconds    int            `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds       int            `json:"timeout_seconds,omitempty"`
	ConnectionID         string         `json:"connection_id,omitempty"`
	SourceAssetID        string         `json:"source_asset_id,omitempty"`
	DestinationAssetID   string         `json:"destination_asset_id,omitempty"`
	QuarantineAssetID    string         `json:"quarantine_asset_id,omitempty"`
	Guardrails           []Guardrail    `json:"guardrails,omitempty"`
	WriteStrategy        WriteMode      `json:"write_strategy,omitempty"`
	SchemaEvolution      string         `json:"schema_evolution_policy,omitempty"`
	IncrementalCapable   bool           `json:"incremental_capable,omitempty"`
	WatermarkColumn      string         `json:"watermark_column,omitempty"`
}

// CollapsedInto returns the node this one was absorbed into by the static
// optimizer, or empty when the node executes itself.
func (n *Node) CollapsedInto() string {
	if n.Config == nil {
		return ""
	}
	if v, ok := n.Config["_collapsed_into"].(string); ok {
		return v
	}
	return ""
}

// Guardrail is a per-node upper bound enforced during execution. A breach
// fails the node immediately and aborts the run.
type Guardrail struct {
	MaxRows     int64         `json:"max_rows,omitempty"`
	MaxBytes    int64         `json:"max_bytes,omitempty"`
	MaxDuration time.Duration `json:"max_duration,omitempty"`
}

// EdgeType classifies an edge. Only data_flow edges carry chunk streams.
type EdgeType string

const EdgeDataFlow EdgeType = "data_flow"

// Edge is a directed connection between two nodes.
type Edge struct {
	FromNodeID string   `json:"from_node_id"`
	ToNodeID   string   `json:"to_node_id"`
	EdgeType   EdgeType `json:"edge_type,omitempty"`
}

// Connection is a configured connector endpoint. Config is validated by
// the connector's own schema; secrets arrive resolved from the vault.
type Connection struct {
	ID                  string         `json:"id"`
	WorkspaceID         string         `json:"workspace_id"`
	Name                string         `json:"name"`
	ConnectorKind       string         `json:"connector_kind"`
	Config              map[string]any `json:"config"`
	StagingConnectionID string         `json:"staging_connection_id,omitempty"`
	HealthState         string         `json:"health_state,omitempty"`
}

// Asset is a logical table or collection on a connection.
type Asset struct {
	ID            string    `json:"id"`
	ConnectionID  string    `json:"connection_id"`
	Name          string    `json:"name"`
	FQN           string    `json:"fqn,omitempty"`
	AssetType     AssetType `json:"asset_type"`
	IsSource      bool      `json:"is_source,omitempty"`
	IsDestination bool      `json:"is_destination,omitempty"`
	IsIncremental bool      `json:"is_incremental,omitempty"`
	SchemaVersion int       `json:"schema_version,omitempty"`
	SchemaHash    string    `json:"schema_hash,omitempty"`
}
