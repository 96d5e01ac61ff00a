// Package gitops serializes pipelines to declarative YAML manifests and
// back. Manifests reference connections by display name so the same file
// applies across workspaces; export output is deterministic so manifests
// diff cleanly under version control.
package gitops

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence"
)

// APIVersion is the manifest schema version.
const APIVersion = "synqx/v1"

// Manifest is the declarative form of a pipeline and its DAG.
type Manifest struct {
	APIVersion string   `yaml:"api_version"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

type Spec struct {
	AgentGroup        string         `yaml:"agent_group,omitempty"`
	Schedule          *ScheduleSpec  `yaml:"schedule,omitempty"`
	MaxParallelRuns   int            `yaml:"max_parallel_runs,omitempty"`
	MaxRetries        int            `yaml:"max_retries,omitempty"`
	RetryStrategy     string         `yaml:"retry_strategy,omitempty"`
	RetryDelaySeconds int            `yaml:"retry_delay_seconds,omitempty"`
	Nodes             []NodeSpec     `yaml:"nodes"`
	Edges             []EdgeSpec     `yaml:"edges,omitempty"`
}

type ScheduleSpec struct {
	Cron     string `yaml:"cron"`
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone,omitempty"`
}

type NodeSpec struct {
	ID               string          `yaml:"id"`
	Name             string          `yaml:"name,omitempty"`
	Type             string          `yaml:"type"`
	Class            string          `yaml:"class,omitempty"`
	Connection       string          `yaml:"connection,omitempty"`
	SourceAsset      string          `yaml:"source_asset,omitempty"`
	DestinationAsset string          `yaml:"destination_asset,omitempty"`
	QuarantineAsset  string          `yaml:"quarantine_asset,omitempty"`
	WriteStrategy    string          `yaml:"write_strategy,omitempty"`
	WatermarkColumn  string          `yaml:"watermark_column,omitempty"`
	Incremental      bool            `yaml:"incremental,omitempty"`
	TimeoutSeconds   int             `yaml:"timeout_seconds,omitempty"`
	MaxRetries       int             `yaml:"max_retries,omitempty"`
	Config           yaml.MapSlice   `yaml:"config,omitempty"`
	Guardrails       []GuardrailSpec `yaml:"guardrails,omitempty"`
}

type GuardrailSpec struct {
	MaxRows            int64 `yaml:"max_rows,omitempty"`
	MaxBytes           int64 `yaml:"max_bytes,omitempty"`
	MaxDurationSeconds int64 `yaml:"max_duration_seconds,omitempty"`
}

type EdgeSpec struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Exporter renders pipelines as manifests.
type Exporter struct {
	connections persistence.ConnectionStore
}

func NewExporter(connections persistence.ConnectionStore) *Exporter {
	return &Exporter{connections: connections}
}

// Export renders the pipeline and version as deterministic YAML. Node
// config maps are emitted with sorted keys; runtime-injected keys
// (underscore-prefixed) are dropped.
func (e *Exporter) Export(ctx context.Context, p *models.Pipeline, v *models.PipelineVersion) ([]byte, error) {
	manifest := Manifest{
		APIVersion: APIVersion,
		Kind:       "Pipeline",
		Metadata: Metadata{
			Name:        p.Name,
			Description: p.Description,
			Tags:        append([]string(nil), p.Tags...),
		},
		Spec: Spec{
			AgentGroup:        p.AgentGroup,
			MaxParallelRuns:   p.MaxParallelRuns,
			MaxRetries:        p.MaxRetries,
			RetryStrategy:     string(p.RetryStrategy),
			RetryDelaySeconds: p.RetryDelaySeconds,
		},
	}
	sort.Strings(manifest.Metadata.Tags)

	if p.Schedule.Cron != "" {
		manifest.Spec.Schedule = &ScheduleSpec{
			Cron:     p.Schedule.Cron,
			Enabled:  p.Schedule.Enabled,
			Timezone: p.Schedule.Timezone,
		}
	}

	names := make(map[string]string)
	for i := range v.Nodes {
		node := &v.Nodes[i]
		spec := NodeSpec{
			ID:               node.NodeID,
			Name:             node.Name,
			Type:             string(node.OperatorType),
			Class:            node.OperatorClass,
			SourceAsset:      node.SourceAssetID,
			DestinationAsset: node.DestinationAssetID,
			QuarantineAsset:  node.QuarantineAssetID,
			WriteStrategy:    string(node.WriteStrategy),
			WatermarkColumn:  node.WatermarkColumn,
			Incremental:      node.IncrementalCapable,
			TimeoutSeconds:   node.TimeoutSeconds,
			MaxRetries:       node.MaxRetries,
			Config:           sortedConfig(node.Config),
		}
		if node.ConnectionID != "" {
			name, ok := names[node.ConnectionID]
			if !ok {
				conn, err := e.connections.GetConnection(ctx, node.ConnectionID)
				if err != nil {
					return nil, errdefs.Wrap(errdefs.KindConfiguration, err,
						"node "+node.NodeID+" references an unknown connection")
				}
				name = conn.Name
				names[node.ConnectionID] = name
			}
			spec.Connection = name
		}
		for _, g := range node.Guardrails {
			spec.Guardrails = append(spec.Guardrails, GuardrailSpec{
				MaxRows:            g.MaxRows,
				MaxBytes:           g.MaxBytes,
				MaxDurationSeconds: int64(g.MaxDuration / time.Second),
			})
		}
		manifest.Spec.Nodes = append(manifest.Spec.Nodes, spec)
	}

	for _, edge := range v.Edges {
		manifest.Spec.Edges = append(manifest.Spec.Edges, EdgeSpec{
			From: edge.FromNodeID,
			To:   edge.ToNodeID,
		})
	}

	return yaml.Marshal(manifest)
}

// sortedConfig converts a config map to an ordered slice with sorted
// keys, recursively, dropping runtime-injected underscore keys.
func sortedConfig(cfg map[string]any) yaml.MapSlice {
	if len(cfg) == 0 {
		return nil
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		if strings.HasPrefix(k, "_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(yaml.MapSlice, 0, len(keys))
	for _, k := range keys {
		v := cfg[k]
		if nested, ok := v.(map[string]any); ok {
			v = sortedConfig(nested)
		}
		out = append(out, yaml.MapItem{Key: k, Value: v})
	}
	return out
}

// Importer materializes manifests into pipelines.
type Importer struct {
	connections persistence.ConnectionStore
}

func NewImporter(connections persistence.ConnectionStore) *Importer {
	return &Importer{connections: connections}
}

// Import parses a manifest and resolves its connection names within the
// workspace. The returned version is unpublished; publishing stays an
// explicit step.
func (im *Importer) Import(ctx context.Context, workspaceID string, data []byte) (*models.Pipeline, *models.PipelineVersion, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, nil, errdefs.Wrap(errdefs.KindConfiguration, err, "invalid manifest")
	}
	if manifest.Kind != "Pipeline" {
		return nil, nil, errdefs.Newf(errdefs.KindConfiguration, "unsupported manifest kind %q", manifest.Kind)
	}
	if manifest.Metadata.Name == "" {
		return nil, nil, errdefs.New(errdefs.KindConfiguration, "manifest requires metadata.name")
	}

	pipeline := &models.Pipeline{
		ID:                uuid.New().String(),
		WorkspaceID:       workspaceID,
		Name:              manifest.Metadata.Name,
		Description:       manifest.Metadata.Description,
		Tags:              manifest.Metadata.Tags,
		AgentGroup:        manifest.Spec.AgentGroup,
		MaxParallelRuns:   manifest.Spec.MaxParallelRuns,
		MaxRetries:        manifest.Spec.MaxRetries,
		RetryStrategy:     models.RetryStrategy(manifest.Spec.RetryStrategy),
		RetryDelaySeconds: manifest.Spec.RetryDelaySeconds,
		CreatedAt:         time.Now().UTC(),
	}
	if s := manifest.Spec.Schedule; s != nil {
		pipeline.Schedule = models.CronSchedule{
			Cron:     s.Cron,
			Enabled:  s.Enabled,
			Timezone: s.Timezone,
		}
	}

	version := &models.PipelineVersion{
		ID:            uuid.New().String(),
		PipelineID:    pipeline.ID,
		VersionNumber: 1,
		CreatedAt:     time.Now().UTC(),
	}

	connIDs := make(map[string]string)
	for _, spec := range manifest.Spec.Nodes {
		if spec.ID == "" {
			return nil, nil, errdefs.New(errdefs.KindConfiguration, "manifest node without an id")
		}
		node := models.Node{
			NodeID:             spec.ID,
			Name:               spec.Name,
			OperatorType:       models.OperatorType(spec.Type),
			OperatorClass:      spec.Class,
			SourceAssetID:      spec.SourceAsset,
			DestinationAssetID: spec.DestinationAsset,
			QuarantineAssetID:  spec.QuarantineAsset,
			WriteStrategy:      models.WriteMode(spec.WriteStrategy),
			WatermarkColumn:    spec.WatermarkColumn,
			IncrementalCapable: spec.Incremental,
			TimeoutSeconds:     spec.TimeoutSeconds,
			MaxRetries:         spec.MaxRetries,
			Config:             configMap(spec.Config),
		}
		if spec.Connection != "" {
			id, ok := connIDs[spec.Connection]
			if !ok {
				conn, err := im.connections.FindConnectionByName(ctx, workspaceID, spec.Connection)
				if err != nil {
					return nil, nil, errdefs.Newf(errdefs.KindConfiguration,
						"node %q references connection %q, not found in workspace", spec.ID, spec.Connection)
				}
				id = conn.ID
				connIDs[spec.Connection] = id
			}
			node.ConnectionID = id
		}
		for _, g := range spec.Guardrails {
			node.Guardrails = append(node.Guardrails, models.Guardrail{
				MaxRows:     g.MaxRows,
				MaxBytes:    g.MaxBytes,
				MaxDuration: time.Duration(g.MaxDurationSeconds) * time.Second,
			})
		}
		version.Nodes = append(version.Nodes, node)
	}

	for _, edge := range manifest.Spec.Edges {
		version.Edges = append(version.Edges, models.Edge{
			FromNodeID: edge.From,
			ToNodeID:   edge.To,
			EdgeType:   models.EdgeDataFlow,
		})
	}

	return pipeline, version, nil
}

// configMap converts an ordered manifest config back to the runtime map
// form, recursively.
func configMap(slice yaml.MapSlice) map[string]any {
	if len(slice) == 0 {
		return nil
	}
	out := make(map[string]any, len(slice))
	for _, item := range slice {
		key, ok := item.Key.(string)
		if !ok {
			continue
		}
		out[key] = normalizeValue(item.Value)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case yaml.MapSlice:
		return configMap(val)
	case map[string]any:
		nested := make(map[string]any, len(val))
		for k, item := range val {
			nested[k] = normalizeValue(item)
		}
		return nested
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = normalizeValue(item)
		}
		return items
	default:
		return v
	}
}
