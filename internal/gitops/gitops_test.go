package gitops_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/synqx/internal/gitops"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence/memory"
)

func fixturePipeline() (*models.Pipeline, *models.PipelineVersion) {
	pipeline := &models.Pipeline{
		ID:          "p1",
		WorkspaceID: "ws-a",
		Name:        "orders-sync",
		Description: "hourly orders sync",
		AgentGroup:  "edge-eu",
		MaxRetries:  2,
		Schedule:    models.CronSchedule{Cron: "0 * * * *", Enabled: true},
		Tags:        []string{"prod", "finance"},
	}
	version := &models.PipelineVersion{
		ID:         "v1",
		PipelineID: "p1",
		Nodes: []models.Node{
			{
				NodeID:             "extract",
				OperatorType:       models.OperatorExtract,
				ConnectionID:       "c1",
				SourceAssetID:      "public.orders",
				IncrementalCapable: true,
				WatermarkColumn:    "id",
				Config: map[string]any{
					"chunk_size":      1000,
					"_collapsed_into": "should-not-survive",
				},
			},
			{
				NodeID:        "filter",
				OperatorType:  models.OperatorTransform,
				OperatorClass: "filter",
				Config:        map[string]any{"expression": "amount > 0"},
			},
			{
				NodeID:             "load",
				OperatorType:       models.OperatorLoad,
				ConnectionID:       "c1",
				DestinationAssetID: "analytics.orders",
				WriteStrategy:      models.WriteUpsert,
				Guardrails:         []models.Guardrail{{MaxRows: 100000, MaxDuration: 5 * time.Minute}},
			},
		},
		Edges: []models.Edge{
			{FromNodeID: "extract", ToNodeID: "filter"},
			{FromNodeID: "filter", ToNodeID: "load"},
		},
	}
	return pipeline, version
}

func TestExportIsDeterministic(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateConnection(ctx, &models.Connection{
		ID: "c1", WorkspaceID: "ws-a", Name: "pg-prod", ConnectorKind: "postgresql",
	}))
	pipeline, version := fixturePipeline()
	exporter := gitops.NewExporter(store)

	first, err := exporter.Export(ctx, pipeline, version)
	require.NoError(t, err)
	second, err := exporter.Export(ctx, pipeline, version)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	// connection is referenced by name, never by ID
	assert.Contains(t, string(first), "pg-prod")
	assert.NotContains(t, string(first), "c1")
	// runtime-injected keys are dropped
	assert.NotContains(t, string(first), "_collapsed_into")
}

func TestRoundTripAcrossWorkspaces(t *testing.T) {
	ctx := context.Background()
	source := memory.New()
	require.NoError(t, source.CreateConnection(ctx, &models.Connection{
		ID: "c1", WorkspaceID: "ws-a", Name: "pg-prod", ConnectorKind: "postgresql",
	}))
	pipeline, version := fixturePipeline()

	data, err := gitops.NewExporter(source).Export(ctx, pipeline, version)
	require.NoError(t, err)

	// the target workspace has its own connection under the same name
	target := memory.New()
	require.NoError(t, target.CreateConnection(ctx, &models.Connection{
		ID: "c-target", WorkspaceID: "ws-b", Name: "pg-prod", ConnectorKind: "postgresql",
	}))

	imported, importedVersion, err := gitops.NewImporter(target).Import(ctx, "ws-b", data)
	require.NoError(t, err)
	assert.Equal(t, "orders-sync", imported.Name)
	assert.Equal(t, "ws-b", imported.WorkspaceID)
	assert.Equal(t, "edge-eu", imported.AgentGroup)
	assert.Equal(t, "0 * * * *", imported.Schedule.Cron)

	require.Len(t, importedVersion.Nodes, 3)
	extract := importedVersion.NodeByID("extract")
	require.NotNil(t, extract)
	assert.Equal(t, "c-target", extract.ConnectionID, "connection resolved by name in the target workspace")
	assert.Equal(t, "id", extract.WatermarkColumn)
	assert.True(t, extract.IncrementalCapable)

	load := importedVersion.NodeByID("load")
	require.NotNil(t, load)
	assert.Equal(t, models.WriteUpsert, load.WriteStrategy)
	require.Len(t, load.Guardrails, 1)
	assert.Equal(t, 5*time.Minute, load.Guardrails[0].MaxDuration)

	require.Len(t, importedVersion.Edges, 2)
	assert.Equal(t, models.EdgeDataFlow, importedVersion.Edges[0].EdgeType)
}

func TestImportFailsOnUnknownConnectionName(t *testing.T) {
	ctx := context.Background()
	source := memory.New()
	require.NoError(t, source.CreateConnection(ctx, &models.Connection{
		ID: "c1", WorkspaceID: "ws-a", Name: "pg-prod", ConnectorKind: "postgresql",
	}))
	pipeline, version := fixturePipeline()
	data, err := gitops.NewExporter(source).Export(ctx, pipeline, version)
	require.NoError(t, err)

	empty := memory.New()
	_, _, err = gitops.NewImporter(empty).Import(ctx, "ws-b", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pg-prod")
}

func TestImportRejectsForeignManifests(t *testing.T) {
	store := memory.New()
	_, _, err := gitops.NewImporter(store).Import(context.Background(), "ws", []byte("kind: Deployment\n"))
	require.Error(t, err)

	_, _, err = gitops.NewImporter(store).Import(context.Background(), "ws", []byte("{{nope"))
	require.Error(t, err)
}
