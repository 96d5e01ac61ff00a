package agent_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/synqx/internal/agent"
	"github.com/synqx/synqx/internal/config"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/controlplane"
	"github.com/synqx/synqx/internal/ephemeral"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/frontend"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence/memory"
)

type serverHarness struct {
	store  *memory.Store
	fleet  *controlplane.Fleet
	server *httptest.Server
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	h := &serverHarness{store: memory.New()}

	pool, err := connector.NewPool(8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	control := controlplane.NewService(h.store, h.store, h.store)
	h.fleet = controlplane.NewFleet(h.store, time.Minute)
	eph := ephemeral.NewService(h.store, h.store, pool)

	api := frontend.NewAPI(control, h.fleet, eph, frontend.Stores{
		Jobs:          h.store,
		Pipelines:     h.store,
		Agents:        h.store,
		Connections:   h.store,
		Runs:          h.store,
		EphemeralJobs: h.store,
	})
	router := chi.NewMux()
	router.Route("/api/v1", func(r chi.Router) {
		api.ConfigureRoutes(r)
	})
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

func (h *serverHarness) registerAgent(t *testing.T, groups ...string) (*models.Agent, string) {
	t.Helper()
	agentRec, apiKey, err := h.fleet.Register(context.Background(), "ws", "test-agent", groups)
	require.NoError(t, err)
	return agentRec, apiKey
}

func TestClientLeaseAndComplete(t *testing.T) {
	ctx := context.Background()
	h := newServerHarness(t)
	require.NoError(t, h.store.CreatePipeline(ctx, &models.Pipeline{
		ID: "p1", WorkspaceID: "ws", Name: "orders", PublishedVersionID: "v1",
		AgentGroup: "edge-eu",
	}))

	agentRec, apiKey := h.registerAgent(t, "edge-eu")
	client := agent.NewClient(h.server.URL, agentRec.ClientID, apiKey)

	// grouped submissions need an online agent, so heartbeat first
	require.NoError(t, client.Heartbeat(ctx, "test", nil))

	control := controlplane.NewService(h.store, h.store, h.store)
	queued, err := control.Submit(ctx, "p1")
	require.NoError(t, err)

	leased, err := client.Lease(ctx, nil, 0)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, queued.ID, leased.ID)
	assert.Equal(t, models.JobRunning, leased.Status)

	// empty queue reads as a nil job, not an error
	none, err := client.Lease(ctx, nil, 0)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, client.ReportProgress(ctx, leased.ID, &models.PipelineRun{
		ID: "r1", JobID: leased.ID, RecordsIn: 5, RecordsOut: 5,
	}, nil))
	require.NoError(t, client.Complete(ctx, leased.ID, true, "", 2*time.Second))

	done, err := h.store.GetJob(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSuccess, done.Status)
	assert.Equal(t, int64(2000), done.ExecutionTimeMS)
}

func TestClientRejectsBadCredentials(t *testing.T) {
	h := newServerHarness(t)
	agentRec, _ := h.registerAgent(t)

	client := agent.NewClient(h.server.URL, agentRec.ClientID, "wrong-key")
	err := client.Heartbeat(context.Background(), "test", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindAuthentication))
}

func TestClientFetchesVersionAndConnection(t *testing.T) {
	ctx := context.Background()
	h := newServerHarness(t)
	require.NoError(t, h.store.CreateVersion(ctx, &models.PipelineVersion{
		ID: "v1", PipelineID: "p1", VersionNumber: 1,
		Nodes: []models.Node{{NodeID: "e", OperatorType: models.OperatorExtract}},
	}))
	require.NoError(t, h.store.CreateConnection(ctx, &models.Connection{
		ID: "c1", WorkspaceID: "ws", Name: "pg", ConnectorKind: "postgresql",
		Config: map[string]any{"dsn": "postgres://localhost/db"},
	}))

	agentRec, apiKey := h.registerAgent(t)
	client := agent.NewClient(h.server.URL, agentRec.ClientID, apiKey)

	version, err := client.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, version.VersionNumber)
	require.Len(t, version.Nodes, 1)

	conn, err := client.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "postgresql", conn.ConnectorKind)

	_, err = client.GetVersion(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func configAgent(serverURL, clientID, apiKey string) config.Agent {
	return config.Agent{
		ServerURL: serverURL,
		ClientID:  clientID,
		APIKey:    apiKey,
	}
}

func TestAgentConfigValidation(t *testing.T) {
	_, err := agent.New(configAgent("", "id", "key"))
	assert.Error(t, err)
	_, err = agent.New(configAgent("http://localhost:8090", "", ""))
	assert.Error(t, err)
	a, err := agent.New(configAgent("http://localhost:8090", "id", "key"))
	require.NoError(t, err)
	assert.NotNil(t, a)
}
