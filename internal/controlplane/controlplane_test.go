package controlplane_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/synqx/internal/controlplane"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence"
	"github.com/synqx/synqx/internal/persistence/memory"
)

func seedPipeline(t *testing.T, store *memory.Store, group string) *models.Pipeline {
	t.Helper()
	p := &models.Pipeline{
		ID:                 "p1",
		WorkspaceID:        "ws",
		Name:               "orders",
		AgentGroup:         group,
		MaxRetries:         2,
		RetryDelaySeconds:  1,
		PublishedVersionID: "v1",
	}
	require.NoError(t, store.CreatePipeline(context.Background(), p))
	return p
}

func onlineAgent(t *testing.T, store *memory.Store, clientID string, groups ...string) {
	t.Helper()
	require.NoError(t, store.PutAgent(context.Background(), &models.Agent{
		ClientID:      clientID,
		WorkspaceID:   "ws",
		Status:        models.AgentOnline,
		LastHeartbeat: time.Now().UTC(),
		Tags:          models.AgentTags{Groups: groups},
	}))
}

func TestSubmitInternalJobStaysPending(t *testing.T) {
	store := memory.New()
	seedPipeline(t, store, "")
	svc := controlplane.NewService(store, store, store)

	job, err := svc.Submit(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status, "internal jobs wait for the embedded worker")
	assert.Equal(t, "v1", job.PipelineVersionID)
}

func TestSubmitFailsWithoutOnlineAgents(t *testing.T) {
	store := memory.New()
	seedPipeline(t, store, "edge-eu")
	svc := controlplane.NewService(store, store, store)

	job, err := svc.Submit(context.Background(), "p1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "no agents available")
	assert.Nil(t, job, "a rejected submit records nothing")

	jobs, err := store.ListJobs(context.Background(), persistence.ListJobsOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmitRoutesToMatchingGroupCaseInsensitive(t *testing.T) {
	store := memory.New()
	seedPipeline(t, store, "Edge-EU")
	onlineAgent(t, store, "a1", "edge-eu")
	svc := controlplane.NewService(store, store, store)

	job, err := svc.Submit(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
}

func TestLeaseIsWonByExactlyOneWorker(t *testing.T) {
	store := memory.New()
	seedPipeline(t, store, "")
	svc := controlplane.NewService(store, store, store)

	job, err := svc.Submit(context.Background(), "p1")
	require.NoError(t, err)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leased, err := svc.Lease(context.Background(), "w"+string(rune('a'+i)), nil)
			require.NoError(t, err)
			if leased != nil {
				mu.Lock()
				winners = append(winners, leased.WorkerID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one worker wins the lease")
	got, err := svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)
	assert.Equal(t, winners[0], got.WorkerID)
}

func TestLeaseInternalJobOnlyGoesToGrouplessWorker(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedPipeline(t, store, "")
	svc := controlplane.NewService(store, store, store)

	job, err := svc.Submit(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, models.JobPending, job.Status)

	remote, err := svc.Lease(ctx, "remote-1", []string{"edge-eu"})
	require.NoError(t, err)
	assert.Nil(t, remote, "group-carrying workers never see internal jobs")

	embedded, err := svc.Lease(ctx, "embedded-1", nil)
	require.NoError(t, err)
	require.NotNil(t, embedded)
	assert.Equal(t, job.ID, embedded.ID)
	assert.Equal(t, models.JobRunning, embedded.Status)
}

func TestLeaseRespectsGroupRouting(t *testing.T) {
	store := memory.New()
	seedPipeline(t, store, "edge-eu")
	onlineAgent(t, store, "a1", "edge-eu")
	svc := controlplane.NewService(store, store, store)

	_, err := svc.Submit(context.Background(), "p1")
	require.NoError(t, err)

	other, err := svc.Lease(context.Background(), "w1", []string{"edge-us"})
	require.NoError(t, err)
	assert.Nil(t, other, "worker outside the group sees nothing")

	leased, err := svc.Lease(context.Background(), "w2", []string{"EDGE-EU"})
	require.NoError(t, err)
	require.NotNil(t, leased)
}

func TestCompleteRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedPipeline(t, store, "")
	svc := controlplane.NewService(store, store, store)

	job, err := svc.Submit(ctx, "p1")
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		leased, err := svc.Lease(ctx, "w1", nil)
		require.NoError(t, err)
		require.NotNil(t, leased, "attempt %d", attempt)

		updated, err := svc.Complete(ctx, job.ID, false, "connection refused", time.Second)
		require.NoError(t, err)
		assert.Equal(t, models.JobQueued, updated.Status)
		assert.Equal(t, attempt, updated.RetryCount)
		assert.False(t, updated.NextAttemptAt.IsZero())

		// clear the backoff so the next lease attempt is eligible
		updated.NextAttemptAt = time.Time{}
		require.NoError(t, store.UpdateJob(ctx, updated))
	}

	leased, err := svc.Lease(ctx, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, leased)
	final, err := svc.Complete(ctx, job.ID, false, "still broken", time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Equal(t, "still broken", final.InfraError)
}

func TestCancelTransitions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedPipeline(t, store, "")
	svc := controlplane.NewService(store, store, store)

	queued, err := svc.Submit(ctx, "p1")
	require.NoError(t, err)
	cancelled, err := svc.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)

	second, err := svc.Submit(ctx, "p1")
	require.NoError(t, err)
	_, err = svc.Lease(ctx, "w1", nil)
	require.NoError(t, err)
	cancelling, err := svc.Cancel(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelling, cancelling.Status)

	done, err := svc.Complete(ctx, second.ID, false, "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, done.Status, "worker confirmation lands in CANCELLED")
}

func TestRetryRequeuesTerminalJob(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedPipeline(t, store, "")
	svc := controlplane.NewService(store, store, store)

	require.NoError(t, store.CreatePipeline(ctx, &models.Pipeline{
		ID: "p2", WorkspaceID: "ws", Name: "no-retries", PublishedVersionID: "v1",
	}))

	job, err := svc.Submit(ctx, "p2")
	require.NoError(t, err)
	_, err = svc.Retry(ctx, job.ID)
	require.Error(t, err, "non-terminal jobs cannot be force-retried")

	_, err = svc.Lease(ctx, "w1", nil)
	require.NoError(t, err)
	failed, err := svc.Complete(ctx, job.ID, false, "boom", time.Second)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, failed.Status)

	retried, err := svc.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, retried.Status)
	assert.Empty(t, retried.WorkerID)
	assert.Empty(t, retried.InfraError)
}

func TestFleetRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fleet := controlplane.NewFleet(store, time.Minute)

	agent, apiKey, err := fleet.Register(ctx, "ws", "edge-worker", []string{"edge-eu"})
	require.NoError(t, err)
	require.NotEmpty(t, apiKey)
	assert.NotEqual(t, apiKey, agent.HashedSecret, "plain key is never stored")

	authed, err := fleet.Authenticate(ctx, agent.ClientID, apiKey)
	require.NoError(t, err)
	assert.Equal(t, agent.ClientID, authed.ClientID)

	_, err = fleet.Authenticate(ctx, agent.ClientID, "wrong")
	assert.Error(t, err)
	_, err = fleet.Authenticate(ctx, "no-such-agent", apiKey)
	assert.Error(t, err)
}

func TestFleetLivenessWindow(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fleet := controlplane.NewFleet(store, time.Minute)

	agent, _, err := fleet.Register(ctx, "ws", "w", []string{"g"})
	require.NoError(t, err)
	require.NoError(t, fleet.Heartbeat(ctx, agent.ClientID, "10.0.0.1", "1.0.0", nil))

	listed, err := fleet.List(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.AgentOnline, listed[0].Status)

	// age the heartbeat past the window
	stale, err := store.GetAgent(ctx, agent.ClientID)
	require.NoError(t, err)
	stale.LastHeartbeat = time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, store.PutAgent(ctx, stale))

	listed, err = fleet.List(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOffline, listed[0].Status)

	require.NoError(t, fleet.MarkStaleOffline(ctx))
	persisted, err := store.GetAgent(ctx, agent.ClientID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentOffline, persisted.Status)
}
