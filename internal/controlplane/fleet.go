package controlplane

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence"
)

// Fleet manages agent registration, authentication and liveness.
type Fleet struct {
	agents   persistence.AgentStore
	liveness time.Duration
	now      func() time.Time
}

// NewFleet creates the fleet registry. Agents whose last heartbeat is
// older than the liveness window read as OFFLINE.
func NewFleet(agents persistence.AgentStore, liveness time.Duration) *Fleet {
	if liveness <= 0 {
		liveness = 2 * time.Minute
	}
	return &Fleet{agents: agents, liveness: liveness, now: time.Now}
}

// Register creates an agent and returns it with the API key in plain
// text. The key is shown exactly once; only its hash is stored.
func (f *Fleet) Register(ctx context.Context, workspaceID, name string, groups []string) (*models.Agent, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	apiKey := hex.EncodeToString(raw)

	agent := &models.Agent{
		ClientID:     uuid.New().String(),
		WorkspaceID:  workspaceID,
		Name:         name,
		HashedSecret: hashSecret(apiKey),
		Tags:         models.AgentTags{Groups: groups},
		Status:       models.AgentOffline,
	}
	if err := f.agents.PutAgent(ctx, agent); err != nil {
		return nil, "", err
	}
	logger.Info(ctx, "Agent registered", tag.Agent(agent.ClientID), tag.Workspace(workspaceID), "groups", groups)
	return agent, apiKey, nil
}

// Authenticate verifies the agent's API key in constant time.
func (f *Fleet) Authenticate(ctx context.Context, clientID, apiKey string) (*models.Agent, error) {
	agent, err := f.agents.GetAgent(ctx, clientID)
	if err != nil {
		// same error shape for unknown ID and bad key
		return nil, errdefs.New(errdefs.KindAuthentication, "invalid agent credentials")
	}
	if subtle.ConstantTimeCompare([]byte(agent.HashedSecret), []byte(hashSecret(apiKey))) != 1 {
		return nil, errdefs.New(errdefs.KindAuthentication, "invalid agent credentials")
	}
	return agent, nil
}

// Heartbeat records a liveness report and marks the agent ONLINE.
func (f *Fleet) Heartbeat(ctx context.Context, clientID, ip, version string, systemInfo map[string]any) error {
	agent, err := f.agents.GetAgent(ctx, clientID)
	if err != nil {
		return err
	}
	agent.Status = models.AgentOnline
	agent.LastHeartbeat = f.now().UTC()
	if ip != "" {
		agent.IPAddress = ip
	}
	if version != "" {
		agent.Version = version
	}
	if systemInfo != nil {
		agent.SystemInfo = systemInfo
	}
	return f.agents.PutAgent(ctx, agent)
}

// List returns the workspace's agents with liveness applied: an agent
// reporting ONLINE whose heartbeat fell outside the window reads
// OFFLINE without waiting for a sweep.
func (f *Fleet) List(ctx context.Context, workspaceID string) ([]*models.Agent, error) {
	agents, err := f.agents.ListAgents(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	cutoff := f.now().UTC().Add(-f.liveness)
	for _, a := range agents {
		if a.Status == models.AgentOnline && a.LastHeartbeat.Before(cutoff) {
			a.Status = models.AgentOffline
		}
	}
	return agents, nil
}

// MarkStaleOffline persists OFFLINE for agents outside the liveness
// window. Run periodically so stored state converges with reads.
func (f *Fleet) MarkStaleOffline(ctx context.Context) error {
	agents, err := f.agents.ListAgents(ctx, "")
	if err != nil {
		return err
	}
	cutoff := f.now().UTC().Add(-f.liveness)
	for _, a := range agents {
		if a.Status == models.AgentOnline && a.LastHeartbeat.Before(cutoff) {
			a.Status = models.AgentOffline
			if err := f.agents.PutAgent(ctx, a); err != nil {
				return err
			}
			logger.Warn(ctx, "Agent marked offline, heartbeat stale",
				tag.Agent(a.ClientID), "last_heartbeat", a.LastHeartbeat)
		}
	}
	return nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// agentServesGroup matches group labels case-insensitively on the
// server side; agents send their groups as registered.
func agentServesGroup(a *models.Agent, group string) bool {
	for _, g := range a.Tags.Groups {
		if strings.EqualFold(g, group) {
			return true
		}
	}
	return false
}
