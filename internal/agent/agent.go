// Package agent implements the remote worker: it registers presence via
// heartbeats, leases jobs from the control plane, executes them against
// local engines and reports results back.
package agent

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synqx/synqx/internal/backoff"
	"github.com/synqx/synqx/internal/build"
	"github.com/synqx/synqx/internal/config"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/dag"
	"github.com/synqx/synqx/internal/ephemeral"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/executor"
	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
	"github.com/synqx/synqx/internal/models"
)

const (
	// maxHeartbeatFailures aborts the agent after this many consecutive
	// failed heartbeats; the server already considers it offline.
	maxHeartbeatFailures = 3

	leaseWaitSeconds  = 25
	ephemeralPollTick = 2 * time.Second
	enginePoolSize    = 32
)

// Agent is a remote worker process.
type Agent struct {
	cfg       config.Agent
	client    *Client
	engines   *connector.Pool
	exec      *executor.Executor
	ephemeral *ephemeral.Service
	resolver  *cachingResolver
}

// New creates an agent from its configuration.
func New(cfg config.Agent) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, errdefs.New(errdefs.KindConfiguration, "agent requires a server_url")
	}
	if cfg.ClientID == "" || cfg.APIKey == "" {
		return nil, errdefs.New(errdefs.KindConfiguration, "agent requires client_id and api_key")
	}

	client := NewClient(cfg.ServerURL, cfg.ClientID, cfg.APIKey)
	pool, err := connector.NewPool(enginePoolSize)
	if err != nil {
		return nil, err
	}
	resolver := newCachingResolver(client)

	return &Agent{
		cfg:       cfg,
		client:    client,
		engines:   pool,
		exec:      executor.New(pool, resolver, executor.WithJobWatcher(client)),
		ephemeral: ephemeral.NewService(remoteEphemeralStore{client: client}, resolver, pool),
		resolver:  resolver,
	}, nil
}

// Run drives the agent until ctx is done or heartbeats fail hard.
func (a *Agent) Run(ctx context.Context) error {
	defer func() { _ = a.engines.Close() }()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.heartbeatLoop(gctx) })

	concurrency := a.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		g.Go(func() error { return a.workerLoop(gctx) })
	}
	g.Go(func() error { return a.ephemeralLoop(gctx) })

	logger.Info(ctx, "Agent started", tag.Agent(a.cfg.ClientID),
		"groups", a.cfg.Groups, "concurrency", concurrency)
	err := g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	beat := func() error {
		if err := a.client.Heartbeat(ctx, build.Version, collectSystemInfo(ctx)); err != nil {
			failures++
			logger.Warn(ctx, "Heartbeat failed", tag.Error(err), "consecutive", failures)
			if failures >= maxHeartbeatFailures {
				return errdefs.Newf(errdefs.KindConnectionFailed,
					"lost contact with server after %d heartbeats", failures)
			}
			return nil
		}
		failures = 0
		return nil
	}

	if err := beat(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := beat(); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) workerLoop(ctx context.Context) error {
	retrier := backoff.NewRetrier(backoff.WithJitter(
		backoff.NewExponentialBackoffPolicy(time.Second), backoff.FullJitter))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := a.client.Lease(ctx, a.cfg.Groups, leaseWaitSeconds)
		if err != nil {
			wait, werr := retrier.Next()
			if werr != nil {
				wait = time.Minute
			}
			logger.Warn(ctx, "Lease failed, backing off", tag.Error(err), "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		retrier.Reset()
		if job == nil {
			continue
		}
		a.runJob(ctx, job)
	}
}

// runJob executes one leased job end to end and always reports an
// outcome; a reporting failure is logged, the server-side retry budget
// handles the rest.
func (a *Agent) runJob(ctx context.Context, job *models.Job) {
	start := time.Now()
	logger.Info(ctx, "Job execution started", tag.Job(job.ID), tag.Pipeline(job.PipelineID))

	result, execErr := a.executeJob(ctx, job)

	if result != nil {
		if err := a.client.ReportProgress(ctx, job.ID, result.Run, result.Steps); err != nil {
			logger.Warn(ctx, "Failed to report run telemetry", tag.Job(job.ID), tag.Error(err))
		}
	}

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
		logger.Error(ctx, "Job execution failed", tag.Job(job.ID), tag.Error(execErr))
	} else {
		logger.Info(ctx, "Job execution finished", tag.Job(job.ID),
			tag.Duration(time.Since(start)))
	}
	if err := a.client.Complete(ctx, job.ID, execErr == nil, errMsg, time.Since(start)); err != nil {
		logger.Error(ctx, "Failed to report job completion", tag.Job(job.ID), tag.Error(err))
	}
}

func (a *Agent) executeJob(ctx context.Context, job *models.Job) (*executor.Result, error) {
	version, err := a.client.GetVersion(ctx, job.PipelineVersionID)
	if err != nil {
		return nil, err
	}
	plan, err := dag.BuildPlan(version)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindPipelineExecution, err, "plan build failed")
	}
	dag.Optimize(plan, a.kindOf(ctx))
	return a.exec.Execute(ctx, job, plan)
}

// kindOf resolves a node's connector kind for pushdown decisions.
func (a *Agent) kindOf(ctx context.Context) dag.KindResolver {
	return func(n *models.Node) string {
		if n.ConnectionID == "" {
			return ""
		}
		conn, err := a.resolver.GetConnection(ctx, n.ConnectionID)
		if err != nil {
			return ""
		}
		return conn.ConnectorKind
	}
}

func (a *Agent) ephemeralLoop(ctx context.Context) error {
	ticker := time.NewTicker(ephemeralPollTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		job, err := a.client.LeaseEphemeral(ctx, a.cfg.Groups)
		if err != nil {
			logger.Warn(ctx, "Ephemeral lease failed", tag.Error(err))
			continue
		}
		if job == nil {
			continue
		}
		// outcome is posted by the service through the remote store
		if err := a.ephemeral.Execute(ctx, job); err != nil {
			logger.Warn(ctx, "Ephemeral job failed", tag.Job(job.ID), tag.Error(err))
		}
	}
}

// cachingResolver resolves connections through the API and memoizes
// them; configs are immutable for the lifetime of a lease.
type cachingResolver struct {
	client *Client
	mu     sync.Mutex
	cache  map[string]*models.Connection
}

func newCachingResolver(client *Client) *cachingResolver {
	return &cachingResolver{client: client, cache: make(map[string]*models.Connection)}
}

func (r *cachingResolver) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	r.mu.Lock()
	if conn, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return conn, nil
	}
	r.mu.Unlock()

	conn, err := r.client.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[id] = conn
	r.mu.Unlock()
	return conn, nil
}

// remoteEphemeralStore adapts the agent API to the store interface the
// ephemeral service drives. Only status updates flow back; creation and
// leasing happen server-side.
type remoteEphemeralStore struct {
	client *Client
}

func (s remoteEphemeralStore) CreateEphemeralJob(context.Context, *models.EphemeralJob) error {
	return errdefs.New(errdefs.KindConfiguration, "ephemeral jobs are created on the server")
}

func (s remoteEphemeralStore) GetEphemeralJob(context.Context, string) (*models.EphemeralJob, error) {
	return nil, errdefs.New(errdefs.KindNotFound, "ephemeral jobs are read on the server")
}

func (s remoteEphemeralStore) UpdateEphemeralJob(ctx context.Context, job *models.EphemeralJob) error {
	return s.client.PostEphemeralResult(ctx, job)
}

func (s remoteEphemeralStore) LeaseNextEphemeralJob(ctx context.Context, _ string, groups []string) (*models.EphemeralJob, error) {
	return s.client.LeaseEphemeral(ctx, groups)
}
