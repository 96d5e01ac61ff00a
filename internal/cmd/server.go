package cmd

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/synqx/synqx/internal/config"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/controlplane"
	"github.com/synqx/synqx/internal/ephemeral"
	"github.com/synqx/synqx/internal/eventbus"
	"github.com/synqx/synqx/internal/frontend"
	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/persistence/memory"
)

const serverPoolSize = 64

// CmdServer starts the control plane: HTTP API, scheduler, fleet sweep
// and the embedded worker for jobs without an agent group.
func CmdServer() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the control plane server",
		Long:  `Start the API server with the cron scheduler, the agent fleet registry and an embedded worker for locally-executed pipelines.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			return runServer(ctx, cfg)
		},
	}
	addConfigFlag(cmd)
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store := memory.New()

	pool, err := connector.NewPool(serverPoolSize)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	var (
		bus     eventbus.Bus
		cacheKV ephemeral.KV
	)
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn(ctx, "Redis unreachable, using in-process bus and cache", "err", err)
			bus = eventbus.NewMemoryBus()
			cacheKV = ephemeral.NewMemoryKV()
		} else {
			defer func() { _ = client.Close() }()
			bus = eventbus.NewRedisBus(client)
			cacheKV = ephemeral.RedisKV{Client: client}
		}
	} else {
		bus = eventbus.NewMemoryBus()
		cacheKV = ephemeral.NewMemoryKV()
	}
	defer func() { _ = bus.Close() }()

	control := controlplane.NewService(store, store, store,
		controlplane.WithEvents(bus),
		controlplane.WithLivenessWindow(cfg.Agent.LivenessWindow))
	fleet := controlplane.NewFleet(store, cfg.Agent.LivenessWindow)
	scheduler := controlplane.NewScheduler(control, store, store, cfg.Scheduler.Tick, cfg.Scheduler.SLATick)

	cache := ephemeral.NewResultCache(cacheKV, cfg.Cache.ResultTTL)
	eph := ephemeral.NewService(store, store, pool,
		ephemeral.WithResultCache(cache),
		ephemeral.WithEvents(bus))

	go scheduler.Run(ctx)
	go sweepFleet(ctx, fleet, cfg.Agent.LivenessWindow)

	worker := newLocalWorker(cfg, store, pool, control, eph, bus)
	go worker.Run(ctx)

	api := frontend.NewAPI(control, fleet, eph, frontend.Stores{
		Jobs:          store,
		Pipelines:     store,
		Agents:        store,
		Connections:   store,
		Runs:          store,
		EphemeralJobs: store,
	})
	return frontend.NewServer(api, cfg).Serve(ctx)
}

// sweepFleet periodically persists OFFLINE for agents with stale
// heartbeats.
func sweepFleet(ctx context.Context, fleet *controlplane.Fleet, liveness time.Duration) {
	interval := liveness / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fleet.MarkStaleOffline(ctx); err != nil {
				logger.Warn(ctx, "Fleet sweep failed", "err", err)
			}
		}
	}
}
