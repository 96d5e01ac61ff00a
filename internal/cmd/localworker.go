package cmd

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/synqx/synqx/internal/config"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/controlplane"
	"github.com/synqx/synqx/internal/dag"
	"github.com/synqx/synqx/internal/ephemeral"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/eventbus"
	"github.com/synqx/synqx/internal/executor"
	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence/memory"
)

const localPollTick = 2 * time.Second

// localWorker executes jobs without an agent group inside the server
// process. Remote-routed jobs are left for the fleet.
type localWorker struct {
	workerID  string
	store     *memory.Store
	control   *controlplane.Service
	ephemeral *ephemeral.Service
	exec      *executor.Executor
}

func newLocalWorker(cfg *config.Config, store *memory.Store, pool *connector.Pool, control *controlplane.Service, eph *ephemeral.Service, bus eventbus.Publisher) *localWorker {
	exec := executor.New(pool, store,
		executor.WithWatermarkStore(store),
		executor.WithJobWatcher(store),
		executor.WithEvents(bus),
		executor.WithChunkBuffer(cfg.Engine.ChunkBuffer),
		executor.WithQuarantineCap(cfg.Engine.QuarantineRows))
	return &localWorker{
		workerID:  "embedded-" + uuid.New().String()[:8],
		store:     store,
		control:   control,
		ephemeral: eph,
		exec:      exec,
	}
}

func (w *localWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(localPollTick)
	defer ticker.Stop()

	logger.Info(ctx, "Embedded worker started", "worker_id", w.workerID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.drainJobs(ctx)
		w.drainEphemeral(ctx)
	}
}

func (w *localWorker) drainJobs(ctx context.Context) {
	for {
		job, err := w.control.Lease(ctx, w.workerID, nil)
		if err != nil {
			logger.Warn(ctx, "Embedded worker lease failed", tag.Error(err))
			return
		}
		if job == nil {
			return
		}
		w.runJob(ctx, job)
	}
}

func (w *localWorker) runJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	result, execErr := w.executeJob(ctx, job)
	if result != nil {
		if err := w.store.CreateRun(ctx, result.Run); err != nil {
			logger.Warn(ctx, "Failed to persist run", tag.Job(job.ID), tag.Error(err))
		}
		for _, step := range result.Steps {
			if err := w.store.PutStepRun(ctx, step); err != nil {
				logger.Warn(ctx, "Failed to persist step run", tag.Job(job.ID), tag.Error(err))
			}
		}
	}

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}
	if _, err := w.control.Complete(ctx, job.ID, execErr == nil, errMsg, time.Since(start)); err != nil {
		logger.Error(ctx, "Failed to complete job", tag.Job(job.ID), tag.Error(err))
	}
}

func (w *localWorker) executeJob(ctx context.Context, job *models.Job) (*executor.Result, error) {
	version, err := w.store.GetVersion(ctx, job.PipelineVersionID)
	if err != nil {
		return nil, err
	}
	plan, err := dag.BuildPlan(version)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindPipelineExecution, err, "plan build failed")
	}
	dag.Optimize(plan, func(n *models.Node) string {
		if n.ConnectionID == "" {
			return ""
		}
		conn, err := w.store.GetConnection(ctx, n.ConnectionID)
		if err != nil {
			return ""
		}
		return conn.ConnectorKind
	})
	return w.exec.Execute(ctx, job, plan)
}

func (w *localWorker) drainEphemeral(ctx context.Context) {
	for {
		job, err := w.store.LeaseNextEphemeralJob(ctx, w.workerID, nil)
		if err != nil {
			logger.Warn(ctx, "Embedded worker ephemeral lease failed", tag.Error(err))
			return
		}
		if job == nil {
			return
		}
		if err := w.ephemeral.Execute(ctx, job); err != nil {
			logger.Warn(ctx, "Ephemeral job failed", tag.Job(job.ID), tag.Error(err))
		}
	}
}
