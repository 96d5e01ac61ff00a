// Package executor runs a pipeline plan as a set of concurrently
// streaming nodes connected by bounded chunk channels. A node failure
// cancels the whole run; collapsed nodes are reported SUCCESS with zero
// records since the extract already did their work.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/synqx/synqx/internal/backoff"
	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/dag"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/eventbus"
	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence"
)

// ConnectionResolver resolves a node's connection ID to its record.
type ConnectionResolver interface {
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
}

// JobWatcher reports the control-plane status of a job mid-run.
type JobWatcher interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// Executor streams pipeline plans to completion.
type Executor struct {
	engines       *connector.Pool
	connections   ConnectionResolver
	watermarks    persistence.WatermarkStore
	events        eventbus.Publisher
	jobs          JobWatcher
	cancelPoll    time.Duration
	chunkBuffer   int
	quarantineCap int
	now           func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithWatermarkStore enables incremental extracts and watermark
// persistence at run success.
func WithWatermarkStore(store persistence.WatermarkStore) Option {
	return func(e *Executor) { e.watermarks = store }
}

// WithEvents publishes step state transitions to the bus.
func WithEvents(pub eventbus.Publisher) Option {
	return func(e *Executor) { e.events = pub }
}

// WithChunkBuffer sets the per-edge channel capacity.
func WithChunkBuffer(n int) Option {
	return func(e *Executor) { e.chunkBuffer = n }
}

// WithQuarantineCap bounds the in-memory forensic buffer, in rows, for
// nodes without a quarantine asset.
func WithQuarantineCap(rows int) Option {
	return func(e *Executor) { e.quarantineCap = rows }
}

// WithJobWatcher polls the job's control-plane status during a run so a
// CANCELLING request aborts the plan at the next chunk boundary.
func WithJobWatcher(w JobWatcher) Option {
	return func(e *Executor) { e.jobs = w }
}

// WithCancelPoll overrides the cancellation poll interval.
func WithCancelPoll(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.cancelPoll = d
		}
	}
}

// New creates an executor over the given engine pool and connection
// resolver.
func New(engines *connector.Pool, connections ConnectionResolver, opts ...Option) *Executor {
	e := &Executor{
		engines:       engines,
		connections:   connections,
		events:        eventbus.NopPublisher{},
		cancelPoll:    time.Second,
		chunkBuffer:   4,
		quarantineCap: 10000,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of one plan execution.
type Result struct {
	Run   *models.PipelineRun
	Steps []*models.StepRun
}

// Execute runs the plan to completion. The returned result is populated
// even on failure; the error carries the failing node's classification.
func (e *Executor) Execute(ctx context.Context, job *models.Job, plan *dag.Plan) (*Result, error) {
	run := &models.PipelineRun{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		PipelineID: job.PipelineID,
		VersionID:  plan.Version.ID,
		StartedAt:  e.now().UTC(),
	}

	order, err := plan.Graph.TopologicalSort()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindPipelineExecution, err, "plan is not executable")
	}

	steps := make(map[string]*models.StepRun, len(order))
	runnable := make(map[string]bool, len(order))
	var runOrder []string
	for _, id := range order {
		node := plan.Node(id)
		step := &models.StepRun{
			ID:     uuid.New().String(),
			RunID:  run.ID,
			NodeID: id,
			State:  models.StepPending,
		}
		steps[id] = step
		if node.CollapsedInto() != "" {
			// absorbed into its extract by the optimizer
			step.State = models.StepSuccess
			continue
		}
		runnable[id] = true
		runOrder = append(runOrder, id)
	}

	inputs := make(map[string][]*edge)
	outputs := make(map[string][]*edge)
	for _, id := range runOrder {
		for _, pred := range plan.Graph.Predecessors(id) {
			if !runnable[pred] {
				continue
			}
			ed := newEdge(pred, id, e.chunkBuffer)
			inputs[id] = append(inputs[id], ed)
			outputs[pred] = append(outputs[pred], ed)
		}
	}

	trackers := make(map[string]*watermarkTracker)
	for _, id := range runOrder {
		node := plan.Node(id)
		if node.OperatorType == models.OperatorExtract && node.WatermarkColumn != "" {
			trackers[id] = &watermarkTracker{column: node.WatermarkColumn}
		}
	}

	// a cancel request observed by the watcher tears the run context
	// down; edges notice between chunks, so no node blocks past the next
	// chunk boundary
	runCtx := ctx
	if e.jobs != nil {
		var cancel context.CancelCauseFunc
		runCtx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)
		stop := make(chan struct{})
		defer close(stop)
		go e.watchJob(runCtx, job.ID, cancel, stop)
	}

	var failMu sync.Mutex
	g, gctx := errgroup.WithContext(runCtx)
	for _, id := range runOrder {
		node := plan.Node(id)
		step := steps[id]
		g.Go(func() error {
			err := e.runNode(gctx, plan.Version.ID, node, step, inputs[id], outputs[id], trackers[id])
			if err != nil {
				failMu.Lock()
				if run.FailedStepID == "" {
					run.FailedStepID = node.NodeID
				}
				failMu.Unlock()
				logger.Error(gctx, "Step failed", tag.Node(node.NodeID), tag.Error(err))
			}
			return err
		})
	}
	execErr := g.Wait()
	if execErr != nil && errors.Is(execErr, context.Canceled) {
		if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			execErr = cause
		}
	}

	run.FinishedAt = e.now().UTC()
	run.Duration = run.FinishedAt.Sub(run.StartedAt)
	result := &Result{Run: run}
	for _, id := range order {
		step := steps[id]
		result.Steps = append(result.Steps, step)
		node := plan.Node(id)
		switch node.OperatorType {
		case models.OperatorExtract:
			run.RecordsIn += step.RecordsOut
		case models.OperatorLoad:
			run.RecordsOut += step.RecordsOut
		}
		run.RecordsError += step.RecordsError
		run.Bytes += step.Bytes
	}

	if execErr != nil {
		return result, execErr
	}

	// Watermarks advance only after the whole run succeeded; a partial
	// failure must re-read from the previous mark.
	if e.watermarks != nil {
		for id, tracker := range trackers {
			w := tracker.watermark(plan.Version.ID, id, plan.Node(id).SourceAssetID)
			if w == nil {
				continue
			}
			if err := e.watermarks.SaveWatermark(ctx, w); err != nil {
				return result, errdefs.Wrap(errdefs.KindPipelineExecution, err, "failed to persist watermark")
			}
		}
	}
	return result, nil
}

func (e *Executor) runNode(ctx context.Context, versionID string, node *models.Node, step *models.StepRun, ins, outs []*edge, tracker *watermarkTracker) (err error) {
	step.State = models.StepRunning
	step.StartedAt = e.now().UTC()
	e.publishStep(ctx, step)

	defer func() {
		closeEdges(outs)
		step.FinishedAt = e.now().UTC()
		if err != nil {
			step.State = models.StepFailed
			step.ErrorMessage = err.Error()
			step.ErrorType = errdefs.GetKind(err).String()
		} else {
			step.State = models.StepSuccess
		}
		e.publishStep(ctx, step)
	}()

	if node.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	switch node.OperatorType {
	case models.OperatorExtract:
		return e.runExtract(ctx, versionID, node, step, outs, tracker)
	case models.OperatorLoad:
		return e.runLoad(ctx, node, step, ins)
	default:
		return e.runTransform(ctx, node, step, ins, outs)
	}
}

// watchJob polls the job until the run finishes or a cancel request
// lands. Lookup failures are transient and skipped.
func (e *Executor) watchJob(ctx context.Context, jobID string, cancel context.CancelCauseFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(e.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
		job, err := e.jobs.GetJob(ctx, jobID)
		if err != nil {
			continue
		}
		if job.Status == models.JobCancelling || job.Status == models.JobCancelled {
			logger.Info(ctx, "Cancel request observed, aborting run", tag.Job(jobID))
			cancel(errdefs.Newf(errdefs.KindPipelineExecution, "job %s cancelled", jobID))
			return
		}
	}
}

func (e *Executor) publishStep(ctx context.Context, step *models.StepRun) {
	_ = e.events.Publish(ctx, eventbus.TopicStep(step.ID), eventbus.NewEvent("step_state", map[string]any{
		"node_id": step.NodeID,
		"state":   string(step.State),
	}))
}

// engineFor resolves the node's connection and checks out a pooled
// engine for it.
func (e *Executor) engineFor(ctx context.Context, node *models.Node) (connector.Connector, *models.Connection, error) {
	if node.ConnectionID == "" {
		return nil, nil, errdefs.Newf(errdefs.KindConfiguration, "node %s has no connection", node.NodeID)
	}
	conn, err := e.connections.GetConnection(ctx, node.ConnectionID)
	if err != nil {
		return nil, nil, err
	}
	engine, err := e.engines.Get(ctx, conn.ConnectorKind, conn.Config, nil)
	if err != nil {
		return nil, nil, err
	}
	return engine, conn, nil
}

// retryPolicyFor builds the node's backoff policy. Defaults: 3 attempts
// on a 60 second base with half jitter.
func retryPolicyFor(node *models.Node) backoff.RetryPolicy {
	maxRetries := node.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	interval := time.Duration(node.RetryDelaySeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	var policy backoff.RetryPolicy
	switch node.RetryStrategy {
	case models.RetryLinear:
		policy = &backoff.LinearBackoffPolicy{Interval: interval, Increment: interval, MaxRetries: maxRetries}
	case models.RetryExponential:
		exp := backoff.NewExponentialBackoffPolicy(interval)
		exp.MaxRetries = maxRetries
		policy = exp
	default:
		policy = &backoff.FixedBackoffPolicy{Interval: interval, MaxRetries: maxRetries}
	}
	return backoff.WithJitter(policy, backoff.HalfJitter)
}

func checkGuardrails(node *models.Node, step *models.StepRun, started, now time.Time) error {
	for _, gr := range node.Guardrails {
		if gr.MaxRows > 0 && step.RecordsIn > gr.MaxRows {
			return errdefs.Newf(errdefs.KindPipelineExecution,
				"guardrail breached on %s: %d rows over the %d row limit", node.NodeID, step.RecordsIn, gr.MaxRows)
		}
		if gr.MaxBytes > 0 && step.Bytes > gr.MaxBytes {
			return errdefs.Newf(errdefs.KindPipelineExecution,
				"guardrail breached on %s: %d bytes over the %d byte limit", node.NodeID, step.Bytes, gr.MaxBytes)
		}
		if gr.MaxDuration > 0 && now.Sub(started) > gr.MaxDuration {
			return errdefs.Newf(errdefs.KindPipelineExecution,
				"guardrail breached on %s: running longer than %s", node.NodeID, gr.MaxDuration)
		}
	}
	return nil
}

// watermarkTracker observes the maximum value of the watermark column
// across every chunk an extract emits. Only the owning extract
// goroutine touches it during the run.
type watermarkTracker struct {
	column string
	max    any
	seen   bool
}

func (t *watermarkTracker) observe(ch *chunk.Chunk) {
	for i := 0; i < ch.NumRows(); i++ {
		v := ch.Value(i, t.column)
		if v == nil {
			continue
		}
		if !t.seen || chunk.Compare(v, t.max) > 0 {
			t.max = v
			t.seen = true
		}
	}
}

func (t *watermarkTracker) watermark(versionID, nodeID, assetID string) *models.Watermark {
	if !t.seen {
		return nil
	}
	w := &models.Watermark{
		PipelineVersionID: versionID,
		NodeID:            nodeID,
		AssetID:           assetID,
		Column:            t.column,
	}
	if t.column == connector.FieldCDCToken {
		w.ResumeToken = chunk.ToString(t.max)
	} else {
		w.Value = t.max
	}
	return w
}
