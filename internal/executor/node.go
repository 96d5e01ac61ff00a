package executor

import (
	"context"
	"io"

	"github.com/synqx/synqx/internal/backoff"
	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/dag"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/operator"
)

// sampleRows is how many rows of output each step keeps for inspection.
const sampleRows = 10

func (e *Executor) runExtract(ctx context.Context, versionID string, node *models.Node, step *models.StepRun, outs []*edge, tracker *watermarkTracker) error {
	engine, _, err := e.engineFor(ctx, node)
	if err != nil {
		return err
	}
	reader, ok := engine.(connector.BatchReader)
	if !ok {
		return errdefs.Newf(errdefs.KindConfiguration, "connector %q cannot read batches", engine.Kind())
	}

	opts := connector.ReadOptions{ChunkSize: 0}
	if ops := dag.PushdownOps(node); len(ops) > 0 {
		opts.PushdownQuery = dag.BuildQuery(node.SourceAssetID, ops)
		logger.Debug(ctx, "Extract uses pushdown query", tag.Node(node.NodeID), "query", opts.PushdownQuery)
	}
	if node.IncrementalCapable && node.WatermarkColumn != "" && e.watermarks != nil {
		w, err := e.watermarks.GetWatermark(ctx, versionID, node.NodeID, node.SourceAssetID)
		if err != nil {
			return err
		}
		if w != nil && w.Value != nil {
			opts.IncrementalFilter = &connector.IncrementalFilter{Column: w.Column, Above: w.Value}
		}
	}

	// The read open is the flaky part (connections, cursors); retries
	// stop once the stream is flowing, since chunks already emitted
	// cannot be unsent.
	var it connector.ChunkIterator
	attempts := 0
	err = backoff.Retry(ctx, func(ctx context.Context) error {
		attempts++
		var openErr error
		it, openErr = reader.ReadBatch(ctx, node.SourceAssetID, opts)
		return openErr
	}, retryPolicyFor(node), errdefs.IsRetryable)
	step.RetryCount = attempts - 1
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()

	started := e.now().UTC()
	for {
		ch, err := it.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		step.RecordsIn += int64(ch.NumRows())
		step.RecordsOut += int64(ch.NumRows())
		step.Bytes += estimateBytes(ch)
		e.takeSample(step, ch)
		if tracker != nil {
			tracker.observe(ch)
		}
		if err := checkGuardrails(node, step, started, e.now().UTC()); err != nil {
			return err
		}
		if err := broadcast(ctx, outs, ch); err != nil {
			return err
		}
	}
}

func (e *Executor) runTransform(ctx context.Context, node *models.Node, step *models.StepRun, ins, outs []*edge) error {
	class := node.OperatorClass
	if class == "" {
		class = "pass_through"
	}
	// construction is covered by the node's retry policy; compile and
	// configuration failures are non-retryable, so those surface on the
	// first attempt
	var op operator.Operator
	attempts := 0
	err := backoff.Retry(ctx, func(context.Context) error {
		attempts++
		var newErr error
		op, newErr = operator.New(class, node.Config)
		return newErr
	}, retryPolicyFor(node), errdefs.IsRetryable)
	step.RetryCount = attempts - 1
	if err != nil {
		return err
	}
	if mapper, ok := op.(operator.LineageMapper); ok {
		step.LineageMap = mapper.LineageMap()
	}

	if len(ins) == 0 {
		return errdefs.Newf(errdefs.KindConfiguration, "transform %s has no input", node.NodeID)
	}
	primary := ins[0]
	if len(ins) > 1 {
		multi, ok := op.(operator.MultiInput)
		if !ok {
			return errdefs.Newf(errdefs.KindConfiguration,
				"operator %q accepts one input but node %s has %d", class, node.NodeID, len(ins))
		}
		for _, secondary := range ins[1:] {
			if err := multi.BindSecondary(secondary.from, newEdgeIterator(ctx, secondary)); err != nil {
				return err
			}
		}
	}

	sink := e.newQuarantineSink(node)
	quarantiner, _ := op.(operator.Quarantiner)

	started := e.now().UTC()
	emit := func(ch *chunk.Chunk) error {
		if ch == nil {
			return nil
		}
		step.RecordsOut += int64(ch.NumRows())
		e.takeSample(step, ch)
		return broadcast(ctx, outs, ch)
	}

	in := newEdgeIterator(ctx, primary)
	for {
		ch, err := in.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		step.RecordsIn += int64(ch.NumRows())
		step.Bytes += estimateBytes(ch)

		out, err := op.Transform(ctx, ch)
		if err != nil {
			return err
		}
		if quarantiner != nil {
			if q := quarantiner.TakeQuarantine(); q != nil {
				step.RecordsError += int64(q.NumRows())
				if err := sink.accept(ctx, q); err != nil {
					return err
				}
			}
		}
		if err := emit(out); err != nil {
			return err
		}
		if err := checkGuardrails(node, step, started, e.now().UTC()); err != nil {
			return err
		}
	}

	tail, err := op.Flush(ctx)
	if err != nil {
		return err
	}
	if quarantiner != nil {
		if q := quarantiner.TakeQuarantine(); q != nil {
			step.RecordsError += int64(q.NumRows())
			if err := sink.accept(ctx, q); err != nil {
				return err
			}
		}
	}
	if err := emit(tail); err != nil {
		return err
	}
	step.RecordsFiltered = step.RecordsIn - step.RecordsOut - step.RecordsError
	if step.RecordsFiltered < 0 {
		step.RecordsFiltered = 0
	}
	return sink.flush(ctx, e, step)
}

func (e *Executor) runLoad(ctx context.Context, node *models.Node, step *models.StepRun, ins []*edge) error {
	// connecting the destination engine is the flaky part of load
	// startup; once the stream is draining, retries stop
	var (
		engine connector.Connector
		conn   *models.Connection
	)
	attempts := 0
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		attempts++
		var openErr error
		engine, conn, openErr = e.engineFor(ctx, node)
		return openErr
	}, retryPolicyFor(node), errdefs.IsRetryable)
	step.RetryCount = attempts - 1
	if err != nil {
		return err
	}
	writer, ok := engine.(connector.BatchWriter)
	if !ok {
		return errdefs.Newf(errdefs.KindConfiguration, "connector %q cannot write batches", engine.Kind())
	}
	if len(ins) == 0 {
		return errdefs.Newf(errdefs.KindConfiguration, "load %s has no input", node.NodeID)
	}

	mode := node.WriteStrategy
	if mode == "" {
		mode = models.WriteAppend
	}

	var src connector.ChunkIterator
	if len(ins) == 1 {
		src = newEdgeIterator(ctx, ins[0])
	} else {
		seq := &seqIterator{}
		for _, in := range ins {
			seq.iters = append(seq.iters, newEdgeIterator(ctx, in))
		}
		src = seq
	}

	counted := &countingIterator{inner: src, step: step, sample: e.takeSample}

	if staged, ok := engine.(connector.StagedWriter); ok && staged.SupportsStaging() && conn.StagingConnectionID != "" {
		stage, err := e.stageEngineFor(ctx, conn.StagingConnectionID)
		if err != nil {
			return err
		}
		logger.Debug(ctx, "Load goes through staging", tag.Node(node.NodeID), "stage", conn.StagingConnectionID)
		written, err := staged.WriteStaged(ctx, counted, node.DestinationAssetID, stage, mode)
		step.RecordsOut = written
		return err
	}

	written, err := writer.WriteBatch(ctx, counted, node.DestinationAssetID, mode)
	step.RecordsOut = written
	if err != nil {
		return err
	}
	return nil
}

// stageEngineFor checks out the staging connection's engine.
func (e *Executor) stageEngineFor(ctx context.Context, connectionID string) (connector.Connector, error) {
	conn, err := e.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return e.engines.Get(ctx, conn.ConnectorKind, conn.Config, nil)
}

// countingIterator records load-side telemetry while the connector
// drains the stream.
type countingIterator struct {
	inner  connector.ChunkIterator
	step   *models.StepRun
	sample func(*models.StepRun, *chunk.Chunk)
}

func (it *countingIterator) Next(ctx context.Context) (*chunk.Chunk, error) {
	ch, err := it.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	it.step.RecordsIn += int64(ch.NumRows())
	it.step.Bytes += estimateBytes(ch)
	it.sample(it.step, ch)
	return ch, nil
}

func (it *countingIterator) Close() error { return it.inner.Close() }

func (e *Executor) takeSample(step *models.StepRun, ch *chunk.Chunk) {
	if len(step.SampleData) >= sampleRows || ch.IsEmpty() {
		return
	}
	for _, row := range ch.Rows() {
		step.SampleData = append(step.SampleData, row)
		if len(step.SampleData) >= sampleRows {
			return
		}
	}
}
