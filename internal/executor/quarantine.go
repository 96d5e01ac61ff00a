package executor

import (
	"context"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
	"github.com/synqx/synqx/internal/models"
)

// quarantineSink collects diverted rows for one node. With a quarantine
// asset configured the rows are written there at node completion;
// otherwise a capped forensic buffer keeps the head of the stream and
// the overflow is counted but dropped.
type quarantineSink struct {
	node     *models.Node
	cap      int
	buffered []*chunk.Chunk
	rows     int
	dropped  int64
}

func (e *Executor) newQuarantineSink(node *models.Node) *quarantineSink {
	return &quarantineSink{node: node, cap: e.quarantineCap}
}

func (s *quarantineSink) accept(_ context.Context, q *chunk.Chunk) error {
	if s.rows >= s.cap {
		s.dropped += int64(q.NumRows())
		return nil
	}
	if s.rows+q.NumRows() > s.cap {
		keep := s.cap - s.rows
		indices := make([]int, keep)
		for i := range indices {
			indices[i] = i
		}
		s.dropped += int64(q.NumRows() - keep)
		q = q.Take(indices)
	}
	s.buffered = append(s.buffered, q)
	s.rows += q.NumRows()
	return nil
}

// flush writes the buffered rows to the quarantine asset, when one is
// configured. Quarantine write failures fail the node: silently losing
// diverted rows would break the row-conservation accounting.
func (s *quarantineSink) flush(ctx context.Context, e *Executor, step *models.StepRun) error {
	if s.rows == 0 {
		return nil
	}
	if s.dropped > 0 {
		logger.Warn(ctx, "Quarantine buffer overflow, rows dropped",
			tag.Node(s.node.NodeID), tag.Rows(s.dropped))
	}
	if s.node.QuarantineAssetID == "" || s.node.ConnectionID == "" {
		// forensic-only: keep a sample on the step record
		if len(step.SampleData) == 0 {
			e.takeSample(step, chunk.Concat(s.buffered...))
		}
		return nil
	}

	engine, _, err := e.engineFor(ctx, s.node)
	if err != nil {
		return err
	}
	writer, ok := engine.(connector.BatchWriter)
	if !ok {
		logger.Warn(ctx, "Quarantine connection cannot write batches, rows kept in memory only",
			tag.Node(s.node.NodeID), tag.Connector(engine.Kind()))
		return nil
	}
	written, err := writer.WriteBatch(ctx, connector.NewSliceIterator(s.buffered...),
		s.node.QuarantineAssetID, models.WriteAppend)
	if err != nil {
		return err
	}
	logger.Info(ctx, "Quarantined rows written",
		tag.Node(s.node.NodeID), tag.Rows(written), "asset", s.node.QuarantineAssetID)
	return nil
}
