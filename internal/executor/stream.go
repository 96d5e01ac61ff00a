package executor

import (
	"context"
	"io"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/connector"
)

// edge is a bounded channel carrying chunks between two nodes. The
// producer closes ch after the terminal chunk; consumers treat a closed
// channel as end of stream.
type edge struct {
	from string
	to   string
	ch   chan *chunk.Chunk
}

func newEdge(from, to string, buffer int) *edge {
	if buffer <= 0 {
		buffer = 4
	}
	return &edge{from: from, to: to, ch: make(chan *chunk.Chunk, buffer)}
}

// send delivers a chunk downstream, honoring cancellation.
func (e *edge) send(ctx context.Context, ch *chunk.Chunk) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e.ch <- ch:
		return nil
	}
}

// broadcast delivers the chunk to every output edge. Chunks are
// immutable so fan-out consumers share the reference.
func broadcast(ctx context.Context, outs []*edge, ch *chunk.Chunk) error {
	for _, out := range outs {
		if err := out.send(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

func closeEdges(outs []*edge) {
	for _, out := range outs {
		close(out.ch)
	}
}

// edgeIterator adapts an edge into a ChunkIterator for operators and
// connectors that consume streams.
type edgeIterator struct {
	ctx context.Context
	e   *edge
}

func newEdgeIterator(ctx context.Context, e *edge) *edgeIterator {
	return &edgeIterator{ctx: ctx, e: e}
}

func (it *edgeIterator) Next(ctx context.Context) (*chunk.Chunk, error) {
	if ctx == nil {
		ctx = it.ctx
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ch, ok := <-it.e.ch:
		if !ok {
			return nil, io.EOF
		}
		return ch, nil
	}
}

func (it *edgeIterator) Close() error { return nil }

// seqIterator chains iterators end to end; a LOAD with several inputs
// consumes them in edge order.
type seqIterator struct {
	iters []connector.ChunkIterator
	pos   int
}

func (it *seqIterator) Next(ctx context.Context) (*chunk.Chunk, error) {
	for it.pos < len(it.iters) {
		ch, err := it.iters[it.pos].Next(ctx)
		if err == io.EOF {
			it.pos++
			continue
		}
		return ch, err
	}
	return nil, io.EOF
}

func (it *seqIterator) Close() error {
	for _, sub := range it.iters {
		_ = sub.Close()
	}
	return nil
}

// estimateBytes approximates the wire size of a chunk for guardrail and
// telemetry purposes.
func estimateBytes(ch *chunk.Chunk) int64 {
	var total int64
	for _, col := range ch.Columns() {
		for _, v := range ch.Column(col) {
			switch s := v.(type) {
			case nil:
			case string:
				total += int64(len(s))
			default:
				total += 8
			}
		}
	}
	return total
}
