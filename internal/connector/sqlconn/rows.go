package sqlconn

import (
	"context"
	"database/sql"
	"io"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/errdefs"
)

// rowsIterator adapts sql.Rows into a ChunkIterator of fixed-size
// chunks. The underlying cursor is closed when iteration finishes or
// Close is called.
type rowsIterator struct {
	rows    *sql.Rows
	cols    []string
	size    int
	done    bool
	emitted bool
}

func newRowsIterator(rows *sql.Rows, size int) (*rowsIterator, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, errdefs.Wrap(errdefs.KindDataTransfer, err, "failed to read result columns")
	}
	if size <= 0 {
		size = 10000
	}
	return &rowsIterator{rows: rows, cols: cols, size: size}, nil
}

func (it *rowsIterator) Next(ctx context.Context) (*chunk.Chunk, error) {
	if it.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		_ = it.Close()
		return nil, err
	}

	vectors := make([][]any, len(it.cols))
	rows := 0
	for rows < it.size && it.rows.Next() {
		cells := make([]any, len(it.cols))
		ptrs := make([]any, len(it.cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := it.rows.Scan(ptrs...); err != nil {
			_ = it.Close()
			return nil, errdefs.Wrap(errdefs.KindDataTransfer, err, "row scan failed")
		}
		normalizeRow(cells)
		for i, v := range cells {
			vectors[i] = append(vectors[i], v)
		}
		rows++
	}

	if rows < it.size {
		err := it.rows.Err()
		_ = it.Close()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindDataTransfer, err, "row iteration failed")
		}
		// An empty result still yields one empty chunk so downstream
		// operators observe the schema.
		if rows == 0 && it.emitted {
			return nil, io.EOF
		}
	}
	it.emitted = true
	ch, err := chunk.FromColumns(it.cols, vectors)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDataTransfer, err, "chunk assembly failed")
	}
	return ch, nil
}

func (it *rowsIterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	return it.rows.Close()
}

// normalizeRow converts driver byte slices to strings so cell values
// are comparable and serializable across the engine.
func normalizeRow(cells []any) {
	for i, v := range cells {
		if b, ok := v.([]byte); ok {
			cells[i] = string(b)
		}
	}
}
