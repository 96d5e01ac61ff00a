// Package chunk defines the columnar batch flowing on DAG edges. A Chunk
// is treated as immutable once emitted; transforms build new chunks
// instead of mutating in place so fan-out consumers can share references.
package chunk

import (
	"fmt"
	"sort"
)

// Chunk is an ordered set of named columns of equal length. Empty chunks
// (zero rows) are valid and must be forwarded: they carry schema and act
// as heartbeats.
type Chunk struct {
	cols []string
	data [][]any
	rows int
}

// New creates an empty chunk carrying only a schema.
func New(cols ...string) *Chunk {
	data := make([][]any, len(cols))
	return &Chunk{cols: append([]string(nil), cols...), data: data}
}

// FromColumns creates a chunk from column-ordered data. All columns must
// have equal length.
func FromColumns(cols []string, data [][]any) (*Chunk, error) {
	if len(cols) != len(data) {
		return nil, fmt.Errorf("chunk: %d columns but %d data vectors", len(cols), len(data))
	}
	rows := 0
	if len(data) > 0 {
		rows = len(data[0])
	}
	for i, col := range data {
		if len(col) != rows {
			return nil, fmt.Errorf("chunk: column %q has %d rows, want %d", cols[i], len(col), rows)
		}
	}
	return &Chunk{cols: append([]string(nil), cols...), data: data, rows: rows}, nil
}

// FromRows creates a chunk from row maps using the given column order.
// Missing keys become nil.
func FromRows(cols []string, rows []map[string]any) *Chunk {
	data := make([][]any, len(cols))
	for i, col := range cols {
		vals := make([]any, len(rows))
		for j, row := range rows {
			vals[j] = row[col]
		}
		data[i] = vals
	}
	return &Chunk{cols: append([]string(nil), cols...), data: data, rows: len(rows)}
}

// NumRows returns the row count.
func (c *Chunk) NumRows() int { return c.rows }

// IsEmpty reports whether the chunk has zero rows.
func (c *Chunk) IsEmpty() bool { return c.rows == 0 }

// Columns returns the ordered column names.
func (c *Chunk) Columns() []string { return append([]string(nil), c.cols...) }

// ColumnSet returns the column names as a set.
func (c *Chunk) ColumnSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.cols))
	for _, col := range c.cols {
		set[col] = struct{}{}
	}
	return set
}

// HasColumn reports whether the chunk carries the named column.
func (c *Chunk) HasColumn(name string) bool {
	return c.indexOf(name) >= 0
}

func (c *Chunk) indexOf(name string) int {
	for i, col := range c.cols {
		if col == name {
			return i
		}
	}
	return -1
}

// Column returns the values of the named column, or nil if absent.
func (c *Chunk) Column(name string) []any {
	i := c.indexOf(name)
	if i < 0 {
		return nil
	}
	return c.data[i]
}

// Value returns the value at (row, column), or nil if the column is absent.
func (c *Chunk) Value(row int, col string) any {
	i := c.indexOf(col)
	if i < 0 {
		return nil
	}
	return c.data[i][row]
}

// Row materializes row i as a map.
func (c *Chunk) Row(i int) map[string]any {
	row := make(map[string]any, len(c.cols))
	for j, col := range c.cols {
		row[col] = c.data[j][i]
	}
	return row
}

// Rows materializes all rows as maps.
func (c *Chunk) Rows() []map[string]any {
	rows := make([]map[string]any, c.rows)
	for i := 0; i < c.rows; i++ {
		rows[i] = c.Row(i)
	}
	return rows
}

// FilterMask returns a new chunk holding the rows where mask[i] is true.
func (c *Chunk) FilterMask(mask []bool) *Chunk {
	data := make([][]any, len(c.cols))
	kept := 0
	for _, m := range mask {
		if m {
			kept++
		}
	}
	for i := range c.data {
		vals := make([]any, 0, kept)
		for j, m := range mask {
			if m {
				vals = append(vals, c.data[i][j])
			}
		}
		data[i] = vals
	}
	return &Chunk{cols: append([]string(nil), c.cols...), data: data, rows: kept}
}

// Take returns a new chunk holding the rows at the given indices, in order.
func (c *Chunk) Take(indices []int) *Chunk {
	data := make([][]any, len(c.cols))
	for i := range c.data {
		vals := make([]any, len(indices))
		for j, idx := range indices {
			vals[j] = c.data[i][idx]
		}
		data[i] = vals
	}
	return &Chunk{cols: append([]string(nil), c.cols...), data: data, rows: len(indices)}
}

// Select returns a new chunk with only the named columns, in the given
// order. Unknown names are ignored.
func (c *Chunk) Select(cols ...string) *Chunk {
	var outCols []string
	var outData [][]any
	for _, col := range cols {
		if i := c.indexOf(col); i >= 0 {
			outCols = append(outCols, col)
			outData = append(outData, c.data[i])
		}
	}
	return &Chunk{cols: outCols, data: outData, rows: c.rows}
}

// Drop returns a new chunk without the named columns. Unknown names are
// ignored.
func (c *Chunk) Drop(cols ...string) *Chunk {
	dropped := make(map[string]struct{}, len(cols))
	for _, col := range cols {
		dropped[col] = struct{}{}
	}
	var outCols []string
	var outData [][]any
	for i, col := range c.cols {
		if _, ok := dropped[col]; ok {
			continue
		}
		outCols = append(outCols, col)
		outData = append(outData, c.data[i])
	}
	return &Chunk{cols: outCols, data: outData, rows: c.rows}
}

// Rename returns a new chunk with columns renamed per the mapping.
// Missing keys are ignored.
func (c *Chunk) Rename(mapping map[string]string) *Chunk {
	cols := make([]string, len(c.cols))
	for i, col := range c.cols {
		if renamed, ok := mapping[col]; ok {
			cols[i] = renamed
		} else {
			cols[i] = col
		}
	}
	return &Chunk{cols: cols, data: c.data, rows: c.rows}
}

// WithColumn returns a new chunk with the column set to vals, replacing an
// existing column of the same name or appending a new one.
func (c *Chunk) WithColumn(name string, vals []any) (*Chunk, error) {
	if len(vals) != c.rows {
		return nil, fmt.Errorf("chunk: column %q has %d values, want %d", name, len(vals), c.rows)
	}
	if i := c.indexOf(name); i >= 0 {
		data := append([][]any(nil), c.data...)
		data[i] = vals
		return &Chunk{cols: append([]string(nil), c.cols...), data: data, rows: c.rows}, nil
	}
	cols := append(append([]string(nil), c.cols...), name)
	data := append(append([][]any(nil), c.data...), vals)
	return &Chunk{cols: cols, data: data, rows: c.rows}, nil
}

// Concat appends the rows of others to c. The output schema is the
// set-union of all columns; values absent in a source become nil. Column
// order is c's columns first, then new columns in first-seen order.
func Concat(chunks ...*Chunk) *Chunk {
	if len(chunks) == 0 {
		return New()
	}
	var cols []string
	seen := make(map[string]struct{})
	for _, ch := range chunks {
		for _, col := range ch.cols {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				cols = append(cols, col)
			}
		}
	}
	total := 0
	for _, ch := range chunks {
		total += ch.rows
	}
	data := make([][]any, len(cols))
	for i, col := range cols {
		vals := make([]any, 0, total)
		for _, ch := range chunks {
			src := ch.Column(col)
			if src == nil {
				for j := 0; j < ch.rows; j++ {
					vals = append(vals, nil)
				}
			} else {
				vals = append(vals, src...)
			}
		}
		data[i] = vals
	}
	return &Chunk{cols: cols, data: data, rows: total}
}

// SortedColumns returns the column names sorted lexicographically;
// used where a deterministic order is needed.
func (c *Chunk) SortedColumns() []string {
	cols := c.Columns()
	sort.Strings(cols)
	return cols
}
