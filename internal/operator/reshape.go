package operator

import (
	"context"
	"sort"
	"strings"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/errdefs"
)

func init() {
	Register("deduplicate", newDeduplicate)
	Register("sort", newSort)
	Register("aggregate", newAggregate)
}

// dedupeOp drops rows whose key repeats across the whole stream.
// keep "first" streams with a seen-key set; keep "last" must know the
// final occurrence, so it buffers and emits at Flush. Key state grows
// with distinct keys; the executor's memory guardrails bound the
// damage on pathological inputs.
type dedupeOp struct {
	columns  []string
	keep     string
	seen     map[string]struct{}
	buffered []*chunk.Chunk
}

func newDeduplicate(cfg map[string]any) (Operator, error) {
	keep := strings.ToLower(stringOpt(cfg, "keep", "first"))
	if keep != "first" && keep != "last" {
		return nil, errdefs.Newf(errdefs.KindConfiguration, "deduplicate keep must be first or last, got %q", keep)
	}
	return &dedupeOp{
		columns: stringsOpt(cfg, "columns"),
		keep:    keep,
		seen:    make(map[string]struct{}),
	}, nil
}

func (o *dedupeOp) Class() string { return "deduplicate" }

func (o *dedupeOp) keyCols(ch *chunk.Chunk) []string {
	if len(o.columns) > 0 {
		return o.columns
	}
	return ch.SortedColumns()
}

func (o *dedupeOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	if o.keep == "last" {
		o.buffered = append(o.buffered, ch)
		return nil, nil
	}
	if ch.IsEmpty() {
		return ch, nil
	}
	cols := o.keyCols(ch)
	mask := make([]bool, ch.NumRows())
	for i := range mask {
		key := rowKey(ch, i, cols)
		if _, dup := o.seen[key]; !dup {
			o.seen[key] = struct{}{}
			mask[i] = true
		}
	}
	return ch.FilterMask(mask), nil
}

func (o *dedupeOp) Flush(context.Context) (*chunk.Chunk, error) {
	if o.keep != "last" || len(o.buffered) == 0 {
		return nil, nil
	}
	all := chunk.Concat(o.buffered...)
	o.buffered = nil
	if all.IsEmpty() {
		return all, nil
	}
	cols := o.keyCols(all)
	last := make(map[string]int, all.NumRows())
	for i := 0; i < all.NumRows(); i++ {
		last[rowKey(all, i, cols)] = i
	}
	mask := make([]bool, all.NumRows())
	for i := range mask {
		mask[i] = last[rowKey(all, i, cols)] == i
	}
	return all.FilterMask(mask), nil
}

func rowKey(ch *chunk.Chunk, row int, cols []string) string {
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = chunk.ToString(ch.Value(row, col))
	}
	return strings.Join(parts, "\x1f")
}

// sortKey is one column of a sort order.
type sortKey struct {
	column string
	desc   bool
}

// sortOp buffers the whole stream and emits it ordered at Flush.
type sortOp struct {
	keys     []sortKey
	buffered []*chunk.Chunk
}

func newSort(cfg map[string]any) (Operator, error) {
	var keys []sortKey
	switch by := cfg["by"].(type) {
	case []any:
		for _, e := range by {
			switch spec := e.(type) {
			case string:
				keys = append(keys, sortKey{column: spec})
			case map[string]any:
				col := stringOpt(spec, "column", "")
				if col == "" {
					return nil, errdefs.New(errdefs.KindConfiguration, "sort key requires a column")
				}
				keys = append(keys, sortKey{column: col, desc: boolOpt(spec, "descending", false)})
			}
		}
	default:
		desc := boolOpt(cfg, "descending", false)
		for _, col := range stringsOpt(cfg, "columns") {
			keys = append(keys, sortKey{column: col, desc: desc})
		}
	}
	if len(keys) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "sort requires sort keys")
	}
	return &sortOp{keys: keys}, nil
}

func (o *sortOp) Class() string { return "sort" }

func (o *sortOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	o.buffered = append(o.buffered, ch)
	return nil, nil
}

func (o *sortOp) Flush(context.Context) (*chunk.Chunk, error) {
	all := chunk.Concat(o.buffered...)
	o.buffered = nil

	indices := make([]int, all.NumRows())
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		for _, key := range o.keys {
			c := chunk.Compare(all.Value(indices[a], key.column), all.Value(indices[b], key.column))
			if key.desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	return all.Take(indices), nil
}

// aggSpec is one output column of an aggregation.
type aggSpec struct {
	output string
	column string
	fn     string
}

// aggregateOp groups the stream by key columns and reduces each group
// at Flush. Supported functions: sum, count, min, max, avg (alias
// mean), unique_count.
type aggregateOp struct {
	groupBy  []string
	specs    []aggSpec
	buffered []*chunk.Chunk
}

func newAggregate(cfg map[string]any) (Operator, error) {
	raw := mapOpt(cfg, "aggregations")
	if len(raw) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "aggregate requires aggregations")
	}
	o := &aggregateOp{groupBy: stringsOpt(cfg, "group_by")}
	outputs := make([]string, 0, len(raw))
	for out := range raw {
		outputs = append(outputs, out)
	}
	sort.Strings(outputs)
	for _, out := range outputs {
		spec, ok := raw[out].(map[string]any)
		if !ok {
			return nil, errdefs.Newf(errdefs.KindConfiguration, "aggregation %q must be an object", out)
		}
		fn := strings.ToLower(stringOpt(spec, "func", stringOpt(spec, "function", "")))
		if fn == "mean" {
			fn = "avg"
		}
		switch fn {
		case "sum", "count", "min", "max", "avg", "unique_count":
		default:
			return nil, errdefs.Newf(errdefs.KindConfiguration, "unknown aggregation func %q for %q", fn, out)
		}
		o.specs = append(o.specs, aggSpec{
			output: out,
			column: stringOpt(spec, "column", ""),
			fn:     fn,
		})
	}
	return o, nil
}

func (o *aggregateOp) Class() string { return "aggregate" }

func (o *aggregateOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	o.buffered = append(o.buffered, ch)
	return nil, nil
}

func (o *aggregateOp) Flush(context.Context) (*chunk.Chunk, error) {
	all := chunk.Concat(o.buffered...)
	o.buffered = nil

	type group struct {
		key  []any
		rows []int
	}
	var order []string
	groups := make(map[string]*group)
	for i := 0; i < all.NumRows(); i++ {
		key := rowKey(all, i, o.groupBy)
		g, ok := groups[key]
		if !ok {
			keyVals := make([]any, len(o.groupBy))
			for j, col := range o.groupBy {
				keyVals[j] = all.Value(i, col)
			}
			g = &group{key: keyVals}
			groups[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, i)
	}

	cols := append([]string(nil), o.groupBy...)
	for _, spec := range o.specs {
		cols = append(cols, spec.output)
	}
	rows := make([]map[string]any, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := make(map[string]any, len(cols))
		for j, col := range o.groupBy {
			row[col] = g.key[j]
		}
		for _, spec := range o.specs {
			row[spec.output] = reduce(all, g.rows, spec)
		}
		rows = append(rows, row)
	}
	return chunk.FromRows(cols, rows), nil
}

func reduce(ch *chunk.Chunk, rows []int, spec aggSpec) any {
	if spec.fn == "count" {
		return int64(len(rows))
	}
	if spec.fn == "unique_count" {
		distinct := make(map[string]struct{})
		for _, i := range rows {
			v := ch.Value(i, spec.column)
			if v == nil {
				continue
			}
			distinct[chunk.ToString(v)] = struct{}{}
		}
		return int64(len(distinct))
	}
	var (
		sum      float64
		n        int
		min, max any
	)
	for _, i := range rows {
		v := ch.Value(i, spec.column)
		if v == nil {
			continue
		}
		if min == nil || chunk.Compare(v, min) < 0 {
			min = v
		}
		if max == nil || chunk.Compare(v, max) > 0 {
			max = v
		}
		if f, ok := chunk.ToFloat(v); ok {
			sum += f
			n++
		}
	}
	switch spec.fn {
	case "sum":
		return sum
	case "avg":
		if n == 0 {
			return nil
		}
		return sum / float64(n)
	case "min":
		return min
	default:
		return max
	}
}
