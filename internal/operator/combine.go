package operator

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/errdefs"
)

func init() {
	Register("union", newUnion)
	Register("join", newJoin)
	Register("merge", newMerge)
	Register("scd_type_2", newSCD2)
}

// SCD type 2 bookkeeping columns.
const (
	ColEffectiveFrom = "synqx_effective_from"
	ColEffectiveTo   = "synqx_effective_to"
	ColIsCurrent     = "synqx_is_current"
)

// drain materializes a secondary input into one chunk.
func drain(ctx context.Context, it connector.ChunkIterator) (*chunk.Chunk, error) {
	defer func() { _ = it.Close() }()
	var chunks []*chunk.Chunk
	for {
		ch, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, ch)
	}
	return chunk.Concat(chunks...), nil
}

// unionOp forwards the primary stream and appends the secondary streams
// at Flush. The output schema is the set-union of all inputs.
type unionOp struct {
	secondaries []connector.ChunkIterator
}

func newUnion(map[string]any) (Operator, error) { return &unionOp{}, nil }

func (o *unionOp) Class() string { return "union" }

func (o *unionOp) BindSecondary(_ string, it connector.ChunkIterator) error {
	o.secondaries = append(o.secondaries, it)
	return nil
}

func (o *unionOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	return ch, nil
}

func (o *unionOp) Flush(ctx context.Context) (*chunk.Chunk, error) {
	var tails []*chunk.Chunk
	for _, it := range o.secondaries {
		ch, err := drain(ctx, it)
		if err != nil {
			return nil, err
		}
		tails = append(tails, ch)
	}
	o.secondaries = nil
	if len(tails) == 0 {
		return nil, nil
	}
	return chunk.Concat(tails...), nil
}

// joinOp hash-joins the primary stream against a fully materialized
// right side. Right columns clashing with left names get a "_right"
// suffix. Kinds: inner, left, outer (alias full), cross, semi, anti.
// Semi and anti emit left columns only; outer emits unmatched right
// rows at Flush.
type joinOp struct {
	on    []string
	how   string
	right connector.ChunkIterator

	// built lazily on the first chunk
	index    map[string][]int
	rightChk *chunk.Chunk
	rightHit []bool

	outCols   []string
	rightCols []string
	renames   map[string]string
}

func newJoin(cfg map[string]any) (Operator, error) {
	on := stringsOpt(cfg, "on")
	if col := stringOpt(cfg, "on", ""); col != "" {
		on = []string{col}
	}
	how := strings.ToLower(stringOpt(cfg, "how", "inner"))
	if how == "full" {
		how = "outer"
	}
	switch how {
	case "inner", "left", "outer", "cross", "semi", "anti":
	default:
		return nil, errdefs.Newf(errdefs.KindConfiguration, "unsupported join kind %q", how)
	}
	if how != "cross" && len(on) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "join requires join keys")
	}
	return &joinOp{on: on, how: how}, nil
}

func (o *joinOp) Class() string { return "join" }

func (o *joinOp) BindSecondary(_ string, it connector.ChunkIterator) error {
	if o.right != nil {
		return errdefs.New(errdefs.KindConfiguration, "join accepts exactly one secondary input")
	}
	o.right = it
	return nil
}

func (o *joinOp) buildIndex(ctx context.Context) error {
	if o.rightChk != nil {
		return nil
	}
	if o.right == nil {
		return errdefs.New(errdefs.KindConfiguration, "join has no secondary input bound")
	}
	right, err := drain(ctx, o.right)
	if err != nil {
		return err
	}
	o.rightChk = right
	o.rightHit = make([]bool, right.NumRows())
	o.index = make(map[string][]int)
	for i := 0; i < right.NumRows(); i++ {
		key := rowKey(right, i, o.on)
		o.index[key] = append(o.index[key], i)
	}
	return nil
}

// planOutput fixes the output schema from the first left chunk.
func (o *joinOp) planOutput(ch *chunk.Chunk) {
	if o.outCols != nil {
		return
	}
	leftCols := ch.ColumnSet()
	o.renames = make(map[string]string)
	for _, col := range o.rightChk.Columns() {
		if o.how != "cross" && isJoinKey(col, o.on) {
			continue
		}
		o.rightCols = append(o.rightCols, col)
		if _, clash := leftCols[col]; clash {
			o.renames[col] = col + "_right"
		}
	}
	o.outCols = ch.Columns()
	for _, col := range o.rightCols {
		o.outCols = append(o.outCols, o.outName(col))
	}
}

func (o *joinOp) outName(rightCol string) string {
	if renamed, ok := o.renames[rightCol]; ok {
		return renamed
	}
	return rightCol
}

func (o *joinOp) joinedRow(ch *chunk.Chunk, left, right int) map[string]any {
	row := ch.Row(left)
	for _, col := range o.rightCols {
		row[o.outName(col)] = o.rightChk.Value(right, col)
	}
	return row
}

func (o *joinOp) Transform(ctx context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	if err := o.buildIndex(ctx); err != nil {
		return nil, err
	}

	if o.how == "semi" || o.how == "anti" {
		mask := make([]bool, ch.NumRows())
		for i := range mask {
			matched := len(o.index[rowKey(ch, i, o.on)]) > 0
			mask[i] = matched == (o.how == "semi")
		}
		return ch.FilterMask(mask), nil
	}

	o.planOutput(ch)

	var rows []map[string]any
	if o.how == "cross" {
		for i := 0; i < ch.NumRows(); i++ {
			for j := 0; j < o.rightChk.NumRows(); j++ {
				rows = append(rows, o.joinedRow(ch, i, j))
			}
		}
		return chunk.FromRows(o.outCols, rows), nil
	}

	for i := 0; i < ch.NumRows(); i++ {
		matches := o.index[rowKey(ch, i, o.on)]
		if len(matches) == 0 {
			if o.how == "left" || o.how == "outer" {
				rows = append(rows, ch.Row(i))
			}
			continue
		}
		for _, j := range matches {
			rows = append(rows, o.joinedRow(ch, i, j))
			if o.how == "outer" {
				o.rightHit[j] = true
			}
		}
	}
	return chunk.FromRows(o.outCols, rows), nil
}

// Flush emits the never-matched right rows for outer joins; the left
// side of those rows stays null apart from the join keys.
func (o *joinOp) Flush(context.Context) (*chunk.Chunk, error) {
	if o.how != "outer" || o.rightChk == nil || o.outCols == nil {
		return nil, nil
	}
	var rows []map[string]any
	for j := range o.rightHit {
		if o.rightHit[j] {
			continue
		}
		row := make(map[string]any, len(o.outCols))
		for _, k := range o.on {
			row[k] = o.rightChk.Value(j, k)
		}
		for _, col := range o.rightCols {
			row[o.outName(col)] = o.rightChk.Value(j, col)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return chunk.FromRows(o.outCols, rows), nil
}

func isJoinKey(col string, on []string) bool {
	for _, k := range on {
		if k == col {
			return true
		}
	}
	return false
}

// mergeOp reconciles the incoming stream with the existing target rows:
// existing rows whose key is absent from the incoming set survive
// (anti-join), then the incoming rows are appended. The output is the
// full post-merge row set, written with mode replace.
type mergeOp struct {
	keys     []string
	existing connector.ChunkIterator
	incoming []*chunk.Chunk
}

func newMerge(cfg map[string]any) (Operator, error) {
	keys := stringsOpt(cfg, "merge_keys")
	if len(keys) == 0 {
		keys = stringsOpt(cfg, "keys")
	}
	if len(keys) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "merge requires merge keys")
	}
	return &mergeOp{keys: keys}, nil
}

func (o *mergeOp) Class() string { return "merge" }

func (o *mergeOp) BindSecondary(_ string, it connector.ChunkIterator) error {
	if o.existing != nil {
		return errdefs.New(errdefs.KindConfiguration, "merge accepts exactly one secondary input")
	}
	o.existing = it
	return nil
}

func (o *mergeOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	o.incoming = append(o.incoming, ch)
	return nil, nil
}

func (o *mergeOp) Flush(ctx context.Context) (*chunk.Chunk, error) {
	incoming := chunk.Concat(o.incoming...)
	o.incoming = nil

	var existing *chunk.Chunk
	if o.existing != nil {
		var err error
		existing, err = drain(ctx, o.existing)
		if err != nil {
			return nil, err
		}
	} else {
		existing = chunk.New()
	}

	incomingKeys := make(map[string]struct{}, incoming.NumRows())
	for i := 0; i < incoming.NumRows(); i++ {
		incomingKeys[rowKey(incoming, i, o.keys)] = struct{}{}
	}
	mask := make([]bool, existing.NumRows())
	for i := range mask {
		_, replaced := incomingKeys[rowKey(existing, i, o.keys)]
		mask[i] = !replaced
	}
	return chunk.Concat(existing.FilterMask(mask), incoming), nil
}

// scd2Op maintains a type-2 slowly changing dimension. Incoming rows
// that differ from the current version close it (synqx_effective_to,
// synqx_is_current=false) and open a new current version. Unchanged
// incoming rows are dropped. The output is the full dimension, written
// with mode replace.
type scd2Op struct {
	keys     []string
	compare  []string
	now      func() time.Time
	existing connector.ChunkIterator
	incoming []*chunk.Chunk
}

func newSCD2(cfg map[string]any) (Operator, error) {
	keys := stringsOpt(cfg, "key_columns")
	if len(keys) == 0 {
		keys = stringsOpt(cfg, "keys")
	}
	if len(keys) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "scd_type_2 requires key columns")
	}
	return &scd2Op{
		keys:    keys,
		compare: stringsOpt(cfg, "compare_columns"),
		now:     time.Now,
	}, nil
}

func (o *scd2Op) Class() string { return "scd_type_2" }

func (o *scd2Op) BindSecondary(_ string, it connector.ChunkIterator) error {
	if o.existing != nil {
		return errdefs.New(errdefs.KindConfiguration, "scd_type_2 accepts exactly one secondary input")
	}
	o.existing = it
	return nil
}

func (o *scd2Op) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	o.incoming = append(o.incoming, ch)
	return nil, nil
}

func (o *scd2Op) Flush(ctx context.Context) (*chunk.Chunk, error) {
	incoming := chunk.Concat(o.incoming...)
	o.incoming = nil

	var existing *chunk.Chunk
	if o.existing != nil {
		var err error
		existing, err = drain(ctx, o.existing)
		if err != nil {
			return nil, err
		}
	} else {
		existing = chunk.New()
	}

	compare := o.compare
	if len(compare) == 0 {
		for _, col := range incoming.SortedColumns() {
			if !isJoinKey(col, o.keys) {
				compare = append(compare, col)
			}
		}
	}

	now := o.now().UTC()
	out := existing.Rows()

	// index current versions by key
	current := make(map[string]int)
	for i, row := range out {
		if isCurrent, ok := row[ColIsCurrent].(bool); ok && isCurrent {
			current[rowKeyOf(row, o.keys)] = i
		}
	}

	for i := 0; i < incoming.NumRows(); i++ {
		row := incoming.Row(i)
		key := rowKeyOf(row, o.keys)
		if j, ok := current[key]; ok {
			if sameValues(out[j], row, compare) {
				continue
			}
			out[j][ColEffectiveTo] = now
			out[j][ColIsCurrent] = false
		}
		row[ColEffectiveFrom] = now
		row[ColEffectiveTo] = nil
		row[ColIsCurrent] = true
		current[key] = len(out)
		out = append(out, row)
	}

	cols := incoming.Columns()
	if len(cols) == 0 {
		cols = existing.Columns()
	}
	for _, extra := range []string{ColEffectiveFrom, ColEffectiveTo, ColIsCurrent} {
		if !contains(cols, extra) {
			cols = append(cols, extra)
		}
	}
	return chunk.FromRows(cols, out), nil
}

func rowKeyOf(row map[string]any, cols []string) string {
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = chunk.ToString(row[col])
	}
	return strings.Join(parts, "\x1f")
}

func sameValues(a, b map[string]any, cols []string) bool {
	for _, col := range cols {
		if chunk.Compare(a[col], b[col]) != 0 {
			return false
		}
	}
	return true
}

func contains(cols []string, name string) bool {
	for _, c := range cols {
		if c == name {
			return true
		}
	}
	return false
}
