package operator

import (
	"context"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/errdefs"
)

func init() {
	Register("map", newMap)
	Register("rename_columns", newRename)
	Register("drop_columns", newDrop)
}

// mapOp derives columns from per-row expressions. Existing columns of
// the same name are replaced, new names are appended.
type mapOp struct {
	order    []string
	programs map[string]*vm.Program
	sources  map[string][]string
}

func newMap(cfg map[string]any) (Operator, error) {
	exprs := mapOpt(cfg, "expressions")
	if len(exprs) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "map requires expressions")
	}
	o := &mapOp{
		programs: make(map[string]*vm.Program, len(exprs)),
		sources:  make(map[string][]string, len(exprs)),
	}
	for col := range exprs {
		o.order = append(o.order, col)
	}
	sort.Strings(o.order)
	for _, col := range o.order {
		src, ok := exprs[col].(string)
		if !ok {
			return nil, errdefs.Newf(errdefs.KindConfiguration, "map expression for %q must be a string", col)
		}
		program, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, errdefs.NewCompile(err, "invalid map expression for "+col)
		}
		o.programs[col] = program
		o.sources[col] = referencedIdents(src)
	}
	return o, nil
}

func (o *mapOp) Class() string { return "map" }

func (o *mapOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	out := ch
	for _, col := range o.order {
		vals := make([]any, ch.NumRows())
		for i := range vals {
			v, err := expr.Run(o.programs[col], out.Row(i))
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindTransformation, err, "map expression failed for "+col)
			}
			vals[i] = v
		}
		next, err := out.WithColumn(col, vals)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindTransformation, err, "map output invalid")
		}
		out = next
	}
	return out, nil
}

func (o *mapOp) Flush(context.Context) (*chunk.Chunk, error) { return nil, nil }

// LineageMap attributes each derived column to the identifiers its
// expression references.
func (o *mapOp) LineageMap() map[string][]string {
	out := make(map[string][]string, len(o.sources))
	for col, srcs := range o.sources {
		out[col] = append([]string(nil), srcs...)
	}
	return out
}

type renameOp struct {
	mapping map[string]string
}

func newRename(cfg map[string]any) (Operator, error) {
	raw := mapOpt(cfg, "mapping")
	if raw == nil {
		raw = mapOpt(cfg, "columns")
	}
	if len(raw) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "rename_columns requires a mapping")
	}
	mapping := make(map[string]string, len(raw))
	for from, to := range raw {
		name, ok := to.(string)
		if !ok || name == "" {
			return nil, errdefs.Newf(errdefs.KindConfiguration, "rename target for %q must be a string", from)
		}
		mapping[from] = name
	}
	return &renameOp{mapping: mapping}, nil
}

func (o *renameOp) Class() string { return "rename_columns" }

func (o *renameOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	return ch.Rename(o.mapping), nil
}

func (o *renameOp) Flush(context.Context) (*chunk.Chunk, error) { return nil, nil }

func (o *renameOp) LineageMap() map[string][]string {
	out := make(map[string][]string, len(o.mapping))
	for from, to := range o.mapping {
		out[to] = []string{from}
	}
	return out
}

type dropOp struct {
	columns []string
}

func newDrop(cfg map[string]any) (Operator, error) {
	cols := stringsOpt(cfg, "columns")
	if len(cols) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "drop_columns requires columns")
	}
	return &dropOp{columns: cols}, nil
}

func (o *dropOp) Class() string { return "drop_columns" }

func (o *dropOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	return ch.Drop(o.columns...), nil
}

func (o *dropOp) Flush(context.Context) (*chunk.Chunk, error) { return nil, nil }
