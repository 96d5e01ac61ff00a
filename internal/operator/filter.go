package operator

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/errdefs"
)

func init() {
	Register("filter", newFilter)
}

// filterOp keeps rows where the compiled predicate evaluates true.
// Compilation happens once at construction; a bad predicate fails the
// job before any data moves.
type filterOp struct {
	predicate string
	program   *vm.Program
}

func newFilter(cfg map[string]any) (Operator, error) {
	predicate := stringOpt(cfg, "predicate", stringOpt(cfg, "condition", ""))
	if predicate == "" {
		return nil, errdefs.New(errdefs.KindConfiguration, "filter requires a predicate")
	}
	program, err := expr.Compile(predicate, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, errdefs.NewCompile(err, "invalid filter predicate")
	}
	return &filterOp{predicate: predicate, program: program}, nil
}

func (o *filterOp) Class() string { return "filter" }

func (o *filterOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	if ch.IsEmpty() {
		return ch, nil
	}
	mask := make([]bool, ch.NumRows())
	for i := range mask {
		out, err := expr.Run(o.program, ch.Row(i))
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindTransformation, err, "filter predicate failed")
		}
		keep, ok := out.(bool)
		if !ok {
			return nil, errdefs.Newf(errdefs.KindTransformation,
				"filter predicate returned %T, want bool", out)
		}
		mask[i] = keep
	}
	return ch.FilterMask(mask), nil
}

func (o *filterOp) Flush(context.Context) (*chunk.Chunk, error) { return nil, nil }
