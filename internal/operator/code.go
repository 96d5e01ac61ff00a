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
	Register("code", newCode)
}

// codeOp runs a user-supplied expression over each chunk. The program
// sees the chunk as "rows" ([]map) and must return the transformed row
// list. Compilation happens once at construction so a syntactically bad
// program fails the job before any data moves; runtime panics inside
// the expression surface as transformation errors on the failing chunk.
type codeOp struct {
	source  string
	program *vm.Program
}

func newCode(cfg map[string]any) (Operator, error) {
	source := stringOpt(cfg, "code", stringOpt(cfg, "expression", ""))
	if source == "" {
		return nil, errdefs.New(errdefs.KindConfiguration, "code requires an expression")
	}
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, errdefs.NewCompile(err, "invalid code expression")
	}
	return &codeOp{source: source, program: program}, nil
}

func (o *codeOp) Class() string { return "code" }

func (o *codeOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	env := map[string]any{"rows": ch.Rows()}
	out, err := expr.Run(o.program, env)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransformation, err, "code expression failed")
	}
	rows, err := asRowList(out)
	if err != nil {
		return nil, err
	}
	return chunk.FromRows(rowColumns(rows, ch.Columns()), rows), nil
}

func (o *codeOp) Flush(context.Context) (*chunk.Chunk, error) { return nil, nil }

func asRowList(v any) ([]map[string]any, error) {
	switch rows := v.(type) {
	case []map[string]any:
		return rows, nil
	case []any:
		out := make([]map[string]any, 0, len(rows))
		for _, e := range rows {
			row, ok := e.(map[string]any)
			if !ok {
				return nil, errdefs.Newf(errdefs.KindTransformation,
					"code expression returned row of type %T, want map", e)
			}
			out = append(out, row)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, errdefs.Newf(errdefs.KindTransformation,
			"code expression returned %T, want a row list", v)
	}
}

// rowColumns keeps the incoming column order and appends columns the
// expression introduced, sorted for determinism.
func rowColumns(rows []map[string]any, base []string) []string {
	seen := make(map[string]struct{}, len(base))
	var cols []string
	for _, col := range base {
		if hasColumn(rows, col) {
			seen[col] = struct{}{}
			cols = append(cols, col)
		}
	}
	var added []string
	for _, row := range rows {
		for col := range row {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				added = append(added, col)
			}
		}
	}
	sort.Strings(added)
	return append(cols, added...)
}

func hasColumn(rows []map[string]any, col string) bool {
	if len(rows) == 0 {
		return true
	}
	for _, row := range rows {
		if _, ok := row[col]; ok {
			return true
		}
	}
	return false
}
