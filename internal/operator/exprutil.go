package operator

import (
	"sort"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// referencedIdents extracts the column identifiers an expression reads,
// for lineage reporting. Parse failures yield nil; compilation has
// already validated the source by the time this runs.
func referencedIdents(src string) []string {
	tree, err := parser.Parse(src)
	if err != nil {
		return nil
	}
	visitor := &identVisitor{seen: make(map[string]struct{})}
	ast.Walk(&tree.Node, visitor)
	idents := make([]string, 0, len(visitor.seen))
	for id := range visitor.seen {
		idents = append(idents, id)
	}
	sort.Strings(idents)
	return idents
}

type identVisitor struct {
	seen map[string]struct{}
}

func (v *identVisitor) Visit(node *ast.Node) {
	if n, ok := (*node).(*ast.IdentifierNode); ok {
		v.seen[n.Value] = struct{}{}
	}
}
