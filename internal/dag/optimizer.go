package dag

import "github.com/synqx/synqx/internal/models"

// Config keys written by the optimizer. Collapsed nodes still exist in
// the plan; the executor reports them SUCCESS with zero records.
const (
	ConfigCollapsedInto     = "_collapsed_into"
	ConfigPushdownOperators = "_pushdown_operators"
)

// PushdownKinds are the connector kinds whose native query language can
// absorb downstream operators.
var PushdownKinds = map[string]struct{}{
	"postgresql": {},
	"mysql":      {},
	"mariadb":    {},
	"mssql":      {},
	"snowflake":  {},
	"bigquery":   {},
}

// pushdownCompatible are the operator classes an EXTRACT can absorb.
var pushdownCompatible = map[string]struct{}{
	"filter":       {},
	"limit_offset": {},
}

// PushdownOp is one absorbed operator, recorded in emission order on the
// extract node's config.
type PushdownOp struct {
	Class  string
	Config map[string]any
}

// KindResolver maps a node to its connector kind; empty means unknown.
type KindResolver func(n *models.Node) string

// Optimize collapses chains of pushdown-compatible operators into their
// upstream EXTRACT nodes. The plan is mutated in place and must be a
// transient copy of the stored version.
func Optimize(plan *Plan, kindOf KindResolver) {
	order, err := plan.Graph.TopologicalSort()
	if err != nil {
		return
	}
	for _, id := range order {
		start := plan.Node(id)
		if start == nil || start.OperatorType != models.OperatorExtract {
			continue
		}
		if start.CollapsedInto() != "" {
			continue
		}
		kind := kindOf(start)
		if _, ok := PushdownKinds[kind]; !ok {
			continue
		}
		collapseChain(plan, start)
	}
}

// collapseChain greedily walks downstream from the extract node while the
// chain end has exactly one out-edge and the neighbor's class is
// pushdown-compatible.
func collapseChain(plan *Plan, start *models.Node) {
	g := plan.Graph
	var ops []PushdownOp
	last := start.NodeID

	for {
		succs := g.Successors(last)
		if len(succs) != 1 {
			break
		}
		next := plan.Node(succs[0])
		if next == nil {
			break
		}
		if _, ok := pushdownCompatible[next.OperatorClass]; !ok {
			break
		}

		if next.Config == nil {
			next.Config = make(map[string]any)
		}
		next.Config[ConfigCollapsedInto] = start.NodeID
		ops = append(ops, PushdownOp{Class: next.OperatorClass, Config: next.Config})
		last = next.NodeID
	}

	if len(ops) == 0 {
		return
	}

	if start.Config == nil {
		start.Config = make(map[string]any)
	}
	start.Config[ConfigPushdownOperators] = ops

	// Rewire every outgoing edge of the last absorbed node to originate
	// from the extract node.
	for _, succ := range g.Successors(last) {
		g.RemoveEdge(last, succ)
		_ = g.AddEdge(start.NodeID, succ)
	}
}

// PushdownOps returns the operators the optimizer attached to the node.
func PushdownOps(n *models.Node) []PushdownOp {
	if n.Config == nil {
		return nil
	}
	ops, _ := n.Config[ConfigPushdownOperators].([]PushdownOp)
	return ops
}
