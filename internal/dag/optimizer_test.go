package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/synqx/internal/models"
)

func pushdownVersion() *models.PipelineVersion {
	return &models.PipelineVersion{
		ID: "v1",
		Nodes: []models.Node{
			{NodeID: "E", OperatorType: models.OperatorExtract, OperatorClass: "sql_extract",
				Config: map[string]any{"query": "t"}},
			{NodeID: "F", OperatorType: models.OperatorTransform, OperatorClass: "filter",
				Config: map[string]any{"condition": "x == 10"}},
			{NodeID: "L", OperatorType: models.OperatorTransform, OperatorClass: "limit_offset",
				Config: map[string]any{"limit": 100}},
			{NodeID: "W", OperatorType: models.OperatorLoad, OperatorClass: "sql_load"},
		},
		Edges: []models.Edge{
			{FromNodeID: "E", ToNodeID: "F"},
			{FromNodeID: "F", ToNodeID: "L"},
			{FromNodeID: "L", ToNodeID: "W"},
		},
	}
}

func TestOptimizerCollapsesFilterAndLimit(t *testing.T) {
	plan, err := BuildPlan(pushdownVersion())
	require.NoError(t, err)

	Optimize(plan, func(n *models.Node) string {
		if n.NodeID == "E" {
			return "postgresql"
		}
		return ""
	})

	extract := plan.Node("E")
	ops := PushdownOps(extract)
	require.Len(t, ops, 2)
	assert.Equal(t, "filter", ops[0].Class)
	assert.Equal(t, "limit_offset", ops[1].Class)

	assert.Equal(t, "E", plan.Node("F").CollapsedInto())
	assert.Equal(t, "E", plan.Node("L").CollapsedInto())

	// The load's input edge is rewired to originate from the extract.
	assert.Equal(t, []string{"E"}, plan.Graph.Predecessors("W"))
}

func TestOptimizerSkipsNonPushdownKinds(t *testing.T) {
	plan, err := BuildPlan(pushdownVersion())
	require.NoError(t, err)

	Optimize(plan, func(*models.Node) string { return "mongodb" })

	assert.Empty(t, PushdownOps(plan.Node("E")))
	assert.Empty(t, plan.Node("F").CollapsedInto())
}

func TestOptimizerStopsAtFanOut(t *testing.T) {
	v := pushdownVersion()
	// A second consumer of the filter output blocks the chain at F.
	v.Nodes = append(v.Nodes, models.Node{NodeID: "X", OperatorType: models.OperatorLoad, OperatorClass: "sql_load"})
	v.Edges = append(v.Edges, models.Edge{FromNodeID: "F", ToNodeID: "X"})

	plan, err := BuildPlan(v)
	require.NoError(t, err)

	Optimize(plan, func(n *models.Node) string { return "postgresql" })

	ops := PushdownOps(plan.Node("E"))
	require.Len(t, ops, 1)
	assert.Equal(t, "filter", ops[0].Class)
	assert.Equal(t, "E", plan.Node("F").CollapsedInto())
	assert.Empty(t, plan.Node("L").CollapsedInto())
}

func TestBuildQueryWrapsSubqueries(t *testing.T) {
	ops := []PushdownOp{
		{Class: "filter", Config: map[string]any{"condition": "x == 10"}},
		{Class: "limit_offset", Config: map[string]any{"limit": 100}},
	}
	got := BuildQuery("t", ops)
	want := "SELECT * FROM (SELECT * FROM (SELECT * FROM t) AS filter_subq WHERE x = 10) AS limit_subq LIMIT 100"
	assert.Equal(t, want, got)
}

func TestBuildQueryKeepsFullSelects(t *testing.T) {
	got := BuildQuery("SELECT a, b FROM t", []PushdownOp{
		{Class: "limit_offset", Config: map[string]any{"limit": 10, "offset": 5}},
	})
	assert.Equal(t, "SELECT * FROM (SELECT a, b FROM t) AS limit_subq LIMIT 10 OFFSET 5", got)
}

func TestBuildPlanRejectsCycle(t *testing.T) {
	v := &models.PipelineVersion{
		Nodes: []models.Node{{NodeID: "A", OperatorClass: "noop"}, {NodeID: "B", OperatorClass: "noop"}},
		Edges: []models.Edge{{FromNodeID: "A", ToNodeID: "B"}, {FromNodeID: "B", ToNodeID: "A"}},
	}
	_, err := BuildPlan(v)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestBuildPlanCopiesNodeConfig(t *testing.T) {
	v := pushdownVersion()
	plan, err := BuildPlan(v)
	require.NoError(t, err)

	plan.Node("E").Config["query"] = "changed"
	assert.Equal(t, "t", v.Nodes[0].Config["query"])
}
