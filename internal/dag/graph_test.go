package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologicalSortDiamond(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("A", "B"))
	require.NoError(t, g.AddEdge("A", "C"))
	require.NoError(t, g.AddEdge("B", "D"))
	require.NoError(t, g.AddEdge("C", "D"))

	order, err := g.TopologicalSort()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, edge := range [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}} {
		assert.Less(t, pos[edge[0]], pos[edge[1]], "edge %s -> %s out of order", edge[0], edge[1])
	}
}

func TestExecutionLayersDiamond(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("A", "B"))
	require.NoError(t, g.AddEdge("A", "C"))
	require.NoError(t, g.AddEdge("B", "D"))
	require.NoError(t, g.AddEdge("C", "D"))

	layers, err := g.ExecutionLayers()
	require.NoError(t, err)
	require.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, layers)
}

func TestLayersCoverAllNodesWithoutIntraLayerEdges(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("a", "c"))
	require.NoError(t, g.AddEdge("c", "d"))
	require.NoError(t, g.AddEdge("b", "e"))
	require.NoError(t, g.AddEdge("d", "e"))
	g.AddNode("f")

	layers, err := g.ExecutionLayers()
	require.NoError(t, err)

	seen := make(map[string]int)
	for li, layer := range layers {
		for _, id := range layer {
			seen[id] = li
		}
	}
	assert.Len(t, seen, g.Len())

	for _, from := range g.Nodes() {
		for _, to := range g.Successors(from) {
			assert.Less(t, seen[from], seen[to])
		}
	}
}

func TestCycleDetection(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("A", "B"))
	require.NoError(t, g.AddEdge("B", "A"))

	_, err := g.TopologicalSort()
	assert.ErrorIs(t, err, ErrCycle)

	_, err = g.ExecutionLayers()
	assert.ErrorIs(t, err, ErrCycle)
}

func TestSelfLoopRejected(t *testing.T) {
	g := New()
	err := g.AddEdge("A", "A")
	assert.Error(t, err)
}

func TestDuplicateEdgeIdempotent(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("A", "B"))
	require.NoError(t, g.AddEdge("A", "B"))
	assert.Equal(t, 1, g.OutDegree("A"))
	assert.Equal(t, 1, g.InDegree("B"))
}

func TestSortCacheInvalidatedOnMutation(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("A", "B"))
	order, err := g.TopologicalSort()
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, order)

	require.NoError(t, g.AddEdge("B", "C"))
	order, err = g.TopologicalSort()
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C"}, order)
}

func TestConnected(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("A", "B"))
	assert.True(t, g.Connected())

	g.AddNode("Z")
	assert.False(t, g.Connected())
}
