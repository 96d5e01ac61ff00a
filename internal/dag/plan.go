package dag

import (
	"fmt"

	"github.com/synqx/synqx/internal/models"
)

// Plan couples a transient copy of a pipeline version with its graph.
// The executor and the optimizer operate on plans, never on the stored
// version itself.
type Plan struct {
	Version *models.PipelineVersion
	Graph   *Graph
}

// BuildPlan validates the version's nodes and edges and materializes the
// execution graph. The version must form a connected DAG with unique
// node IDs.
func BuildPlan(version *models.PipelineVersion) (*Plan, error) {
	g := New()
	seen := make(map[string]struct{}, len(version.Nodes))
	for i := range version.Nodes {
		id := version.Nodes[i].NodeID
		if id == "" {
			return nil, fmt.Errorf("node %d has no node_id", i)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("duplicate node_id %q", id)
		}
		seen[id] = struct{}{}
		g.AddNode(id)
	}
	for _, e := range version.Edges {
		if !g.HasNode(e.FromNodeID) || !g.HasNode(e.ToNodeID) {
			return nil, fmt.Errorf("edge %s -> %s references unknown node", e.FromNodeID, e.ToNodeID)
		}
		if err := g.AddEdge(e.FromNodeID, e.ToNodeID); err != nil {
			return nil, err
		}
	}
	if _, err := g.TopologicalSort(); err != nil {
		return nil, err
	}
	if len(version.Nodes) > 1 && !g.Connected() {
		return nil, fmt.Errorf("graph is not connected")
	}
	return &Plan{Version: clonedVersion(version), Graph: g}, nil
}

// Node returns the plan's node by ID, or nil.
func (p *Plan) Node(id string) *models.Node {
	return p.Version.NodeByID(id)
}

func clonedVersion(v *models.PipelineVersion) *models.PipelineVersion {
	out := *v
	out.Nodes = make([]models.Node, len(v.Nodes))
	for i, n := range v.Nodes {
		out.Nodes[i] = n
		if n.Config != nil {
			cfg := make(map[string]any, len(n.Config))
			for k, val := range n.Config {
				cfg[k] = val
			}
			out.Nodes[i].Config = cfg
		}
	}
	out.Edges = append([]models.Edge(nil), v.Edges...)
	return &out
}
