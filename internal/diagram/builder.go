package diagram

import (
	"fmt"

	"github.com/laminarhq/laminar/internal/engine"
	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// Build constructs a DiagramModel from a compiled plan and optional task
// states. Plan layers become diagram levels, framed by virtual start and
// end nodes. Tasks in the same level carry no edges between each other,
// which is exactly the concurrency the engine grants them.
func Build(title string, plan *engine.Plan, states []*store.TaskState) *DiagramModel {
	stateMap := make(map[string]*store.TaskState, len(states))
	for _, s := range states {
		stateMap[s.TaskID] = s
	}

	nodes := make([]*Node, 0, len(plan.Sorted)+2)
	nodes = append(nodes, &Node{ID: StartNodeID, Label: "Start", Kind: NodeKindStart})
	for _, taskID := range plan.Sorted {
		node := taskToNode(plan.Tasks[taskID])
		overlayStatus(node, stateMap[taskID])
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndNodeID, Label: "End", Kind: NodeKindEnd})

	if title == "" {
		title = "Workflow"
	}
	return &DiagramModel{
		Title:  title,
		Nodes:  nodes,
		Edges:  buildEdges(plan),
		Levels: buildLevels(plan),
	}
}

// taskToNode maps a compiled task to a diagram Node.
func taskToNode(task *schema.Task) *Node {
	return &Node{
		ID:    task.ID,
		Label: nodeLabel(task),
		Kind:  taskKindToNodeKind(task.Kind),
	}
}

// taskKindToNodeKind converts a schema.TaskKind to a NodeKind.
func taskKindToNodeKind(kind schema.TaskKind) NodeKind {
	switch kind {
	case schema.TaskKindSandbox:
		return NodeKindSandbox
	case schema.TaskKindProcedure:
		return NodeKindProcedure
	default:
		return NodeKindTool
	}
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(task *schema.Task) string {
	if task.Uses != "" {
		return fmt.Sprintf("%s\n(%s)", task.ID, task.Uses)
	}
	return task.ID
}

// overlayStatus applies the materialized task state to a node.
func overlayStatus(node *Node, ts *store.TaskState) {
	if ts == nil {
		return
	}
	errStr := ""
	if len(ts.Error) > 0 {
		errStr = string(ts.Error)
	}
	node.Status = &StatusOverlay{
		Status:     string(ts.State),
		DurationMs: ts.DurationMs,
		Attempts:   ts.Attempts,
		Error:      errStr,
	}
}

// buildEdges constructs the Edge list from plan adjacency, adding virtual
// start and end edges. Iteration follows the topological order so the
// output is stable for a given graph.
func buildEdges(plan *engine.Plan) []Edge {
	var edges []Edge

	for _, root := range plan.Roots {
		edges = append(edges, Edge{From: StartNodeID, To: root})
	}

	// Dependency edges point from dependency to dependent.
	for _, taskID := range plan.Sorted {
		for _, dep := range plan.Edges[taskID] {
			edges = append(edges, Edge{From: dep, To: taskID})
		}
	}

	// Tasks with no dependents flow into the end node.
	for _, taskID := range plan.Sorted {
		if len(plan.Reverse[taskID]) == 0 {
			edges = append(edges, Edge{From: taskID, To: EndNodeID})
		}
	}

	return edges
}

// buildLevels wraps plan layers with virtual start and end levels.
func buildLevels(plan *engine.Plan) [][]string {
	levels := make([][]string, 0, len(plan.Layers)+2)
	levels = append(levels, []string{StartNodeID})
	levels = append(levels, plan.Layers...)
	levels = append(levels, []string{EndNodeID})
	return levels
}
