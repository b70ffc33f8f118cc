package validation

import (
	"fmt"
	"sort"

	"github.com/laminarhq/laminar/internal/expressions"
	"github.com/laminarhq/laminar/pkg/schema"
)

// validateDAG performs graph analysis over the effective dependency edges:
// declared depends_on plus data-flow references inferred from args.
// Detects cycles (Kahn's algorithm) and warns about unreachable tasks.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	taskIDs := make(map[string]bool, len(def.Tasks))
	for _, t := range def.Tasks {
		taskIDs[t.ID] = true
	}

	// edges[id] = dependencies of task id, reverse[id] = dependents of task id.
	edges := make(map[string][]string, len(def.Tasks))
	reverse := make(map[string][]string, len(def.Tasks))

	for _, t := range def.Tasks {
		deps := append([]string{}, t.DependsOn...)
		deps = append(deps, expressions.TaskRefs(t.Args)...)

		seen := make(map[string]bool, len(deps))
		for _, dep := range deps {
			if !taskIDs[dep] || dep == t.ID || seen[dep] {
				continue // invalid refs already caught by semantic
			}
			seen[dep] = true
			edges[t.ID] = append(edges[t.ID], dep)
			reverse[dep] = append(reverse[dep], t.ID)
		}
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(def.Tasks))
	for id := range taskIDs {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(def.Tasks))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(taskIDs) {
		result.AddError("tasks", schema.ErrCodeCyclicDependency, "workflow contains a dependency cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from root tasks (no dependencies) through reverse edges.
	roots := make([]string, 0)
	for id := range taskIDs {
		if len(edges[id]) == 0 {
			roots = append(roots, id)
		}
	}

	reachable := make(map[string]bool, len(taskIDs))
	bfsQueue := make([]string, len(roots))
	copy(bfsQueue, roots)
	for _, r := range roots {
		reachable[r] = true
	}

	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, dep := range reverse[node] {
			if !reachable[dep] {
				reachable[dep] = true
				bfsQueue = append(bfsQueue, dep)
			}
		}
	}

	for _, t := range def.Tasks {
		if !reachable[t.ID] {
			result.AddWarning(fmt.Sprintf("tasks[%s]", t.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("task %q is unreachable from any root task", t.ID))
		}
	}

	return result
}
