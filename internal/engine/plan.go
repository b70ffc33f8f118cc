package engine

import (
	"github.com/laminarhq/laminar/internal/expressions"
	"github.com/laminarhq/laminar/pkg/schema"
)

// Plan is the compiled execution form of a task graph: dependencies
// resolved (declared plus inferred from args references), cycles rejected,
// and tasks grouped into layers. Tasks within a layer have no dependencies
// on each other and run concurrently; layer N+1 starts only after every
// task in layer N has settled.
type Plan struct {
	// Graph is the immutable source graph this plan was compiled from.
	Graph *schema.TaskGraph

	// Tasks maps task ID to the compiled task.
	Tasks map[string]*schema.Task

	// Edges maps task ID to its effective dependencies.
	Edges map[string][]string

	// Reverse maps task ID to its direct dependents.
	Reverse map[string][]string

	// Sorted is a topological ordering of all task IDs.
	Sorted []string

	// Roots are tasks with no dependencies, in source order.
	Roots []string

	// Layers groups task IDs by dependency depth. Order within a layer
	// follows the task's position in the source graph, so event ordering
	// is reproducible across runs of the same graph.
	Layers [][]string

	layerOf map[string]int
}

// CompilePlan compiles a task graph into a layered execution plan. It
// resolves each task's effective dependency set (the union of declared
// depends_on and references inferred from args), validates that every
// dependency names a task in the graph, and rejects cycles, including
// self-dependencies. An empty graph compiles to an empty plan; a replan
// may legitimately conclude there is nothing left to do.
func CompilePlan(graph *schema.TaskGraph) (*Plan, error) {
	return CompilePlanWith(graph, nil)
}

// CompilePlanWith compiles a graph whose tasks may depend on work that
// already settled outside the graph. Replanned graphs keep referencing
// outputs of tasks from the replaced plan; a dependency found in satisfied
// is treated as met and contributes no edge.
func CompilePlanWith(graph *schema.TaskGraph, satisfied map[string]bool) (*Plan, error) {
	if graph == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "task graph is nil")
	}

	p := &Plan{
		Graph:   graph,
		Tasks:   make(map[string]*schema.Task, len(graph.Tasks)),
		Edges:   make(map[string][]string, len(graph.Tasks)),
		Reverse: make(map[string][]string, len(graph.Tasks)),
		layerOf: make(map[string]int, len(graph.Tasks)),
	}

	// Pass 1: register tasks and record source positions.
	pos := make(map[string]int, len(graph.Tasks))
	for i := range graph.Tasks {
		task := &graph.Tasks[i]
		if task.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "task at index %d has empty id", i)
		}
		if _, dup := p.Tasks[task.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate task id %q", task.ID).WithTask(task.ID)
		}
		p.Tasks[task.ID] = task
		pos[task.ID] = i
	}

	// Pass 2: infer data-flow dependencies from args references and
	// validate both dependency sets against the graph.
	inDegree := make(map[string]int, len(p.Tasks))
	for i := range graph.Tasks {
		task := &graph.Tasks[i]
		task.InferredDependsOn = expressions.TaskRefs(task.Args)

		for _, dep := range task.DependsOn {
			if dep == task.ID {
				return nil, schema.NewErrorf(schema.ErrCodeCyclicDependency,
					"task %s depends on itself", task.ID).WithTask(task.ID)
			}
			if _, ok := p.Tasks[dep]; !ok && !satisfied[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"task %s depends on unknown task %q", task.ID, dep).WithTask(task.ID)
			}
		}
		for _, dep := range task.InferredDependsOn {
			if dep == task.ID {
				return nil, schema.NewErrorf(schema.ErrCodeCyclicDependency,
					"task %s references its own output", task.ID).WithTask(task.ID)
			}
			if _, ok := p.Tasks[dep]; !ok && !satisfied[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"task %s references output of unknown task %q in args", task.ID, dep).WithTask(task.ID)
			}
		}

		deps := make([]string, 0, len(task.DependsOn)+len(task.InferredDependsOn))
		for _, dep := range task.EffectiveDependsOn() {
			if satisfied[dep] {
				continue
			}
			deps = append(deps, dep)
		}
		p.Edges[task.ID] = deps
		inDegree[task.ID] = len(deps)
		for _, dep := range deps {
			p.Reverse[dep] = append(p.Reverse[dep], task.ID)
		}
	}

	// Pass 3: Kahn's algorithm. The ready queue is kept in source order so
	// the topological sort, and therefore layer membership order, is stable
	// for a given graph.
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	orderBySource(queue, pos)
	p.Roots = append([]string(nil), queue...)

	p.Sorted = make([]string, 0, len(p.Tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		p.Sorted = append(p.Sorted, id)

		var ready []string
		for _, dependent := range p.Reverse[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		orderBySource(ready, pos)
		queue = append(queue, ready...)
	}

	if len(p.Sorted) != len(p.Tasks) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		orderBySource(stuck, pos)
		return nil, schema.NewErrorf(schema.ErrCodeCyclicDependency,
			"dependency cycle detected among %d task(s)", len(stuck)).
			WithDetails(map[string]any{"tasks": stuck})
	}

	p.computeLayers(pos)
	return p, nil
}

// computeLayers assigns each task a depth equal to one past its deepest
// dependency, then buckets tasks by depth in source order.
func (p *Plan) computeLayers(pos map[string]int) {
	depth := make(map[string]int, len(p.Sorted))
	maxDepth := -1

	for _, id := range p.Sorted {
		d := 0
		for _, dep := range p.Edges[id] {
			if dd := depth[dep] + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		p.layerOf[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	p.Layers = make([][]string, maxDepth+1)
	for _, id := range p.Sorted {
		d := depth[id]
		p.Layers[d] = append(p.Layers[d], id)
	}
	for i := range p.Layers {
		orderBySource(p.Layers[i], pos)
	}
}

// LayerOf returns the layer index a task was assigned to.
func (p *Plan) LayerOf(taskID string) (int, bool) {
	i, ok := p.layerOf[taskID]
	return i, ok
}

// Downstream returns every task that transitively depends on the given
// task, in source order. Used to propagate skips when a dependency does
// not succeed.
func (p *Plan) Downstream(taskID string) []string {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, dependent := range p.Reverse[id] {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			walk(dependent)
		}
	}
	walk(taskID)

	pos := make(map[string]int, len(p.Graph.Tasks))
	for i := range p.Graph.Tasks {
		pos[p.Graph.Tasks[i].ID] = i
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	orderBySource(out, pos)
	return out
}

// TaskCount returns the number of tasks in the plan.
func (p *Plan) TaskCount() int { return len(p.Tasks) }

// orderBySource sorts task IDs in place by their position in the source
// graph. Insertion sort; layers are small.
func orderBySource(ids []string, pos map[string]int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && pos[ids[j]] < pos[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
