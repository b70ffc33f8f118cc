package schema

import (
	"encoding/json"
	"sort"
)

// TaskKind classifies a task by how it executes.
type TaskKind string

const (
	TaskKindToolCall  TaskKind = "tool_call"
	TaskKindSandbox   TaskKind = "sandboxed_code"
	TaskKindProcedure TaskKind = "learned_procedure"
)

// KnownTaskKind reports whether k is a recognized task kind.
func KnownTaskKind(k TaskKind) bool {
	switch k {
	case TaskKindToolCall, TaskKindSandbox, TaskKindProcedure:
		return true
	}
	return false
}

// Capability is a permission level a task runs under. Levels are ordered:
// read_only < standard < elevated.
type Capability string

const (
	CapabilityReadOnly Capability = "read_only"
	CapabilityStandard Capability = "standard"
	CapabilityElevated Capability = "elevated"
)

var capabilityRank = map[Capability]int{
	CapabilityReadOnly: 0,
	CapabilityStandard: 1,
	CapabilityElevated: 2,
}

// Rank returns the ordering index of the capability, or -1 if unknown.
func (c Capability) Rank() int {
	r, ok := capabilityRank[c]
	if !ok {
		return -1
	}
	return r
}

// Allows reports whether a grant at level c satisfies a requirement.
func (c Capability) Allows(required Capability) bool {
	return c.Rank() >= required.Rank() && required.Rank() >= 0
}

// KnownCapability reports whether c is a recognized capability level.
func KnownCapability(c Capability) bool {
	_, ok := capabilityRank[c]
	return ok
}

// TaskSpec is the authored form of a task inside a workflow definition.
type TaskSpec struct {
	ID         string          `json:"id"`
	Kind       TaskKind        `json:"kind"`
	Uses       string          `json:"uses,omitempty"`        // tool name, procedure name, or sandbox entry
	Args       json.RawMessage `json:"args,omitempty"`        // kind-specific arguments, interpolated at dispatch
	DependsOn  []string        `json:"depends_on,omitempty"`  // explicit ordering, declared by the author
	Guard      string          `json:"guard,omitempty"`       // CEL expression; false skips the task
	Capability Capability      `json:"capability,omitempty"`  // requested elevated capability, carried through escalation
	SafeToFail *bool           `json:"safe_to_fail,omitempty"`
	Retry      *RetryPolicy    `json:"retry,omitempty"`
	Timeout    string          `json:"timeout,omitempty"`
	PauseAfter bool            `json:"pause_after,omitempty"` // suspend for an external decision once this task's layer settles
}

// Task is the compiled view of a TaskSpec: the authored fields plus the
// dependency set inferred from data-flow references in Args. Both sets are
// retained; scheduling uses only their union.
type Task struct {
	TaskSpec
	InferredDependsOn []string `json:"inferred_depends_on,omitempty"`
}

// EffectiveDependsOn returns the union of explicit and inferred
// dependencies, sorted, without duplicates.
func (t *Task) EffectiveDependsOn() []string {
	if len(t.InferredDependsOn) == 0 {
		out := make([]string, len(t.DependsOn))
		copy(out, t.DependsOn)
		sort.Strings(out)
		return out
	}
	seen := make(map[string]struct{}, len(t.DependsOn)+len(t.InferredDependsOn))
	out := make([]string, 0, len(t.DependsOn)+len(t.InferredDependsOn))
	for _, set := range [][]string{t.DependsOn, t.InferredDependsOn} {
		for _, dep := range set {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}

// IsSafeToFail resolves the safety classification: an explicit override wins,
// otherwise sandboxed code and learned procedures default to safe-to-fail
// and external tool calls do not.
func (t *TaskSpec) IsSafeToFail() bool {
	if t.SafeToFail != nil {
		return *t.SafeToFail
	}
	switch t.Kind {
	case TaskKindSandbox, TaskKindProcedure:
		return true
	default:
		return false
	}
}

// TaskGraph is an immutable ordered collection of tasks. A replan produces
// a new graph; an existing graph is never mutated.
type TaskGraph struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Tasks      []Task `json:"tasks"`

	byID map[string]int
}

// NewTaskGraph builds a graph from authored specs, preserving source order.
// It rejects empty or duplicate task IDs and unknown kinds; dependency
// resolution and cycle detection happen at plan compilation.
func NewTaskGraph(id, workflowID string, specs []TaskSpec) (*TaskGraph, error) {
	g := &TaskGraph{
		ID:         id,
		WorkflowID: workflowID,
		Tasks:      make([]Task, 0, len(specs)),
		byID:       make(map[string]int, len(specs)),
	}
	for i, spec := range specs {
		if spec.ID == "" {
			return nil, NewErrorf(ErrCodeValidation, "task at index %d has empty id", i)
		}
		if _, dup := g.byID[spec.ID]; dup {
			return nil, NewErrorf(ErrCodeValidation, "duplicate task id %q", spec.ID).WithTask(spec.ID)
		}
		if !KnownTaskKind(spec.Kind) {
			return nil, NewErrorf(ErrCodeValidation, "unknown task kind %q", spec.Kind).WithTask(spec.ID)
		}
		if spec.Capability != "" && !KnownCapability(spec.Capability) {
			return nil, NewErrorf(ErrCodeValidation, "unknown capability %q", spec.Capability).WithTask(spec.ID)
		}
		g.byID[spec.ID] = i
		g.Tasks = append(g.Tasks, Task{TaskSpec: spec})
	}
	return g, nil
}

// Lookup returns the task with the given ID, or nil.
func (g *TaskGraph) Lookup(id string) *Task {
	i, ok := g.byID[id]
	if !ok {
		return nil
	}
	return &g.Tasks[i]
}

// Len returns the number of tasks in the graph.
func (g *TaskGraph) Len() int { return len(g.Tasks) }

// RebuildIndex restores the internal lookup table after deserialization.
func (g *TaskGraph) RebuildIndex() {
	g.byID = make(map[string]int, len(g.Tasks))
	for i := range g.Tasks {
		g.byID[g.Tasks[i].ID] = i
	}
}
