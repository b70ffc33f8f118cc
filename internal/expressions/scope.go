package expressions

import (
	"encoding/json"
	"sync"

	"github.com/laminarhq/laminar/pkg/schema"
)

// ScopeBuilder constructs InterpolationScopes with proper variable isolation.
// It enforces:
//   - Task outputs are immutable after completion (frozen on insert).
//   - Append-only: new task outputs are added after each layer settles.
//   - Resolution order: task outputs -> workflow inputs -> secrets.
type ScopeBuilder struct {
	mu       sync.RWMutex
	tasks    map[string]any // task ID -> frozen output (deep-copied on insert)
	inputs   map[string]any // workflow input params (immutable after init)
	workflow map[string]any // workflow metadata (immutable after init)
}

// NewScopeBuilder creates a ScopeBuilder initialized with workflow-level data.
// inputs and workflow are deep-copied to prevent external mutation.
func NewScopeBuilder(inputs, workflow map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		tasks:    make(map[string]any),
		inputs:   deepCopyMap(inputs),
		workflow: deepCopyMap(workflow),
	}
}

// AddTaskOutput registers a settled task's output. The output is frozen
// (deep-copied) at the time of insertion. Subsequent calls with the same taskID
// are rejected -- task outputs are immutable after completion.
func (sb *ScopeBuilder) AddTaskOutput(taskID string, output json.RawMessage) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.tasks[taskID]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"task %q output already registered; task outputs are immutable after completion", taskID)
	}

	if len(output) == 0 {
		sb.tasks[taskID] = nil
		return nil
	}

	var parsed any
	if err := json.Unmarshal(output, &parsed); err != nil {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot parse task %q output: %s", taskID, err.Error())
	}

	// Deep-copy to freeze the value.
	sb.tasks[taskID] = deepCopyAny(parsed)
	return nil
}

// Build creates an InterpolationScope snapshot. The returned scope is safe
// for concurrent use (all data is copied).
func (sb *ScopeBuilder) Build() *InterpolationScope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &InterpolationScope{
		Tasks:    deepCopyMap(sb.tasks),
		Inputs:   sb.inputs,   // already frozen at init
		Workflow: sb.workflow, // already frozen at init
	}
}

// TaskOutputs returns a read-only copy of the current task outputs.
func (sb *ScopeBuilder) TaskOutputs() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.tasks)
}

// HasTaskOutput reports whether the given task's output is already registered.
func (sb *ScopeBuilder) HasTaskOutput(taskID string) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	_, ok := sb.tasks[taskID]
	return ok
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
