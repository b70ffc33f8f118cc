package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminarhq/laminar/pkg/schema"
)

func newWV(t *testing.T, lookup ToolLookup) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator(lookup)
	require.NoError(t, err)
	return wv
}

func TestWorkflowValidator_Valid(t *testing.T) {
	wv := newWV(t, nil)
	result := wv.Validate(validDefinition())
	assert.True(t, result.Valid())
}

func TestWorkflowValidator_NilDefinition(t *testing.T) {
	wv := newWV(t, nil)
	result := wv.Validate(nil)
	require.Len(t, result.Errors, 1)
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv := newWV(t, nil)
	// Structurally invalid (bad kind) AND semantically invalid (unknown dep).
	// Only the structural error should surface.
	def := &schema.WorkflowDefinition{
		Tasks: []schema.TaskSpec{
			{ID: "t1", Kind: "teleport", Uses: "x", DependsOn: []string{"ghost"}},
		},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotEqual(t, schema.ErrCodeUnknownDependency, e.Code)
	}
}

func TestWorkflowValidator_SemanticBlocksDAG(t *testing.T) {
	wv := newWV(t, nil)
	// Unknown dep (semantic) plus cycle between a and b (DAG). Semantic
	// errors suppress the DAG stage.
	def := &schema.WorkflowDefinition{
		Tasks: []schema.TaskSpec{
			{ID: "a", Kind: schema.TaskKindToolCall, Uses: "x", DependsOn: []string{"b", "ghost"}},
			{ID: "b", Kind: schema.TaskKindToolCall, Uses: "x", DependsOn: []string{"a"}},
		},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotEqual(t, "tasks", e.Path)
	}
}

func TestWorkflowValidator_DetectsCycle(t *testing.T) {
	wv := newWV(t, nil)
	def := &schema.WorkflowDefinition{
		Tasks: []schema.TaskSpec{
			{ID: "a", Kind: schema.TaskKindToolCall, Uses: "x", DependsOn: []string{"b"}},
			{ID: "b", Kind: schema.TaskKindToolCall, Uses: "x", DependsOn: []string{"a"}},
		},
	}
	result := wv.Validate(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCyclicDependency, result.Errors[0].Code)
}

func TestWorkflowValidator_ValidateDefinition(t *testing.T) {
	wv := newWV(t, &fakeLookup{known: map[string]bool{"scripts/build.js": true, "http.request": true}})

	require.NoError(t, wv.ValidateDefinition(validDefinition()))

	bad := &schema.WorkflowDefinition{}
	err := wv.ValidateDefinition(bad)
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestWorkflowValidator_ValidateInput(t *testing.T) {
	wv := newWV(t, nil)
	inputSchema := []byte(`{"type":"object","required":["tag"]}`)

	require.NoError(t, wv.ValidateInput(map[string]any{"tag": "v1"}, inputSchema))
	require.Error(t, wv.ValidateInput(map[string]any{}, inputSchema))
}
