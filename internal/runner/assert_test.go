package runner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminarhq/laminar/internal/validation"
	"github.com/laminarhq/laminar/pkg/schema"
)

func assertTools(t *testing.T) []Tool {
	t.Helper()
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return AssertTools(validator)
}

func findAssertTool(t *testing.T, name string) Tool {
	t.Helper()
	for _, tool := range assertTools(t) {
		if tool.Name() == name {
			return tool
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func execAssert(t *testing.T, name string, params map[string]any) (map[string]any, error) {
	t.Helper()
	tool := findAssertTool(t, name)
	out, err := tool.Execute(context.Background(), ToolInput{Args: params})
	if err != nil {
		return nil, err
	}
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	return result, nil
}

// --- assert.equals ---

func TestAssertEquals_Pass(t *testing.T) {
	result, err := execAssert(t, "assert.equals", map[string]any{
		"expected": map[string]any{"a": 1, "b": []any{"x", "y"}},
		"actual":   map[string]any{"a": float64(1), "b": []any{"x", "y"}},
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertEquals_Fail(t *testing.T) {
	_, err := execAssert(t, "assert.equals", map[string]any{
		"expected": "yes",
		"actual":   "no",
		"message":  "values diverged",
	})
	requireEngineError(t, err, schema.ErrCodeValidation)
	assert.Contains(t, err.Error(), "values diverged")
}

func TestAssertEquals_NumericNormalization(t *testing.T) {
	// int vs float64 vs json.Number all compare equal.
	result, err := execAssert(t, "assert.equals", map[string]any{
		"expected": 42,
		"actual":   json.Number("42"),
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertEquals_Validate(t *testing.T) {
	tool := findAssertTool(t, "assert.equals")
	requireEngineError(t, tool.Validate(map[string]any{"expected": 1}), schema.ErrCodeValidation)
	requireEngineError(t, tool.Validate(map[string]any{"actual": 1}), schema.ErrCodeValidation)
	require.NoError(t, tool.Validate(map[string]any{"expected": 1, "actual": 2}))
}

// --- assert.contains ---

func TestAssertContains_String(t *testing.T) {
	result, err := execAssert(t, "assert.contains", map[string]any{
		"haystack": "deployment finished cleanly",
		"needle":   "finished",
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertContains_Array(t *testing.T) {
	result, err := execAssert(t, "assert.contains", map[string]any{
		"haystack": []any{"alpha", float64(2), "gamma"},
		"needle":   2,
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertContains_Missing(t *testing.T) {
	_, err := execAssert(t, "assert.contains", map[string]any{
		"haystack": []any{"a", "b"},
		"needle":   "z",
	})
	requireEngineError(t, err, schema.ErrCodeValidation)
}

func TestAssertContains_BadHaystack(t *testing.T) {
	_, err := execAssert(t, "assert.contains", map[string]any{
		"haystack": 12345,
		"needle":   "1",
	})
	requireEngineError(t, err, schema.ErrCodeValidation)
}

// --- assert.matches ---

func TestAssertMatches_Pass(t *testing.T) {
	result, err := execAssert(t, "assert.matches", map[string]any{
		"value":   "v2.14.0",
		"pattern": `^v\d+\.\d+\.\d+$`,
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
	assert.Equal(t, "v2.14.0", result["matches"])
}

func TestAssertMatches_Fail(t *testing.T) {
	_, err := execAssert(t, "assert.matches", map[string]any{
		"value":   "not-a-version",
		"pattern": `^v\d+`,
	})
	requireEngineError(t, err, schema.ErrCodeValidation)
}

func TestAssertMatches_InvalidPattern(t *testing.T) {
	_, err := execAssert(t, "assert.matches", map[string]any{
		"value":   "x",
		"pattern": "([",
	})
	requireEngineError(t, err, schema.ErrCodeValidation)
}

// --- assert.schema ---

func TestAssertSchema_Pass(t *testing.T) {
	result, err := execAssert(t, "assert.schema", map[string]any{
		"data": map[string]any{"name": "api", "replicas": float64(3)},
		"schema": map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"name":     map[string]any{"type": "string"},
				"replicas": map[string]any{"type": "integer"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["pass"])
}

func TestAssertSchema_Fail(t *testing.T) {
	_, err := execAssert(t, "assert.schema", map[string]any{
		"data": map[string]any{"replicas": "three"},
		"schema": map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"replicas": map[string]any{"type": "integer"},
			},
		},
	})
	requireEngineError(t, err, schema.ErrCodeValidation)
}

func TestAssertSchema_DataMustBeObject(t *testing.T) {
	_, err := execAssert(t, "assert.schema", map[string]any{
		"data":   "just a string",
		"schema": map[string]any{"type": "string"},
	})
	requireEngineError(t, err, schema.ErrCodeValidation)
}

func TestAssertTools_AllReadOnly(t *testing.T) {
	for _, tool := range assertTools(t) {
		assert.Equal(t, schema.CapabilityReadOnly, tool.MinCapability(), tool.Name())
	}
}
