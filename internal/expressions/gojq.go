package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/laminarhq/laminar/pkg/schema"
)

var _ Engine = (*GoJQEngine)(nil)

// GoJQEngine runs jq programs over task outputs; it backs the transform.jq
// tool. Parsed and compiled queries are cached per expression text and are
// safe for concurrent runs.
type GoJQEngine struct {
	mu      sync.RWMutex
	queries map[string]*gojq.Code
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{queries: make(map[string]*gojq.Code)}
}

func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs the jq program with the data map as its input. jq programs
// can emit any number of values: zero becomes nil, one is returned as-is,
// and more are collected into a []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll runs the jq program and returns every emitted value.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.compiled(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, data)
	for {
		val, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if runErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, runErr.Error()).
				WithCause(runErr).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
}

// EvaluateNormalized coerces Go integer types to float64 first, matching
// jq's number model, for callers that build the input map in Go instead of
// decoding it from JSON.
func (e *GoJQEngine) EvaluateNormalized(ctx context.Context, expression string, data map[string]any) (any, error) {
	normalized, ok := jqValue(data).(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "data must be a JSON object")
	}
	return e.Evaluate(ctx, expression, normalized)
}

func (e *GoJQEngine) compiled(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.queries[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.queries[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	code, err = gojq.Compile(query,
		// Hide the host environment from workflow expressions.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.queries[expression] = code
	return code, nil
}

// jqValue rewrites Go numeric types into jq's float64 numbers, recursing
// through maps and slices.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
