package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/laminarhq/laminar/internal/validation"
	"github.com/laminarhq/laminar/pkg/schema"
)

// AssertTools returns the assertion tools. Assertions fail with a
// validation error: re-running an identical comparison cannot pass.
func AssertTools(validator *validation.JSONSchemaValidator) []Tool {
	return []Tool{
		&assertEqualsTool{},
		&assertContainsTool{},
		&assertMatchesTool{},
		&assertSchemaTool{validator: validator},
	}
}

// normalizeJSON converts Go numeric types to float64 for consistent deep-equal comparison.
// JSON unmarshaling produces float64 for numbers; this normalizes int, int64, json.Number
// so reflect.DeepEqual works across boundaries.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

var passResult = func() json.RawMessage {
	b, _ := json.Marshal(map[string]any{"pass": true})
	return b
}()

// --- assert.equals ---

type assertEqualsTool struct{}

func (a *assertEqualsTool) Name() string { return "assert.equals" }

func (a *assertEqualsTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *assertEqualsTool) Schema() ToolSchema {
	return ToolSchema{Description: "Assert that two values are deeply equal"}
}

func (a *assertEqualsTool) Validate(input map[string]any) error {
	if _, ok := input["expected"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'expected' parameter")
	}
	if _, ok := input["actual"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'actual' parameter")
	}
	return nil
}

func (a *assertEqualsTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	expected := normalizeJSON(input.Args["expected"])
	actual := normalizeJSON(input.Args["actual"])

	if reflect.DeepEqual(expected, actual) {
		return &ToolOutput{Data: passResult}, nil
	}

	msg := "assertion failed: values are not equal"
	if m, ok := input.Args["message"].(string); ok && m != "" {
		msg = m
	}

	return nil, schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"expected": input.Args["expected"], "actual": input.Args["actual"]})
}

// --- assert.contains ---

type assertContainsTool struct{}

func (a *assertContainsTool) Name() string { return "assert.contains" }

func (a *assertContainsTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *assertContainsTool) Schema() ToolSchema {
	return ToolSchema{Description: "Assert that a string or array contains a value"}
}

func (a *assertContainsTool) Validate(input map[string]any) error {
	if _, ok := input["haystack"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'haystack' parameter")
	}
	if _, ok := input["needle"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'needle' parameter")
	}
	return nil
}

func (a *assertContainsTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	haystack := input.Args["haystack"]
	needle := input.Args["needle"]

	msg := "assertion failed: value not found"
	if m, ok := input.Args["message"].(string); ok && m != "" {
		msg = m
	}

	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprintf("%v", needle)) {
			return &ToolOutput{Data: passResult}, nil
		}
		return nil, schema.NewError(schema.ErrCodeValidation, msg).
			WithDetails(map[string]any{"haystack": haystack, "needle": needle})
	case []any:
		normalizedNeedle := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), normalizedNeedle) {
				return &ToolOutput{Data: passResult}, nil
			}
		}
		return nil, schema.NewError(schema.ErrCodeValidation, msg).
			WithDetails(map[string]any{"haystack": haystack, "needle": needle})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack must be string or array, got %T", haystack)
	}
}

// --- assert.matches ---

type assertMatchesTool struct{}

func (a *assertMatchesTool) Name() string { return "assert.matches" }

func (a *assertMatchesTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *assertMatchesTool) Schema() ToolSchema {
	return ToolSchema{Description: "Assert that a string matches a regular expression"}
}

func (a *assertMatchesTool) Validate(input map[string]any) error {
	if _, ok := input["value"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'value' string parameter")
	}
	if _, ok := input["pattern"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'pattern' string parameter")
	}
	return nil
}

func (a *assertMatchesTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	value, _ := input.Args["value"].(string)
	pattern, _ := input.Args["pattern"].(string)

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid regex pattern: %s", err)
	}

	if !re.MatchString(value) {
		msg := "assertion failed: value does not match pattern"
		if m, ok := input.Args["message"].(string); ok && m != "" {
			msg = m
		}
		return nil, schema.NewError(schema.ErrCodeValidation, msg).
			WithDetails(map[string]any{"value": value, "pattern": pattern})
	}

	match := re.FindString(value)
	out, _ := json.Marshal(map[string]any{"pass": true, "matches": match})
	return &ToolOutput{Data: out}, nil
}

// --- assert.schema ---

type assertSchemaTool struct {
	validator *validation.JSONSchemaValidator
}

func (a *assertSchemaTool) Name() string { return "assert.schema" }

func (a *assertSchemaTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *assertSchemaTool) Schema() ToolSchema {
	return ToolSchema{Description: "Assert that data conforms to a JSON Schema"}
}

func (a *assertSchemaTool) Validate(input map[string]any) error {
	if _, ok := input["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'data' parameter")
	}
	if _, ok := input["schema"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'schema' parameter")
	}
	return nil
}

func (a *assertSchemaTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	data := input.Args["data"]
	schemaObj := input.Args["schema"]

	schemaBytes, err := json.Marshal(schemaObj)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize schema: %s", err)
	}

	dataMap, ok := data.(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.schema: data must be an object")
	}

	if err := a.validator.ValidateInput(dataMap, schemaBytes); err != nil {
		msg := "assertion failed: data does not match schema"
		if m, ok := input.Args["message"].(string); ok && m != "" {
			msg = m
		}
		// Extract violations from the validation error if available.
		details := map[string]any{"error": err.Error()}
		var engErr *schema.EngineError
		if errors.As(err, &engErr) && engErr.Details != nil {
			details["violations"] = engErr.Details["violations"]
		}
		return nil, schema.NewError(schema.ErrCodeValidation, msg).WithDetails(details)
	}

	return &ToolOutput{Data: passResult}, nil
}
