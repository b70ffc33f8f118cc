package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/laminarhq/laminar/internal/secrets"
	"github.com/laminarhq/laminar/pkg/schema"
)

// InterpolationScope holds all data available for variable resolution.
type InterpolationScope struct {
	Tasks    map[string]any // task ID -> output (unmarshalled)
	Inputs   map[string]any // workflow input params
	Workflow map[string]any // workflow metadata (run_id, intent, etc.)
}

// Interpolator resolves ${{...}} references in task params.
// Two-pass: first resolves non-secret variables, second resolves secrets.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates a new Interpolator with an optional Vault for secret resolution.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// Resolve performs two-pass interpolation on raw JSON params.
// Pass 1: resolves tasks.*, inputs.*, workflow.* references.
// Pass 2: resolves secrets.* references via the Vault.
// Returns the interpolated JSON bytes.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *InterpolationScope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	s := string(raw)

	// Pass 1: non-secret variables.
	resolved, err := interp.resolvePass(ctx, s, scope, false)
	if err != nil {
		return nil, err
	}

	// Pass 2: secrets only.
	resolved, err = interp.resolvePass(ctx, resolved, scope, true)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(resolved), nil
}

// resolvePass scans for ${{...}} tokens and resolves them.
// If secretPass is false, it resolves everything except secrets.* and leaves secrets untouched.
// If secretPass is true, it only resolves secrets.* references.
func (interp *Interpolator) resolvePass(ctx context.Context, input string, scope *InterpolationScope, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		// Look for ${{ marker.
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{".

		// Find the closing }}.
		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		isSecret := strings.HasPrefix(expr, "secrets.")

		if secretPass && !isSecret {
			// Pass 2 but not a secret — write back the original token unchanged.
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}
		if !secretPass && isSecret {
			// Pass 1 but it's a secret — write back the original token unchanged.
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := interp.resolveExpr(ctx, expr, scope)
		if err != nil {
			return "", err
		}

		// Embed the resolved value into the JSON string.
		result.WriteString(marshalInline(val))

		i = end + 2 // skip "}}".
	}

	return result.String(), nil
}

// resolveExpr resolves a single expression path like "tasks.fetch.output.url".
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "tasks":
		return interp.resolveTasks(expr, scope)
	case "inputs":
		return interp.resolveInputs(expr, scope)
	case "workflow":
		return interp.resolveWorkflow(expr, scope)
	case "secrets":
		return interp.resolveSecret(ctx, expr)
	default:
		available := []string{"tasks", "inputs", "workflow", "secrets"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveTasks resolves tasks.<id>.output[.<field>...] references.
func (interp *Interpolator) resolveTasks(expr string, scope *InterpolationScope) (any, error) {
	// Expected: tasks.<id>.output or tasks.<id>.output.<field>...
	parts := strings.SplitN(expr, ".", 4) // [tasks, id, output, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid task reference %q: expected tasks.<id>.output[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	taskID := parts[1]
	if parts[2] != "output" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid task reference %q: only 'output' property is supported (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}

	if scope.Tasks == nil {
		return nil, interp.missingVarErr(expr, "task", taskID, scope)
	}

	output, ok := scope.Tasks[taskID]
	if !ok {
		return nil, interp.missingVarErr(expr, "task", taskID, scope)
	}

	// tasks.<id>.output — return the whole output.
	if len(parts) == 3 {
		return output, nil
	}

	// tasks.<id>.output.<field>[.<subfield>...]
	return interp.traversePath(output, parts[3], expr)
}

// resolveInputs resolves inputs.<name> references.
func (interp *Interpolator) resolveInputs(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid input reference %q: expected inputs.<name>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	fieldPath := parts[1]
	return interp.resolveFromMap(scope.Inputs, fieldPath, expr, "input")
}

// resolveWorkflow resolves workflow.<field> references.
func (interp *Interpolator) resolveWorkflow(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid workflow reference %q: expected workflow.<field>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	fieldPath := parts[1]
	return interp.resolveFromMap(scope.Workflow, fieldPath, expr, "workflow")
}

// resolveSecret resolves secrets.<key> via the Vault.
func (interp *Interpolator) resolveSecret(ctx context.Context, expr string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	key := parts[1]

	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}

	return string(val), nil
}

// resolveFromMap resolves a dot-delimited field path from a map.
func (interp *Interpolator) resolveFromMap(data map[string]any, fieldPath, expr, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	// Traverse by splitting on dots.
	return interp.traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps/slices using a dot-delimited path.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// missingVarErr builds an error for missing task references with available tasks listed.
func (interp *Interpolator) missingVarErr(expr, kind, id string, scope *InterpolationScope) *schema.EngineError {
	available := mapKeys(scope.Tasks)
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"%s %q not found in ${{%s}}; available tasks: [%s]", kind, id, expr, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_tasks": available})
}

// marshalInline converts a resolved value into its inline JSON representation.
// Strings are embedded without extra quotes when the reference is the entire JSON value
// (e.g. "${{inputs.url}}" as a field value). For embedded references within strings,
// the value is stringified. For complex types (maps, slices), JSON-encode inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks if a JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
