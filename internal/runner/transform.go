package runner

import (
	"context"
	"encoding/json"

	"github.com/laminarhq/laminar/internal/expressions"
	"github.com/laminarhq/laminar/pkg/schema"
)

// TransformTools returns the data transformation tools.
func TransformTools() []Tool {
	return []Tool{
		&transformEvalTool{engine: expressions.NewExprEngine()},
		&transformJQTool{engine: expressions.NewGoJQEngine()},
	}
}

// --- transform.eval ---

type transformEvalTool struct {
	engine *expressions.ExprEngine
}

func (a *transformEvalTool) Name() string { return "transform.eval" }

func (a *transformEvalTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *transformEvalTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Evaluate an Expr expression against explicit data",
	}
}

func (a *transformEvalTool) Validate(input map[string]any) error {
	expr, ok := input["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.eval requires non-empty 'expression' string parameter")
	}
	return nil
}

func (a *transformEvalTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	expression, _ := input.Args["expression"].(string)

	// Build evaluation scope.
	scope := make(map[string]any)

	// If explicit data is provided, use it as the primary scope.
	if data, ok := input.Args["data"]; ok {
		scope["data"] = data
	}

	// Merge ToolInput.Context into scope (workflow_id, task_id, grant).
	for k, v := range input.Context {
		scope[k] = v
	}

	result, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(map[string]any{
		"result": result,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "transform.eval: marshal output: %v", err)
	}

	return &ToolOutput{Data: out}, nil
}

// --- transform.jq ---

type transformJQTool struct {
	engine *expressions.GoJQEngine
}

func (a *transformJQTool) Name() string { return "transform.jq" }

func (a *transformJQTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *transformJQTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Run a jq expression over the given data; 'all' collects every output into an array",
	}
}

func (a *transformJQTool) Validate(input map[string]any) error {
	expr, ok := input["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.jq requires non-empty 'expression' string parameter")
	}
	if _, ok := input["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "transform.jq requires 'data' parameter")
	}
	return nil
}

func (a *transformJQTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	expression, _ := input.Args["expression"].(string)
	collectAll, _ := input.Args["all"].(bool)

	// jq wants a top-level object; wrap non-object data under "data".
	data, ok := input.Args["data"].(map[string]any)
	if !ok {
		data = map[string]any{"data": input.Args["data"]}
	}

	var result any
	var err error
	if collectAll {
		result, err = a.engine.EvaluateAll(ctx, expression, data)
	} else {
		result, err = a.engine.EvaluateNormalized(ctx, expression, data)
	}
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(map[string]any{
		"result": result,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "transform.jq: marshal output: %v", err)
	}

	return &ToolOutput{Data: out}, nil
}
