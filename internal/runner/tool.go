package runner

import (
	"context"
	"encoding/json"

	"github.com/laminarhq/laminar/pkg/schema"
)

// Tool is an executable unit a tool_call task can invoke. Every tool
// declares the minimum capability it needs; the dispatcher checks the
// task's grant against it before execution.
type Tool interface {
	Name() string
	Schema() ToolSchema
	MinCapability() schema.Capability
	Execute(ctx context.Context, input ToolInput) (*ToolOutput, error)
	Validate(input map[string]any) error
}

// ToolRegistry manages the lifecycle and lookup of available tools.
type ToolRegistry interface {
	Register(tool Tool) error
	Get(name string) (Tool, error)
	List() []ToolInfo
}

// ToolSchema describes the input/output contract of a tool.
type ToolSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ToolInput is the data provided to a tool at execution time. Args arrive
// fully interpolated; Context carries workflow/task identity for tools
// that need it.
type ToolInput struct {
	Args    map[string]any `json:"args"`
	Context map[string]any `json:"context,omitempty"`
}

// ToolOutput is the result of a tool execution.
type ToolOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ToolInfo is a summary of a registered tool for listing.
type ToolInfo struct {
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	MinCapability schema.Capability `json:"min_capability,omitempty"`
}
