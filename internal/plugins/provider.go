package plugins

import (
	"context"

	"github.com/laminarhq/laminar/internal/runner"
)

// PluginProvider is an external tool source (e.g. an MCP server). When
// started, it discovers its tools so they can be registered as a plugin
// tool group in the runner registry.
type PluginProvider interface {
	Name() string
	Tools() []runner.Tool
	HealthCheck(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
