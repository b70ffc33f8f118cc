package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/laminarhq/laminar/pkg/schema"
)

// Registry is the concrete thread-safe ToolRegistry implementation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry. Returns error on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for _, tool := range r.tools {
		s := tool.Schema()
		infos = append(infos, ToolInfo{
			Name:          tool.Name(),
			Description:   s.Description,
			MinCapability: tool.MinCapability(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterPlugin bulk-registers tools under a prefixed namespace.
// Each tool name becomes "prefix.originalName" (e.g. "github.create_issue").
func (r *Registry) RegisterPlugin(prefix string, tools []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, tool := range tools {
		prefixed := fmt.Sprintf("%s.%s", prefix, tool.Name())
		if _, exists := r.tools[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "plugin tool %q already registered", prefixed)
		}
		r.tools[prefixed] = &prefixedTool{inner: tool, name: prefixed}
		registered++
	}
	return registered, nil
}

// UnregisterPlugin removes every tool registered under the prefix. Returns
// the number removed.
func (r *Registry) UnregisterPlugin(prefix string) int {
	if prefix == "" {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	dot := prefix + "."
	for name := range r.tools {
		if len(name) > len(dot) && name[:len(dot)] == dot {
			delete(r.tools, name)
			removed++
		}
	}
	return removed
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// prefixedTool wraps a plugin tool with a prefixed name.
type prefixedTool struct {
	inner Tool
	name  string
}

func (p *prefixedTool) Name() string                    { return p.name }
func (p *prefixedTool) Schema() ToolSchema              { return p.inner.Schema() }
func (p *prefixedTool) MinCapability() schema.Capability { return p.inner.MinCapability() }
func (p *prefixedTool) Validate(input map[string]any) error { return p.inner.Validate(input) }

func (p *prefixedTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	return p.inner.Execute(ctx, input)
}
