package toolgraph

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/laminarhq/laminar/internal/runner"
	"github.com/laminarhq/laminar/pkg/schema"
)

// Node labels and edge types used by the capability layer.
const (
	LabelTool      = "tool"
	LabelProcedure = "procedure"
	LabelStep      = "step"

	EdgeHasStep  = "has_step"
	EdgeUsesTool = "uses_tool"
)

// ToolRecord describes a tool known to the capability graph. Tags become
// extra node labels, which is what the graph proposer matches intents
// against.
type ToolRecord struct {
	Name          string
	Description   string
	MinCapability schema.Capability
	Tags          []string
}

// CapabilityGraph is the domain view over the property graph: tools,
// learned procedures and their step chains. It implements runner.StepSource.
type CapabilityGraph struct {
	g *Graph
}

var _ runner.StepSource = (*CapabilityGraph)(nil)

// NewCapabilityGraph wraps an existing graph.
func NewCapabilityGraph(g *Graph) *CapabilityGraph {
	return &CapabilityGraph{g: g}
}

// Graph exposes the underlying property graph.
func (c *CapabilityGraph) Graph() *Graph { return c.g }

// RegisterTool records a tool node. Registering the same name again is
// idempotent and returns the existing node.
func (c *CapabilityGraph) RegisterTool(rec ToolRecord) (NodeID, error) {
	if rec.Name == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "capability graph: tool name is required")
	}
	if id, ok := c.findByName(LabelTool, rec.Name); ok {
		return id, nil
	}
	labels := append([]string{LabelTool}, rec.Tags...)
	return c.g.AddNode(labels, map[string]any{
		"name":        rec.Name,
		"description": rec.Description,
		"capability":  string(rec.MinCapability),
	})
}

// FindTool looks a tool up by name.
func (c *CapabilityGraph) FindTool(name string) (ToolRecord, bool) {
	for _, n := range c.g.NodesByLabel(LabelTool) {
		if stringProp(n, "name") == name {
			return toolRecordFromNode(n), true
		}
	}
	return ToolRecord{}, false
}

// Tools returns all registered tools sorted by name.
func (c *CapabilityGraph) Tools() []ToolRecord {
	nodes := c.g.NodesByLabel(LabelTool)
	out := make([]ToolRecord, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toolRecordFromNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolsByTag returns tools carrying the tag, sorted by name. Unknown tags
// return an empty slice.
func (c *CapabilityGraph) ToolsByTag(tag string) []ToolRecord {
	var out []ToolRecord
	for _, n := range c.g.NodesByLabel(tag) {
		if hasLabel(n, LabelTool) {
			out = append(out, toolRecordFromNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecordProcedure records a learned procedure as a procedure node with an
// ordered has_step chain. Each step that names a registered tool also gets
// a uses_tool edge, which keeps tool usage discoverable from either side.
func (c *CapabilityGraph) RecordProcedure(name string, steps []runner.ProcedureStep) (NodeID, error) {
	if name == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "capability graph: procedure name is required")
	}
	if len(steps) == 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "capability graph: procedure %q has no steps", name)
	}
	if _, ok := c.findByName(LabelProcedure, name); ok {
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "capability graph: procedure %q already recorded", name)
	}
	for i, step := range steps {
		if step.Tool == "" {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "capability graph: procedure %q step %d has no tool", name, i)
		}
	}

	procID, err := c.g.AddNode([]string{LabelProcedure}, map[string]any{"name": name})
	if err != nil {
		return 0, err
	}

	for i, step := range steps {
		props := map[string]any{
			"name": step.Name,
			"tool": step.Tool,
		}
		if len(step.Args) > 0 {
			props["args"] = string(step.Args)
		}
		stepID, err := c.g.AddNode([]string{LabelStep}, props)
		if err != nil {
			return 0, err
		}
		if _, err := c.g.AddEdge(procID, stepID, EdgeHasStep, map[string]any{"order": i}); err != nil {
			return 0, err
		}
		if toolID, ok := c.findByName(LabelTool, step.Tool); ok {
			if _, err := c.g.AddEdge(stepID, toolID, EdgeUsesTool, nil); err != nil {
				return 0, err
			}
		}
	}
	return procID, nil
}

// Has reports whether the named procedure is recorded. Part of
// runner.StepSource.
func (c *CapabilityGraph) Has(procedure string) bool {
	_, ok := c.findByName(LabelProcedure, procedure)
	return ok
}

// Steps returns the recorded step chain for a procedure, in order. Part of
// runner.StepSource. Unknown procedures return an empty slice; the runner
// turns that into a not-found failure.
func (c *CapabilityGraph) Steps(_ context.Context, procedure string) ([]runner.ProcedureStep, error) {
	procID, ok := c.findByName(LabelProcedure, procedure)
	if !ok {
		return nil, nil
	}

	neighbors := c.g.Neighbors(procID, EdgeHasStep)
	sort.Slice(neighbors, func(i, j int) bool {
		return intProp(neighbors[i].Edge, "order") < intProp(neighbors[j].Edge, "order")
	})

	steps := make([]runner.ProcedureStep, 0, len(neighbors))
	for _, nb := range neighbors {
		step := runner.ProcedureStep{
			Name: stringProp(nb.Node, "name"),
			Tool: stringProp(nb.Node, "tool"),
		}
		if raw := stringProp(nb.Node, "args"); raw != "" {
			step.Args = json.RawMessage(raw)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Procedures returns all recorded procedure names, sorted.
func (c *CapabilityGraph) Procedures() []string {
	nodes := c.g.NodesByLabel(LabelProcedure)
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, stringProp(n, "name"))
	}
	sort.Strings(names)
	return names
}

func (c *CapabilityGraph) findByName(label, name string) (NodeID, bool) {
	for _, n := range c.g.NodesByLabel(label) {
		if stringProp(n, "name") == name {
			return n.ID, true
		}
	}
	return 0, false
}

func toolRecordFromNode(n *Node) ToolRecord {
	rec := ToolRecord{
		Name:          stringProp(n, "name"),
		Description:   stringProp(n, "description"),
		MinCapability: schema.Capability(stringProp(n, "capability")),
	}
	for _, label := range n.Labels {
		if label != LabelTool {
			rec.Tags = append(rec.Tags, label)
		}
	}
	return rec
}

func hasLabel(n *Node, label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func stringProp(item interface{ prop(string) any }, key string) string {
	if s, ok := item.prop(key).(string); ok {
		return s
	}
	return ""
}

// intProp tolerates float64 values: properties round-trip through JSON.
func intProp(item interface{ prop(string) any }, key string) int {
	switch v := item.prop(key).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (n *Node) prop(key string) any { return n.Properties[key] }
func (e *Edge) prop(key string) any { return e.Properties[key] }
