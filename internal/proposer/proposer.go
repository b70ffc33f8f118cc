// Package proposer provides GraphProposer implementations for replans. A
// replan command carries the remaining intent as free text; the proposer
// turns it into a task graph that replaces the unexecuted remainder of the
// workflow.
package proposer

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/laminarhq/laminar/internal/engine"
	"github.com/laminarhq/laminar/internal/toolgraph"
	"github.com/laminarhq/laminar/pkg/schema"
)

// StaticProposer always proposes the same authored task specs. Useful for
// tests and for deployments where replans follow a fixed recovery plan.
type StaticProposer struct {
	Specs []schema.TaskSpec
}

var _ engine.GraphProposer = (*StaticProposer)(nil)

// Propose builds a graph from the configured specs.
func (p *StaticProposer) Propose(_ context.Context, req *engine.ProposeRequest) (*schema.TaskGraph, error) {
	if len(p.Specs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "proposer: no task specs configured")
	}
	return schema.NewTaskGraph(uuid.New().String(), req.WorkflowID, p.Specs)
}

// ToolGraphProposer discovers tools and procedures in the capability graph
// whose tags match the remaining intent and proposes them as a new graph.
// Matching is deliberately simple: the intent is tokenized and compared
// against tool tags and procedure names. Proposed tasks carry no
// dependencies; layer scheduling runs them in parallel and a settled
// outcome from before the replan stays referenceable from their args.
type ToolGraphProposer struct {
	Capabilities *toolgraph.CapabilityGraph
	Logger       *slog.Logger

	// MaxTasks caps the proposal size. Zero means DefaultMaxTasks.
	MaxTasks int
}

var _ engine.GraphProposer = (*ToolGraphProposer)(nil)

// DefaultMaxTasks bounds how many tasks a single replan may propose.
const DefaultMaxTasks = 8

// Propose matches the intent against the capability graph.
func (p *ToolGraphProposer) Propose(_ context.Context, req *engine.ProposeRequest) (*schema.TaskGraph, error) {
	if p.Capabilities == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "proposer: capability graph not configured")
	}
	tokens := tokenize(req.Intent)
	if len(tokens) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "proposer: replan intent is empty")
	}

	maxTasks := p.MaxTasks
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}

	taken := make(map[string]bool, len(req.Settled))
	for id := range req.Settled {
		taken[id] = true
	}

	var specs []schema.TaskSpec

	// Procedure names match whole tokens; a matched procedure subsumes the
	// tools its steps use.
	matchedTools := make(map[string]bool)
	for _, name := range p.Capabilities.Procedures() {
		if !tokens[strings.ToLower(name)] {
			continue
		}
		specs = append(specs, schema.TaskSpec{
			ID:   uniqueID(taken, "proc-"+sanitizeID(name)),
			Kind: schema.TaskKindProcedure,
			Uses: name,
		})
		matchedTools[name] = true
	}

	for _, rec := range p.matchTools(tokens) {
		if matchedTools[rec.Name] {
			continue
		}
		matchedTools[rec.Name] = true
		spec := schema.TaskSpec{
			ID:   uniqueID(taken, sanitizeID(rec.Name)),
			Kind: schema.TaskKindToolCall,
			Uses: rec.Name,
		}
		if rec.MinCapability.Rank() > schema.CapabilityReadOnly.Rank() {
			spec.Capability = rec.MinCapability
		}
		specs = append(specs, spec)
	}

	if len(specs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"proposer: no tools or procedures match intent %q", req.Intent)
	}
	if len(specs) > maxTasks {
		specs = specs[:maxTasks]
	}

	if p.Logger != nil {
		p.Logger.Info("proposed replan graph",
			"workflow_id", req.WorkflowID, "tasks", len(specs))
	}
	return schema.NewTaskGraph(uuid.New().String(), req.WorkflowID, specs)
}

// matchTools returns tools with at least one tag in the token set, sorted
// by name for determinism.
func (p *ToolGraphProposer) matchTools(tokens map[string]bool) []toolgraph.ToolRecord {
	seen := make(map[string]toolgraph.ToolRecord)
	for token := range tokens {
		for _, rec := range p.Capabilities.ToolsByTag(token) {
			seen[rec.Name] = rec
		}
	}
	out := make([]toolgraph.ToolRecord, 0, len(seen))
	for _, rec := range seen {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func tokenize(intent string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(intent), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '-' && r != '_' && r != '.'
	}) {
		tokens[field] = true
	}
	return tokens
}

// sanitizeID turns a tool or procedure name into a task ID fragment.
func sanitizeID(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case 'a' <= r && r <= 'z', '0' <= r && r <= '9', r == '-', r == '_':
			return r
		case 'A' <= r && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, name)
}

// uniqueID avoids collisions with settled task IDs kept across the replan.
func uniqueID(taken map[string]bool, base string) string {
	id := base
	for i := 2; taken[id]; i++ {
		id = base + "-" + strconv.Itoa(i)
	}
	taken[id] = true
	return id
}
