package engine

import (
	"context"
	"encoding/json"

	"github.com/laminarhq/laminar/pkg/schema"
)

// TaskRunner executes one task under a capability grant. Implementations
// route by task kind: tool calls, sandboxed code, learned procedures.
//
// Run never returns a task-level failure as a Go error: a failing task is a
// failed Outcome, and a task that needs more permission than its grant is an
// escalated Outcome. The returned outcome is never nil. Args arrive already
// interpolated; the runner sees concrete values, not references.
type TaskRunner interface {
	Run(ctx context.Context, task *schema.Task, grant schema.Capability, args json.RawMessage) *schema.Outcome
}

// RunnerFunc adapts a function to the TaskRunner interface.
type RunnerFunc func(ctx context.Context, task *schema.Task, grant schema.Capability, args json.RawMessage) *schema.Outcome

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, task *schema.Task, grant schema.Capability, args json.RawMessage) *schema.Outcome {
	return f(ctx, task, grant, args)
}

// ProposeRequest carries what a proposer may use when building a graph for
// the remaining intent of a running workflow.
type ProposeRequest struct {
	WorkflowID string
	Intent     string                     // remaining intent, from the replan command
	Inputs     json.RawMessage            // original workflow inputs
	Settled    map[string]*schema.Outcome // outcomes preserved across the replan
}

// GraphProposer builds a task graph for a replan. The returned graph replaces
// the not-yet-executed remainder of the workflow; settled outcomes are kept
// and stay referenceable from the new graph's task args.
type GraphProposer interface {
	Propose(ctx context.Context, req *ProposeRequest) (*schema.TaskGraph, error)
}
