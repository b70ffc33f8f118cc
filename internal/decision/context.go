package decision

import (
	"encoding/json"

	"github.com/laminarhq/laminar/pkg/schema"
)

// Kind distinguishes why a workflow is waiting on a decision.
type Kind string

const (
	// KindApproval is an escalation round: one or more tasks asked to
	// re-run with a higher capability.
	KindApproval Kind = "approval"
	// KindPause is a deliberate pause point reached by design, not by
	// failure.
	KindPause Kind = "pause"
)

// Option is one resolution an external actor may pick.
type Option struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// Options offered per decision kind. An approval is resolved per task, so
// approve/reject may carry a task_ids subset; a pause is resolved for the
// whole workflow.
var (
	ApprovalOptions = []Option{
		{ID: "approve", Description: "re-run the escalated task(s) with the requested capability"},
		{ID: "reject", Description: "record the escalated task(s) as permanently failed"},
	}
	PauseOptions = []Option{
		{ID: "continue", Description: "resume execution at the next layer"},
		{ID: "abort", Description: "stop the workflow, keeping results obtained so far"},
		{ID: "replan", Description: "replace the remaining graph with a new plan for the intent"},
	}
)

// Context is the payload stored with a pending decision. It carries enough
// for an external actor to render the decision without loading the
// workflow: what escalated (if anything), what has settled so far, and the
// workflow's intent.
type Context struct {
	Kind        Kind                        `json:"kind"`
	Layer       int                         `json:"layer"`
	Intent      string                      `json:"workflow_intent,omitempty"`
	Escalations []*schema.EscalationRequest `json:"escalations,omitempty"`
	TaskOutputs map[string]any              `json:"task_outputs,omitempty"`
	Options     []Option                    `json:"options"`
}

// Params holds the inputs needed to build a decision Context.
type Params struct {
	Kind        Kind
	Layer       int
	Intent      string
	Escalations []*schema.EscalationRequest
	TaskOutputs map[string]any // task ID -> parsed output of settled tasks
}

// Build assembles the decision context payload.
func Build(p Params) json.RawMessage {
	dc := Context{
		Kind:        p.Kind,
		Layer:       p.Layer,
		Intent:      p.Intent,
		Escalations: p.Escalations,
		TaskOutputs: p.TaskOutputs,
	}
	switch p.Kind {
	case KindApproval:
		dc.Options = ApprovalOptions
	case KindPause:
		dc.Options = PauseOptions
	}
	data, err := json.Marshal(dc)
	if err != nil {
		// Fallback guaranteed to succeed: only uses literal keys.
		return json.RawMessage(`{"kind":"` + string(p.Kind) + `"}`)
	}
	return data
}
