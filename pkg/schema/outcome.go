package schema

import (
	"encoding/json"
	"time"
)

// OutcomeState is the settlement state of a single task.
type OutcomeState string

const (
	OutcomePending   OutcomeState = "pending"
	OutcomeRunning   OutcomeState = "running"
	OutcomeSucceeded OutcomeState = "succeeded"
	OutcomeFailed    OutcomeState = "failed"
	OutcomeEscalated OutcomeState = "escalated"
	OutcomeSkipped   OutcomeState = "skipped"
)

// Settled reports whether the state is final for the task.
func (s OutcomeState) Settled() bool {
	switch s {
	case OutcomeSucceeded, OutcomeFailed, OutcomeEscalated, OutcomeSkipped:
		return true
	}
	return false
}

// Outcome is the tagged per-task result record produced by a layer join.
// Exactly one of Result, Error, or Escalation is meaningful, selected by
// State. Escalated outcomes are inspected only after the whole layer has
// settled; a task never blocks inside the join waiting for an approval.
type Outcome struct {
	TaskID     string             `json:"task_id"`
	State      OutcomeState       `json:"state"`
	Result     json.RawMessage    `json:"result,omitempty"`
	Error      *EngineError       `json:"error,omitempty"`
	Escalation *EscalationRequest `json:"escalation,omitempty"`
	SkipReason string             `json:"skip_reason,omitempty"`
	Attempts   int                `json:"attempts,omitempty"`
	StartedAt  time.Time          `json:"started_at,omitzero"`
	EndedAt    time.Time          `json:"ended_at,omitzero"`
}

// EscalationRequest describes a task's request to re-run with a higher
// capability, surfaced as a distinguished outcome instead of an error.
type EscalationRequest struct {
	TaskID    string     `json:"task_id"`
	Granted   Capability `json:"granted"`
	Requested Capability `json:"requested"`
	Operation string     `json:"operation"`         // the detected operation that needed more than Granted
	Failure   string     `json:"failure,omitempty"` // original denial, for the decision context
}

// Succeeded builds a success outcome.
func Succeeded(taskID string, result json.RawMessage) *Outcome {
	return &Outcome{TaskID: taskID, State: OutcomeSucceeded, Result: result}
}

// Failed builds a failure outcome.
func Failed(taskID string, err *EngineError) *Outcome {
	return &Outcome{TaskID: taskID, State: OutcomeFailed, Error: err}
}

// Escalated builds an escalation outcome.
func Escalated(taskID string, req *EscalationRequest) *Outcome {
	return &Outcome{TaskID: taskID, State: OutcomeEscalated, Escalation: req}
}

// Skipped builds a skipped outcome with a reason.
func Skipped(taskID, reason string) *Outcome {
	return &Outcome{TaskID: taskID, State: OutcomeSkipped, SkipReason: reason}
}
