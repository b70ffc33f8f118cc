package schema

import "time"

// CommandType enumerates the externally issued instructions a workflow
// accepts while in flight.
type CommandType string

const (
	CommandContinue CommandType = "continue"
	CommandAbort    CommandType = "abort"
	CommandReplan   CommandType = "replan"
	CommandApproval CommandType = "approval_response"
)

// KnownCommandType reports whether t is a recognized command type.
func KnownCommandType(t CommandType) bool {
	switch t {
	case CommandContinue, CommandAbort, CommandReplan, CommandApproval:
		return true
	}
	return false
}

// Command is an externally issued instruction targeting one workflow.
// Commands are consumed at most once and never mutated. A command for an
// unknown or terminal workflow is reported as a command_rejected event,
// never as an error to the producer.
type Command struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	Type       CommandType       `json:"type"`
	Reason     string            `json:"reason,omitempty"` // abort reason
	Intent     string            `json:"intent,omitempty"` // replan intent for the remaining work
	Approval   *ApprovalResponse `json:"approval,omitempty"`
	IssuedBy   string            `json:"issued_by,omitempty"` // actor id
	IssuedAt   time.Time         `json:"issued_at,omitzero"`
}

// ApprovalResponse resolves one round of pending escalations. An empty
// TaskIDs list applies the verdict to every escalation in the round.
type ApprovalResponse struct {
	Approved bool     `json:"approved"`
	TaskIDs  []string `json:"task_ids,omitempty"`
	Feedback string   `json:"feedback,omitempty"`
}

// AppliesTo reports whether the response covers the given task.
func (a *ApprovalResponse) AppliesTo(taskID string) bool {
	if len(a.TaskIDs) == 0 {
		return true
	}
	for _, id := range a.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// Validate checks structural requirements for the command type.
func (c *Command) Validate() error {
	if c.WorkflowID == "" {
		return NewError(ErrCodeValidation, "command requires a workflow id")
	}
	if !KnownCommandType(c.Type) {
		return NewErrorf(ErrCodeValidation, "unknown command type %q", c.Type)
	}
	if c.Type == CommandApproval && c.Approval == nil {
		return NewError(ErrCodeValidation, "approval_response command requires an approval payload")
	}
	if c.Type == CommandReplan && c.Intent == "" {
		return NewError(ErrCodeValidation, "replan command requires an intent")
	}
	return nil
}
