package schema

// Event type constants for the append-only execution log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowResumed   = "workflow_resumed"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowAborted   = "workflow_aborted"

	EventLayerStarted = "layer_started"

	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskSkipped   = "task_skipped"
	EventTaskRetrying  = "task_retrying"
	EventTaskEscalated = "task_escalated"

	EventDecisionRequired = "decision_required"
	EventDecisionResolved = "decision_resolved"

	EventCheckpointSaved = "checkpoint_saved"
	EventReplanApplied   = "replan_applied"
	EventCommandRejected = "command_rejected"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusCreated          WorkflowStatus = "created"
	WorkflowStatusRunning          WorkflowStatus = "running"
	WorkflowStatusAwaitingDecision WorkflowStatus = "awaiting_decision"
	WorkflowStatusAwaitingApproval WorkflowStatus = "awaiting_approval"
	WorkflowStatusCompleted        WorkflowStatus = "completed"
	WorkflowStatusFailed           WorkflowStatus = "failed"
	WorkflowStatusAborted          WorkflowStatus = "aborted"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusAborted:
		return true
	}
	return false
}

// Suspended reports whether the workflow is parked on an external decision.
func (s WorkflowStatus) Suspended() bool {
	return s == WorkflowStatusAwaitingDecision || s == WorkflowStatusAwaitingApproval
}
