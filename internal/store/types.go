package store

import (
	"encoding/json"
	"time"

	"github.com/laminarhq/laminar/pkg/schema"
)

// Workflow is the persisted representation of a workflow run.
type Workflow struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	Status      schema.WorkflowStatus     `json:"status"`
	Intent      string                    `json:"intent,omitempty"`
	ActorID     string                    `json:"actor_id,omitempty"`
	ParentID    string                    `json:"parent_workflow_id,omitempty"`
	Inputs      map[string]any            `json:"inputs,omitempty"`
	Output      json.RawMessage           `json:"output,omitempty"`
	Error       json.RawMessage           `json:"error,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Event is an immutable entry in the append-only execution log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	TaskID     string          `json:"task_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// TaskState is the materialized view of a task's most recent outcome.
type TaskState struct {
	WorkflowID string              `json:"workflow_id"`
	TaskID     string              `json:"task_id"`
	State      schema.OutcomeState `json:"state"`
	Result     json.RawMessage     `json:"result,omitempty"`
	Error      json.RawMessage     `json:"error,omitempty"`
	SkipReason string              `json:"skip_reason,omitempty"`
	Attempts   int                 `json:"attempts"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	EndedAt    *time.Time          `json:"ended_at,omitempty"`
	DurationMs int64               `json:"duration_ms,omitempty"`
}

// Checkpoint is a durable snapshot of a run taken after a layer settles.
// State carries the serialized engine run state; LayerIndex is the next
// layer to execute when the run is resumed from this checkpoint.
type Checkpoint struct {
	ID         int64                 `json:"id"`
	WorkflowID string                `json:"workflow_id"`
	LayerIndex int                   `json:"layer_index"`
	Status     schema.WorkflowStatus `json:"status"`
	State      json.RawMessage       `json:"state"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Decision is the externalized view of a run waiting on a human or
// supervising agent: either an approval round for escalated tasks or a
// deliberate pause point. It never expires on its own; the run stays
// suspended until a command resolves it.
type Decision struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Kind        string          `json:"kind"` // approval, pause
	Context     json.RawMessage `json:"context,omitempty"`
	Escalations json.RawMessage `json:"escalations,omitempty"`
	Status      string          `json:"status"` // pending, resolved, cancelled
	Resolution  json.RawMessage `json:"resolution,omitempty"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decision kinds.
const (
	DecisionKindApproval = "approval"
	DecisionKindPause    = "pause"
)

// Decision statuses.
const (
	DecisionStatusPending   = "pending"
	DecisionStatusResolved  = "resolved"
	DecisionStatusCancelled = "cancelled"
)

// Actor is a registered identity allowed to submit workflows and issue
// commands: a human operator, a supervising agent, or a service.
type Actor struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"` // human, agent, service, system
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	LastSeenAt *time.Time      `json:"last_seen_at,omitempty"`
}

// Plugin represents a registered external tool provider.
type Plugin struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            string          `json:"type"` // mcp
	Config          json.RawMessage `json:"config"`
	Status          string          `json:"status"` // active, inactive, error
	LastHealthCheck *time.Time      `json:"last_health_check,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Secret is an encrypted key-value entry.
type Secret struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"` // encrypted, never serialized
	CreatedAt time.Time `json:"created_at"`
}

// ScheduledJob is a cron-triggered workflow submission. The job carries
// its own definition; schedules survive restarts and fire independently
// of any prior run of the same workflow.
type ScheduledJob struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	CronExpression string          `json:"cron_expression"`
	Definition     json.RawMessage `json:"definition"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	ActorID        string          `json:"actor_id"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditEntry is an immutable record of an actor-initiated operation.
type AuditEntry struct {
	ID           int64           `json:"id"`
	ActorID      string          `json:"actor_id"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status  *schema.WorkflowStatus `json:"status,omitempty"`
	ActorID string                 `json:"actor_id,omitempty"`
	Since   *time.Time             `json:"since,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
	Offset  int                    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	WorkflowID string     `json:"workflow_id,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	EventType  string     `json:"event_type,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// DecisionFilter specifies criteria for listing decisions.
type DecisionFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Status     string `json:"status,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// AuditFilter specifies criteria for listing audit entries.
type AuditFilter struct {
	ActorID string `json:"actor_id,omitempty"`
	Action  string `json:"action,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
