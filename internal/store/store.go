package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Execution log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Task state (materialized view)
	UpsertTaskState(ctx context.Context, state *TaskState) error
	GetTaskState(ctx context.Context, workflowID, taskID string) (*TaskState, error)
	ListTaskStates(ctx context.Context, workflowID string) ([]*TaskState, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error)
	PruneCheckpoints(ctx context.Context, workflowID string, keep int) error

	// Decisions
	CreateDecision(ctx context.Context, dec *Decision) error
	ResolveDecision(ctx context.Context, id string, resolution []byte, resolvedBy string) error
	CancelDecision(ctx context.Context, id string) error
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]*Decision, error)

	// Actors
	RegisterActor(ctx context.Context, actor *Actor) error
	GetActor(ctx context.Context, id string) (*Actor, error)
	UpdateActorSeen(ctx context.Context, id string) error
	ListActors(ctx context.Context) ([]*Actor, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Plugins
	CreatePlugin(ctx context.Context, plugin *Plugin) error
	GetPlugin(ctx context.Context, id string) (*Plugin, error)
	UpdatePlugin(ctx context.Context, id string, status string, errMsg string) error
	ListPlugins(ctx context.Context) ([]*Plugin, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Audit
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
