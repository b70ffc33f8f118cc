package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/laminarhq/laminar/internal/expressions"
	"github.com/laminarhq/laminar/internal/secrets"
	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// Executor is the execution controller: it compiles a workflow's task graph
// into a layered plan and drives it layer by layer, draining the command
// mailbox at every layer boundary, resolving escalations after each join
// settles, and checkpointing the run so it can resume after a restart.
type Executor interface {
	// Run starts a new workflow from a persisted Workflow record and blocks
	// until the workflow reaches a terminal status. A suspended workflow
	// parks inside Run, waiting for commands; Run returns only on
	// completed, failed, or aborted.
	Run(ctx context.Context, wf *store.Workflow) (*ExecutionResult, error)

	// Resume re-enters the control loop from the most recent checkpoint.
	// Settled layers are never re-executed; escalation rounds that were
	// open at checkpoint time are reopened. Fails with NO_CHECKPOINT when
	// the workflow was never checkpointed.
	Resume(ctx context.Context, workflowID string) (*ExecutionResult, error)

	// Command is the sole write path into a running workflow. It validates
	// the command and enqueues it for the target's control loop. Commands
	// for unknown or terminal workflows are absorbed and reported as a
	// command_rejected event, never as an error to the producer.
	Command(ctx context.Context, cmd *schema.Command) error

	// Status returns a snapshot of a workflow's current state.
	Status(ctx context.Context, workflowID string) (*RunStatus, error)

	// ActiveRuns lists the workflow IDs with an in-process control loop.
	ActiveRuns() []string

	// Shutdown stops accepting work and waits for in-flight layers to
	// settle. Parked runs are released; their checkpoints allow resume.
	Shutdown()
}

// ExecutionResult is the terminal report of a run: the furthest layer
// reached, every task outcome obtained, and what ended the workflow.
type ExecutionResult struct {
	WorkflowID    string                     `json:"workflow_id"`
	Status        schema.WorkflowStatus      `json:"status"`
	FurthestLayer int                        `json:"furthest_layer"`
	LayerCount    int                        `json:"layer_count"`
	Outcomes      map[string]*schema.Outcome `json:"outcomes,omitempty"`
	Error         *schema.EngineError        `json:"error,omitempty"`
	AbortReason   string                     `json:"abort_reason,omitempty"`
	Replanned     bool                       `json:"replanned,omitempty"`
	StartedAt     time.Time                  `json:"started_at"`
	CompletedAt   *time.Time                 `json:"completed_at,omitempty"`
}

// RunStatus is a queryable snapshot of a workflow's state.
type RunStatus struct {
	WorkflowID       string                `json:"workflow_id"`
	Status           schema.WorkflowStatus `json:"status"`
	Tasks            []*store.TaskState    `json:"tasks,omitempty"`
	PendingDecisions []*store.Decision     `json:"pending_decisions,omitempty"`
	Events           []*store.Event        `json:"events,omitempty"`
}

// EventLogger abstracts the event log operations the executor needs.
// Satisfied by *store.EventLog and test mocks.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*store.Event, error)
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefaultCheckpointsKept bounds checkpoint history per workflow.
const DefaultCheckpointsKept = 20

// ExecutorConfig holds executor tuning knobs.
type ExecutorConfig struct {
	PoolSize        int           // max concurrent task goroutines across all workflows
	CheckpointsKept int           // snapshots retained per workflow; <= 0 keeps all
	TaskTimeout     time.Duration // default per-task timeout; 0 = none
}

// executorImpl is the concrete Executor.
type executorImpl struct {
	store       store.Store
	eventLog    EventLogger
	wfFSM       *WorkflowFSM
	taskFSM     *TaskFSM
	pool        *TaskPool
	join        *JoinCoordinator
	mediator    *EscalationMediator
	checkpoints *CheckpointManager
	mailbox     *Mailbox
	proposer    GraphProposer
	config      ExecutorConfig

	// mu guards running.
	mu      sync.Mutex
	running map[string]*workflowRun

	shutdown   chan struct{}
	shutdownMu sync.Once
}

// workflowRun tracks one in-flight control loop. It is owned exclusively by
// the goroutine inside Run or Resume; the only cross-boundary interactions
// are the mailbox and the store.
type workflowRun struct {
	workflowID string
	actorID    string
	intent     string
	grant      schema.Capability
	defaults   *schema.RunDefaults
	inputs     map[string]any

	plan  *Plan
	state *RunState
	scope *expressions.ScopeBuilder

	// layerRun is the most recent layer dispatch; the mediator reuses it
	// to re-invoke approved escalations.
	layerRun *LayerRun

	// skips pre-marks tasks whose dependencies did not succeed.
	skips map[string]string

	// pending holds drained commands not yet consumed. At most one
	// state-relevant command is processed per suspension point; the rest
	// wait here for the next boundary.
	pending []*schema.Command

	fatal       *schema.EngineError
	abortReason string
	aborted     bool

	// resumePause re-parks a run that was checkpointed at a deliberate
	// pause point before the process restarted.
	resumePause bool

	cancel context.CancelFunc
}

// NewExecutor creates an Executor. The vault is optional; without one,
// secrets interpolation is disabled.
func NewExecutor(s store.Store, el EventLogger, runner TaskRunner, proposer GraphProposer, cfg ExecutorConfig, vault ...secrets.Vault) Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.CheckpointsKept == 0 {
		cfg.CheckpointsKept = DefaultCheckpointsKept
	}

	var v secrets.Vault
	if len(vault) > 0 && vault[0] != nil {
		v = vault[0]
	}

	wfFSM := NewWorkflowFSM(el)
	taskFSM := NewTaskFSM(el)
	pool := NewTaskPool(cfg.PoolSize)

	// CEL engine for task guards; guard evaluation is skipped when the
	// engine cannot initialize.
	celEngine, _ := expressions.NewCELEngine()

	join := NewJoinCoordinator(JoinConfig{
		Pool:         pool,
		Runner:       runner,
		Interpolator: expressions.NewInterpolator(v),
		Guards:       celEngine,
		Tasks:        taskFSM,
		TaskTimeout:  cfg.TaskTimeout,
	})

	return &executorImpl{
		store:       s,
		eventLog:    el,
		wfFSM:       wfFSM,
		taskFSM:     taskFSM,
		pool:        pool,
		join:        join,
		mediator:    NewEscalationMediator(s, el, taskFSM, join),
		checkpoints: NewCheckpointManager(s, el, cfg.CheckpointsKept),
		mailbox:     NewMailbox(),
		proposer:    proposer,
		config:      cfg,
		running:     make(map[string]*workflowRun),
		shutdown:    make(chan struct{}),
	}
}

// Run starts a new workflow execution.
func (e *executorImpl) Run(ctx context.Context, wf *store.Workflow) (*ExecutionResult, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if err := e.acceptingWork(); err != nil {
		return nil, err
	}

	graph, err := schema.NewTaskGraph(uuid.New().String(), wf.ID, wf.Definition.Tasks)
	if err != nil {
		return nil, err
	}
	plan, err := CompilePlan(graph)
	if err != nil {
		return nil, err
	}

	if err := e.transitionStatus(ctx, wf.ID, wf.Status, schema.WorkflowStatusRunning, nil); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	running := schema.WorkflowStatusRunning
	if err := e.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update workflow status: %s", err.Error()).WithCause(err)
	}

	// Materialize every task as pending before the first layer dispatches.
	for _, id := range plan.Sorted {
		if err := e.store.UpsertTaskState(ctx, &store.TaskState{
			WorkflowID: wf.ID,
			TaskID:     id,
			State:      schema.OutcomePending,
		}); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "init task state %s: %s", id, err.Error()).WithCause(err)
		}
	}

	run := &workflowRun{
		workflowID: wf.ID,
		actorID:    wf.ActorID,
		intent:     wf.Definition.Intent,
		grant:      wf.Definition.GrantedCapability(),
		defaults:   wf.Definition.Defaults,
		inputs:     wf.Inputs,
		plan:       plan,
		state: &RunState{
			WorkflowID: wf.ID,
			Status:     schema.WorkflowStatusRunning,
			Graph:      graph,
			NextLayer:  0,
			Outcomes:   make(map[string]*schema.Outcome, graph.Len()),
			Inputs:     wf.Inputs,
			Intent:     wf.Definition.Intent,
			Defaults:   wf.Definition.Defaults,
		},
		scope: expressions.NewScopeBuilder(wf.Inputs, workflowScope(wf)),
		skips: make(map[string]string),
	}

	return e.drive(ctx, run, now)
}

// Resume continues an interrupted or suspended workflow from its latest
// checkpoint. The plan recompiles deterministically from the snapshotted
// graph, so layer membership matches the original run.
func (e *executorImpl) Resume(ctx context.Context, workflowID string) (*ExecutionResult, error) {
	if err := e.acceptingWork(); err != nil {
		return nil, err
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load workflow: %s", err.Error()).WithCause(err)
	}
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found: "+workflowID)
	}
	if wf.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "cannot resume workflow in status %s", wf.Status)
	}
	e.mu.Lock()
	_, live := e.running[workflowID]
	e.mu.Unlock()
	if live {
		return nil, schema.NewError(schema.ErrCodeConflict, "workflow is already running in this process")
	}

	state, err := e.checkpoints.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	// Stale pending decisions from before the restart are superseded by
	// the round the resumed loop reopens.
	if pending, derr := e.store.ListDecisions(ctx, store.DecisionFilter{
		WorkflowID: workflowID,
		Status:     store.DecisionStatusPending,
	}); derr == nil {
		for _, d := range pending {
			_ = e.store.CancelDecision(ctx, d.ID)
		}
	}

	// Replanned graphs may reference settled tasks that are no longer in
	// the graph; those dependencies are already satisfied.
	satisfied := make(map[string]bool, len(state.Outcomes))
	for id, o := range state.Outcomes {
		if state.Graph.Lookup(id) == nil && o.State.Settled() {
			satisfied[id] = true
		}
	}
	plan, err := CompilePlanWith(state.Graph, satisfied)
	if err != nil {
		return nil, err
	}

	run := &workflowRun{
		workflowID: workflowID,
		actorID:    wf.ActorID,
		intent:     state.Intent,
		grant:      wf.Definition.GrantedCapability(),
		defaults:   state.Defaults,
		inputs:     state.Inputs,
		plan:       plan,
		state:      state,
		scope:      expressions.NewScopeBuilder(state.Inputs, workflowScope(wf)),
		skips:      make(map[string]string),
	}

	run.resumePause = state.Status == schema.WorkflowStatusAwaitingDecision

	// Rebuild the interpolation scope, the skip set, and any fatal
	// failure from settled work.
	for id, o := range state.Outcomes {
		switch o.State {
		case schema.OutcomeSucceeded:
			_ = run.scope.AddTaskOutput(id, o.Result)
		case schema.OutcomeFailed:
			blocked := run.propagateSkips(id, o)
			if task := plan.Tasks[id]; task != nil {
				if (!task.IsSafeToFail() || blocked > 0) && run.fatal == nil {
					run.fatal = failureOf(o)
				}
			}
		case schema.OutcomeSkipped:
			run.propagateSkips(id, o)
		}
	}

	if wf.Status.Suspended() || wf.Status == schema.WorkflowStatusRunning {
		if err := e.transitionStatus(ctx, workflowID, wf.Status, schema.WorkflowStatusRunning, nil); err != nil {
			// running -> running is not a transition; the loop picks the
			// status up from the checkpoint instead.
			if wf.Status != schema.WorkflowStatusRunning {
				return nil, err
			}
		}
	}
	run.state.Status = schema.WorkflowStatusRunning

	startedAt := time.Now().UTC()
	if wf.StartedAt != nil {
		startedAt = *wf.StartedAt
	}
	return e.drive(ctx, run, startedAt)
}

// drive registers the run, executes the control loop, and unregisters.
func (e *executorImpl) drive(ctx context.Context, run *workflowRun, startedAt time.Time) (*ExecutionResult, error) {
	execCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel
	defer cancel()

	e.mu.Lock()
	e.running[run.workflowID] = run
	e.mu.Unlock()

	result := e.runLoop(execCtx, run)
	result.StartedAt = startedAt

	e.mu.Lock()
	delete(e.running, run.workflowID)
	e.mu.Unlock()

	// Reject anything still queued for a workflow that just terminated.
	if result.Status.Terminal() {
		for _, cmd := range e.mailbox.Forget(run.workflowID) {
			e.rejectCommand(ctx, cmd, "workflow is "+string(result.Status))
		}
		for _, cmd := range run.pending {
			e.rejectCommand(ctx, cmd, "workflow is "+string(result.Status))
		}
	}

	e.persistResult(ctx, result)
	return result, nil
}

// Command validates and routes an external command.
func (e *executorImpl) Command(ctx context.Context, cmd *schema.Command) error {
	if cmd == nil {
		return schema.NewError(schema.ErrCodeValidation, "command is nil")
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}

	wf, err := e.store.GetWorkflow(ctx, cmd.WorkflowID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "load workflow: %s", err.Error()).WithCause(err)
	}
	if wf == nil {
		e.rejectCommand(ctx, cmd, "unknown workflow")
		return nil
	}
	if wf.Status.Terminal() {
		e.rejectCommand(ctx, cmd, "workflow is "+string(wf.Status))
		return nil
	}

	e.mailbox.Enqueue(cmd)

	// The control loop may have finalized between the status read and the
	// enqueue; its terminal cleanup has then already forgotten the queue and
	// nothing will ever drain this command. The loop persists the terminal
	// status before that cleanup, so a re-read catches the interleaving.
	wf, err = e.store.GetWorkflow(ctx, cmd.WorkflowID)
	if err == nil && wf != nil && wf.Status.Terminal() {
		for _, stale := range e.mailbox.Forget(cmd.WorkflowID) {
			e.rejectCommand(ctx, stale, "workflow is "+string(wf.Status))
		}
	}
	return nil
}

// Status returns the current workflow snapshot.
func (e *executorImpl) Status(ctx context.Context, workflowID string) (*RunStatus, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load workflow: %s", err.Error()).WithCause(err)
	}
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found: "+workflowID)
	}

	tasks, err := e.store.ListTaskStates(ctx, workflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list task states: %s", err.Error()).WithCause(err)
	}
	decisions, err := e.store.ListDecisions(ctx, store.DecisionFilter{
		WorkflowID: workflowID,
		Status:     store.DecisionStatusPending,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list decisions: %s", err.Error()).WithCause(err)
	}
	events, err := e.eventLog.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events: %s", err.Error()).WithCause(err)
	}

	return &RunStatus{
		WorkflowID:       workflowID,
		Status:           wf.Status,
		Tasks:            tasks,
		PendingDecisions: decisions,
		Events:           events,
	}, nil
}

// ActiveRuns lists in-process control loops.
func (e *executorImpl) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.running))
	for id := range e.running {
		out = append(out, id)
	}
	return out
}

// Shutdown stops new work and releases parked control loops.
func (e *executorImpl) Shutdown() {
	e.shutdownMu.Do(func() {
		close(e.shutdown)
		e.mu.Lock()
		for _, run := range e.running {
			if run.cancel != nil {
				run.cancel()
			}
		}
		e.mu.Unlock()
		e.pool.Shutdown()
	})
}

func (e *executorImpl) acceptingWork() error {
	select {
	case <-e.shutdown:
		return schema.NewError(schema.ErrCodeConflict, "executor is shut down")
	default:
		return nil
	}
}

// transitionStatus runs the FSM transition (which emits the lifecycle
// event) and persists the new status.
func (e *executorImpl) transitionStatus(ctx context.Context, workflowID string, from, to schema.WorkflowStatus, payload json.RawMessage) error {
	var args []json.RawMessage
	if payload != nil {
		args = append(args, payload)
	}
	if err := e.wfFSM.Transition(ctx, workflowID, from, to, args...); err != nil {
		return err
	}
	status := to
	if err := e.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{Status: &status}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist status %s: %s", to, err.Error()).WithCause(err)
	}
	return nil
}

// rejectCommand reports a command that cannot be delivered. An event, not
// an error: the producer already let go of the command.
func (e *executorImpl) rejectCommand(ctx context.Context, cmd *schema.Command, reason string) {
	payload, _ := json.Marshal(map[string]any{
		"command_id":   cmd.ID,
		"command_type": string(cmd.Type),
		"issued_by":    cmd.IssuedBy,
		"reason":       reason,
	})
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		WorkflowID: cmd.WorkflowID,
		Type:       schema.EventCommandRejected,
		Payload:    payload,
		ActorID:    cmd.IssuedBy,
	})
}

// persistResult writes the terminal report onto the workflow row.
func (e *executorImpl) persistResult(ctx context.Context, result *ExecutionResult) {
	if !result.Status.Terminal() {
		return
	}
	update := store.WorkflowUpdate{CompletedAt: result.CompletedAt}
	if out, err := json.Marshal(result); err == nil {
		update.Output = out
	}
	if result.Error != nil {
		if errBlob, err := json.Marshal(result.Error); err == nil {
			update.Error = errBlob
		}
	}
	_ = e.store.UpdateWorkflow(ctx, result.WorkflowID, update)
}

// workflowScope builds the workflow namespace for interpolation.
func workflowScope(wf *store.Workflow) map[string]any {
	return map[string]any{
		"id":     wf.ID,
		"name":   wf.Name,
		"intent": wf.Definition.Intent,
	}
}
