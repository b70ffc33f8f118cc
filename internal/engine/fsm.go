package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Workflow FSM ---

type workflowHookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowFSM manages workflow lifecycle state transitions.
type WorkflowFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[workflowHookKey][]TransitionHook
	after    map[workflowHookKey][]TransitionHook
}

// NewWorkflowFSM creates a new WorkflowFSM that emits events via the given appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{
		appender: appender,
		before:   make(map[workflowHookKey][]TransitionHook),
		after:    make(map[workflowHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a workflow transition.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a workflow transition.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a workflow state transition, emitting
// the corresponding lifecycle event. The optional payload is attached to
// that event. The caller is responsible for persisting the new status.
// Transitions into the suspended statuses emit no event here; the
// decision_required event carries the full decision context and is emitted
// by the controller that parks the run.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus, payload ...json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	key := workflowHookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	// Emit the corresponding event.
	eventType := workflowEventType(from, to)
	if eventType != "" {
		event := &store.Event{
			WorkflowID: workflowID,
			Type:       eventType,
		}
		if len(payload) > 0 {
			event.Payload = payload[0]
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit workflow event: %s", err.Error()).WithCause(err)
		}
	}

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidWorkflowTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func workflowEventType(from, to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		if from == schema.WorkflowStatusCreated {
			return schema.EventWorkflowStarted
		}
		return schema.EventWorkflowResumed
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusAborted:
		return schema.EventWorkflowAborted
	default:
		return ""
	}
}

// --- Task FSM ---

type taskHookKey struct {
	from, to schema.OutcomeState
}

// TaskFSM manages task lifecycle state transitions.
type TaskFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[taskHookKey][]TransitionHook
	after    map[taskHookKey][]TransitionHook
}

// NewTaskFSM creates a new TaskFSM that emits events via the given appender.
func NewTaskFSM(appender EventAppender) *TaskFSM {
	return &TaskFSM{
		appender: appender,
		before:   make(map[taskHookKey][]TransitionHook),
		after:    make(map[taskHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a task transition.
func (f *TaskFSM) OnBefore(from, to schema.OutcomeState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a task transition.
func (f *TaskFSM) OnAfter(from, to schema.OutcomeState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a task state transition, emitting the
// corresponding event with the optional payload attached.
func (f *TaskFSM) Transition(ctx context.Context, workflowID, taskID string, from, to schema.OutcomeState, payload ...json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithTask(taskID).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	key := taskHookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	// Emit the corresponding event.
	eventType := taskEventType(to)
	if eventType != "" {
		event := &store.Event{
			WorkflowID: workflowID,
			TaskID:     taskID,
			Type:       eventType,
		}
		if len(payload) > 0 {
			event.Payload = payload[0]
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit task event: %s", err.Error()).
				WithTask(taskID).WithCause(err)
		}
	}

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidTaskTransition(from, to schema.OutcomeState) bool {
	allowed, ok := ValidTaskTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func taskEventType(to schema.OutcomeState) string {
	switch to {
	case schema.OutcomeRunning:
		return schema.EventTaskStarted
	case schema.OutcomeSucceeded:
		return schema.EventTaskCompleted
	case schema.OutcomeFailed:
		return schema.EventTaskFailed
	case schema.OutcomeSkipped:
		return schema.EventTaskSkipped
	case schema.OutcomeEscalated:
		return schema.EventTaskEscalated
	default:
		return ""
	}
}

// --- Abort Cascade ---

// AbortRun transitions a workflow to aborted and skips every task that has
// not settled. Abort is cooperative: the controller calls this only at a
// layer boundary, so no task is mid-dispatch when the cascade runs. Tasks
// that already settled keep their outcome.
func AbortRun(ctx context.Context, wfFSM *WorkflowFSM, taskFSM *TaskFSM, workflowID string, currentStatus schema.WorkflowStatus, taskStates map[string]schema.OutcomeState, reason string) error {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	if err := wfFSM.Transition(ctx, workflowID, currentStatus, schema.WorkflowStatusAborted, payload); err != nil {
		return err
	}

	skipPayload, _ := json.Marshal(map[string]string{"reason": "workflow aborted"})
	for taskID, state := range taskStates {
		if state.Settled() {
			continue
		}
		if canSkip(state) {
			if err := taskFSM.Transition(ctx, workflowID, taskID, state, schema.OutcomeSkipped, skipPayload); err != nil {
				return err
			}
		}
	}
	return nil
}

func canSkip(s schema.OutcomeState) bool {
	return isValidTaskTransition(s, schema.OutcomeSkipped)
}

// --- Transition tables ---

// ValidWorkflowTransitions defines the allowed state transitions for workflows.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusCreated:          {schema.WorkflowStatusRunning, schema.WorkflowStatusAborted},
	schema.WorkflowStatusRunning:          {schema.WorkflowStatusAwaitingDecision, schema.WorkflowStatusAwaitingApproval, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusAborted},
	schema.WorkflowStatusAwaitingDecision: {schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, schema.WorkflowStatusAborted},
	schema.WorkflowStatusAwaitingApproval: {schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, schema.WorkflowStatusAborted},
	schema.WorkflowStatusCompleted:        {},
	schema.WorkflowStatusFailed:           {},
	schema.WorkflowStatusAborted:          {},
}

// ValidTaskTransitions defines the allowed state transitions for tasks.
// An escalated task re-enters running when its escalation is approved,
// fails when rejected, and is skipped when the run aborts first.
var ValidTaskTransitions = map[schema.OutcomeState][]schema.OutcomeState{
	schema.OutcomePending:   {schema.OutcomeRunning, schema.OutcomeSkipped},
	schema.OutcomeRunning:   {schema.OutcomeSucceeded, schema.OutcomeFailed, schema.OutcomeEscalated},
	schema.OutcomeEscalated: {schema.OutcomeRunning, schema.OutcomeFailed, schema.OutcomeSkipped},
	schema.OutcomeSucceeded: {},
	schema.OutcomeFailed:    {},
	schema.OutcomeSkipped:   {},
}
