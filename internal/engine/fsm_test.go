package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

// --- WorkflowFSM Tests ---

func TestWorkflowFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()
	wfID := "wf-1"

	// created -> running
	require.NoError(t, fsm.Transition(ctx, wfID, schema.WorkflowStatusCreated, schema.WorkflowStatusRunning))
	// running -> awaiting_approval (no bare event; decision_required is the controller's)
	require.NoError(t, fsm.Transition(ctx, wfID, schema.WorkflowStatusRunning, schema.WorkflowStatusAwaitingApproval))
	// awaiting_approval -> running (resume)
	require.NoError(t, fsm.Transition(ctx, wfID, schema.WorkflowStatusAwaitingApproval, schema.WorkflowStatusRunning))
	// running -> completed
	require.NoError(t, fsm.Transition(ctx, wfID, schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted))

	events := app.Events()
	assert.Len(t, events, 3)
	assert.Equal(t, schema.EventWorkflowStarted, events[0].Type)
	assert.Equal(t, schema.EventWorkflowResumed, events[1].Type)
	assert.Equal(t, schema.EventWorkflowCompleted, events[2].Type)
}

func TestWorkflowFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()

	err := fsm.Transition(ctx, "wf-1", schema.WorkflowStatusCreated, schema.WorkflowStatusCompleted)
	require.Error(t, err)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
	assert.Contains(t, engErr.Message, "created")
	assert.Contains(t, engErr.Message, "completed")

	// No events should have been emitted
	assert.Empty(t, app.Events())
}

func TestWorkflowFSM_TerminalStatesRejectTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()

	for _, terminal := range []schema.WorkflowStatus{
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusAborted,
	} {
		err := fsm.Transition(ctx, "wf-1", terminal, schema.WorkflowStatusRunning)
		require.Error(t, err, "should not transition from terminal state %s", terminal)
	}
}

func TestWorkflowFSM_SuspensionEmitsNoBareEvent(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "wf-1", schema.WorkflowStatusRunning, schema.WorkflowStatusAwaitingDecision))
	require.NoError(t, fsm.Transition(ctx, "wf-2", schema.WorkflowStatusRunning, schema.WorkflowStatusAwaitingApproval))
	assert.Empty(t, app.Events(), "suspension transitions carry no event; decision_required has the payload")
}

func TestWorkflowFSM_EventEmitFailure(t *testing.T) {
	fsm := NewWorkflowFSM(&failAppender{})
	ctx := context.Background()

	err := fsm.Transition(ctx, "wf-1", schema.WorkflowStatusCreated, schema.WorkflowStatusRunning)
	require.Error(t, err)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStore, engErr.Code)
}

func TestWorkflowFSM_BeforeHook(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()

	var hookCalled bool
	fsm.OnBefore(schema.WorkflowStatusCreated, schema.WorkflowStatusRunning, func(from, to string) error {
		hookCalled = true
		assert.Equal(t, "created", from)
		assert.Equal(t, "running", to)
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "wf-1", schema.WorkflowStatusCreated, schema.WorkflowStatusRunning))
	assert.True(t, hookCalled)
}

func TestWorkflowFSM_BeforeHookError(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()

	fsm.OnBefore(schema.WorkflowStatusCreated, schema.WorkflowStatusRunning, func(from, to string) error {
		return errors.New("hook failed")
	})

	err := fsm.Transition(ctx, "wf-1", schema.WorkflowStatusCreated, schema.WorkflowStatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook failed")
	// Event should NOT have been emitted since before hook failed.
	assert.Empty(t, app.Events())
}

func TestWorkflowFSM_AfterHook(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()

	var hookCalled bool
	fsm.OnAfter(schema.WorkflowStatusCreated, schema.WorkflowStatusRunning, func(from, to string) error {
		hookCalled = true
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "wf-1", schema.WorkflowStatusCreated, schema.WorkflowStatusRunning))
	assert.True(t, hookCalled)
	// Event should have been emitted before the after hook.
	assert.Len(t, app.Events(), 1)
}

func TestWorkflowFSM_AbortFromMultipleStates(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()

	for _, from := range []schema.WorkflowStatus{
		schema.WorkflowStatusCreated,
		schema.WorkflowStatusRunning,
		schema.WorkflowStatusAwaitingDecision,
		schema.WorkflowStatusAwaitingApproval,
	} {
		require.NoError(t, fsm.Transition(ctx, "wf-"+string(from), from, schema.WorkflowStatusAborted))
	}
	assert.Len(t, app.Events(), 4)
}

func TestWorkflowFSM_PayloadAttached(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"reason": "operator abort"})
	require.NoError(t, fsm.Transition(ctx, "wf-1", schema.WorkflowStatusRunning, schema.WorkflowStatusAborted, payload))

	events := app.Events()
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"reason":"operator abort"}`, string(events[0].Payload))
}

// --- TaskFSM Tests ---

func TestTaskFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()
	wfID := "wf-1"

	// pending -> running -> succeeded
	require.NoError(t, fsm.Transition(ctx, wfID, "t1", schema.OutcomePending, schema.OutcomeRunning))
	require.NoError(t, fsm.Transition(ctx, wfID, "t1", schema.OutcomeRunning, schema.OutcomeSucceeded))

	events := app.Events()
	assert.Len(t, events, 2)
	assert.Equal(t, schema.EventTaskStarted, events[0].Type)
	assert.Equal(t, schema.EventTaskCompleted, events[1].Type)
	assert.Equal(t, "t1", events[0].TaskID)
}

func TestTaskFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	err := fsm.Transition(ctx, "wf-1", "t1", schema.OutcomePending, schema.OutcomeSucceeded)
	require.Error(t, err)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
	assert.Equal(t, "t1", engErr.TaskID)
}

func TestTaskFSM_EscalationApprovalPath(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	// running -> escalated -> running (approved re-invoke) -> succeeded
	require.NoError(t, fsm.Transition(ctx, "wf-1", "t1", schema.OutcomeRunning, schema.OutcomeEscalated))
	require.NoError(t, fsm.Transition(ctx, "wf-1", "t1", schema.OutcomeEscalated, schema.OutcomeRunning))
	require.NoError(t, fsm.Transition(ctx, "wf-1", "t1", schema.OutcomeRunning, schema.OutcomeSucceeded))

	events := app.Events()
	assert.Equal(t, schema.EventTaskEscalated, events[0].Type)
	assert.Equal(t, schema.EventTaskStarted, events[1].Type)
	assert.Equal(t, schema.EventTaskCompleted, events[2].Type)
}

func TestTaskFSM_EscalationRejectionPath(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	// running -> escalated -> failed (rejected)
	require.NoError(t, fsm.Transition(ctx, "wf-1", "t1", schema.OutcomeRunning, schema.OutcomeEscalated))
	require.NoError(t, fsm.Transition(ctx, "wf-1", "t1", schema.OutcomeEscalated, schema.OutcomeFailed))

	events := app.Events()
	assert.Equal(t, schema.EventTaskEscalated, events[0].Type)
	assert.Equal(t, schema.EventTaskFailed, events[1].Type)
}

func TestTaskFSM_TerminalStatesRejectTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	for _, terminal := range []schema.OutcomeState{
		schema.OutcomeSucceeded,
		schema.OutcomeFailed,
		schema.OutcomeSkipped,
	} {
		err := fsm.Transition(ctx, "wf-1", "t1", terminal, schema.OutcomeRunning)
		require.Error(t, err, "should not transition from terminal state %s", terminal)
	}
}

func TestTaskFSM_Hooks(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	var order []string

	fsm.OnBefore(schema.OutcomePending, schema.OutcomeRunning, func(from, to string) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.OutcomePending, schema.OutcomeRunning, func(from, to string) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "wf-1", "t1", schema.OutcomePending, schema.OutcomeRunning))
	assert.Equal(t, []string{"before", "after"}, order)
}

// --- AbortRun Tests ---

func TestAbortRun_CascadeSkipsUnsettled(t *testing.T) {
	app := &mockAppender{}
	wfFSM := NewWorkflowFSM(app)
	taskFSM := NewTaskFSM(app)
	ctx := context.Background()

	taskStates := map[string]schema.OutcomeState{
		"t1": schema.OutcomeSucceeded, // settled — untouched
		"t2": schema.OutcomeFailed,    // settled — untouched
		"t3": schema.OutcomePending,   // skipped
		"t4": schema.OutcomeEscalated, // skipped (never resolved)
	}

	err := AbortRun(ctx, wfFSM, taskFSM, "wf-1", schema.WorkflowStatusRunning, taskStates, "operator abort")
	require.NoError(t, err)

	events := app.Events()
	var eventTypes []string
	for _, e := range events {
		eventTypes = append(eventTypes, e.Type)
	}
	assert.Contains(t, eventTypes, schema.EventWorkflowAborted)
	skipCount := 0
	for _, e := range events {
		if e.Type == schema.EventTaskSkipped {
			skipCount++
		}
	}
	assert.Equal(t, 2, skipCount, "should skip t3 and t4, not settled tasks")
}

func TestAbortRun_FromAwaitingApproval(t *testing.T) {
	app := &mockAppender{}
	wfFSM := NewWorkflowFSM(app)
	taskFSM := NewTaskFSM(app)
	ctx := context.Background()

	taskStates := map[string]schema.OutcomeState{
		"t1": schema.OutcomeEscalated,
	}

	require.NoError(t, AbortRun(ctx, wfFSM, taskFSM, "wf-1", schema.WorkflowStatusAwaitingApproval, taskStates, "gave up"))
	events := app.Events()
	assert.Len(t, events, 2) // aborted + skipped
}

func TestAbortRun_AlreadyTerminal(t *testing.T) {
	app := &mockAppender{}
	wfFSM := NewWorkflowFSM(app)
	taskFSM := NewTaskFSM(app)
	ctx := context.Background()

	err := AbortRun(ctx, wfFSM, taskFSM, "wf-1", schema.WorkflowStatusCompleted, nil, "late abort")
	require.Error(t, err) // completed can't transition to aborted
}

// --- Thread Safety ---

func TestWorkflowFSM_ConcurrentTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// All are valid transitions, just testing no data race
			_ = fsm.Transition(ctx, "wf-concurrent", schema.WorkflowStatusCreated, schema.WorkflowStatusRunning)
		}()
	}
	wg.Wait()
}

func TestTaskFSM_ConcurrentTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewTaskFSM(app)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fsm.Transition(ctx, "wf-concurrent", "t1", schema.OutcomePending, schema.OutcomeRunning)
		}()
	}
	wg.Wait()
}

// --- Transition Table Completeness ---

func TestWorkflowTransitionTable_AllStatusesPresent(t *testing.T) {
	expected := []schema.WorkflowStatus{
		schema.WorkflowStatusCreated,
		schema.WorkflowStatusRunning,
		schema.WorkflowStatusAwaitingDecision,
		schema.WorkflowStatusAwaitingApproval,
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusAborted,
	}
	for _, s := range expected {
		_, ok := ValidWorkflowTransitions[s]
		assert.True(t, ok, "missing workflow status %q in transition table", s)
	}
}

func TestTaskTransitionTable_AllStatesPresent(t *testing.T) {
	expected := []schema.OutcomeState{
		schema.OutcomePending,
		schema.OutcomeRunning,
		schema.OutcomeSucceeded,
		schema.OutcomeFailed,
		schema.OutcomeEscalated,
		schema.OutcomeSkipped,
	}
	for _, s := range expected {
		_, ok := ValidTaskTransitions[s]
		assert.True(t, ok, "missing task state %q in transition table", s)
	}
}
