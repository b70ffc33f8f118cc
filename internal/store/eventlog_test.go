package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminarhq/laminar/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func seedRunningWorkflow(t *testing.T, s *LibSQLStore) *Workflow {
	t.Helper()
	actor := seedActor(t, s)
	return seedWorkflow(t, s, actor.ID, schema.WorkflowStatusRunning)
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	wf := seedRunningWorkflow(t, s)

	for i := 0; i < 5; i++ {
		e := &Event{
			WorkflowID: wf.ID,
			TaskID:     "t1",
			Type:       schema.EventTaskStarted,
		}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestEventLog_GetEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	wf := seedRunningWorkflow(t, s)

	for _, et := range []string{schema.EventTaskStarted, schema.EventTaskCompleted, schema.EventTaskFailed} {
		require.NoError(t, el.AppendEvent(ctx, &Event{
			WorkflowID: wf.ID, TaskID: "t1", Type: et,
		}))
	}

	// Get all
	events, err := el.GetEvents(ctx, wf.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	// Get since sequence 1
	events, err = el.GetEvents(ctx, wf.ID, 1)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
}

func TestEventLog_GetEventsByType(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	wf := seedRunningWorkflow(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskCompleted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{WorkflowID: wf.ID, TaskID: "t2", Type: schema.EventTaskStarted}))

	events, err := el.GetEventsByType(ctx, schema.EventTaskStarted, EventFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, schema.EventTaskStarted, e.Type)
	}
}

func TestEventLog_ReplayEvents_FullLifecycle(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	wf := seedRunningWorkflow(t, s)

	now := time.Now().UTC()

	// t1: started -> completed
	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskStarted, Timestamp: now,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskCompleted,
		Payload:   json.RawMessage(`{"result":"ok"}`),
		Timestamp: now.Add(100 * time.Millisecond),
	}))

	// t2: started -> failed
	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t2", Type: schema.EventTaskStarted, Timestamp: now,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t2", Type: schema.EventTaskFailed,
		Payload:   json.RawMessage(`{"error":"timeout"}`),
		Timestamp: now.Add(200 * time.Millisecond),
	}))

	states, err := el.ReplayEvents(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)

	// t1 should be succeeded
	assert.Equal(t, schema.OutcomeSucceeded, states["t1"].State)
	assert.NotNil(t, states["t1"].EndedAt)
	assert.NotNil(t, states["t1"].StartedAt)
	assert.JSONEq(t, `{"result":"ok"}`, string(states["t1"].Result))
	assert.Greater(t, states["t1"].DurationMs, int64(0))

	// t2 should be failed
	assert.Equal(t, schema.OutcomeFailed, states["t2"].State)
	assert.JSONEq(t, `{"error":"timeout"}`, string(states["t2"].Error))
}

func TestEventLog_ReplayEvents_Skipped(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	wf := seedRunningWorkflow(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskSkipped,
		Payload: json.RawMessage(`{"reason":"dependency_not_succeeded"}`),
	}))

	states, err := el.ReplayEvents(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSkipped, states["t1"].State)
	assert.Equal(t, "dependency_not_succeeded", states["t1"].SkipReason)
}

func TestEventLog_ReplayEvents_Escalated(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	wf := seedRunningWorkflow(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskStarted,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskEscalated,
		Payload: json.RawMessage(`{"requested":"elevated"}`),
	}))

	states, err := el.ReplayEvents(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeEscalated, states["t1"].State)
	assert.JSONEq(t, `{"requested":"elevated"}`, string(states["t1"].Error))
}

func TestEventLog_ReplayEvents_Retrying(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	wf := seedRunningWorkflow(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskStarted,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskRetrying,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskStarted,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskCompleted,
		Payload: json.RawMessage(`{"ok":true}`),
	}))

	states, err := el.ReplayEvents(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSucceeded, states["t1"].State)
	assert.Equal(t, 1, states["t1"].Attempts)
}

func TestEventLog_ReplayEvents_EmptyWorkflow(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	wf := seedRunningWorkflow(t, s)

	states, err := el.ReplayEvents(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestEventLog_ReplayEvents_SequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	wf := seedRunningWorkflow(t, s)

	// Manually insert events with a gap using the raw store.
	db := s.DB()
	_, err := db.ExecContext(ctx,
		`INSERT INTO events (workflow_id, task_id, event_type, timestamp, sequence) VALUES (?, 't1', 'task_started', CURRENT_TIMESTAMP, 1)`,
		wf.ID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO events (workflow_id, task_id, event_type, timestamp, sequence) VALUES (?, 't1', 'task_completed', CURRENT_TIMESTAMP, 3)`,
		wf.ID)
	require.NoError(t, err)

	_, err = el.ReplayEvents(ctx, wf.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestEventLog_ConcurrentAppend_DifferentWorkflows(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	// Create multiple workflows
	var workflows []*Workflow
	for i := 0; i < 5; i++ {
		workflows = append(workflows, seedRunningWorkflow(t, s))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 50)

	for _, wf := range workflows {
		wf := wf
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				e := &Event{
					WorkflowID: wf.ID,
					TaskID:     "t1",
					Type:       schema.EventTaskStarted,
				}
				if err := el.AppendEvent(ctx, e); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent append error: %v", err)
	}

	// Verify each workflow has correct sequences 1..10
	for _, wf := range workflows {
		events, err := el.GetEvents(ctx, wf.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 10)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	}
}

func TestEventLog_WorkflowScopedSequences(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	wf1 := seedRunningWorkflow(t, s)
	wf2 := seedRunningWorkflow(t, s)

	// Append to wf1
	require.NoError(t, el.AppendEvent(ctx, &Event{WorkflowID: wf1.ID, TaskID: "t1", Type: schema.EventTaskStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{WorkflowID: wf1.ID, TaskID: "t1", Type: schema.EventTaskCompleted}))

	// Append to wf2 — sequence should start at 1, not 3
	e := &Event{WorkflowID: wf2.ID, TaskID: "t1", Type: schema.EventTaskStarted}
	require.NoError(t, el.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence, "wf2 should have its own sequence starting at 1")
}

func TestEventLog_ImmutableEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	wf := seedRunningWorkflow(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		WorkflowID: wf.ID, TaskID: "t1", Type: schema.EventTaskStarted,
		Payload: json.RawMessage(`{"original":true}`),
	}))

	// Verify we can read it back unchanged
	events, err := el.GetEvents(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"original":true}`, string(events[0].Payload))
}
