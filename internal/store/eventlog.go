package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/laminarhq/laminar/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-workflow sequence.
// Uses BEGIN IMMEDIATE to ensure sequence correctness under concurrency.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	// BEGIN IMMEDIATE acquires a write lock immediately to prevent concurrent writers
	// from interleaving sequence reads and writes.
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// Acquire write lock by executing a write-intent statement.
	// In WAL mode, BeginTx alone may start a deferred transaction.
	// We use an immediate-mode write to force lock acquisition.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	// Clean up the noop row.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload := nullRaw(event.Payload)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, task_id, event_type, payload, actor_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.TaskID), event.Type, payload, nullStr(event.ActorID), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a workflow with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, workflowID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents replays all events for a workflow and returns the reconstructed task states.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, workflowID string) (map[string]*TaskState, error) {
	events, err := el.store.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*TaskState), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, e.Sequence)
		}
	}

	states := make(map[string]*TaskState)

	for _, e := range events {
		if e.TaskID == "" {
			continue
		}

		ts, ok := states[e.TaskID]
		if !ok {
			ts = &TaskState{
				WorkflowID: workflowID,
				TaskID:     e.TaskID,
				State:      schema.OutcomePending,
			}
			states[e.TaskID] = ts
		}

		switch e.Type {
		case schema.EventTaskStarted:
			ts.State = schema.OutcomeRunning
			started := e.Timestamp
			ts.StartedAt = &started

		case schema.EventTaskCompleted:
			ts.State = schema.OutcomeSucceeded
			ended := e.Timestamp
			ts.EndedAt = &ended
			ts.Result = e.Payload
			if ts.StartedAt != nil {
				ts.DurationMs = ended.Sub(*ts.StartedAt).Milliseconds()
			}

		case schema.EventTaskFailed:
			ts.State = schema.OutcomeFailed
			ended := e.Timestamp
			ts.EndedAt = &ended
			ts.Error = e.Payload

		case schema.EventTaskSkipped:
			ts.State = schema.OutcomeSkipped
			ts.SkipReason = skipReasonFrom(e.Payload)

		case schema.EventTaskRetrying:
			ts.State = schema.OutcomeRunning
			ts.Attempts++

		case schema.EventTaskEscalated:
			ts.State = schema.OutcomeEscalated
			ts.Error = e.Payload

		case schema.EventDecisionResolved:
			// Resolution outcomes are re-emitted as task events by the
			// executor; nothing to fold here.
		}
	}

	return states, nil
}

func skipReasonFrom(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var p struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.Reason
}
