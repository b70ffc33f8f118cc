package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminarhq/laminar/internal/store"
)

type memorySink struct {
	events []*store.Event
}

func (m *memorySink) AppendEvent(_ context.Context, e *store.Event) error {
	e.Sequence = int64(len(m.events) + 1)
	m.events = append(m.events, e)
	return nil
}

func (m *memorySink) GetEvents(_ context.Context, workflowID string, since int64) ([]*store.Event, error) {
	var out []*store.Event
	for _, e := range m.events {
		if e.WorkflowID == workflowID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestBroadcaster_AppendPublishes(t *testing.T) {
	sink := &memorySink{}
	hub := NewMemoryHub()
	b := NewBroadcaster(sink, hub)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.AppendEvent(ctx, &store.Event{
		WorkflowID: "wf-1",
		TaskID:     "t1",
		Type:       "task_completed",
		Payload:    json.RawMessage(`{"result":"ok"}`),
	}))

	// Durable write happened first.
	events, err := b.GetEvents(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	select {
	case got := <-ch:
		assert.Equal(t, "task_completed", got.EventType)
		assert.Equal(t, "t1", got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}
