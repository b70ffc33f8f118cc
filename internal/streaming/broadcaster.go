package streaming

import (
	"context"
	"encoding/json"

	"github.com/laminarhq/laminar/internal/store"
)

// EventSink is the durable log the broadcaster writes through to.
type EventSink interface {
	AppendEvent(ctx context.Context, event *store.Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*store.Event, error)
}

// Broadcaster tees appended events into an EventHub after they are
// durably written. Persistence failures are returned to the caller;
// publish failures are ignored since streaming is best-effort.
type Broadcaster struct {
	sink EventSink
	hub  EventHub
}

// NewBroadcaster wraps an event sink with hub publication.
func NewBroadcaster(sink EventSink, hub EventHub) *Broadcaster {
	return &Broadcaster{sink: sink, hub: hub}
}

func (b *Broadcaster) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := b.sink.AppendEvent(ctx, event); err != nil {
		return err
	}
	var payload any
	if len(event.Payload) > 0 {
		_ = json.Unmarshal(event.Payload, &payload)
	}
	_ = b.hub.Publish(ctx, StreamEvent{
		WorkflowID: event.WorkflowID,
		TaskID:     event.TaskID,
		EventType:  event.Type,
		Payload:    payload,
	})
	return nil
}

func (b *Broadcaster) GetEvents(ctx context.Context, workflowID string, since int64) ([]*store.Event, error) {
	return b.sink.GetEvents(ctx, workflowID, since)
}
