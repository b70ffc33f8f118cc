package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// MemoryHub fans workflow events out to in-process subscribers over
// buffered channels. It backs the SSE streams and the MCP notification
// bridge; durability is the event log's job, not the hub's.
type MemoryHub struct {
	mu    sync.RWMutex
	subs  map[uint64]*hubSubscription
	nextID atomic.Uint64
}

type hubSubscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*hubSubscription)}
}

// Publish delivers the event to every subscription whose filter admits it.
// Delivery never blocks: a subscriber that cannot keep up loses events
// rather than stalling the control loop that emitted them.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

// Subscribe registers a filtered subscription and returns its channel
// together with a cancel function that detaches it from the hub.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &hubSubscription{
		ch:     make(chan StreamEvent, defaultChannelBuffer),
		filter: filter,
	}
	id := h.nextID.Add(1)

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

// wants reports whether the subscription's filter admits the event. An
// empty filter admits everything.
func (s *hubSubscription) wants(e StreamEvent) bool {
	if s.filter.WorkflowID != "" && s.filter.WorkflowID != e.WorkflowID {
		return false
	}
	if len(s.filter.EventTypes) == 0 {
		return true
	}
	for _, t := range s.filter.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}
