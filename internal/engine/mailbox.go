package engine

import (
	"sync"

	"github.com/laminarhq/laminar/pkg/schema"
)

// Mailbox is the in-memory command channel between external producers and
// per-workflow control loops. Any goroutine may enqueue at any time without
// blocking; each control loop drains its own queue at layer boundaries.
//
// Invariant: a drain returns every command enqueued before it and none
// twice. The queue swap happens entirely under the lock, so each command is
// owned by exactly one drain even while producers race the consumer.
type Mailbox struct {
	mu     sync.Mutex
	queues map[string][]*schema.Command
	wakes  map[string]chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		queues: make(map[string][]*schema.Command),
		wakes:  make(map[string]chan struct{}),
	}
}

// Enqueue appends a command to its workflow's queue and nudges a parked
// control loop. It never blocks and never fails; validation and rejection
// of commands for unknown or terminal workflows happen at the executor
// boundary, not here.
func (m *Mailbox) Enqueue(cmd *schema.Command) {
	if cmd == nil || cmd.WorkflowID == "" {
		return
	}
	m.mu.Lock()
	m.queues[cmd.WorkflowID] = append(m.queues[cmd.WorkflowID], cmd)
	wake := m.wake(cmd.WorkflowID)
	m.mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
}

// Drain removes and returns all queued commands for a workflow in enqueue
// order. Returns nil when the queue is empty.
func (m *Mailbox) Drain(workflowID string) []*schema.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmds := m.queues[workflowID]
	if len(cmds) == 0 {
		return nil
	}
	delete(m.queues, workflowID)
	return cmds
}

// Wake returns the channel a parked control loop selects on. The channel
// has capacity one; a pending signal means at least one enqueue happened
// since the last drain. The same channel is returned for the lifetime of
// the workflow.
func (m *Mailbox) Wake(workflowID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wake(workflowID)
}

// Pending reports how many commands are currently queued for a workflow.
func (m *Mailbox) Pending(workflowID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[workflowID])
}

// Forget drops the queue and wake channel for a workflow that reached a
// terminal state. Commands still queued at that point are returned so the
// caller can reject them.
func (m *Mailbox) Forget(workflowID string) []*schema.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmds := m.queues[workflowID]
	delete(m.queues, workflowID)
	delete(m.wakes, workflowID)
	return cmds
}

// wake returns the wake channel for a workflow, creating it on first use.
// Caller must hold m.mu.
func (m *Mailbox) wake(workflowID string) chan struct{} {
	ch, ok := m.wakes[workflowID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.wakes[workflowID] = ch
	}
	return ch
}
