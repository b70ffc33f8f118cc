package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/laminarhq/laminar/pkg/schema"
)

func cmd(workflowID, id string) *schema.Command {
	return &schema.Command{
		ID:         id,
		WorkflowID: workflowID,
		Type:       schema.CommandContinue,
	}
}

func TestMailbox_EnqueueDrainOrder(t *testing.T) {
	mb := NewMailbox()

	mb.Enqueue(cmd("wf-1", "c1"))
	mb.Enqueue(cmd("wf-1", "c2"))
	mb.Enqueue(cmd("wf-1", "c3"))

	cmds := mb.Drain("wf-1")
	if len(cmds) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(cmds))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if cmds[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, cmds[i].ID)
		}
	}
}

func TestMailbox_DrainEmpty(t *testing.T) {
	mb := NewMailbox()
	if cmds := mb.Drain("wf-1"); cmds != nil {
		t.Errorf("expected nil for empty queue, got %v", cmds)
	}
}

func TestMailbox_DrainConsumes(t *testing.T) {
	mb := NewMailbox()
	mb.Enqueue(cmd("wf-1", "c1"))

	if got := len(mb.Drain("wf-1")); got != 1 {
		t.Fatalf("first drain: expected 1, got %d", got)
	}
	if cmds := mb.Drain("wf-1"); cmds != nil {
		t.Errorf("second drain should be empty, got %v", cmds)
	}
}

func TestMailbox_WorkflowIsolation(t *testing.T) {
	mb := NewMailbox()
	mb.Enqueue(cmd("wf-1", "a"))
	mb.Enqueue(cmd("wf-2", "b"))

	one := mb.Drain("wf-1")
	if len(one) != 1 || one[0].ID != "a" {
		t.Errorf("wf-1 drain: expected [a], got %v", one)
	}
	two := mb.Drain("wf-2")
	if len(two) != 1 || two[0].ID != "b" {
		t.Errorf("wf-2 drain: expected [b], got %v", two)
	}
}

func TestMailbox_EnqueueNeverBlocks(t *testing.T) {
	mb := NewMailbox()

	done := make(chan struct{})
	go func() {
		// No consumer exists; every enqueue must still return immediately.
		for i := 0; i < 500; i++ {
			mb.Enqueue(cmd("wf-1", fmt.Sprintf("c%d", i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked without a consumer")
	}
	if mb.Pending("wf-1") != 500 {
		t.Errorf("expected 500 pending, got %d", mb.Pending("wf-1"))
	}
}

func TestMailbox_NoCommandLoss_ConcurrentProducers(t *testing.T) {
	mb := NewMailbox()

	const producers = 8
	const perProducer = 50
	const total = producers * perProducer

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				mb.Enqueue(cmd("wf-1", fmt.Sprintf("p%d-c%d", p, i)))
			}
		}(p)
	}

	// Consumer drains concurrently with the producers.
	seen := make(map[string]int)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		deadline := time.After(5 * time.Second)
		for len(seen) < total {
			select {
			case <-deadline:
				return
			default:
			}
			for _, c := range mb.Drain("wf-1") {
				seen[c.ID]++
			}
		}
	}()

	wg.Wait()
	<-consumerDone

	// A final drain picks up anything enqueued after the consumer's last pass.
	for _, c := range mb.Drain("wf-1") {
		seen[c.ID]++
	}

	if len(seen) != total {
		t.Fatalf("command loss: expected %d distinct commands, got %d", total, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("command %s delivered %d times, want exactly once", id, count)
		}
	}
}

func TestMailbox_ExactlyOnce_CompetingDrains(t *testing.T) {
	mb := NewMailbox()

	const total = 300
	for i := 0; i < total; i++ {
		mb.Enqueue(cmd("wf-1", fmt.Sprintf("c%d", i)))
	}

	// Several drainers race over the same queue; each command must be
	// handed to exactly one of them.
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for d := 0; d < 4; d++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cmds := mb.Drain("wf-1")
				if len(cmds) == 0 {
					return
				}
				mu.Lock()
				for _, c := range cmds {
					seen[c.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct commands, got %d", total, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("command %s delivered %d times, want exactly once", id, count)
		}
	}
}

func TestMailbox_WakeSignalsEnqueue(t *testing.T) {
	mb := NewMailbox()
	wake := mb.Wake("wf-1")

	mb.Enqueue(cmd("wf-1", "c1"))

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("wake channel did not signal after enqueue")
	}
	if got := len(mb.Drain("wf-1")); got != 1 {
		t.Errorf("expected 1 command after wake, got %d", got)
	}
}

func TestMailbox_WakeCoalesces(t *testing.T) {
	mb := NewMailbox()
	wake := mb.Wake("wf-1")

	for i := 0; i < 10; i++ {
		mb.Enqueue(cmd("wf-1", fmt.Sprintf("c%d", i)))
	}

	<-wake
	if got := len(mb.Drain("wf-1")); got != 10 {
		t.Errorf("one wake should cover all queued commands, drained %d", got)
	}

	// No spurious second signal after the drain.
	select {
	case <-wake:
		t.Error("unexpected extra wake signal")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMailbox_WakeStableAcrossCalls(t *testing.T) {
	mb := NewMailbox()
	if mb.Wake("wf-1") != mb.Wake("wf-1") {
		t.Error("Wake must return the same channel for a workflow")
	}
	if mb.Wake("wf-1") == mb.Wake("wf-2") {
		t.Error("workflows must not share wake channels")
	}
}

func TestMailbox_EnqueueBetweenDrainAndPark(t *testing.T) {
	mb := NewMailbox()
	wake := mb.Wake("wf-1")

	// Consumer drains empty, then a producer slips in before the consumer
	// parks. The pending wake signal must prevent a lost wakeup.
	_ = mb.Drain("wf-1")
	mb.Enqueue(cmd("wf-1", "late"))

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("lost wakeup: enqueue between drain and park was not signalled")
	}
	if got := mb.Drain("wf-1"); len(got) != 1 || got[0].ID != "late" {
		t.Errorf("expected [late], got %v", got)
	}
}

func TestMailbox_Forget(t *testing.T) {
	mb := NewMailbox()
	mb.Enqueue(cmd("wf-1", "c1"))
	mb.Enqueue(cmd("wf-1", "c2"))

	leftovers := mb.Forget("wf-1")
	if len(leftovers) != 2 {
		t.Fatalf("expected 2 leftover commands, got %d", len(leftovers))
	}
	if mb.Pending("wf-1") != 0 {
		t.Errorf("queue should be gone after Forget, %d pending", mb.Pending("wf-1"))
	}
}

func TestMailbox_IgnoresInvalidEnqueue(t *testing.T) {
	mb := NewMailbox()
	mb.Enqueue(nil)
	mb.Enqueue(&schema.Command{ID: "c1"}) // no workflow id
	if mb.Pending("") != 0 {
		t.Error("command without workflow id should be dropped")
	}
}
