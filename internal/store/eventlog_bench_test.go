package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/laminarhq/laminar/pkg/schema"
)

func newBenchStore(b *testing.B) (*LibSQLStore, *EventLog) {
	b.Helper()
	dir := b.TempDir()
	s, err := NewLibSQLStore("file:" + dir + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s, NewEventLog(s)
}

func seedBenchActor(b *testing.B, s *LibSQLStore) string {
	b.Helper()
	id := uuid.New().String()
	if err := s.RegisterActor(context.Background(), &Actor{
		ID:   id,
		Name: "bench-actor",
		Type: "system",
	}); err != nil {
		b.Fatal(err)
	}
	return id
}

func seedBenchWorkflow(b *testing.B, s *LibSQLStore, actorID string) string {
	b.Helper()
	wfID := uuid.New().String()
	if err := s.CreateWorkflow(context.Background(), &Workflow{
		ID:      wfID,
		ActorID: actorID,
		Status:  schema.WorkflowStatusRunning,
		Definition: schema.WorkflowDefinition{
			Tasks: []schema.TaskSpec{
				{ID: "t1", Kind: schema.TaskKindToolCall, Uses: "noop"},
			},
		},
	}); err != nil {
		b.Fatal(err)
	}
	return wfID
}

func BenchmarkEventAppend_Sequential(b *testing.B) {
	s, el := newBenchStore(b)
	actorID := seedBenchActor(b, s)
	wfID := seedBenchWorkflow(b, s, actorID)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		el.AppendEvent(ctx, &Event{
			WorkflowID: wfID,
			TaskID:     "t1",
			Type:       schema.EventTaskStarted,
			ActorID:    actorID,
		})
	}
}

func BenchmarkEventAppend_MultipleWorkflows(b *testing.B) {
	s, el := newBenchStore(b)
	actorID := seedBenchActor(b, s)
	ctx := context.Background()

	// Pre-create 100 workflows.
	wfIDs := make([]string, 100)
	for i := range wfIDs {
		wfIDs[i] = seedBenchWorkflow(b, s, actorID)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wfID := wfIDs[i%len(wfIDs)]
		el.AppendEvent(ctx, &Event{
			WorkflowID: wfID,
			TaskID:     "t1",
			Type:       schema.EventTaskStarted,
			ActorID:    actorID,
		})
	}
}

func BenchmarkEventAppend_Concurrent(b *testing.B) {
	for _, writers := range []int{10, 50, 100} {
		b.Run(fmt.Sprintf("writers=%d", writers), func(b *testing.B) {
			benchEventAppendConcurrent(b, writers)
		})
	}
}

func benchEventAppendConcurrent(b *testing.B, writers int) {
	s, el := newBenchStore(b)
	actorID := seedBenchActor(b, s)
	ctx := context.Background()

	// Each writer gets its own workflow to avoid sequence contention.
	wfIDs := make([]string, writers)
	for i := range wfIDs {
		wfIDs[i] = seedBenchWorkflow(b, s, actorID)
	}

	b.ResetTimer()
	var wg sync.WaitGroup
	perWriter := b.N / writers
	if perWriter == 0 {
		perWriter = 1
	}

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(wfID string) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				el.AppendEvent(ctx, &Event{
					WorkflowID: wfID,
					TaskID:     fmt.Sprintf("t%d", j%10),
					Type:       schema.EventTaskStarted,
					ActorID:    actorID,
				})
			}
		}(wfIDs[w])
	}
	wg.Wait()
}

func BenchmarkEventReplay(b *testing.B) {
	for _, count := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("events=%d", count), func(b *testing.B) {
			s, el := newBenchStore(b)
			actorID := seedBenchActor(b, s)
			wfID := seedBenchWorkflow(b, s, actorID)
			ctx := context.Background()

			// Pre-populate events.
			for i := 0; i < count; i++ {
				taskID := fmt.Sprintf("t%d", i%10)
				typ := schema.EventTaskStarted
				if i%2 == 1 {
					typ = schema.EventTaskCompleted
				}
				el.AppendEvent(ctx, &Event{
					WorkflowID: wfID,
					TaskID:     taskID,
					Type:       typ,
					ActorID:    actorID,
				})
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				el.ReplayEvents(ctx, wfID)
			}
		})
	}
}
