package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminarhq/laminar/internal/expressions"
	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// recordingRunner counts invocations per task and delegates outcome
// construction to an optional callback receiving the invocation number.
type recordingRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	grants  map[string]schema.Capability
	args    map[string]string
	outcome func(task *schema.Task, call int) *schema.Outcome
}

func newRecordingRunner(outcome func(task *schema.Task, call int) *schema.Outcome) *recordingRunner {
	return &recordingRunner{
		calls:   make(map[string]int),
		grants:  make(map[string]schema.Capability),
		args:    make(map[string]string),
		outcome: outcome,
	}
}

func (r *recordingRunner) Run(_ context.Context, task *schema.Task, grant schema.Capability, args json.RawMessage) *schema.Outcome {
	r.mu.Lock()
	r.calls[task.ID]++
	call := r.calls[task.ID]
	r.grants[task.ID] = grant
	r.args[task.ID] = string(args)
	r.mu.Unlock()

	if r.outcome != nil {
		return r.outcome(task, call)
	}
	return schema.Succeeded(task.ID, json.RawMessage(`{"ok":true}`))
}

func (r *recordingRunner) callCount(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[taskID]
}

func (r *recordingRunner) grantFor(taskID string) schema.Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grants[taskID]
}

func (r *recordingRunner) argsFor(taskID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.args[taskID]
}

type joinEnv struct {
	appender *mockAppender
	join     *JoinCoordinator
}

func newJoinEnv(t *testing.T, runner TaskRunner, mutate ...func(*JoinConfig)) *joinEnv {
	t.Helper()

	guards, err := expressions.NewCELEngine()
	require.NoError(t, err)

	pool := NewTaskPool(8)
	t.Cleanup(pool.Shutdown)

	appender := &mockAppender{}
	cfg := JoinConfig{
		Pool:         pool,
		Runner:       runner,
		Interpolator: expressions.NewInterpolator(nil),
		Guards:       guards,
		Tasks:        NewTaskFSM(appender),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return &joinEnv{appender: appender, join: NewJoinCoordinator(cfg)}
}

func layerTasks(specs ...schema.TaskSpec) []*schema.Task {
	tasks := make([]*schema.Task, len(specs))
	for i, s := range specs {
		tasks[i] = &schema.Task{TaskSpec: s}
	}
	return tasks
}

func testScope(inputs map[string]any) *expressions.InterpolationScope {
	return expressions.NewScopeBuilder(inputs, map[string]any{"id": "wf-1"}).Build()
}

func layerRun(tasks []*schema.Task, scope *expressions.InterpolationScope) *LayerRun {
	return &LayerRun{WorkflowID: "wf-1", Tasks: tasks, Scope: scope}
}

func eventsOfType(events []*store.Event, typ string) []*store.Event {
	var out []*store.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// --- Collection semantics ---

func TestJoin_AllOutcomesCollected(t *testing.T) {
	runner := newRecordingRunner(func(task *schema.Task, _ int) *schema.Outcome {
		if task.ID == "b" {
			return schema.Failed(task.ID, schema.NewError(schema.ErrCodeExecution, "boom"))
		}
		return schema.Succeeded(task.ID, json.RawMessage(`{"ok":true}`))
	})
	env := newJoinEnv(t, runner)

	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(toolTask("a"), toolTask("b"), toolTask("c")), testScope(nil)))

	require.Len(t, outcomes, 3)
	assert.Equal(t, schema.OutcomeSucceeded, outcomes["a"].State)
	assert.Equal(t, schema.OutcomeFailed, outcomes["b"].State)
	assert.Equal(t, schema.OutcomeSucceeded, outcomes["c"].State)
}

func TestJoin_FailureNeverCancelsSiblings(t *testing.T) {
	runner := newRecordingRunner(func(task *schema.Task, _ int) *schema.Outcome {
		switch task.ID {
		case "fast-fail":
			return schema.Failed(task.ID, schema.NewError(schema.ErrCodeExecution, "immediate failure"))
		default:
			// The slow sibling keeps running after the failure has settled.
			time.Sleep(50 * time.Millisecond)
			return schema.Succeeded(task.ID, json.RawMessage(`{"slow":true}`))
		}
	})
	env := newJoinEnv(t, runner)

	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(toolTask("fast-fail"), toolTask("slow-1"), toolTask("slow-2")), testScope(nil)))

	assert.Equal(t, schema.OutcomeFailed, outcomes["fast-fail"].State)
	assert.Equal(t, schema.OutcomeSucceeded, outcomes["slow-1"].State)
	assert.Equal(t, schema.OutcomeSucceeded, outcomes["slow-2"].State)
}

func TestJoin_PanicBecomesFailedOutcome(t *testing.T) {
	runner := newRecordingRunner(func(task *schema.Task, _ int) *schema.Outcome {
		if task.ID == "explode" {
			panic("tool handler blew up")
		}
		return schema.Succeeded(task.ID, nil)
	})
	env := newJoinEnv(t, runner)

	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(toolTask("explode"), toolTask("calm")), testScope(nil)))

	require.Equal(t, schema.OutcomeFailed, outcomes["explode"].State)
	require.NotNil(t, outcomes["explode"].Error)
	assert.Equal(t, schema.ErrCodeExecution, outcomes["explode"].Error.Code)
	assert.Contains(t, outcomes["explode"].Error.Message, "panicked")
	assert.Equal(t, schema.OutcomeSucceeded, outcomes["calm"].State)
}

func TestJoin_EmptyLayer(t *testing.T) {
	env := newJoinEnv(t, newRecordingRunner(nil))
	outcomes := env.join.RunLayer(context.Background(), layerRun(nil, testScope(nil)))
	assert.Empty(t, outcomes)
}

// --- Escalation surfaces as an outcome ---

func TestJoin_EscalationNeverBlocks(t *testing.T) {
	runner := newRecordingRunner(func(task *schema.Task, _ int) *schema.Outcome {
		if task.ID == "deploy" {
			return schema.Escalated(task.ID, &schema.EscalationRequest{
				TaskID:    task.ID,
				Granted:   schema.CapabilityStandard,
				Requested: schema.CapabilityElevated,
				Operation: "fs.write:/etc/config",
			})
		}
		return schema.Succeeded(task.ID, nil)
	})
	env := newJoinEnv(t, runner)

	done := make(chan map[string]*schema.Outcome, 1)
	go func() {
		done <- env.join.RunLayer(context.Background(),
			layerRun(layerTasks(toolTask("deploy"), toolTask("report")), testScope(nil)))
	}()

	select {
	case outcomes := <-done:
		require.Equal(t, schema.OutcomeEscalated, outcomes["deploy"].State)
		require.NotNil(t, outcomes["deploy"].Escalation)
		assert.Equal(t, schema.CapabilityElevated, outcomes["deploy"].Escalation.Requested)
		assert.Equal(t, schema.OutcomeSucceeded, outcomes["report"].State)
	case <-time.After(2 * time.Second):
		t.Fatal("join blocked on an escalated task; escalations must settle as outcomes")
	}
}

// --- Guards ---

func TestJoin_GuardFalseSkips(t *testing.T) {
	runner := newRecordingRunner(nil)
	env := newJoinEnv(t, runner)

	guarded := toolTask("deploy")
	guarded.Guard = `inputs.deploy == true`

	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(guarded), testScope(map[string]any{"deploy": false})))

	require.Equal(t, schema.OutcomeSkipped, outcomes["deploy"].State)
	assert.Equal(t, "guard evaluated to false", outcomes["deploy"].SkipReason)
	assert.Zero(t, runner.callCount("deploy"))
}

func TestJoin_GuardTrueRuns(t *testing.T) {
	runner := newRecordingRunner(nil)
	env := newJoinEnv(t, runner)

	guarded := toolTask("deploy")
	guarded.Guard = `inputs.deploy == true`

	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(guarded), testScope(map[string]any{"deploy": true})))

	assert.Equal(t, schema.OutcomeSucceeded, outcomes["deploy"].State)
	assert.Equal(t, 1, runner.callCount("deploy"))
}

func TestJoin_GuardCompileErrorFailsTask(t *testing.T) {
	runner := newRecordingRunner(nil)
	env := newJoinEnv(t, runner)

	broken := toolTask("deploy")
	broken.Guard = `inputs.deploy ==`

	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(broken, toolTask("other")), testScope(nil)))

	require.Equal(t, schema.OutcomeFailed, outcomes["deploy"].State)
	require.NotNil(t, outcomes["deploy"].Error)
	assert.Equal(t, schema.ErrCodeValidation, outcomes["deploy"].Error.Code)
	assert.Zero(t, runner.callCount("deploy"))
	assert.Equal(t, schema.OutcomeSucceeded, outcomes["other"].State)
}

func TestJoin_PreMarkedSkip(t *testing.T) {
	runner := newRecordingRunner(nil)
	env := newJoinEnv(t, runner)

	run := layerRun(layerTasks(toolTask("a"), toolTask("b")), testScope(nil))
	run.Skip = map[string]string{"b": "dependency failed: upstream"}

	outcomes := env.join.RunLayer(context.Background(), run)

	assert.Equal(t, schema.OutcomeSucceeded, outcomes["a"].State)
	require.Equal(t, schema.OutcomeSkipped, outcomes["b"].State)
	assert.Equal(t, "dependency failed: upstream", outcomes["b"].SkipReason)
	assert.Zero(t, runner.callCount("b"))
}

// --- Interpolation ---

func TestJoin_InterpolatesArgs(t *testing.T) {
	runner := newRecordingRunner(nil)
	env := newJoinEnv(t, runner)

	task := taskWithArgs("fetch", `{"url":"${{inputs.url}}"}`)
	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(task), testScope(map[string]any{"url": "https://example.com"})))

	assert.Equal(t, schema.OutcomeSucceeded, outcomes["fetch"].State)
	assert.JSONEq(t, `{"url":"https://example.com"}`, runner.argsFor("fetch"))
}

func TestJoin_InterpolationFailureFailsTask(t *testing.T) {
	runner := newRecordingRunner(nil)
	env := newJoinEnv(t, runner)

	task := taskWithArgs("consume", `{"data":"${{tasks.missing.output}}"}`)
	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(task, toolTask("other")), testScope(nil)))

	require.Equal(t, schema.OutcomeFailed, outcomes["consume"].State)
	require.NotNil(t, outcomes["consume"].Error)
	assert.Equal(t, schema.ErrCodeInterpolation, outcomes["consume"].Error.Code)
	assert.Zero(t, runner.callCount("consume"))
	assert.Equal(t, schema.OutcomeSucceeded, outcomes["other"].State)
}

// --- Retry ---

func TestJoin_RetriesSafeToFailTask(t *testing.T) {
	runner := newRecordingRunner(func(task *schema.Task, call int) *schema.Outcome {
		if call < 3 {
			return schema.Failed(task.ID, schema.NewError(schema.ErrCodeExecution, "transient"))
		}
		return schema.Succeeded(task.ID, json.RawMessage(`{"ok":true}`))
	})
	env := newJoinEnv(t, runner, func(cfg *JoinConfig) {
		cfg.RetryDefaults = &schema.RetryPolicy{Max: 3}
	})

	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(sandboxTask("analyze")), testScope(nil)))

	require.Equal(t, schema.OutcomeSucceeded, outcomes["analyze"].State)
	assert.Equal(t, 3, runner.callCount("analyze"))
	assert.Equal(t, 3, outcomes["analyze"].Attempts)
}

func TestJoin_NeverRetriesUnsafeTask(t *testing.T) {
	runner := newRecordingRunner(func(task *schema.Task, _ int) *schema.Outcome {
		return schema.Failed(task.ID, schema.NewError(schema.ErrCodeExecution, "transient"))
	})
	env := newJoinEnv(t, runner, func(cfg *JoinConfig) {
		cfg.RetryDefaults = &schema.RetryPolicy{Max: 3}
	})

	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(toolTask("push")), testScope(nil)))

	assert.Equal(t, schema.OutcomeFailed, outcomes["push"].State)
	assert.Equal(t, 1, runner.callCount("push"))
}

func TestJoin_RetryExhausted(t *testing.T) {
	runner := newRecordingRunner(func(task *schema.Task, _ int) *schema.Outcome {
		return schema.Failed(task.ID, schema.NewError(schema.ErrCodeExecution, "always fails"))
	})
	env := newJoinEnv(t, runner)

	task := sandboxTask("flaky")
	task.Retry = &schema.RetryPolicy{Max: 2}

	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(task), testScope(nil)))

	require.Equal(t, schema.OutcomeFailed, outcomes["flaky"].State)
	require.NotNil(t, outcomes["flaky"].Error)
	assert.Equal(t, schema.ErrCodeRetryExhausted, outcomes["flaky"].Error.Code)
	assert.Equal(t, 3, runner.callCount("flaky"))
	assert.Equal(t, 3, outcomes["flaky"].Attempts)
}

func TestJoin_NonRetryableErrorStopsRetry(t *testing.T) {
	runner := newRecordingRunner(func(task *schema.Task, _ int) *schema.Outcome {
		return schema.Failed(task.ID, schema.NewError(schema.ErrCodeValidation, "bad args"))
	})
	env := newJoinEnv(t, runner, func(cfg *JoinConfig) {
		cfg.RetryDefaults = &schema.RetryPolicy{Max: 5}
	})

	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(sandboxTask("check")), testScope(nil)))

	assert.Equal(t, schema.OutcomeFailed, outcomes["check"].State)
	assert.Equal(t, 1, runner.callCount("check"))
}

// --- Timeouts ---

func TestJoin_TaskTimeout(t *testing.T) {
	blocking := RunnerFunc(func(ctx context.Context, task *schema.Task, _ schema.Capability, _ json.RawMessage) *schema.Outcome {
		select {
		case <-ctx.Done():
			return schema.Failed(task.ID, schema.NewError(schema.ErrCodeTimeout, "task timed out"))
		case <-time.After(5 * time.Second):
			return schema.Succeeded(task.ID, nil)
		}
	})
	env := newJoinEnv(t, blocking)

	task := toolTask("slow")
	task.Timeout = "30ms"

	start := time.Now()
	outcomes := env.join.RunLayer(context.Background(),
		layerRun(layerTasks(task), testScope(nil)))

	require.Equal(t, schema.OutcomeFailed, outcomes["slow"].State)
	assert.Equal(t, schema.ErrCodeTimeout, outcomes["slow"].Error.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// --- Events ---

func TestJoin_EventTrail(t *testing.T) {
	runner := newRecordingRunner(func(task *schema.Task, _ int) *schema.Outcome {
		if task.ID == "b" {
			return schema.Failed(task.ID, schema.NewError(schema.ErrCodeExecution, "boom"))
		}
		return schema.Succeeded(task.ID, nil)
	})
	env := newJoinEnv(t, runner)

	env.join.RunLayer(context.Background(),
		layerRun(layerTasks(toolTask("a"), toolTask("b")), testScope(nil)))

	events := env.appender.Events()
	started := eventsOfType(events, schema.EventTaskStarted)
	require.Len(t, started, 2)
	// Dispatch order follows source order.
	assert.Equal(t, "a", started[0].TaskID)
	assert.Equal(t, "b", started[1].TaskID)

	assert.Len(t, eventsOfType(events, schema.EventTaskCompleted), 1)
	failed := eventsOfType(events, schema.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.True(t, strings.Contains(string(failed[0].Payload), "boom"))
}

// --- Grants ---

func TestJoin_GrantOverrides(t *testing.T) {
	runner := newRecordingRunner(nil)
	env := newJoinEnv(t, runner)

	run := layerRun(layerTasks(toolTask("a"), toolTask("b")), testScope(nil))
	run.Grant = schema.CapabilityStandard
	run.Grants = map[string]schema.Capability{"b": schema.CapabilityElevated}

	env.join.RunLayer(context.Background(), run)

	assert.Equal(t, schema.CapabilityStandard, runner.grantFor("a"))
	assert.Equal(t, schema.CapabilityElevated, runner.grantFor("b"))
}

func TestJoin_EscalatedTaskReinvoked(t *testing.T) {
	runner := newRecordingRunner(nil)
	env := newJoinEnv(t, runner)

	run := layerRun(layerTasks(toolTask("deploy")), testScope(nil))
	run.From = map[string]schema.OutcomeState{"deploy": schema.OutcomeEscalated}
	run.Grants = map[string]schema.Capability{"deploy": schema.CapabilityElevated}

	outcomes := env.join.RunLayer(context.Background(), run)

	require.Equal(t, schema.OutcomeSucceeded, outcomes["deploy"].State)
	assert.Equal(t, schema.CapabilityElevated, runner.grantFor("deploy"))

	events := env.appender.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventTaskStarted, events[0].Type)
	assert.Equal(t, schema.EventTaskCompleted, events[len(events)-1].Type)
}
