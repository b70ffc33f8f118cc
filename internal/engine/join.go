package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/laminarhq/laminar/internal/expressions"
	"github.com/laminarhq/laminar/pkg/schema"
)

// JoinConfig wires the collaborators a JoinCoordinator needs.
type JoinConfig struct {
	Pool         *TaskPool
	Runner       TaskRunner
	Interpolator *expressions.Interpolator
	Guards       expressions.Engine // CEL engine for task guard expressions
	Tasks        *TaskFSM

	RetryDefaults *schema.RetryPolicy // workflow-level policy for safe-to-fail tasks
	TaskTimeout   time.Duration       // applied to tasks that declare none; 0 = no limit
}

// JoinCoordinator runs the tasks of one layer concurrently and collects an
// outcome for every one of them. A layer join always settles: failures,
// panics, guard skips, and escalations all become outcomes, and one task's
// failure never cancels a sibling. Escalated outcomes are returned to the
// caller for the mediator to inspect after the layer closes; nothing blocks
// inside the join waiting for an approval.
type JoinCoordinator struct {
	cfg JoinConfig
}

// NewJoinCoordinator creates a JoinCoordinator.
func NewJoinCoordinator(cfg JoinConfig) *JoinCoordinator {
	return &JoinCoordinator{cfg: cfg}
}

// LayerRun describes one layer dispatch. The mediator reuses it to re-invoke
// approved escalations: From carries the escalated state and Grants the
// approved capability for those tasks.
type LayerRun struct {
	WorkflowID string
	Layer      int
	Tasks      []*schema.Task // source order
	Scope      *expressions.InterpolationScope

	Grant  schema.Capability              // baseline grant for the run
	Grants map[string]schema.Capability   // per-task overrides
	From   map[string]schema.OutcomeState // per-task starting state; pending when absent
	Skip   map[string]string              // pre-marked skips: task ID -> reason
}

func (r *LayerRun) fromState(taskID string) schema.OutcomeState {
	if s, ok := r.From[taskID]; ok {
		return s
	}
	return schema.OutcomePending
}

func (r *LayerRun) grantFor(taskID string) schema.Capability {
	if g, ok := r.Grants[taskID]; ok {
		return g
	}
	if r.Grant != "" {
		return r.Grant
	}
	return schema.CapabilityStandard
}

// RunLayer executes every task of the layer and returns outcomes keyed by
// task ID. It returns only after all tasks have settled. Guard evaluation
// happens before dispatch in source order; arg interpolation happens inside
// the worker so a slow scope lookup on one task never delays its siblings.
func (j *JoinCoordinator) RunLayer(ctx context.Context, run *LayerRun) map[string]*schema.Outcome {
	outcomes := make(map[string]*schema.Outcome, len(run.Tasks))
	// Buffered to the layer width so a finished worker never waits on the
	// collector.
	results := make(chan *schema.Outcome, len(run.Tasks))

	inFlight := 0
	for _, task := range run.Tasks {
		if reason, ok := run.Skip[task.ID]; ok {
			outcomes[task.ID] = j.skip(ctx, run, task, reason)
			continue
		}

		allowed, guardErr := j.guardAllows(ctx, task, run.Scope)
		if guardErr != nil {
			outcomes[task.ID] = j.failBeforeDispatch(ctx, run, task, guardErr)
			continue
		}
		if !allowed {
			outcomes[task.ID] = j.skip(ctx, run, task, "guard evaluated to false")
			continue
		}

		_ = j.cfg.Tasks.Transition(ctx, run.WorkflowID, task.ID, run.fromState(task.ID), schema.OutcomeRunning)

		if err := j.cfg.Pool.Submit(ctx, func(ctx context.Context) error {
			results <- j.invoke(ctx, run, task)
			return nil
		}); err != nil {
			o := schema.Failed(task.ID,
				schema.NewErrorf(schema.ErrCodeCancelled, "task not dispatched: %s", err.Error()).
					WithTask(task.ID).WithCause(err))
			j.settle(ctx, run.WorkflowID, o)
			outcomes[task.ID] = o
			continue
		}
		inFlight++
	}

	for ; inFlight > 0; inFlight-- {
		o := <-results
		j.settle(ctx, run.WorkflowID, o)
		outcomes[o.TaskID] = o
	}
	return outcomes
}

// invoke runs one task to settlement inside a pool worker: timeout, arg
// interpolation, the runner call, and the retry loop for safe-to-fail tasks.
// A panic anywhere below becomes a failed outcome.
func (j *JoinCoordinator) invoke(ctx context.Context, run *LayerRun, task *schema.Task) (out *schema.Outcome) {
	startedAt := time.Now()
	attempts := 0
	defer func() {
		if r := recover(); r != nil {
			out = schema.Failed(task.ID,
				schema.NewErrorf(schema.ErrCodeExecution, "task panicked: %v", r).WithTask(task.ID))
		}
		out.TaskID = task.ID
		if out.Attempts == 0 {
			out.Attempts = attempts
		}
		if out.StartedAt.IsZero() {
			out.StartedAt = startedAt
		}
		if out.EndedAt.IsZero() {
			out.EndedAt = time.Now()
		}
	}()

	tctx := ctx
	if d := j.taskTimeout(task); d > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	args, err := j.resolveArgs(tctx, task, run.Scope)
	if err != nil {
		return schema.Failed(task.ID, toEngineError(err, schema.ErrCodeInterpolation).WithTask(task.ID))
	}

	grant := run.grantFor(task.ID)
	policy := RetryPolicyFor(task, j.cfg.RetryDefaults)

	for {
		attempts++
		out = j.cfg.Runner.Run(tctx, task, grant, args)
		if out == nil {
			out = schema.Failed(task.ID,
				schema.NewError(schema.ErrCodeExecution, "runner returned no outcome").WithTask(task.ID))
		}
		if out.State != schema.OutcomeFailed || policy == nil {
			return out
		}

		var cause error
		if out.Error != nil {
			cause = out.Error
		}
		if !IsRetryableError(cause) {
			return out
		}
		if attempts > policy.Max {
			if policy.Max > 0 {
				out.Error = schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"task failed after %d attempts", attempts).
					WithTask(task.ID).WithCause(cause)
			}
			return out
		}
		if waitErr := WaitForBackoff(tctx, ComputeBackoff(policy, attempts-1)); waitErr != nil {
			// Context gone during backoff; the last failure stands.
			return out
		}
	}
}

// guardAllows evaluates the task's guard expression against the scope.
// An empty guard always allows.
func (j *JoinCoordinator) guardAllows(ctx context.Context, task *schema.Task, scope *expressions.InterpolationScope) (bool, error) {
	if task.Guard == "" || j.cfg.Guards == nil {
		return true, nil
	}
	data := map[string]any{}
	if scope != nil {
		data["tasks"] = scope.Tasks
		data["inputs"] = scope.Inputs
		data["workflow"] = scope.Workflow
	}
	out, err := j.cfg.Guards.Evaluate(ctx, task.Guard, data)
	if err != nil {
		return false, err
	}
	allowed, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q did not evaluate to a boolean (got %T)", task.Guard, out).WithTask(task.ID)
	}
	return allowed, nil
}

func (j *JoinCoordinator) resolveArgs(ctx context.Context, task *schema.Task, scope *expressions.InterpolationScope) (json.RawMessage, error) {
	if len(task.Args) == 0 || j.cfg.Interpolator == nil {
		return task.Args, nil
	}
	return j.cfg.Interpolator.Resolve(ctx, task.Args, scope)
}

func (j *JoinCoordinator) taskTimeout(task *schema.Task) time.Duration {
	if task.Timeout != "" {
		// Malformed durations are caught by validation at submission.
		if d, err := time.ParseDuration(task.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return j.cfg.TaskTimeout
}

// skip settles a task without dispatching it.
func (j *JoinCoordinator) skip(ctx context.Context, run *LayerRun, task *schema.Task, reason string) *schema.Outcome {
	o := schema.Skipped(task.ID, reason)
	_ = j.cfg.Tasks.Transition(ctx, run.WorkflowID, task.ID, run.fromState(task.ID), schema.OutcomeSkipped, settlePayload(o))
	return o
}

// failBeforeDispatch settles a task that could not be handed to the runner.
// The task passes through running so the event trail shows it was reached.
func (j *JoinCoordinator) failBeforeDispatch(ctx context.Context, run *LayerRun, task *schema.Task, err error) *schema.Outcome {
	o := schema.Failed(task.ID, toEngineError(err, schema.ErrCodeExecution).WithTask(task.ID))
	_ = j.cfg.Tasks.Transition(ctx, run.WorkflowID, task.ID, run.fromState(task.ID), schema.OutcomeRunning)
	j.settle(ctx, run.WorkflowID, o)
	return o
}

// settle records a task's final transition. Event appends are best-effort;
// the outcome map is authoritative and is persisted with the layer
// checkpoint.
func (j *JoinCoordinator) settle(ctx context.Context, workflowID string, o *schema.Outcome) {
	_ = j.cfg.Tasks.Transition(ctx, workflowID, o.TaskID, schema.OutcomeRunning, o.State, settlePayload(o))
}

// settlePayload builds the compact event payload for a settled task. Full
// results live in the task state rows; events carry summaries.
func settlePayload(o *schema.Outcome) json.RawMessage {
	m := map[string]any{}
	if o.Attempts > 0 {
		m["attempts"] = o.Attempts
	}
	if !o.StartedAt.IsZero() && !o.EndedAt.IsZero() {
		m["duration_ms"] = o.EndedAt.Sub(o.StartedAt).Milliseconds()
	}
	switch o.State {
	case schema.OutcomeFailed:
		if o.Error != nil {
			m["code"] = o.Error.Code
			m["error"] = o.Error.Message
		}
	case schema.OutcomeSkipped:
		m["reason"] = o.SkipReason
	case schema.OutcomeEscalated:
		if esc := o.Escalation; esc != nil {
			m["granted"] = string(esc.Granted)
			m["requested"] = string(esc.Requested)
			m["operation"] = esc.Operation
		}
	}
	b, _ := json.Marshal(m)
	return b
}

// toEngineError returns err as an EngineError, wrapping it under the given
// code when it is not one already.
func toEngineError(err error, code string) *schema.EngineError {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}
