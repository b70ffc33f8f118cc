package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/laminarhq/laminar/internal/decision"
	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// runLoop drives one workflow layer by layer. Exactly one goroutine runs
// the loop per workflow; every suspension happens here, between layers,
// never inside a join. The loop ends when the plan is exhausted, an abort
// is drained, or the context is cancelled (shutdown — the checkpoint makes
// the run resumable).
func (e *executorImpl) runLoop(ctx context.Context, run *workflowRun) *ExecutionResult {
	if run.resumePause {
		// The run went down while parked at a pause point; re-park before
		// any further layer runs.
		run.resumePause = false
		if !e.pauseForDecision(ctx, run, run.state.NextLayer-1, "") {
			return e.finalize(ctx, run)
		}
	}

	for !run.aborted && ctx.Err() == nil {
		// One drain per layer boundary; at most one state-relevant command
		// is consumed before deciding whether to advance.
		e.drainInto(run)
		if cmd := e.takeCommand(ctx, run, schema.CommandAbort, schema.CommandReplan); cmd != nil {
			e.applyBoundaryCommand(ctx, run, cmd)
		}
		if run.aborted {
			break
		}

		layer := run.state.NextLayer
		if layer >= len(run.plan.Layers) {
			break
		}

		outcomes := e.executeLayer(ctx, run, layer)

		if !e.resolveEscalations(ctx, run, layer, outcomes) {
			break // aborted or cancelled while awaiting approval
		}

		e.foldOutcomes(ctx, run, layer, outcomes)

		if ctx.Err() != nil {
			break
		}

		if pauseTask := pauseRequestedIn(run, layer, outcomes); pauseTask != "" && !run.aborted {
			if !e.pauseForDecision(ctx, run, layer, pauseTask) {
				break
			}
		}
		if run.aborted {
			break
		}

		if _, err := e.saveLayerCheckpoint(ctx, run, schema.WorkflowStatusRunning, layer+1); err != nil {
			// Without a durable snapshot the resume contract is broken;
			// stop scheduling and fail the run.
			if run.fatal == nil {
				run.fatal = toEngineError(err, schema.ErrCodeStore)
			}
			break
		}
	}

	return e.finalize(ctx, run)
}

// executeLayer emits layer_started and joins every unsettled task of the
// layer. Pre-settled outcomes (from a resume) are folded into the returned
// map so escalation handling sees the complete layer.
func (e *executorImpl) executeLayer(ctx context.Context, run *workflowRun, layer int) map[string]*schema.Outcome {
	ids := run.plan.Layers[layer]

	payload, _ := json.Marshal(map[string]any{"layer": layer, "tasks": ids})
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		WorkflowID: run.workflowID,
		Type:       schema.EventLayerStarted,
		Payload:    payload,
	})

	lr := &LayerRun{
		WorkflowID: run.workflowID,
		Layer:      layer,
		Scope:      run.scope.Build(),
		Grant:      run.grant,
		Skip:       make(map[string]string),
	}
	outcomes := make(map[string]*schema.Outcome, len(ids))
	for _, id := range ids {
		if o, ok := run.state.Outcomes[id]; ok && o.State.Settled() {
			outcomes[id] = o
			continue
		}
		task := run.plan.Tasks[id]
		lr.Tasks = append(lr.Tasks, task)
		if reason, skip := run.skips[id]; skip {
			lr.Skip[id] = reason
		}
	}
	run.layerRun = lr
	if len(lr.Tasks) == 0 {
		return outcomes
	}

	for id, o := range e.join.RunLayer(ctx, lr) {
		outcomes[id] = o
	}
	return outcomes
}

// resolveEscalations converts escalated outcomes into one approval round
// and parks the loop until the round closes. Returns false when the run
// aborted or the context was cancelled while parked; the workflow then
// stays in awaiting_approval and resumes from its checkpoint.
func (e *executorImpl) resolveEscalations(ctx context.Context, run *workflowRun, layer int, outcomes map[string]*schema.Outcome) bool {
	if !hasEscalations(outcomes) {
		return true
	}

	// Settled siblings are committed before the snapshot. A restart while
	// the round is open re-enters the layer with those outcomes already in
	// the run state, so only the escalated tasks are dispatched again.
	e.foldOutcomes(ctx, run, layer, settledOf(outcomes))

	// The snapshot taken before parking is what decision_required points
	// at: a restart resumes straight back into this round.
	cpID, err := e.saveLayerCheckpoint(ctx, run, schema.WorkflowStatusAwaitingApproval, layer)
	if err != nil {
		if run.fatal == nil {
			run.fatal = toEngineError(err, schema.ErrCodeStore)
		}
		return false
	}
	if err := e.transitionStatus(ctx, run.workflowID, schema.WorkflowStatusRunning, schema.WorkflowStatusAwaitingApproval, nil); err != nil {
		if run.fatal == nil {
			run.fatal = toEngineError(err, schema.ErrCodeInvalidTransition)
		}
		return false
	}

	rc := RoundContext{
		CheckpointID: cpID,
		Context: decision.Build(decision.Params{
			Kind:        decision.KindApproval,
			Layer:       layer,
			Intent:      run.intent,
			Escalations: escalationsOf(run, outcomes),
			TaskOutputs: run.scope.TaskOutputs(),
		}),
	}
	round, err := e.mediator.Open(ctx, run.layerRun, outcomes, rc)
	if err != nil {
		if run.fatal == nil {
			run.fatal = toEngineError(err, schema.ErrCodeStore)
		}
		return false
	}

	for round != nil && !round.Closed() {
		cmd := e.awaitCommand(ctx, run, schema.CommandApproval, schema.CommandAbort)
		if cmd == nil {
			return false // context cancelled while parked; status stays awaiting_approval
		}
		if cmd.Type == schema.CommandAbort {
			e.mediator.Cancel(ctx, round)
			run.aborted = true
			run.abortReason = cmd.Reason
			return false
		}
		remaining, applyErr := e.mediator.Apply(ctx, round, run.layerRun, outcomes, cmd.Approval, cmd.IssuedBy)
		if applyErr != nil {
			if run.fatal == nil {
				run.fatal = toEngineError(applyErr, schema.ErrCodeStore)
			}
			return false
		}
		if remaining > 0 {
			// A partial response, or an approved task escalated again
			// with a new request.
			e.mediator.Reopen(ctx, round, rc)
		}
	}

	return e.transitionStatus(ctx, run.workflowID, schema.WorkflowStatusAwaitingApproval, schema.WorkflowStatusRunning, nil) == nil
}

// foldOutcomes commits a settled layer into the run state: outputs enter
// the interpolation scope, task states are persisted, and failures
// propagate skips to their transitive dependents. Independent branches are
// untouched and keep executing in later layers.
func (e *executorImpl) foldOutcomes(ctx context.Context, run *workflowRun, layer int, outcomes map[string]*schema.Outcome) {
	for _, id := range run.plan.Layers[layer] {
		o, ok := outcomes[id]
		if !ok {
			continue
		}
		prior, had := run.state.Outcomes[id]
		run.state.Outcomes[id] = o
		if had && prior.State.Settled() && prior == o {
			continue // unchanged pre-settled outcome from a resume
		}

		switch o.State {
		case schema.OutcomeSucceeded:
			_ = run.scope.AddTaskOutput(id, o.Result)
		case schema.OutcomeFailed:
			task := run.plan.Tasks[id]
			blocked := run.propagateSkips(id, o)
			if (!task.IsSafeToFail() || blocked > 0) && run.fatal == nil {
				run.fatal = failureOf(o)
			}
		case schema.OutcomeSkipped:
			run.propagateSkips(id, o)
		}

		e.persistTaskState(ctx, run.workflowID, o)
	}
}

// pauseForDecision parks the run at a deliberate AIL/HIL checkpoint. The
// decision offers continue, abort, and replan. Returns false when the loop
// must stop (abort or cancellation).
func (e *executorImpl) pauseForDecision(ctx context.Context, run *workflowRun, layer int, pauseTask string) bool {
	cpID, err := e.saveLayerCheckpoint(ctx, run, schema.WorkflowStatusAwaitingDecision, layer+1)
	if err != nil {
		if run.fatal == nil {
			run.fatal = toEngineError(err, schema.ErrCodeStore)
		}
		return false
	}
	if err := e.transitionStatus(ctx, run.workflowID, schema.WorkflowStatusRunning, schema.WorkflowStatusAwaitingDecision, nil); err != nil {
		return false
	}

	dec := &store.Decision{
		ID:         uuid.New().String(),
		WorkflowID: run.workflowID,
		Kind:       store.DecisionKindPause,
		Context: decision.Build(decision.Params{
			Kind:        decision.KindPause,
			Layer:       layer,
			Intent:      run.intent,
			TaskOutputs: run.scope.TaskOutputs(),
		}),
		Status:    store.DecisionStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateDecision(ctx, dec); err != nil {
		if run.fatal == nil {
			run.fatal = toEngineError(err, schema.ErrCodeStore)
		}
		return false
	}

	payload, _ := json.Marshal(map[string]any{
		"decision_id":   dec.ID,
		"kind":          store.DecisionKindPause,
		"layer":         layer,
		"task_id":       pauseTask,
		"checkpoint_id": cpID,
	})
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		WorkflowID: run.workflowID,
		TaskID:     pauseTask,
		Type:       schema.EventDecisionRequired,
		Payload:    payload,
	})

	cmd := e.awaitCommand(ctx, run, schema.CommandContinue, schema.CommandAbort, schema.CommandReplan)
	if cmd == nil {
		return false // parked run released by cancellation; resume rebuilds the pause
	}

	switch cmd.Type {
	case schema.CommandAbort:
		_ = e.store.CancelDecision(ctx, dec.ID)
		run.aborted = true
		run.abortReason = cmd.Reason
		return false
	case schema.CommandReplan:
		e.resolvePauseDecision(ctx, run, dec.ID, cmd)
		if err := e.transitionStatus(ctx, run.workflowID, schema.WorkflowStatusAwaitingDecision, schema.WorkflowStatusRunning, nil); err != nil {
			return false
		}
		e.applyReplan(ctx, run, cmd)
		return true
	default: // continue
		e.resolvePauseDecision(ctx, run, dec.ID, cmd)
		return e.transitionStatus(ctx, run.workflowID, schema.WorkflowStatusAwaitingDecision, schema.WorkflowStatusRunning, nil) == nil
	}
}

func (e *executorImpl) resolvePauseDecision(ctx context.Context, run *workflowRun, decisionID string, cmd *schema.Command) {
	resolution, _ := json.Marshal(map[string]any{"command": string(cmd.Type), "command_id": cmd.ID})
	_ = e.store.ResolveDecision(ctx, decisionID, resolution, cmd.IssuedBy)
	payload, _ := json.Marshal(map[string]any{
		"decision_id": decisionID,
		"resolution":  string(cmd.Type),
		"resolved_by": cmd.IssuedBy,
	})
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		WorkflowID: run.workflowID,
		Type:       schema.EventDecisionResolved,
		Payload:    payload,
	})
}

// applyBoundaryCommand handles a state-relevant command drained between
// layers while the run is in running state.
func (e *executorImpl) applyBoundaryCommand(ctx context.Context, run *workflowRun, cmd *schema.Command) {
	switch cmd.Type {
	case schema.CommandAbort:
		run.aborted = true
		run.abortReason = cmd.Reason
	case schema.CommandReplan:
		e.applyReplan(ctx, run, cmd)
	}
}

// applyReplan replaces the not-yet-executed remainder of the plan with a
// freshly proposed graph for the same workflow. Settled outcomes are
// preserved and stay referenceable from the new graph's task args.
func (e *executorImpl) applyReplan(ctx context.Context, run *workflowRun, cmd *schema.Command) {
	if e.proposer == nil {
		e.rejectCommand(ctx, cmd, "no graph proposer configured")
		return
	}

	settled := make(map[string]*schema.Outcome)
	satisfied := make(map[string]bool)
	for id, o := range run.state.Outcomes {
		if o.State.Settled() {
			settled[id] = o
			satisfied[id] = true
		}
	}

	var inputs json.RawMessage
	if len(run.inputs) > 0 {
		inputs, _ = json.Marshal(run.inputs)
	}
	graph, err := e.proposer.Propose(ctx, &ProposeRequest{
		WorkflowID: run.workflowID,
		Intent:     cmd.Intent,
		Inputs:     inputs,
		Settled:    settled,
	})
	if err != nil {
		e.rejectCommand(ctx, cmd, "replan proposal failed: "+err.Error())
		return
	}
	// A task resubmitted under an already-settled ID is not schedulable
	// again; its settled outcome stands.
	for id := range satisfied {
		if graph.Lookup(id) != nil {
			delete(satisfied, id)
		}
	}
	plan, err := CompilePlanWith(graph, satisfied)
	if err != nil {
		e.rejectCommand(ctx, cmd, "replan graph rejected: "+err.Error())
		return
	}

	run.plan = plan
	run.state.Graph = graph
	run.state.NextLayer = 0
	run.state.Intent = cmd.Intent
	run.state.Replanned = true
	run.intent = cmd.Intent

	// Skip marks referenced the old plan's shape; rebuild them from the
	// settled failures against the new plan.
	run.skips = make(map[string]string)
	for id, o := range run.state.Outcomes {
		if o.State == schema.OutcomeFailed || o.State == schema.OutcomeSkipped {
			run.propagateSkips(id, o)
		}
	}

	for _, id := range plan.Sorted {
		if o, done := run.state.Outcomes[id]; done && o.State.Settled() {
			continue
		}
		_ = e.store.UpsertTaskState(ctx, &store.TaskState{
			WorkflowID: run.workflowID,
			TaskID:     id,
			State:      schema.OutcomePending,
		})
	}

	payload, _ := json.Marshal(map[string]any{
		"graph_id":   graph.ID,
		"intent":     cmd.Intent,
		"task_count": graph.Len(),
		"layers":     len(plan.Layers),
		"issued_by":  cmd.IssuedBy,
	})
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		WorkflowID: run.workflowID,
		Type:       schema.EventReplanApplied,
		Payload:    payload,
		ActorID:    cmd.IssuedBy,
	})
}

// finalize settles the workflow into its terminal status and builds the
// report: furthest layer reached, every outcome obtained, what went wrong.
func (e *executorImpl) finalize(ctx context.Context, run *workflowRun) *ExecutionResult {
	result := &ExecutionResult{
		WorkflowID:    run.workflowID,
		Status:        run.state.Status,
		FurthestLayer: run.state.NextLayer,
		LayerCount:    len(run.plan.Layers),
		Outcomes:      run.state.Outcomes,
		Replanned:     run.state.Replanned,
	}

	switch {
	case run.aborted:
		e.cascadeAbort(ctx, run)
		result.Status = schema.WorkflowStatusAborted
		result.AbortReason = run.abortReason
	case ctx.Err() != nil && run.state.NextLayer < len(run.plan.Layers) && run.fatal == nil:
		// Shutdown or caller cancellation mid-run: not a terminal status.
		// The checkpoint carries the run; Resume picks it back up.
		return result
	case run.fatal != nil:
		payload, _ := json.Marshal(map[string]any{
			"code":    run.fatal.Code,
			"error":   run.fatal.Message,
			"task_id": run.fatal.TaskID,
		})
		_ = e.transitionStatus(ctx, run.workflowID, schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, payload)
		e.skipUnreached(ctx, run)
		result.Status = schema.WorkflowStatusFailed
		result.Error = run.fatal
	default:
		_ = e.transitionStatus(ctx, run.workflowID, schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted, nil)
		result.Status = schema.WorkflowStatusCompleted
	}

	run.state.Status = result.Status
	if result.Status.Terminal() {
		now := time.Now().UTC()
		result.CompletedAt = &now
		// Final snapshot so the terminal report survives alongside the
		// layer history.
		_, _ = e.checkpoints.Save(ctx, run.state)
	}
	return result
}

// cascadeAbort marks the workflow aborted and skips everything unsettled.
// Cooperative: any task already dispatched has settled by the time the
// cascade runs, because aborts are only drained at layer boundaries.
func (e *executorImpl) cascadeAbort(ctx context.Context, run *workflowRun) {
	states := make(map[string]schema.OutcomeState, len(run.plan.Sorted))
	for _, id := range run.plan.Sorted {
		if o, ok := run.state.Outcomes[id]; ok {
			states[id] = o.State
		} else {
			states[id] = schema.OutcomePending
		}
	}

	from := run.state.Status
	if from.Terminal() {
		return
	}
	if err := AbortRun(ctx, e.wfFSM, e.taskFSM, run.workflowID, from, states, run.abortReason); err != nil {
		// The FSM refused (already terminal); nothing left to cascade.
		return
	}

	status := schema.WorkflowStatusAborted
	_ = e.store.UpdateWorkflow(ctx, run.workflowID, store.WorkflowUpdate{Status: &status})
	for id, st := range states {
		if st.Settled() {
			continue
		}
		o := schema.Skipped(id, "workflow aborted")
		run.state.Outcomes[id] = o
		e.persistTaskState(ctx, run.workflowID, o)
	}
}

// skipUnreached records a skipped outcome for every task the failed run
// never reached, so the report covers the whole graph.
func (e *executorImpl) skipUnreached(ctx context.Context, run *workflowRun) {
	for _, id := range run.plan.Sorted {
		if o, ok := run.state.Outcomes[id]; ok && o.State.Settled() {
			continue
		}
		reason := run.skips[id]
		if reason == "" {
			reason = "workflow failed before this task's layer"
		}
		o := schema.Skipped(id, reason)
		run.state.Outcomes[id] = o
		_ = e.taskFSM.Transition(ctx, run.workflowID, id, schema.OutcomePending, schema.OutcomeSkipped, settlePayload(o))
		e.persistTaskState(ctx, run.workflowID, o)
	}
}

// --- command draining ---

// drainInto moves everything queued in the mailbox onto the run's pending
// list, preserving enqueue order.
func (e *executorImpl) drainInto(run *workflowRun) {
	run.pending = append(run.pending, e.mailbox.Drain(run.workflowID)...)
}

// takeCommand consumes the first pending command whose type is accepted at
// the current suspension point. Commands of a type that cannot apply here
// are consumed and rejected in order, so a stale approval never shadows a
// later abort.
func (e *executorImpl) takeCommand(ctx context.Context, run *workflowRun, accepted ...schema.CommandType) *schema.Command {
	for len(run.pending) > 0 {
		cmd := run.pending[0]
		run.pending = run.pending[1:]
		for _, t := range accepted {
			if cmd.Type == t {
				return cmd
			}
		}
		e.rejectCommand(ctx, cmd, rejectionReason(run, cmd))
	}
	return nil
}

// awaitCommand parks the control loop until an accepted command arrives or
// the context is cancelled. This is the only place the loop blocks outside
// a layer join.
func (e *executorImpl) awaitCommand(ctx context.Context, run *workflowRun, accepted ...schema.CommandType) *schema.Command {
	wake := e.mailbox.Wake(run.workflowID)
	for {
		e.drainInto(run)
		if cmd := e.takeCommand(ctx, run, accepted...); cmd != nil {
			return cmd
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func rejectionReason(run *workflowRun, cmd *schema.Command) string {
	switch cmd.Type {
	case schema.CommandContinue:
		return "workflow is not paused on a decision"
	case schema.CommandApproval:
		return "no pending approval round"
	case schema.CommandReplan:
		return "replan is not accepted at this point"
	default:
		return "command not applicable in status " + string(run.state.Status)
	}
}

// --- helpers ---

// propagateSkips pre-marks every unsettled transitive dependent of a
// non-succeeded task. Returns how many tasks were newly marked.
func (run *workflowRun) propagateSkips(id string, o *schema.Outcome) int {
	reason := "dependency " + id + " " + string(o.State)
	marked := 0
	for _, dep := range run.plan.Downstream(id) {
		if out, ok := run.state.Outcomes[dep]; ok && out.State.Settled() {
			continue
		}
		if _, already := run.skips[dep]; already {
			continue
		}
		run.skips[dep] = reason
		marked++
	}
	return marked
}

func (e *executorImpl) persistTaskState(ctx context.Context, workflowID string, o *schema.Outcome) {
	ts := &store.TaskState{
		WorkflowID: workflowID,
		TaskID:     o.TaskID,
		State:      o.State,
		Result:     o.Result,
		SkipReason: o.SkipReason,
		Attempts:   o.Attempts,
	}
	if o.Error != nil {
		if blob, err := json.Marshal(o.Error); err == nil {
			ts.Error = blob
		}
	}
	if !o.StartedAt.IsZero() {
		t := o.StartedAt
		ts.StartedAt = &t
	}
	if !o.EndedAt.IsZero() {
		t := o.EndedAt
		ts.EndedAt = &t
		if !o.StartedAt.IsZero() {
			ts.DurationMs = o.EndedAt.Sub(o.StartedAt).Milliseconds()
		}
	}
	_ = e.store.UpsertTaskState(ctx, ts)
}

// saveLayerCheckpoint snapshots the run with the given status and next
// layer index.
func (e *executorImpl) saveLayerCheckpoint(ctx context.Context, run *workflowRun, status schema.WorkflowStatus, nextLayer int) (int64, error) {
	run.state.Status = status
	run.state.NextLayer = nextLayer
	return e.checkpoints.Save(ctx, run.state)
}

// settledOf filters a layer's outcomes down to the settled ones.
func settledOf(outcomes map[string]*schema.Outcome) map[string]*schema.Outcome {
	settled := make(map[string]*schema.Outcome, len(outcomes))
	for id, o := range outcomes {
		if o.State.Settled() {
			settled[id] = o
		}
	}
	return settled
}

func hasEscalations(outcomes map[string]*schema.Outcome) bool {
	for _, o := range outcomes {
		if o.State == schema.OutcomeEscalated {
			return true
		}
	}
	return false
}

// escalationsOf lists the layer's escalation requests in source order.
func escalationsOf(run *workflowRun, outcomes map[string]*schema.Outcome) []*schema.EscalationRequest {
	var out []*schema.EscalationRequest
	for _, task := range run.layerRun.Tasks {
		if o, ok := outcomes[task.ID]; ok && o.State == schema.OutcomeEscalated && o.Escalation != nil {
			out = append(out, o.Escalation)
		}
	}
	return out
}

// pauseRequestedIn returns the first task of the layer that asked for a
// pause checkpoint and actually ran; a task skipped by propagation does not
// pause the workflow.
func pauseRequestedIn(run *workflowRun, layer int, outcomes map[string]*schema.Outcome) string {
	for _, id := range run.plan.Layers[layer] {
		task := run.plan.Tasks[id]
		if !task.PauseAfter {
			continue
		}
		if o, ok := outcomes[id]; ok && o.State != schema.OutcomeSkipped {
			return id
		}
	}
	return ""
}

func failureOf(o *schema.Outcome) *schema.EngineError {
	if o.Error != nil {
		return o.Error
	}
	return schema.NewErrorf(schema.ErrCodeTaskFailed, "task %s failed", o.TaskID).WithTask(o.TaskID)
}
