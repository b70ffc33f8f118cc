package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// DecisionStore is the slice of the store the mediator needs.
type DecisionStore interface {
	CreateDecision(ctx context.Context, d *store.Decision) error
	ResolveDecision(ctx context.Context, id string, resolution []byte, resolvedBy string) error
	CancelDecision(ctx context.Context, id string) error
}

// EscalationRound ties every escalation one settled layer produced to a
// single pending decision. A response may resolve any subset; the round
// stays open until none remain.
type EscalationRound struct {
	WorkflowID string
	Layer      int
	DecisionID string
	Pending    map[string]*schema.EscalationRequest

	order []string // layer source order, for deterministic iteration
}

// Remaining returns the still-pending task IDs in layer source order.
func (r *EscalationRound) Remaining() []string {
	out := make([]string, 0, len(r.Pending))
	for _, id := range r.order {
		if _, ok := r.Pending[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Closed reports whether every escalation in the round has been resolved.
func (r *EscalationRound) Closed() bool { return len(r.Pending) == 0 }

// EscalationMediator converts escalated outcomes into decision points. It
// never blocks execution: the join settles the whole layer first, then the
// mediator inspects what settled. A round with no response parks the
// workflow in awaiting_approval indefinitely; that is a status, not an
// error.
type EscalationMediator struct {
	decisions DecisionStore
	events    EventAppender
	tasks     *TaskFSM
	join      *JoinCoordinator
}

// NewEscalationMediator creates an EscalationMediator.
func NewEscalationMediator(decisions DecisionStore, events EventAppender, tasks *TaskFSM, join *JoinCoordinator) *EscalationMediator {
	return &EscalationMediator{decisions: decisions, events: events, tasks: tasks, join: join}
}

// RoundContext carries run-level context into the pending decision so an
// external actor can render it without loading the workflow.
type RoundContext struct {
	CheckpointID int64           // most recent durable checkpoint, 0 when none yet
	Context      json.RawMessage // decision context payload built by the caller
}

// Open scans a settled layer for escalated outcomes and creates one pending
// decision covering all of them, emitting decision_required. Returns nil
// when the layer escalated nothing.
func (m *EscalationMediator) Open(ctx context.Context, run *LayerRun, outcomes map[string]*schema.Outcome, rc RoundContext) (*EscalationRound, error) {
	round := &EscalationRound{
		WorkflowID: run.WorkflowID,
		Layer:      run.Layer,
		Pending:    make(map[string]*schema.EscalationRequest),
	}
	for _, task := range run.Tasks {
		o, ok := outcomes[task.ID]
		if !ok || o.State != schema.OutcomeEscalated || o.Escalation == nil {
			continue
		}
		round.Pending[task.ID] = o.Escalation
		round.order = append(round.order, task.ID)
	}
	if len(round.Pending) == 0 {
		return nil, nil
	}

	round.DecisionID = uuid.New().String()

	requests := make([]*schema.EscalationRequest, 0, len(round.order))
	for _, id := range round.order {
		requests = append(requests, round.Pending[id])
	}
	escalations, err := json.Marshal(requests)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "encode escalations: %s", err.Error()).WithCause(err)
	}

	dec := &store.Decision{
		ID:          round.DecisionID,
		WorkflowID:  run.WorkflowID,
		Kind:        store.DecisionKindApproval,
		Context:     rc.Context,
		Escalations: escalations,
		Status:      store.DecisionStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.decisions.CreateDecision(ctx, dec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create decision: %s", err.Error()).WithCause(err)
	}

	m.emitRequired(ctx, round, rc)
	return round, nil
}

// Reopen re-emits decision_required for the tasks still pending in the
// round, after a partial response or a re-escalation.
func (m *EscalationMediator) Reopen(ctx context.Context, round *EscalationRound, rc RoundContext) {
	m.emitRequired(ctx, round, rc)
}

func (m *EscalationMediator) emitRequired(ctx context.Context, round *EscalationRound, rc RoundContext) {
	summaries := make([]map[string]any, 0, len(round.order))
	for _, id := range round.Remaining() {
		req := round.Pending[id]
		summaries = append(summaries, map[string]any{
			"task_id":   id,
			"granted":   string(req.Granted),
			"requested": string(req.Requested),
			"operation": req.Operation,
			"failure":   req.Failure,
		})
	}
	payload, _ := json.Marshal(map[string]any{
		"decision_id":   round.DecisionID,
		"kind":          store.DecisionKindApproval,
		"layer":         round.Layer,
		"checkpoint_id": rc.CheckpointID,
		"escalations":   summaries,
	})
	_ = m.events.AppendEvent(ctx, &store.Event{
		WorkflowID: round.WorkflowID,
		Type:       schema.EventDecisionRequired,
		Payload:    payload,
	})
}

// Apply consumes an approval response against the round. Rejected tasks are
// recorded permanently failed; approved tasks re-run immediately with their
// requested capability, and the fresh outcomes fold into the layer's outcome
// map before it closes. A response naming no pending task leaves the round
// untouched. Returns the number of escalations still pending.
func (m *EscalationMediator) Apply(ctx context.Context, round *EscalationRound, run *LayerRun, outcomes map[string]*schema.Outcome, approval *schema.ApprovalResponse, resolvedBy string) (int, error) {
	if approval == nil {
		return len(round.Pending), schema.NewError(schema.ErrCodeValidation, "approval response is empty")
	}

	covered := make([]string, 0, len(round.Pending))
	for _, id := range round.Remaining() {
		if approval.AppliesTo(id) {
			covered = append(covered, id)
		}
	}
	if len(covered) == 0 {
		return len(round.Pending), nil
	}

	if approval.Approved {
		m.reinvoke(ctx, round, run, outcomes, covered)
	} else {
		m.reject(ctx, round, outcomes, covered, approval.Feedback)
	}

	if round.Closed() {
		resolution, _ := json.Marshal(approval)
		if err := m.decisions.ResolveDecision(ctx, round.DecisionID, resolution, resolvedBy); err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeStore, "resolve decision: %s", err.Error()).WithCause(err)
		}
		payload, _ := json.Marshal(map[string]any{
			"decision_id": round.DecisionID,
			"approved":    approval.Approved,
			"resolved_by": resolvedBy,
		})
		_ = m.events.AppendEvent(ctx, &store.Event{
			WorkflowID: round.WorkflowID,
			Type:       schema.EventDecisionResolved,
			Payload:    payload,
		})
	}
	return len(round.Pending), nil
}

// reinvoke re-runs the approved tasks at their requested capability. A task
// that escalates again re-enters the round with its new request.
func (m *EscalationMediator) reinvoke(ctx context.Context, round *EscalationRound, run *LayerRun, outcomes map[string]*schema.Outcome, approved []string) {
	byID := make(map[string]*schema.Task, len(run.Tasks))
	for _, t := range run.Tasks {
		byID[t.ID] = t
	}

	rerun := &LayerRun{
		WorkflowID: run.WorkflowID,
		Layer:      run.Layer,
		Scope:      run.Scope,
		Grant:      run.Grant,
		Grants:     make(map[string]schema.Capability, len(approved)),
		From:       make(map[string]schema.OutcomeState, len(approved)),
	}
	for _, id := range approved {
		task, ok := byID[id]
		if !ok {
			delete(round.Pending, id)
			continue
		}
		rerun.Tasks = append(rerun.Tasks, task)
		rerun.Grants[id] = round.Pending[id].Requested
		rerun.From[id] = schema.OutcomeEscalated
	}

	folded := m.join.RunLayer(ctx, rerun)
	for id, o := range folded {
		outcomes[id] = o
		if o.State == schema.OutcomeEscalated && o.Escalation != nil {
			round.Pending[id] = o.Escalation
			continue
		}
		delete(round.Pending, id)
	}
}

// reject records a permanent failure for each rejected task. The task is
// never re-dispatched; downstream propagation is the controller's job.
func (m *EscalationMediator) reject(ctx context.Context, round *EscalationRound, outcomes map[string]*schema.Outcome, rejected []string, feedback string) {
	for _, id := range rejected {
		msg := "escalation rejected"
		if feedback != "" {
			msg += ": " + feedback
		}
		prior := outcomes[id]
		o := schema.Failed(id, schema.NewError(schema.ErrCodeCapabilityDenied, msg).WithTask(id))
		if prior != nil {
			o.Attempts = prior.Attempts
			o.StartedAt = prior.StartedAt
		}
		o.EndedAt = time.Now().UTC()
		_ = m.tasks.Transition(ctx, round.WorkflowID, id, schema.OutcomeEscalated, schema.OutcomeFailed, settlePayload(o))
		outcomes[id] = o
		delete(round.Pending, id)
	}
}

// Cancel marks the round's decision cancelled, for aborts that arrive while
// the round is open. Task-level skips are the abort cascade's job.
func (m *EscalationMediator) Cancel(ctx context.Context, round *EscalationRound) {
	if round == nil || round.DecisionID == "" {
		return
	}
	_ = m.decisions.CancelDecision(ctx, round.DecisionID)
}
