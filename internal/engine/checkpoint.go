package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// CheckpointStore is the slice of the store the checkpoint manager needs.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error
	LatestCheckpoint(ctx context.Context, workflowID string) (*store.Checkpoint, error)
	PruneCheckpoints(ctx context.Context, workflowID string, keep int) error
}

// RunState is the serialized form of one execution at a layer boundary. It
// carries everything resume needs: the graph (so the plan recompiles
// deterministically), every settled outcome, and the index of the next
// layer. Settled layers are never re-executed from a restored state.
type RunState struct {
	WorkflowID string                     `json:"workflow_id"`
	Status     schema.WorkflowStatus      `json:"status"`
	Graph      *schema.TaskGraph          `json:"graph"`
	NextLayer  int                        `json:"next_layer"`
	Outcomes   map[string]*schema.Outcome `json:"outcomes"`
	Inputs     map[string]any             `json:"inputs,omitempty"`
	Intent     string                     `json:"intent,omitempty"`
	Defaults   *schema.RunDefaults        `json:"defaults,omitempty"`
	Replanned  bool                       `json:"replanned,omitempty"` // graph no longer matches the submitted definition
}

// Settled reports whether the task already carries a final outcome.
func (s *RunState) Settled(taskID string) bool {
	o, ok := s.Outcomes[taskID]
	return ok && o.State.Settled()
}

// CheckpointManager persists run snapshots at layer boundaries. Saves happen
// after a layer fully settles and its escalations are resolved, so a
// restored snapshot never contains a half-executed layer. History is
// retained so earlier snapshots stay inspectable.
type CheckpointManager struct {
	store  CheckpointStore
	events EventAppender
	keep   int // snapshots retained per workflow; <= 0 keeps all
}

// NewCheckpointManager creates a CheckpointManager.
func NewCheckpointManager(cs CheckpointStore, events EventAppender, keep int) *CheckpointManager {
	return &CheckpointManager{store: cs, events: events, keep: keep}
}

// Save snapshots the run and emits checkpoint_saved. Returns the checkpoint
// id assigned by the store.
func (m *CheckpointManager) Save(ctx context.Context, state *RunState) (int64, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "encode run state: %s", err.Error()).WithCause(err)
	}

	cp := &store.Checkpoint{
		WorkflowID: state.WorkflowID,
		LayerIndex: state.NextLayer,
		Status:     state.Status,
		State:      blob,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "save checkpoint: %s", err.Error()).WithCause(err)
	}

	payload, _ := json.Marshal(map[string]any{
		"checkpoint_id": cp.ID,
		"next_layer":    state.NextLayer,
		"status":        string(state.Status),
	})
	_ = m.events.AppendEvent(ctx, &store.Event{
		WorkflowID: state.WorkflowID,
		Type:       schema.EventCheckpointSaved,
		Payload:    payload,
	})

	if m.keep > 0 {
		// Pruning is best-effort; a failed prune never fails the layer.
		_ = m.store.PruneCheckpoints(ctx, state.WorkflowID, m.keep)
	}
	return cp.ID, nil
}

// Load restores the most recent snapshot for the workflow, or returns
// NO_CHECKPOINT when none was ever saved.
func (m *CheckpointManager) Load(ctx context.Context, workflowID string) (*RunState, error) {
	cp, err := m.store.LatestCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load checkpoint: %s", err.Error()).WithCause(err)
	}
	if cp == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNoCheckpoint,
			"no checkpoint for workflow %s", workflowID)
	}

	var state RunState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"corrupt checkpoint %d for workflow %s: %s", cp.ID, workflowID, err.Error()).WithCause(err)
	}
	if state.Graph != nil {
		state.Graph.RebuildIndex()
	}
	return &state, nil
}
