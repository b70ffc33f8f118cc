package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/laminarhq/laminar/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Actors ---

func (s *LibSQLStore) RegisterActor(ctx context.Context, actor *Actor) error {
	metadata, err := nullableJSON(actor.Metadata)
	if err != nil {
		return fmt.Errorf("marshal actor metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actors (id, name, type, metadata, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, metadata=excluded.metadata`,
		actor.ID, actor.Name, actor.Type, metadata, timeOrNow(actor.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetActor(ctx context.Context, id string) (*Actor, error) {
	a := &Actor{}
	var metadata sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM actors WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Type, &metadata, &a.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("actor", id)
	}
	if err != nil {
		return nil, err
	}
	a.Metadata = jsonOrNil(metadata)
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.Time
	}
	return a, nil
}

func (s *LibSQLStore) UpdateActorSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actors SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "actor", id)
}

func (s *LibSQLStore) ListActors(ctx context.Context) ([]*Actor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM actors ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []*Actor
	for rows.Next() {
		a := &Actor{}
		var metadata sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &metadata, &a.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		a.Metadata = jsonOrNil(metadata)
		if lastSeen.Valid {
			a.LastSeenAt = &lastSeen.Time
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	inputs, err := marshalMapOrDefault(wf.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, definition, status, intent, actor_id, parent_workflow_id, inputs, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.Name), string(def), string(wf.Status),
		nullStr(wf.Intent), wf.ActorID, nullStr(wf.ParentID),
		string(inputs), nullRaw(wf.Output), nullRaw(wf.Error),
		timeOrNow(wf.CreatedAt), nullTime(wf.StartedAt), nullTime(wf.CompletedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var (
		name, intent, parentID sql.NullString
		defJSON, inputJSON     string
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, definition, status, intent, actor_id, parent_workflow_id, inputs, output, error, created_at, started_at, completed_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &name, &defJSON, &status, &intent, &wf.ActorID, &parentID,
		&inputJSON, &outputJSON, &errorJSON, &wf.CreatedAt, &startedAt, &completedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.Intent = intent.String
	wf.ParentID = parentID.String
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if inputJSON != "" {
		_ = json.Unmarshal([]byte(inputJSON), &wf.Inputs)
	}
	wf.Output = rawOrNil(outputJSON)
	wf.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		wf.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, name, definition, status, intent, actor_id, parent_workflow_id, inputs, output, error, created_at, started_at, completed_at, updated_at FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var (
			name, intent, parentID sql.NullString
			defJSON, inputJSON     string
			outputJSON, errorJSON  sql.NullString
			startedAt, completedAt sql.NullTime
			status                 string
		)
		if err := rows.Scan(&wf.ID, &name, &defJSON, &status, &intent, &wf.ActorID, &parentID,
			&inputJSON, &outputJSON, &errorJSON, &wf.CreatedAt, &startedAt, &completedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Name = name.String
		wf.Intent = intent.String
		wf.ParentID = parentID.String
		wf.Status = schema.WorkflowStatus(status)
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		if inputJSON != "" {
			_ = json.Unmarshal([]byte(inputJSON), &wf.Inputs)
		}
		wf.Output = rawOrNil(outputJSON)
		wf.Error = rawOrNil(errorJSON)
		if startedAt.Valid {
			wf.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			wf.CompletedAt = &completedAt.Time
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this workflow
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, task_id, event_type, payload, actor_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.TaskID), event.Type, payload, nullStr(event.ActorID), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, task_id, event_type, payload, actor_id, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, task_id, event_type, payload, actor_id, timestamp, sequence FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var taskID, actorID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &taskID, &e.Type, &payload, &actorID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.ActorID = actorID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Task State ---

func (s *LibSQLStore) UpsertTaskState(ctx context.Context, state *TaskState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_states (workflow_id, task_id, state, result, error, skip_reason, attempts, started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, task_id) DO UPDATE SET
		   state=excluded.state, result=excluded.result, error=excluded.error,
		   skip_reason=excluded.skip_reason, attempts=excluded.attempts,
		   started_at=excluded.started_at, ended_at=excluded.ended_at,
		   duration_ms=excluded.duration_ms`,
		state.WorkflowID, state.TaskID, string(state.State),
		nullRaw(state.Result), nullRaw(state.Error), nullStr(state.SkipReason),
		state.Attempts, nullTime(state.StartedAt), nullTime(state.EndedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetTaskState(ctx context.Context, workflowID, taskID string) (*TaskState, error) {
	ts := &TaskState{}
	var state string
	var result, errJSON, skipReason sql.NullString
	var startedAt, endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, task_id, state, result, error, skip_reason, attempts, started_at, ended_at, duration_ms
		 FROM task_states WHERE workflow_id = ? AND task_id = ?`, workflowID, taskID,
	).Scan(&ts.WorkflowID, &ts.TaskID, &state, &result, &errJSON, &skipReason,
		&ts.Attempts, &startedAt, &endedAt, &ts.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task_state", workflowID+"/"+taskID)
	}
	if err != nil {
		return nil, err
	}
	ts.State = schema.OutcomeState(state)
	ts.Result = rawOrNil(result)
	ts.Error = rawOrNil(errJSON)
	ts.SkipReason = skipReason.String
	if startedAt.Valid {
		ts.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		ts.EndedAt = &endedAt.Time
	}
	return ts, nil
}

func (s *LibSQLStore) ListTaskStates(ctx context.Context, workflowID string) ([]*TaskState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, task_id, state, result, error, skip_reason, attempts, started_at, ended_at, duration_ms
		 FROM task_states WHERE workflow_id = ?`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*TaskState
	for rows.Next() {
		ts := &TaskState{}
		var state string
		var result, errJSON, skipReason sql.NullString
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(&ts.WorkflowID, &ts.TaskID, &state, &result, &errJSON, &skipReason,
			&ts.Attempts, &startedAt, &endedAt, &ts.DurationMs); err != nil {
			return nil, err
		}
		ts.State = schema.OutcomeState(state)
		ts.Result = rawOrNil(result)
		ts.Error = rawOrNil(errJSON)
		ts.SkipReason = skipReason.String
		if startedAt.Valid {
			ts.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			ts.EndedAt = &endedAt.Time
		}
		states = append(states, ts)
	}
	return states, rows.Err()
}

// --- Checkpoints ---

func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (workflow_id, layer_index, status, state, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cp.WorkflowID, cp.LayerIndex, string(cp.Status), string(cp.State), timeOrNow(cp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	cp.ID = id
	return nil
}

func (s *LibSQLStore) LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var status, state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, layer_index, status, state, created_at
		 FROM checkpoints WHERE workflow_id = ? ORDER BY id DESC LIMIT 1`, workflowID,
	).Scan(&cp.ID, &cp.WorkflowID, &cp.LayerIndex, &status, &state, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNoCheckpoint, "no checkpoint for workflow %q", workflowID)
	}
	if err != nil {
		return nil, err
	}
	cp.Status = schema.WorkflowStatus(status)
	cp.State = json.RawMessage(state)
	return cp, nil
}

func (s *LibSQLStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, layer_index, status, state, created_at
		 FROM checkpoints WHERE workflow_id = ? ORDER BY id DESC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		var status, state string
		if err := rows.Scan(&cp.ID, &cp.WorkflowID, &cp.LayerIndex, &status, &state, &cp.CreatedAt); err != nil {
			return nil, err
		}
		cp.Status = schema.WorkflowStatus(status)
		cp.State = json.RawMessage(state)
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func (s *LibSQLStore) PruneCheckpoints(ctx context.Context, workflowID string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE workflow_id = ? AND id NOT IN (
		   SELECT id FROM checkpoints WHERE workflow_id = ? ORDER BY id DESC LIMIT ?
		 )`,
		workflowID, workflowID, keep,
	)
	return err
}

// --- Decisions ---

func (s *LibSQLStore) CreateDecision(ctx context.Context, dec *Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, workflow_id, kind, context, escalations, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dec.ID, dec.WorkflowID, dec.Kind,
		nullRaw(dec.Context), nullRaw(dec.Escalations),
		dec.Status, timeOrNow(dec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ResolveDecision(ctx context.Context, id string, resolution []byte, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET resolution = ?, resolved_by = ?, resolved_at = CURRENT_TIMESTAMP, status = 'resolved'
		 WHERE id = ? AND status = 'pending'`,
		string(resolution), nullStr(resolvedBy), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "decision", id)
}

func (s *LibSQLStore) CancelDecision(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET status = 'cancelled', resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "decision", id)
}

func (s *LibSQLStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]*Decision, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, workflow_id, kind, context, escalations, status, resolution, resolved_by, resolved_at, created_at FROM decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		d := &Decision{}
		var contextJSON, escalations, resolutionJSON, resolvedBy sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.WorkflowID, &d.Kind, &contextJSON, &escalations,
			&d.Status, &resolutionJSON, &resolvedBy, &resolvedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Context = rawOrNil(contextJSON)
		d.Escalations = rawOrNil(escalations)
		d.Resolution = rawOrNil(resolutionJSON)
		d.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			d.ResolvedAt = &resolvedAt.Time
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Plugins ---

func (s *LibSQLStore) CreatePlugin(ctx context.Context, plugin *Plugin) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugins (id, name, type, config, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, config=excluded.config`,
		plugin.ID, plugin.Name, plugin.Type, string(plugin.Config), plugin.Status, timeOrNow(plugin.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPlugin(ctx context.Context, id string) (*Plugin, error) {
	p := &Plugin{}
	var config string
	var errMsg sql.NullString
	var lastCheck sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, config, status, last_health_check, error_message, created_at
		 FROM plugins WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Type, &config, &p.Status, &lastCheck, &errMsg, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("plugin", id)
	}
	if err != nil {
		return nil, err
	}
	p.Config = json.RawMessage(config)
	p.ErrorMessage = errMsg.String
	if lastCheck.Valid {
		p.LastHealthCheck = &lastCheck.Time
	}
	return p, nil
}

func (s *LibSQLStore) UpdatePlugin(ctx context.Context, id string, status string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugins SET status = ?, error_message = ?, last_health_check = CURRENT_TIMESTAMP WHERE id = ?`,
		status, nullStr(errMsg), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "plugin", id)
}

func (s *LibSQLStore) ListPlugins(ctx context.Context) ([]*Plugin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, config, status, last_health_check, error_message, created_at
		 FROM plugins ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plugins []*Plugin
	for rows.Next() {
		p := &Plugin{}
		var config string
		var errMsg sql.NullString
		var lastCheck sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &config, &p.Status, &lastCheck, &errMsg, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Config = json.RawMessage(config)
		p.ErrorMessage = errMsg.String
		if lastCheck.Valid {
			p.LastHealthCheck = &lastCheck.Time
		}
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, name, cron_expression, definition, inputs, actor_id, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.CronExpression, string(job.Definition), nullRaw(job.Inputs),
		job.ActorID, boolToInt(job.Enabled), nullTime(job.NextRunAt), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var definition string
	var inputs, lastStatus sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expression, definition, inputs, actor_id, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Name, &j.CronExpression, &definition, &inputs, &j.ActorID,
		&enabled, &lastRun, &nextRun, &lastStatus, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_job", id)
	}
	if err != nil {
		return nil, err
	}
	j.Definition = json.RawMessage(definition)
	j.Inputs = rawOrNil(inputs)
	j.Enabled = enabled != 0
	j.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	return j, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}

	query := `SELECT id, name, cron_expression, definition, inputs, actor_id, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j := &ScheduledJob{}
		var definition string
		var inputs, lastStatus sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.Name, &j.CronExpression, &definition, &inputs, &j.ActorID,
			&enabled, &lastRun, &nextRun, &lastStatus, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Definition = json.RawMessage(definition)
		j.Inputs = rawOrNil(inputs)
		j.Enabled = enabled != 0
		j.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			j.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

// --- Audit ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (actor_id, action, resource_type, resource_id, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ActorID, entry.Action, entry.ResourceType, nullStr(entry.ResourceID),
		nullRaw(entry.Details), timeOrNow(entry.Timestamp),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	var where []string
	var args []any

	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}

	query := `SELECT id, actor_id, action, resource_type, resource_id, details, timestamp FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var resourceID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.ResourceType, &resourceID, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.ResourceID = resourceID.String
		e.Details = rawOrNil(details)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return string(raw), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
