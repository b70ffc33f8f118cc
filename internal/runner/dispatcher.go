package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/laminarhq/laminar/internal/logging"
	"github.com/laminarhq/laminar/pkg/schema"
)

// DispatcherConfig assembles the per-kind runners behind a Dispatcher.
type DispatcherConfig struct {
	Registry   *Registry
	Sandbox    *SandboxRunner   // nil disables sandboxed_code tasks
	Procedures *ProcedureRunner // nil disables learned_procedure tasks
	Breakers   *BreakerRegistry // nil disables circuit breaking
	Logger     *slog.Logger
}

// Dispatcher routes a task to its kind-specific runner: tool calls go
// through the registry with a capability check, sandboxed code through the
// isolation layer, learned procedures through the recorded step replayer.
//
// Run never returns a Go error: task faults become failed outcomes and
// insufficient grants become escalated outcomes.
type Dispatcher struct {
	cfg DispatcherConfig
}

// NewDispatcher creates a Dispatcher. Registry must be non-nil.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg}
}

// Registry exposes the tool registry, for plugin managers and listings.
func (d *Dispatcher) Registry() *Registry { return d.cfg.Registry }

// Has reports whether the named target exists for the given task kind.
// Sandbox entries are commands resolved at launch, so any entry is
// accepted as long as a sandbox runner is configured.
func (d *Dispatcher) Has(kind schema.TaskKind, name string) bool {
	switch kind {
	case schema.TaskKindToolCall:
		return d.cfg.Registry.Has(name)
	case schema.TaskKindSandbox:
		return d.cfg.Sandbox != nil
	case schema.TaskKindProcedure:
		return d.cfg.Procedures != nil && d.cfg.Procedures.Has(name)
	}
	return false
}

// Run executes one task under a capability grant.
func (d *Dispatcher) Run(ctx context.Context, task *schema.Task, grant schema.Capability, args json.RawMessage) *schema.Outcome {
	log := logging.LogWith(ctx, d.cfg.Logger)

	switch task.Kind {
	case schema.TaskKindToolCall:
		return d.runToolCall(ctx, log, task, grant, args)

	case schema.TaskKindSandbox:
		if d.cfg.Sandbox == nil {
			return schema.Failed(task.ID, schema.NewError(schema.ErrCodeExecution,
				"sandboxed_code tasks are not enabled").WithTask(task.ID))
		}
		return d.cfg.Sandbox.Run(ctx, task, grant, args)

	case schema.TaskKindProcedure:
		if d.cfg.Procedures == nil {
			return schema.Failed(task.ID, schema.NewError(schema.ErrCodeExecution,
				"learned_procedure tasks are not enabled").WithTask(task.ID))
		}
		return d.cfg.Procedures.Run(ctx, task, grant, args)
	}

	return schema.Failed(task.ID, schema.NewErrorf(schema.ErrCodeValidation,
		"unknown task kind %q", task.Kind).WithTask(task.ID))
}

func (d *Dispatcher) runToolCall(ctx context.Context, log *slog.Logger, task *schema.Task, grant schema.Capability, args json.RawMessage) *schema.Outcome {
	tool, err := d.cfg.Registry.Get(task.Uses)
	if err != nil {
		return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID))
	}

	// Capability gate: a tool needing more than the grant is not a fault,
	// it is a decision for the mediator.
	if required := tool.MinCapability(); !grant.Allows(required) {
		log.Info("tool call needs escalation",
			"tool", task.Uses, "granted", string(grant), "requested", string(required))
		return schema.Escalated(task.ID, &schema.EscalationRequest{
			TaskID:    task.ID,
			Granted:   grant,
			Requested: required,
			Operation: "tool:" + task.Uses,
		})
	}

	if d.cfg.Breakers != nil {
		if err := d.cfg.Breakers.AllowRequest(task.Uses); err != nil {
			return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID))
		}
	}

	argsMap, err := decodeArgs(args)
	if err != nil {
		return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID))
	}

	if err := tool.Validate(argsMap); err != nil {
		return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID))
	}

	out, err := tool.Execute(ctx, ToolInput{
		Args: argsMap,
		Context: map[string]any{
			"workflow_id": logging.WorkflowID(ctx),
			"task_id":     task.ID,
			"grant":       string(grant),
		},
	})
	if err != nil {
		engErr := toEngineError(err).WithTask(task.ID)

		// A runtime denial escalates when a higher grant exists to request.
		if engErr.Code == schema.ErrCodeCapabilityDenied {
			if next, ok := nextCapability(grant); ok {
				return schema.Escalated(task.ID, &schema.EscalationRequest{
					TaskID:    task.ID,
					Granted:   grant,
					Requested: next,
					Operation: deniedOperation(engErr, "tool:"+task.Uses),
					Failure:   engErr.Message,
				})
			}
		}

		if d.cfg.Breakers != nil {
			if state := d.cfg.Breakers.RecordFailure(task.Uses); state == CircuitOpen {
				log.Warn("circuit opened for tool", "tool", task.Uses)
			}
		}
		return schema.Failed(task.ID, engErr)
	}

	if d.cfg.Breakers != nil {
		d.cfg.Breakers.RecordSuccess(task.Uses)
	}

	var result json.RawMessage
	if out != nil {
		result = out.Data
	}
	return schema.Succeeded(task.ID, result)
}

// decodeArgs unmarshals interpolated task args into a map. Empty args are
// an empty map, not an error.
func decodeArgs(args json.RawMessage) (map[string]any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "task args must be a JSON object: %v", err).WithCause(err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// toEngineError normalizes any error into an EngineError.
func toEngineError(err error) *schema.EngineError {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

// nextCapability returns the level directly above grant, if one exists.
func nextCapability(grant schema.Capability) (schema.Capability, bool) {
	switch grant {
	case schema.CapabilityReadOnly:
		return schema.CapabilityStandard, true
	case schema.CapabilityStandard:
		return schema.CapabilityElevated, true
	}
	return "", false
}

// deniedOperation extracts the detected operation from a denial's details,
// falling back to the given default.
func deniedOperation(err *schema.EngineError, fallback string) string {
	if op, ok := err.Details["operation"].(string); ok && op != "" {
		return op
	}
	return fallback
}
