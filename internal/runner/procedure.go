package runner

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/laminarhq/laminar/internal/expressions"
	"github.com/laminarhq/laminar/internal/logging"
	"github.com/laminarhq/laminar/pkg/schema"
)

// ProcedureStep is one recorded tool invocation inside a learned procedure.
// Args is the recorded template; it may reference the outputs of earlier
// steps as ${{ tasks.<step>... }} and the procedure's call arguments as
// ${{ inputs... }}.
type ProcedureStep struct {
	Name string          `json:"name"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// StepSource provides recorded procedures. The capability graph implements
// it; tests use fixed maps.
type StepSource interface {
	Steps(ctx context.Context, procedure string) ([]ProcedureStep, error)
	Has(procedure string) bool
}

// ProcedureConfig configures the learned_procedure runner.
type ProcedureConfig struct {
	Source       StepSource
	Registry     *Registry
	Interpolator *expressions.Interpolator
	Logger       *slog.Logger
}

// ProcedureRunner replays a recorded step sequence: each step dispatches a
// registry tool, its output becomes referenceable by later steps. The whole
// chain runs under the task's single grant; a step needing more escalates
// the task.
type ProcedureRunner struct {
	cfg ProcedureConfig
}

// NewProcedureRunner creates a ProcedureRunner. Source and Registry must be
// non-nil.
func NewProcedureRunner(cfg ProcedureConfig) *ProcedureRunner {
	if cfg.Interpolator == nil {
		cfg.Interpolator = expressions.NewInterpolator(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ProcedureRunner{cfg: cfg}
}

// Has reports whether the named procedure is recorded.
func (p *ProcedureRunner) Has(procedure string) bool {
	return p.cfg.Source != nil && p.cfg.Source.Has(procedure)
}

// Run replays the procedure named by task.Uses.
func (p *ProcedureRunner) Run(ctx context.Context, task *schema.Task, grant schema.Capability, args json.RawMessage) *schema.Outcome {
	log := logging.LogWith(ctx, p.cfg.Logger)

	steps, err := p.cfg.Source.Steps(ctx, task.Uses)
	if err != nil {
		return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID))
	}
	if len(steps) == 0 {
		return schema.Failed(task.ID, schema.NewErrorf(schema.ErrCodeNotFound,
			"procedure %q has no recorded steps", task.Uses).WithTask(task.ID))
	}

	callArgs, err := decodeArgs(args)
	if err != nil {
		return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID))
	}

	scope := expressions.NewScopeBuilder(callArgs, map[string]any{
		"procedure": task.Uses,
		"task_id":   task.ID,
	})

	var lastOutput json.RawMessage
	stepOutputs := make(map[string]json.RawMessage, len(steps))

	for i, step := range steps {
		tool, err := p.cfg.Registry.Get(step.Tool)
		if err != nil {
			return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID).
				WithDetails(map[string]any{"step": step.Name, "step_index": i}))
		}

		if required := tool.MinCapability(); !grant.Allows(required) {
			log.Info("procedure step needs escalation",
				"procedure", task.Uses, "step", step.Name, "tool", step.Tool)
			return schema.Escalated(task.ID, &schema.EscalationRequest{
				TaskID:    task.ID,
				Granted:   grant,
				Requested: required,
				Operation: "tool:" + step.Tool,
				Failure:   "procedure step " + step.Name,
			})
		}

		stepArgs := step.Args
		if len(stepArgs) > 0 && expressions.HasInterpolation(stepArgs) {
			resolved, err := p.cfg.Interpolator.Resolve(ctx, stepArgs, scope.Build())
			if err != nil {
				return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID).
					WithDetails(map[string]any{"step": step.Name}))
			}
			stepArgs = resolved
		}

		argsMap, err := decodeArgs(stepArgs)
		if err != nil {
			return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID).
				WithDetails(map[string]any{"step": step.Name}))
		}

		if err := tool.Validate(argsMap); err != nil {
			return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID).
				WithDetails(map[string]any{"step": step.Name}))
		}

		out, err := tool.Execute(ctx, ToolInput{
			Args: argsMap,
			Context: map[string]any{
				"workflow_id": logging.WorkflowID(ctx),
				"task_id":     task.ID,
				"procedure":   task.Uses,
				"step":        step.Name,
			},
		})
		if err != nil {
			return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID).
				WithDetails(map[string]any{"step": step.Name, "tool": step.Tool}))
		}

		var data json.RawMessage
		if out != nil {
			data = out.Data
		}
		lastOutput = data
		stepOutputs[step.Name] = data
		if step.Name != "" {
			if err := scope.AddTaskOutput(step.Name, data); err != nil {
				return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID).
					WithDetails(map[string]any{"step": step.Name}))
			}
		}
	}

	// The procedure's result is the final step's output, with every step's
	// output kept alongside for inspection.
	stepsJSON := make(map[string]any, len(stepOutputs))
	for name, data := range stepOutputs {
		var v any
		if len(data) > 0 {
			if err := json.Unmarshal(data, &v); err != nil {
				v = string(data)
			}
		}
		stepsJSON[name] = v
	}
	var lastJSON any
	if len(lastOutput) > 0 {
		if err := json.Unmarshal(lastOutput, &lastJSON); err != nil {
			lastJSON = string(lastOutput)
		}
	}

	result, err := json.Marshal(map[string]any{
		"result": lastJSON,
		"steps":  stepsJSON,
	})
	if err != nil {
		return schema.Failed(task.ID, schema.NewError(schema.ErrCodeExecution,
			"procedure: failed to marshal output").WithCause(err).WithTask(task.ID))
	}
	return schema.Succeeded(task.ID, result)
}
