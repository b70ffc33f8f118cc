package validation

import (
	"fmt"
	"time"

	"github.com/laminarhq/laminar/internal/expressions"
	"github.com/laminarhq/laminar/pkg/schema"
)

// ToolLookup answers whether a tool, procedure, or sandbox entry is known.
// A nil lookup skips existence checks.
type ToolLookup interface {
	Has(kind schema.TaskKind, name string) bool
}

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: tool/procedure registration, depends_on references, self-dependency,
// guard expression compilation, and retry policy sanity.
func validateSemantic(def *schema.WorkflowDefinition, lookup ToolLookup, cel *expressions.CELEngine) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	taskIDs := make(map[string]bool, len(def.Tasks))
	for _, t := range def.Tasks {
		taskIDs[t.ID] = true
	}

	for i := range def.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		validateTaskSemantic(&def.Tasks[i], path, taskIDs, lookup, cel, result)
	}

	return result
}

func validateTaskSemantic(task *schema.TaskSpec, path string, taskIDs map[string]bool, lookup ToolLookup, cel *expressions.CELEngine, result *schema.ValidationResult) {
	// Target existence.
	if lookup != nil && !lookup.Has(task.Kind, task.Uses) {
		result.AddError(path+".uses", schema.ErrCodeNotFound,
			fmt.Sprintf("%s target %q not registered", task.Kind, task.Uses))
	}

	// depends_on references.
	for j, dep := range task.DependsOn {
		if dep == task.ID {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j),
				schema.ErrCodeCyclicDependency,
				fmt.Sprintf("task %q depends on itself", task.ID))
			continue
		}
		if !taskIDs[dep] {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j),
				schema.ErrCodeUnknownDependency,
				fmt.Sprintf("references non-existent task %q", dep))
		}
	}

	// Data-flow references in args must name declared tasks.
	for _, ref := range expressions.TaskRefs(task.Args) {
		if ref == task.ID {
			result.AddError(path+".args", schema.ErrCodeCyclicDependency,
				fmt.Sprintf("task %q references its own output", task.ID))
			continue
		}
		if !taskIDs[ref] {
			result.AddError(path+".args", schema.ErrCodeUnknownDependency,
				fmt.Sprintf("interpolation references non-existent task %q", ref))
		}
	}

	// Guard must compile.
	if task.Guard != "" && cel != nil {
		if err := cel.Check(task.Guard); err != nil {
			result.AddError(path+".guard", schema.ErrCodeValidation,
				fmt.Sprintf("guard does not compile: %s", err.Error()))
		}
	}

	// Capability must be a known level when set.
	if task.Capability != "" && !schema.KnownCapability(task.Capability) {
		result.AddError(path+".capability", schema.ErrCodeValidation,
			fmt.Sprintf("unknown capability %q", task.Capability))
	}

	// Retry policy sanity.
	if task.Retry != nil {
		if task.Retry.Max > 10 {
			result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", task.Retry.Max))
		}
		if !task.IsSafeToFail() {
			result.AddWarning(path+".retry", schema.ErrCodeValidation,
				fmt.Sprintf("task %q is not safe-to-fail; retry policy is ignored at runtime", task.ID))
		}
		if task.Retry.Delay != "" {
			if _, err := time.ParseDuration(task.Retry.Delay); err != nil {
				result.AddError(path+".retry.delay", schema.ErrCodeValidation,
					fmt.Sprintf("invalid duration %q", task.Retry.Delay))
			}
		}
	}
}
