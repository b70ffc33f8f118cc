package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCyclicDependency  = "CYCLIC_DEPENDENCY"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeTaskFailed        = "TASK_FAILED"
	ErrCodeEscalation        = "ESCALATION_NEEDED"
	ErrCodeNoCheckpoint      = "NO_CHECKPOINT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCapabilityDenied  = "CAPABILITY_DENIED"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// EngineError is the structured error type for all laminar operations.
// ErrCodeEscalation is a control-flow signal, not a fault: it marks an
// outcome that becomes a decision point rather than a failure.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task ID to the error.
func (e *EngineError) WithTask(taskID string) *EngineError {
	e.TaskID = taskID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// IsRetryable reports whether re-dispatching the failed operation could
// plausibly change the result. Structural faults (validation, graph
// shape, capability denials) and control-flow signals never are.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation,
		ErrCodeInvalidTransition,
		ErrCodeCyclicDependency,
		ErrCodeUnknownDependency,
		ErrCodeNotFound,
		ErrCodeConflict,
		ErrCodeCancelled,
		ErrCodeNoCheckpoint,
		ErrCodeCapabilityDenied,
		ErrCodeEscalation,
		ErrCodeInterpolation,
		ErrCodeRetryExhausted:
		return false
	}
	return true
}
