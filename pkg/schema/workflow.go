package schema

// WorkflowDefinition is the JSON-serializable workflow document. Callers
// provide it via laminar.submit (inline) or through the HTTP API.
type WorkflowDefinition struct {
	Name     string         `json:"name,omitempty"`
	Version  string         `json:"version,omitempty"`
	Intent   string         `json:"intent,omitempty"` // natural-language goal, handed to the graph proposer on replan
	Tasks    []TaskSpec     `json:"tasks"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Defaults *RunDefaults   `json:"defaults,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunDefaults are workflow-wide execution defaults.
type RunDefaults struct {
	Capability Capability   `json:"capability,omitempty"` // grant tasks start with (default: standard)
	Retry      *RetryPolicy `json:"retry,omitempty"`      // applied to safe-to-fail tasks without their own policy
	Timeout    string       `json:"timeout,omitempty"`
}

// RetryPolicy configures retry behavior. Retries are honored only for
// safe-to-fail tasks; a non-idempotent task is never re-dispatched
// automatically.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential (default: none)
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap applied after backoff growth
}

// GrantedCapability resolves the starting capability for the run.
func (d *WorkflowDefinition) GrantedCapability() Capability {
	if d.Defaults != nil && d.Defaults.Capability != "" {
		return d.Defaults.Capability
	}
	return CapabilityStandard
}

// DefaultRetry returns the workflow-wide retry policy, or nil.
func (d *WorkflowDefinition) DefaultRetry() *RetryPolicy {
	if d.Defaults == nil {
		return nil
	}
	return d.Defaults.Retry
}
