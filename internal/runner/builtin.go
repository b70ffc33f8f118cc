package runner

import "github.com/laminarhq/laminar/internal/validation"

// RegisterBuiltins registers all built-in tools in the given registry.
func RegisterBuiltins(reg *Registry, validator *validation.JSONSchemaValidator, httpCfg HTTPConfig, fsCfg FSConfig) error {
	all := make([]Tool, 0, 16)

	// HTTP tools.
	all = append(all,
		NewHTTPRequestTool(httpCfg),
		NewHTTPGetTool(httpCfg),
		NewHTTPPostTool(httpCfg),
	)

	// Hashing and identifier tools.
	all = append(all, HashTools()...)

	// Assertion tools.
	all = append(all, AssertTools(validator)...)

	// Filesystem tools.
	all = append(all, FSTools(fsCfg)...)

	// Transformation tools.
	all = append(all, TransformTools()...)

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
