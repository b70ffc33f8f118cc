package decision

import (
	"github.com/laminarhq/laminar/pkg/schema"
)

// ValidateResolution checks that a command is an acceptable resolution for
// a decision of the given kind. An approval round accepts only an
// approval_response or an abort; a pause accepts continue, abort, or
// replan. Returns nil when acceptable.
func ValidateResolution(kind Kind, cmd *schema.Command) error {
	if cmd == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil command")
	}
	switch kind {
	case KindApproval:
		switch cmd.Type {
		case schema.CommandApproval, schema.CommandAbort:
			return nil
		}
	case KindPause:
		switch cmd.Type {
		case schema.CommandContinue, schema.CommandAbort, schema.CommandReplan:
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"command %q does not resolve a %s decision", cmd.Type, kind)
}
