package expressions

import "context"

// Engine evaluates expressions over workflow data.
// Three implementations: CEL (task guards), GoJQ (transforms), Expr (logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
