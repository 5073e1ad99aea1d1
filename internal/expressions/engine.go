package expressions

import "context"

// Engine evaluates expressions against a step scope.
// Three implementations: CEL (conditions), GoJQ (parameter shaping), Expr (error rules).
type Engine interface {
	Name() string
	// Compile checks an expression without evaluating it.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set bundles the three engines used by declarative workflow definitions.
type Set struct {
	CEL  *CELEngine
	JQ   *GoJQEngine
	Expr *ExprEngine
}

// NewSet creates all three engines.
func NewSet() (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{CEL: celEngine, JQ: NewGoJQEngine(), Expr: NewExprEngine()}, nil
}
