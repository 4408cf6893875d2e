// Package condition evaluates breakpoint conditions against captured values.
package condition

import (
	"context"
	"errors"
)

// ErrEmptyExpression is returned when an evaluator is asked to evaluate "".
var ErrEmptyExpression = errors.New("empty condition expression")

// Bindings maps visible names to their captured values.
type Bindings map[string]interface{}

// Evaluator decides whether a condition holds for a set of bindings.
// Implementations must be safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, vars Bindings) (bool, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, expr string, vars Bindings) (bool, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, expr string, vars Bindings) (bool, error) {
	return f(ctx, expr, vars)
}
