// Package script compiles and evaluates small expressions used for
// approval policies and notification templates.
package script

import (
	"context"
)

// Value is the result of evaluating a script.
type Value interface {
	// Value returns the Go representation of the result.
	Value() any

	// String returns the text form used when rendering templates.
	String() string

	// IsTruthy reports whether the result counts as true in a condition.
	IsTruthy() bool
}

// Script is compiled code that can be evaluated many times.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler turns source code into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
