package script

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine compiles expr-lang expressions. Names that are not bound at
// evaluation time resolve to nil.
type ExprEngine struct {
	globals map[string]any
}

// NewExprEngine returns an engine whose globals act as defaults for every
// evaluation.
func NewExprEngine(globals map[string]any) *ExprEngine {
	return &ExprEngine{globals: globals}
}

func (e *ExprEngine) Compile(ctx context.Context, code string) (Script, error) {
	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return &ExprScript{engine: e, program: program}, nil
}

// ExprScript is a compiled expr program.
type ExprScript struct {
	engine  *ExprEngine
	program *vm.Program
}

func (s *ExprScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env := make(map[string]any, len(s.engine.globals)+len(globals))
	maps.Copy(env, s.engine.globals)
	maps.Copy(env, globals)
	result, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return &ExprValue{value: result}, nil
}

// ExprValue wraps a plain Go result.
type ExprValue struct {
	value any
}

func (v *ExprValue) Value() any { return v.value }

func (v *ExprValue) IsTruthy() bool {
	switch x := v.value.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && !strings.EqualFold(x, "false")
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	}
	rv := reflect.ValueOf(v.value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

func (v *ExprValue) String() string {
	switch x := v.value.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return formatFloat(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

// NewCompiler returns the compiler for the named engine. An empty name
// selects Risor.
func NewCompiler(engine string) (Compiler, error) {
	switch engine {
	case "", "risor":
		return NewRisorEngine(DefaultGlobals()), nil
	case "expr":
		return NewExprEngine(nil), nil
	}
	return nil, fmt.Errorf("unknown script engine %q", engine)
}
