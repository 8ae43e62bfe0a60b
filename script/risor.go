package script

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// InvoiceGlobals names the variables available to invoice expressions. They
// are declared at compile time and bound per evaluation.
var InvoiceGlobals = []string{
	"invoice",
	"amount",
	"currency",
	"vendor",
	"risk_flags",
	"match",
	"approval",
	"posting",
	"decision",
}

// RisorEngine compiles Risor code against a fixed set of global names.
type RisorEngine struct {
	globals map[string]any
}

// NewRisorEngine returns an engine whose scripts may reference the given
// globals. Values in the map act as defaults for every evaluation.
func NewRisorEngine(globals map[string]any) *RisorEngine {
	return &RisorEngine{globals: globals}
}

// DefaultGlobals returns the Risor builtins plus nil placeholders for
// InvoiceGlobals.
func DefaultGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		globals[name] = value
	}
	for _, name := range InvoiceGlobals {
		globals[name] = object.Nil
	}
	return globals
}

func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(e.globals))
	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiled}, nil
}

// RisorScript is a compiled Risor program.
type RisorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	maps.Copy(combined, s.engine.globals)
	maps.Copy(combined, globals)
	result, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return &RisorValue{obj: result}, nil
}

// RisorValue wraps a Risor object.
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return toGo(v.obj)
}

func (v *RisorValue) IsTruthy() bool {
	switch obj := v.obj.(type) {
	case *object.Bool:
		return obj.Value()
	case *object.Int:
		return obj.Value() != 0
	case *object.Float:
		return obj.Value() != 0
	case *object.String:
		s := obj.Value()
		return s != "" && !strings.EqualFold(s, "false")
	case *object.List:
		return len(obj.Value()) > 0
	case *object.Map:
		return len(obj.Value()) > 0
	default:
		return obj.IsTruthy()
	}
}

func (v *RisorValue) String() string {
	switch obj := v.obj.(type) {
	case *object.String:
		return obj.Value()
	case *object.Int:
		return fmt.Sprintf("%d", obj.Value())
	case *object.Float:
		return formatFloat(obj.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", obj.Value())
	case *object.Time:
		return obj.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	default:
		return obj.Inspect()
	}
}

// formatFloat renders amounts without exponent notation or trailing zeros.
func formatFloat(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
