package session

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// rowExpr is a compiled row expression. Expressions are JavaScript,
// evaluated with the row's fields in scope, e.g. `layer == "A-WALL"` or
// `area * 2`. Each derive call gets its own runtime, so concurrent derives
// over a shared source never share interpreter state.
type rowExpr struct {
	src  string
	prog *goja.Program
	vm   *goja.Runtime
}

// compileExpr parses an expression once per derive call. A syntax error is
// an InvalidExpressionError and creates no handle.
func compileExpr(expr string) (*rowExpr, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, &InvalidExpressionError{Expr: expr, Msg: "expression is empty"}
	}
	// The with-block puts row fields in scope; an identifier that names no
	// field fails with a ReferenceError instead of silently yielding
	// undefined.
	prog, err := goja.Compile("expr.js", "with (__row) { ("+src+") }", false)
	if err != nil {
		return nil, &InvalidExpressionError{Expr: expr, Msg: err.Error()}
	}
	return &rowExpr{src: src, prog: prog, vm: goja.New()}, nil
}

// eval runs the expression against one row. The row is deep-copied before
// binding: a syntactically valid expression may contain an assignment
// (`layer = "x"` for `layer == "x"`), and that write must land in the
// scratch copy, never in the cached source table.
func (e *rowExpr) eval(row map[string]any) (goja.Value, error) {
	scratch := copyValue(row).(map[string]any)
	if err := e.vm.Set("__row", scratch); err != nil {
		return nil, fmt.Errorf("failed to bind row: %w", err)
	}
	val, err := e.vm.RunProgram(e.prog)
	if err != nil {
		return nil, &InvalidExpressionError{Expr: e.src, Msg: err.Error()}
	}
	return val, nil
}

// evalBool runs a predicate expression against one row.
func (e *rowExpr) evalBool(row map[string]any) (bool, error) {
	val, err := e.eval(row)
	if err != nil {
		return false, err
	}
	return val.ToBoolean(), nil
}

// evalValue runs a field expression against one row and exports the
// result as a plain Go value. An undefined result means the expression
// referenced nothing usable and is rejected.
func (e *rowExpr) evalValue(row map[string]any) (any, error) {
	val, err := e.eval(row)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(val) {
		return nil, &InvalidExpressionError{Expr: e.src, Msg: "expression evaluated to undefined"}
	}
	if goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

// copyValue clones a JSON-shaped value, descending into objects and
// arrays. Scalars are immutable and copied by value.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = copyValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = copyValue(vv)
		}
		return out
	default:
		return v
	}
}
