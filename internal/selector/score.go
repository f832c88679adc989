package selector

import (
	"fmt"
	"math"
	"sync"

	"github.com/dop251/goja"
)

// Combiner merges a statistical term with a system term into one score.
type Combiner func(util, sys float64) float64

// NewCombiner returns the combination function for a score method:
// "add", "mul" or "expr". For "expr" the JavaScript expression sees the
// variables util, sys and avail (an alias of sys, read naturally by MDA).
func NewCombiner(method, expr string) (Combiner, error) {
	switch method {
	case "", "add":
		return func(u, s float64) float64 { return u + s }, nil
	case "mul":
		return func(u, s float64) float64 { return u * s }, nil
	case "expr":
		return newExprCombiner(expr)
	default:
		return nil, fmt.Errorf("unknown score method %q", method)
	}
}

type exprCombiner struct {
	mu   sync.Mutex
	vm   *goja.Runtime
	prog *goja.Program
}

func newExprCombiner(expr string) (Combiner, error) {
	if expr == "" {
		return nil, fmt.Errorf("score expression is empty")
	}
	prog, err := goja.Compile("score_expr", expr, true)
	if err != nil {
		return nil, fmt.Errorf("compile score expression: %w", err)
	}
	e := &exprCombiner{vm: goja.New(), prog: prog}
	// Surface runtime errors (undefined names, non-numeric results) now
	// rather than on the first round.
	if _, err := e.eval(1, 1); err != nil {
		return nil, err
	}
	return e.combine, nil
}

func (e *exprCombiner) eval(util, sys float64) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, v := range map[string]float64{"util": util, "sys": sys, "avail": sys} {
		if err := e.vm.Set(name, v); err != nil {
			return 0, fmt.Errorf("set %s: %w", name, err)
		}
	}
	val, err := e.vm.RunProgram(e.prog)
	if err != nil {
		return 0, fmt.Errorf("JavaScript error: %w", err)
	}
	f := val.ToFloat()
	if math.IsNaN(f) {
		return 0, fmt.Errorf("score expression returned %v, not a number", val.Export())
	}
	return f, nil
}

// combine evaluates the expression; a failing evaluation scores zero.
func (e *exprCombiner) combine(util, sys float64) float64 {
	f, err := e.eval(util, sys)
	if err != nil {
		return 0
	}
	return f
}
