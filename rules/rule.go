package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates expressions against an environment.
type Evaluator interface {
	// Evaluate runs a boolean expression, e.g. a forEach item filter.
	Evaluate(expression string, env map[string]interface{}) (bool, error)

	// Select runs an expression and returns its value, e.g. a forEach field path.
	// Undefined variables evaluate to nil.
	Select(expression string, env map[string]interface{}) (interface{}, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	predicates  map[string]*vm.Program
	selectors   map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		predicates:  make(map[string]*vm.Program),
		selectors:   make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a derived variable computed from the environment
// before every evaluation.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// withOptions returns a copy of env extended with the option funcs; the
// caller's map is never modified.
func (e *ExprEvaluator) withOptions(env map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]interface{}, len(env)+len(e.optionsFunc))
	for k, v := range env {
		out[k] = v
	}
	for k, f := range e.optionsFunc {
		out[k] = f(env)
	}
	return out
}

func (e *ExprEvaluator) program(cache map[string]*vm.Program, expression string, opts ...expr.Option) (*vm.Program, error) {
	// Check cache with read lock
	e.mu.RLock()
	program, ok := cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	// Compile with write lock
	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}
	cache[expression] = program
	return program, nil
}

// Evaluate evaluates the given expression against the provided environment.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	env = e.withOptions(env)
	program, err := e.program(e.predicates, expression, expr.AllowUndefinedVariables())
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Select evaluates the expression and returns whatever it yields.
func (e *ExprEvaluator) Select(expression string, env map[string]interface{}) (interface{}, error) {
	env = e.withOptions(env)
	program, err := e.program(e.selectors, expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}
