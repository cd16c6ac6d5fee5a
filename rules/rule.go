// Package rules decides whether an onboarding run halts for human review.
//
// The review gate flattens the verification results of a run into facts such as
// identity_verified or confidence_score and evaluates the policy expression over them.
// Facts that only make sense as a summary of other facts, like failed_checks, are
// registered as derived facts so that operators can write "failed_checks > 1" in
// configuration instead of spelling out every check.
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator answers a review policy expression for one set of gate facts.
type Evaluator interface {
	Evaluate(expression string, facts map[string]any) (bool, error)
}

// DerivedFact computes a gate fact from the facts collected for a run.
type DerivedFact func(facts map[string]any) any

// ExprEvaluator evaluates policy expressions with expr-lang/expr. Each distinct policy
// expression is compiled once; the derived facts are recomputed for every run.
type ExprEvaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	derived  map[string]DerivedFact
}

// NewExprEvaluator returns an evaluator with no derived facts.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		programs: make(map[string]*vm.Program),
		derived:  make(map[string]DerivedFact),
	}
}

// AddDerivedFact makes name available to policy expressions. A derived fact shadows a
// collected fact of the same name.
func (e *ExprEvaluator) AddDerivedFact(name string, f DerivedFact) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.derived[name] = f
}

// Evaluate reports whether expression holds for facts plus the derived facts. A policy that
// fails to compile, fails at run time or yields a non-boolean returns false and an error;
// the gate treats that as a configuration fault. facts is left untouched.
func (e *ExprEvaluator) Evaluate(expression string, facts map[string]any) (bool, error) {
	env := e.gateEnv(facts)
	program, err := e.program(expression, env)
	if err != nil {
		return false, err
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	halt, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("review expression %q yielded %T, want bool", expression, out)
	}
	return halt, nil
}

// gateEnv copies facts and adds the derived facts computed from them.
func (e *ExprEvaluator) gateEnv(facts map[string]any) map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	env := make(map[string]any, len(facts)+len(e.derived))
	for k, v := range facts {
		env[k] = v
	}
	for name, f := range e.derived {
		env[name] = f(facts)
	}
	return env
}

func (e *ExprEvaluator) program(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	p, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.programs[expression]; ok {
		return p, nil
	}
	p, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.programs[expression] = p
	return p, nil
}
