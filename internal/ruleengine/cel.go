package ruleengine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELEvaluator compiles and caches CEL programs for rule conditions
// authored with `source: CEL`. It evaluates against a cel.DynType
// "action"/"time" environment, keeps a double-checked-locking program
// cache, and applies InterruptCheckFrequency/CostLimit guard rails
// against runaway expressions.
type CELEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
		cel.Variable("time", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("ruleengine: create CEL environment: %w", err)
	}
	return &CELEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Eval compiles (if not cached) and evaluates expr against the flattened
// action/time view, returning a bool verdict for the condition.
func (e *CELEvaluator) Eval(expr string, actionView, timeView map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"action": actionView,
		"time":   timeView,
	})
	if err != nil {
		return false, fmt.Errorf("%w: cel eval: %v", ErrConditionEval, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: cel expression %q did not return bool", ErrConditionEval, expr)
	}
	return val, nil
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: cel compile %q: %v", ErrConditionEval, expr, issues.Err())
	}
	p, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("%w: cel program %q: %v", ErrConditionEval, expr, err)
	}
	e.prgCache[expr] = p
	return p, nil
}
