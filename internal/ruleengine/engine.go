package ruleengine

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/acteon-io/gateway/internal/contracts"
)

// ruleSet is the engine's immutable, priority-ordered snapshot. Hot
// reload replaces the *ruleSet pointer atomically so readers never see a
// torn view, giving lock-free reads during dispatch.
type ruleSet struct {
	rules []contracts.Rule
}

// Engine evaluates actions against a hot-reloadable, priority-ordered
// rule set (spec §4.1).
type Engine struct {
	snapshot atomic.Pointer[ruleSet]
	clock    Clock
	cel      *CELEvaluator

	// PreWarm is invoked with the new rule set before it becomes visible,
	// giving a semantic-match side-cache the chance to pre-embed every
	// topic string the new rules reference (spec §4.1 pre-warming
	// obligation). Nil is a no-op.
	PreWarm func(rules []contracts.Rule) error
}

func NewEngine(clock Clock) (*Engine, error) {
	if clock == nil {
		clock = SystemClock
	}
	cel, err := NewCELEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{clock: clock, cel: cel}
	e.snapshot.Store(&ruleSet{})
	return e, nil
}

// Reload atomically swaps in a new, priority-sorted rule set. Disabled
// rules are kept (skipped at evaluation time) so the trace can still
// report them.
func (e *Engine) Reload(rules []contracts.Rule) error {
	sorted := make([]contracts.Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})

	if e.PreWarm != nil {
		if err := e.PreWarm(sorted); err != nil {
			return err
		}
	}

	e.snapshot.Store(&ruleSet{rules: sorted})
	return nil
}

// EvalOptions controls evaluate_all mode (spec §4.1).
type EvalOptions struct {
	EvaluateAll bool
}

// Evaluate runs the current rule set against action, returning the
// first match's verdict (or Allow if none match) and a full trace.
func (e *Engine) Evaluate(ctx context.Context, action *contracts.Action, defaultTimezone string, view StateEvalView, opts EvalOptions) contracts.RuleTrace {
	snap := e.snapshot.Load()
	trace := contracts.RuleTrace{Verdict: contracts.NewAllow()}

	matched := false
	for _, rule := range snap.rules {
		if !rule.Enabled {
			trace.Rules = append(trace.Rules, contracts.RuleEvalResult{
				Name: rule.Name, Priority: rule.Priority, Result: contracts.RuleSkipped, Reason: "disabled",
			})
			continue
		}
		if matched && !opts.EvaluateAll {
			trace.Rules = append(trace.Rules, contracts.RuleEvalResult{
				Name: rule.Name, Priority: rule.Priority, Result: contracts.RuleSkipped, Reason: "after match",
			})
			continue
		}

		tz := rule.Timezone
		if tz == "" {
			tz = defaultTimezone
		}
		tv := timeView(e.clock, tz)

		ec := &EvalContext{
			Ctx: ctx, Action: action, Clock: e.clock, Timezone: tz,
			State: view.State, Semantic: view.Semantic, Wasm: view.Wasm, CEL: e.cel,
		}

		start := time.Now()
		ok, err := evalCondition(ec, &rule.Condition, tv)
		duration := time.Since(start).Microseconds()

		if err != nil {
			trace.Rules = append(trace.Rules, contracts.RuleEvalResult{
				Name: rule.Name, Priority: rule.Priority, Result: contracts.RuleError,
				DurationUs: duration, Reason: err.Error(),
			})
			trace.Verdict = contracts.NewError()
			trace.MatchedRule = rule.Name
			return trace
		}

		if ok {
			trace.Rules = append(trace.Rules, contracts.RuleEvalResult{
				Name: rule.Name, Priority: rule.Priority, Result: contracts.RuleMatched, DurationUs: duration,
			})
			if !matched {
				trace.Verdict = rule.Action
				trace.MatchedRule = rule.Name
				matched = true
			}
		} else {
			trace.Rules = append(trace.Rules, contracts.RuleEvalResult{
				Name: rule.Name, Priority: rule.Priority, Result: contracts.RuleNotMatched, DurationUs: duration,
			})
		}
	}

	return trace
}

// StateEvalView bundles the state/semantic/wasm collaborators Evaluate
// needs for one call, so callers don't have to construct an EvalContext
// by hand.
type StateEvalView struct {
	State    StateView
	Semantic SemanticMatcher
	Wasm     WasmBridge
}
