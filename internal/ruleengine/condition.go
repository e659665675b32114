package ruleengine

import (
	"fmt"

	"github.com/acteon-io/gateway/internal/contracts"
)

// evalCondition recursively evaluates one condition node against ec.
func evalCondition(ec *EvalContext, cond *contracts.Condition, tv map[string]any) (bool, error) {
	switch {
	case cond.CEL != "":
		if ec.CEL == nil {
			return false, fmt.Errorf("%w: rule uses CEL condition but no CEL evaluator configured", ErrConditionEval)
		}
		actionView, ok := asMap(ec.Action)
		if !ok {
			actionView = map[string]any{}
		}
		return ec.CEL.Eval(cond.CEL, actionView, tv)

	case len(cond.All) > 0:
		for i := range cond.All {
			ok, err := evalCondition(ec, &cond.All[i], tv)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case len(cond.Any) > 0:
		for i := range cond.Any {
			ok, err := evalCondition(ec, &cond.Any[i], tv)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case cond.Not != nil:
		ok, err := evalCondition(ec, cond.Not, tv)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case cond.Call != nil:
		return evalCall(ec, cond.Call)

	case cond.SemanticMatch != nil:
		if ec.Semantic == nil {
			return false, fmt.Errorf("%w: rule uses semantic_match but no matcher configured", ErrConditionEval)
		}
		text, _ := resolvePath("action."+cond.SemanticMatch.TextField, ec.Action, tv)
		s, _ := toString(text)
		return ec.Semantic.Match(ec.Ctx, cond.SemanticMatch.Topic, cond.SemanticMatch.Threshold, s)

	case cond.Wasm != nil:
		if ec.Wasm == nil {
			return false, fmt.Errorf("%w: rule uses wasm but no bridge configured", ErrConditionEval)
		}
		return ec.Wasm.Call(ec.Ctx, cond.Wasm.Plugin, cond.Wasm.Fn, ec.Action)

	case cond.Op != "":
		return evalLeaf(cond.Op, cond.Path, cond.Value, ec.Action, tv)

	default:
		// An empty condition node (e.g. the implicit always-true default
		// for a catch-all rule) matches unconditionally.
		return true, nil
	}
}

func evalCall(ec *EvalContext, call *contracts.CallPredicate) (bool, error) {
	if ec.State == nil {
		return false, fmt.Errorf("%w: rule uses call() but no state view configured", ErrConditionEval)
	}
	switch call.Fn {
	case "has_active_event":
		if len(call.Args) != 2 {
			return false, fmt.Errorf("%w: has_active_event requires (type, label)", ErrConditionEval)
		}
		return ec.State.HasActiveEvent(ec.Ctx, call.Args[0], call.Args[1])
	case "get_event_state":
		if len(call.Args) != 1 {
			return false, fmt.Errorf("%w: get_event_state requires (fingerprint)", ErrConditionEval)
		}
		_, ok, err := ec.State.GetEventState(ec.Ctx, call.Args[0])
		return ok, err
	case "event_in_state":
		if len(call.Args) != 2 {
			return false, fmt.Errorf("%w: event_in_state requires (fingerprint, state)", ErrConditionEval)
		}
		return ec.State.EventInState(ec.Ctx, call.Args[0], call.Args[1])
	default:
		return false, fmt.Errorf("%w: unknown call predicate %q", ErrConditionEval, call.Fn)
	}
}
