package ruleengine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/acteon-io/gateway/internal/contracts"
)

// ErrConditionEval is the sentinel wrapped by any leaf-operator failure;
// the engine aborts evaluation with verdict Error when this occurs
// (spec §4.1, §7 RuleEvaluationError).
var ErrConditionEval = fmt.Errorf("ruleengine: condition evaluation error")

// resolvePath looks up a dotted path against the flattened action/time
// view: "action.namespace", "action.payload.<dotpath>",
// "action.metadata.<key>", or "time.<field>".
func resolvePath(path string, action *contracts.Action, tv map[string]any) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil, false
	}
	switch parts[0] {
	case "time":
		if len(parts) != 2 {
			return nil, false
		}
		v, ok := tv[parts[1]]
		return v, ok
	case "action":
		return resolveActionPath(parts[1:], action)
	default:
		return nil, false
	}
}

func resolveActionPath(rest []string, action *contracts.Action) (any, bool) {
	if len(rest) == 0 {
		return nil, false
	}
	switch rest[0] {
	case "namespace":
		return string(action.Namespace), true
	case "tenant":
		return string(action.Tenant), true
	case "provider":
		return string(action.Provider), true
	case "action_type":
		return action.ActionType, true
	case "dedup_key":
		return action.DedupKey, true
	case "status":
		return action.Status, true
	case "fingerprint":
		return action.Fingerprint, true
	case "caller_id":
		return action.CallerID, true
	case "payload":
		return resolveDotted(action.Payload, rest[1:])
	case "metadata":
		if len(rest) == 2 && rest[1] != "" {
			v, ok := action.Metadata.Labels[rest[1]]
			return v, ok
		}
		if len(rest) >= 3 && rest[1] == "labels" {
			v, ok := action.Metadata.Labels[rest[2]]
			return v, ok
		}
		return nil, false
	default:
		return nil, false
	}
}

// resolveDotted walks an arbitrary JSON value (map[string]any after
// decode, or a struct requiring a round-trip) by successive keys.
func resolveDotted(v any, path []string) (any, bool) {
	cur := v
	for _, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	// Payload may have been decoded from a typed struct; fall back to a
	// JSON round-trip so dotpath lookups still work.
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, false
	}
	return m, true
}

// evalLeaf applies a single comparison operator. Type mismatches that
// cannot be coerced return an error, matching spec §4.1's "type
// mismatches produce a rule error."
func evalLeaf(op, path string, want any, action *contracts.Action, tv map[string]any) (bool, error) {
	got, found := resolvePath(path, action, tv)

	if op == "contains" || op == "starts_with" || op == "ends_with" {
		_, ok1 := toString(got)
		_, ok2 := toString(want)
		if found && (!ok1 || !ok2) {
			return false, fmt.Errorf("%w: %s operator requires string operands at %q", ErrConditionEval, op, path)
		}
	}

	switch op {
	case "eq":
		if !found {
			return false, nil
		}
		return looseEqual(got, want), nil
	case "contains":
		gs, ok1 := toString(got)
		ws, ok2 := toString(want)
		if !found || !ok1 || !ok2 {
			return false, nil
		}
		return strings.Contains(gs, ws), nil
	case "starts_with":
		gs, ok1 := toString(got)
		ws, ok2 := toString(want)
		if !found || !ok1 || !ok2 {
			return false, nil
		}
		return strings.HasPrefix(gs, ws), nil
	case "ends_with":
		gs, ok1 := toString(got)
		ws, ok2 := toString(want)
		if !found || !ok1 || !ok2 {
			return false, nil
		}
		return strings.HasSuffix(gs, ws), nil
	case "regex":
		if !found {
			return false, nil
		}
		gs, ok := toString(got)
		ws, ok2 := toString(want)
		if !ok || !ok2 {
			return false, fmt.Errorf("%w: regex operator requires string operands at %q", ErrConditionEval, path)
		}
		re, err := regexp.Compile(ws)
		if err != nil {
			return false, fmt.Errorf("%w: invalid regex %q: %v", ErrConditionEval, ws, err)
		}
		return re.MatchString(gs), nil
	case "gt", "gte", "lt", "lte":
		if !found {
			return false, nil
		}
		gn, ok1 := toNumber(got)
		wn, ok2 := toNumber(want)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("%w: %s operator requires numeric operands at %q", ErrConditionEval, op, path)
		}
		switch op {
		case "gt":
			return gn > wn, nil
		case "gte":
			return gn >= wn, nil
		case "lt":
			return gn < wn, nil
		default:
			return gn <= wn, nil
		}
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrConditionEval, op)
	}
}

func looseEqual(a, b any) bool {
	if as, ok := toString(a); ok {
		if bs, ok2 := toString(b); ok2 {
			return as == bs
		}
	}
	if an, ok := toNumber(a); ok {
		if bn, ok2 := toNumber(b); ok2 {
			return an == bn
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	default:
		return "", false
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
