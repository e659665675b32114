package chain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/acteon-io/gateway/internal/contracts"
)

// evalBranch evaluates a branch's condition against the rendered step
// view (origin/prev/steps.<name>.*/chain_id/step_index). This
// deliberately supports only the leaf-comparison subset of
// contracts.Condition (no cel/call/semantic_match/wasm): branch
// predicates compare completed step results, which never need the
// external-bridge operators the rule engine's condition tree supports.
func evalBranch(cond *contracts.Condition, view map[string]any) (bool, error) {
	switch {
	case len(cond.All) > 0:
		for i := range cond.All {
			ok, err := evalBranch(&cond.All[i], view)
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
			ok, err := evalBranch(&cond.Any[i], view)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case cond.Not != nil:
		ok, err := evalBranch(cond.Not, view)
		return !ok, err

	case cond.Op != "":
		return evalBranchLeaf(cond.Op, cond.Path, cond.Value, view)

	default:
		return true, nil
	}
}

func resolveViewPath(path string, view map[string]any) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = view
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func evalBranchLeaf(op, path string, want any, view map[string]any) (bool, error) {
	got, found := resolveViewPath(path, view)

	switch op {
	case "eq":
		if !found {
			return false, nil
		}
		return fmt.Sprint(got) == fmt.Sprint(want), nil
	case "contains":
		gs, ok1 := got.(string)
		ws, ok2 := want.(string)
		return found && ok1 && ok2 && strings.Contains(gs, ws), nil
	case "starts_with":
		gs, ok1 := got.(string)
		ws, ok2 := want.(string)
		return found && ok1 && ok2 && strings.HasPrefix(gs, ws), nil
	case "ends_with":
		gs, ok1 := got.(string)
		ws, ok2 := want.(string)
		return found && ok1 && ok2 && strings.HasSuffix(gs, ws), nil
	case "regex":
		gs, ok1 := got.(string)
		ws, ok2 := want.(string)
		if !found || !ok1 || !ok2 {
			return false, nil
		}
		re, err := regexp.Compile(ws)
		if err != nil {
			return false, fmt.Errorf("chain: invalid branch regex %q: %w", ws, err)
		}
		return re.MatchString(gs), nil
	case "gt", "gte", "lt", "lte":
		if !found {
			return false, nil
		}
		gn, ok1 := branchNumber(got)
		wn, ok2 := branchNumber(want)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("chain: %s operator requires numeric operands at %q", op, path)
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
		return false, fmt.Errorf("chain: unknown branch operator %q", op)
	}
}

func branchNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
