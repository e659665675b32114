package ruleengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/contracts"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func dedupRule() contracts.Rule {
	return contracts.Rule{
		Name: "dedup-emails", Priority: 10, Enabled: true,
		Condition: contracts.Condition{Op: "eq", Path: "action.action_type", Value: "send_email"},
		Action:    contracts.NewDeduplicate(300),
	}
}

func TestEngineFirstMatchWins(t *testing.T) {
	e, err := NewEngine(fixedClock{time.Now()})
	require.NoError(t, err)

	require.NoError(t, e.Reload([]contracts.Rule{
		{Name: "low-priority-suppress", Priority: 20, Enabled: true,
			Condition: contracts.Condition{Op: "eq", Path: "action.action_type", Value: "send_email"},
			Action:    contracts.NewSuppress("low-priority-suppress", "test")},
		dedupRule(),
	}))

	action := &contracts.Action{ActionType: "send_email"}
	trace := e.Evaluate(context.Background(), action, "UTC", StateEvalView{}, EvalOptions{})

	require.Equal(t, "dedup-emails", trace.MatchedRule)
	require.Equal(t, contracts.VerdictDeduplicate, trace.Verdict.Kind)
}

func TestEngineNoMatchAllows(t *testing.T) {
	e, err := NewEngine(fixedClock{time.Now()})
	require.NoError(t, err)
	require.NoError(t, e.Reload([]contracts.Rule{dedupRule()}))

	action := &contracts.Action{ActionType: "notify"}
	trace := e.Evaluate(context.Background(), action, "UTC", StateEvalView{}, EvalOptions{})

	require.Equal(t, contracts.VerdictAllow, trace.Verdict.Kind)
	require.Empty(t, trace.MatchedRule)
}

func TestEngineDisabledRuleSkipped(t *testing.T) {
	e, err := NewEngine(fixedClock{time.Now()})
	require.NoError(t, err)
	r := dedupRule()
	r.Enabled = false
	require.NoError(t, e.Reload([]contracts.Rule{r}))

	action := &contracts.Action{ActionType: "send_email"}
	trace := e.Evaluate(context.Background(), action, "UTC", StateEvalView{}, EvalOptions{})

	require.Equal(t, contracts.VerdictAllow, trace.Verdict.Kind)
	require.Equal(t, contracts.RuleSkipped, trace.Rules[0].Result)
}

func TestEnginePriorityMonotonicity(t *testing.T) {
	e, err := NewEngine(fixedClock{time.Now()})
	require.NoError(t, err)
	require.NoError(t, e.Reload([]contracts.Rule{
		{Name: "y", Priority: 30, Enabled: true,
			Condition: contracts.Condition{Op: "eq", Path: "action.action_type", Value: "notify"},
			Action:    contracts.NewSuppress("y", "")},
		{Name: "x", Priority: 5, Enabled: true,
			Condition: contracts.Condition{Op: "eq", Path: "action.action_type", Value: "notify"},
			Action:    contracts.NewAllow()},
	}))

	trace := e.Evaluate(context.Background(), &contracts.Action{ActionType: "notify"}, "UTC", StateEvalView{}, EvalOptions{})
	require.Equal(t, "x", trace.MatchedRule)
}

func TestEngineEvaluateAllMarksAfterMatch(t *testing.T) {
	e, err := NewEngine(fixedClock{time.Now()})
	require.NoError(t, err)
	require.NoError(t, e.Reload([]contracts.Rule{
		dedupRule(),
		{Name: "also-matches", Priority: 50, Enabled: true,
			Condition: contracts.Condition{Op: "eq", Path: "action.action_type", Value: "send_email"},
			Action:    contracts.NewSuppress("also-matches", "")},
	}))

	action := &contracts.Action{ActionType: "send_email"}
	trace := e.Evaluate(context.Background(), action, "UTC", StateEvalView{}, EvalOptions{EvaluateAll: true})

	require.Len(t, trace.Rules, 2)
	require.Equal(t, contracts.RuleMatched, trace.Rules[1].Result)
}

func TestEngineConditionErrorProducesErrorVerdict(t *testing.T) {
	e, err := NewEngine(fixedClock{time.Now()})
	require.NoError(t, err)
	require.NoError(t, e.Reload([]contracts.Rule{
		{Name: "bad-regex", Priority: 1, Enabled: true,
			Condition: contracts.Condition{Op: "regex", Path: "action.action_type", Value: "("},
			Action:    contracts.NewAllow()},
	}))

	trace := e.Evaluate(context.Background(), &contracts.Action{ActionType: "x"}, "UTC", StateEvalView{}, EvalOptions{})
	require.Equal(t, contracts.VerdictError, trace.Verdict.Kind)
	require.Equal(t, "bad-regex", trace.MatchedRule)
}

func TestEngineOperators(t *testing.T) {
	e, err := NewEngine(fixedClock{time.Now()})
	require.NoError(t, err)
	require.NoError(t, e.Reload([]contracts.Rule{
		{Name: "gt-rule", Priority: 1, Enabled: true,
			Condition: contracts.Condition{All: []contracts.Condition{
				{Op: "gt", Path: "action.payload.count", Value: 5.0},
				{Op: "contains", Path: "action.action_type", Value: "mail"},
			}},
			Action: contracts.NewSuppress("gt-rule", "")},
	}))

	action := &contracts.Action{ActionType: "send_email", Payload: map[string]any{"count": 10.0}}
	trace := e.Evaluate(context.Background(), action, "UTC", StateEvalView{}, EvalOptions{})
	require.Equal(t, "gt-rule", trace.MatchedRule)
}

func TestEngineCELCondition(t *testing.T) {
	e, err := NewEngine(fixedClock{time.Now()})
	require.NoError(t, err)
	require.NoError(t, e.Reload([]contracts.Rule{
		{Name: "cel-rule", Priority: 1, Enabled: true,
			Condition: contracts.Condition{CEL: `action.action_type == "notify"`},
			Action:    contracts.NewThrottle(3, 60)},
	}))

	trace := e.Evaluate(context.Background(), &contracts.Action{ActionType: "notify"}, "UTC", StateEvalView{}, EvalOptions{})
	require.Equal(t, "cel-rule", trace.MatchedRule)
	require.Equal(t, contracts.VerdictThrottle, trace.Verdict.Kind)
}

func TestEngineHotReloadIsAtomic(t *testing.T) {
	e, err := NewEngine(fixedClock{time.Now()})
	require.NoError(t, err)
	require.NoError(t, e.Reload([]contracts.Rule{dedupRule()}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = e.Reload([]contracts.Rule{dedupRule()})
		}
		close(done)
	}()

	for i := 0; i < 100; i++ {
		trace := e.Evaluate(context.Background(), &contracts.Action{ActionType: "send_email"}, "UTC", StateEvalView{}, EvalOptions{})
		require.Equal(t, contracts.VerdictDeduplicate, trace.Verdict.Kind)
	}
	<-done
}
