package ruleengine

import (
	"context"
	"time"

	"github.com/acteon-io/gateway/internal/contracts"
)

// Clock supplies the current time, overridable in tests so rule
// evaluation is deterministic (spec §8 invariant 3).
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// StateView exposes the read-only state predicates a condition's call/
// semantic_match/wasm bridges may invoke (spec §4.1 item c/d).
type StateView interface {
	HasActiveEvent(ctx context.Context, eventType, label string) (bool, error)
	GetEventState(ctx context.Context, fingerprint string) (contracts.EventState, bool, error)
	EventInState(ctx context.Context, fingerprint, state string) (bool, error)
}

// SemanticMatcher is the embedding-similarity bridge collaborator
// (out of core scope; only this calling contract is in scope).
type SemanticMatcher interface {
	Match(ctx context.Context, topic string, threshold float64, text string) (bool, error)
}

// WasmBridge evaluates a named function in a loaded WASM plugin as a
// boolean predicate (out of core scope beyond this bridge interface).
type WasmBridge interface {
	Call(ctx context.Context, plugin, fn string, action *contracts.Action) (bool, error)
}

// EvalContext is everything a single evaluate() call needs.
type EvalContext struct {
	Ctx       context.Context
	Action    *contracts.Action
	Clock     Clock
	Timezone  string
	State     StateView
	Semantic  SemanticMatcher
	Wasm      WasmBridge
	CEL       *CELEvaluator
}

// timeView is the flattened `time.*` map described in spec §4.1,
// derived from the engine clock and the rule's timezone.
func timeView(clock Clock, timezone string) map[string]any {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	now := clock.Now().In(loc)
	return map[string]any{
		"hour":        now.Hour(),
		"minute":      now.Minute(),
		"second":      now.Second(),
		"day":         now.Day(),
		"month":       int(now.Month()),
		"year":        now.Year(),
		"weekday":     now.Weekday().String(),
		"weekday_num": int(now.Weekday()),
		"timestamp":   now.Unix(),
	}
}
