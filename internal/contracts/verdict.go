package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// VerdictKind enumerates the tagged-union variants the rule engine can
// produce. The string value is also the wire tag used by MarshalJSON.
type VerdictKind string

const (
	VerdictAllow           VerdictKind = "Allow"
	VerdictSuppress        VerdictKind = "Suppress"
	VerdictDeduplicate     VerdictKind = "Deduplicate"
	VerdictThrottle        VerdictKind = "Throttle"
	VerdictReroute         VerdictKind = "Reroute"
	VerdictModify          VerdictKind = "Modify"
	VerdictGroup           VerdictKind = "Group"
	VerdictStateMachine    VerdictKind = "StateMachine"
	VerdictRequestApproval VerdictKind = "RequestApproval"
	VerdictChain           VerdictKind = "Chain"
	VerdictSchedule        VerdictKind = "Schedule"
	VerdictLlmGuardrail    VerdictKind = "LlmGuardrail"
	VerdictError           VerdictKind = "Error"
)

// Verdict is the rule engine's decision for one action. Exactly the
// fields relevant to Kind are populated; all others are zero. Use the
// New* constructors rather than building a Verdict by hand.
type Verdict struct {
	Kind VerdictKind

	// Suppress
	Rule   string
	Reason string

	// Deduplicate
	TTLSeconds int

	// Throttle
	Max    int
	Window int

	// Reroute
	TargetProvider ProviderId

	// Modify
	Changes any // JSON merge-patch document

	// Group
	GroupBy      []string
	GroupWait    int
	GroupInterval int
	MaxGroupSize int

	// StateMachine
	StateMachineName string
	FingerprintFields []string

	// RequestApproval
	Message string
	ApprovalTTL int
	Notify []string

	// Chain
	ChainName string

	// Schedule
	DelaySeconds int

	// LlmGuardrail
	Evaluator string
	GuardrailPolicy string
}

func NewAllow() Verdict { return Verdict{Kind: VerdictAllow} }

func NewSuppress(rule, reason string) Verdict {
	return Verdict{Kind: VerdictSuppress, Rule: rule, Reason: reason}
}

func NewDeduplicate(ttlSeconds int) Verdict {
	return Verdict{Kind: VerdictDeduplicate, TTLSeconds: ttlSeconds}
}

func NewThrottle(max, window int) Verdict {
	return Verdict{Kind: VerdictThrottle, Max: max, Window: window}
}

func NewReroute(target ProviderId) Verdict {
	return Verdict{Kind: VerdictReroute, TargetProvider: target}
}

func NewModify(changes any) Verdict {
	return Verdict{Kind: VerdictModify, Changes: changes}
}

func NewError() Verdict { return Verdict{Kind: VerdictError} }

// verdict field-shape tables used for marshaling each kind's payload.
func (v Verdict) payload() any {
	switch v.Kind {
	case VerdictAllow, VerdictError:
		return nil
	case VerdictSuppress:
		return map[string]any{"rule": v.Rule, "reason": v.Reason}
	case VerdictDeduplicate:
		return map[string]any{"ttl": v.TTLSeconds}
	case VerdictThrottle:
		return map[string]any{"max": v.Max, "window": v.Window}
	case VerdictReroute:
		return map[string]any{"target_provider": v.TargetProvider}
	case VerdictModify:
		return map[string]any{"changes": v.Changes}
	case VerdictGroup:
		return map[string]any{
			"by": v.GroupBy, "wait": v.GroupWait,
			"interval": v.GroupInterval, "max_size": v.MaxGroupSize,
		}
	case VerdictStateMachine:
		return map[string]any{"name": v.StateMachineName, "fingerprint_fields": v.FingerprintFields}
	case VerdictRequestApproval:
		return map[string]any{"message": v.Message, "ttl": v.ApprovalTTL, "notify": v.Notify}
	case VerdictChain:
		return map[string]any{"name": v.ChainName}
	case VerdictSchedule:
		return map[string]any{"delay": v.DelaySeconds}
	case VerdictLlmGuardrail:
		return map[string]any{"evaluator": v.Evaluator, "policy": v.GuardrailPolicy}
	default:
		return nil
	}
}

// MarshalJSON renders the tagged-union shape used by the reference
// client: a bare quoted string for no-payload variants, otherwise a
// single-key object {"<Kind>": {...}}.
func (v Verdict) MarshalJSON() ([]byte, error) {
	p := v.payload()
	if p == nil {
		return json.Marshal(string(v.Kind))
	}
	return json.Marshal(map[string]any{string(v.Kind): p})
}

// UnmarshalJSON accepts either a bare string (no-payload variant) or a
// single-key object keyed by the variant tag.
func (v *Verdict) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var tag string
		if err := json.Unmarshal(trimmed, &tag); err != nil {
			return fmt.Errorf("verdict: %w", err)
		}
		v.Kind = VerdictKind(tag)
		return nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return fmt.Errorf("verdict: %w", err)
	}
	if len(wrapper) != 1 {
		return fmt.Errorf("verdict: expected exactly one tag key, got %d", len(wrapper))
	}
	for tag, raw := range wrapper {
		v.Kind = VerdictKind(tag)
		return v.decodeFields(raw)
	}
	return nil
}

func (v *Verdict) decodeFields(raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("verdict %s: %w", v.Kind, err)
	}
	get := func(key string, dst any) {
		if r, ok := fields[key]; ok {
			_ = json.Unmarshal(r, dst)
		}
	}
	switch v.Kind {
	case VerdictSuppress:
		get("rule", &v.Rule)
		get("reason", &v.Reason)
	case VerdictDeduplicate:
		get("ttl", &v.TTLSeconds)
	case VerdictThrottle:
		get("max", &v.Max)
		get("window", &v.Window)
	case VerdictReroute:
		get("target_provider", &v.TargetProvider)
	case VerdictModify:
		get("changes", &v.Changes)
	case VerdictGroup:
		get("by", &v.GroupBy)
		get("wait", &v.GroupWait)
		get("interval", &v.GroupInterval)
		get("max_size", &v.MaxGroupSize)
	case VerdictStateMachine:
		get("name", &v.StateMachineName)
		get("fingerprint_fields", &v.FingerprintFields)
	case VerdictRequestApproval:
		get("message", &v.Message)
		get("ttl", &v.ApprovalTTL)
		get("notify", &v.Notify)
	case VerdictChain:
		get("name", &v.ChainName)
	case VerdictSchedule:
		get("delay", &v.DelaySeconds)
	case VerdictLlmGuardrail:
		get("evaluator", &v.Evaluator)
		get("policy", &v.GuardrailPolicy)
	}
	return nil
}
