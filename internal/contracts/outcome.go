package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// OutcomeKind enumerates ActionOutcome's tagged-union variants.
type OutcomeKind string

const (
	OutcomeExecuted        OutcomeKind = "Executed"
	OutcomeDeduplicated    OutcomeKind = "Deduplicated"
	OutcomeSuppressed      OutcomeKind = "Suppressed"
	OutcomeRerouted        OutcomeKind = "Rerouted"
	OutcomeThrottled       OutcomeKind = "Throttled"
	OutcomeFailed          OutcomeKind = "Failed"
	OutcomeGrouped         OutcomeKind = "Grouped"
	OutcomeStateChanged    OutcomeKind = "StateChanged"
	OutcomePendingApproval OutcomeKind = "PendingApproval"
	OutcomeChainStarted    OutcomeKind = "ChainStarted"
	OutcomeScheduled       OutcomeKind = "Scheduled"
	OutcomeDryRun          OutcomeKind = "DryRun"
	OutcomeQuotaExceeded   OutcomeKind = "QuotaExceeded"
	OutcomeCircuitOpen     OutcomeKind = "CircuitOpen"
)

// ActionOutcome is the terminal result of one dispatch call.
type ActionOutcome struct {
	Kind OutcomeKind

	// Executed
	Response *ProviderResponse

	// Suppressed
	Rule string

	// Rerouted
	From ProviderId
	To   ProviderId

	// Throttled
	RetryAfter time.Duration

	// Failed
	Err string

	// Grouped
	GroupID  string
	Size     int
	NotifyAt time.Time

	// StateChanged
	Fingerprint string
	FromState   string
	ToState     string
	FireNotify  bool

	// PendingApproval
	ApprovalID string
	ExpiresAt  time.Time
	ApproveURL string
	RejectURL  string

	// ChainStarted
	ChainID     string
	ChainName   string
	TotalSteps  int
	FirstStep   string

	// Scheduled
	ScheduledActionID string
	ScheduledFor      time.Time

	// DryRun
	DryRunVerdict      *Verdict
	MatchedRule        string
	WouldBeProvider    ProviderId

	// QuotaExceeded
	QuotaLimit int
	QuotaUsed  int
	Behavior   string

	// CircuitOpen
	CircuitProvider ProviderId
	FallbackChain   []ProviderId
}

func Executed(resp ProviderResponse) ActionOutcome {
	return ActionOutcome{Kind: OutcomeExecuted, Response: &resp}
}

func Deduplicated() ActionOutcome { return ActionOutcome{Kind: OutcomeDeduplicated} }

func Suppressed(rule string) ActionOutcome {
	return ActionOutcome{Kind: OutcomeSuppressed, Rule: rule}
}

func Rerouted(from, to ProviderId, resp ProviderResponse) ActionOutcome {
	return ActionOutcome{Kind: OutcomeRerouted, From: from, To: to, Response: &resp}
}

func Throttled(retryAfter time.Duration) ActionOutcome {
	return ActionOutcome{Kind: OutcomeThrottled, RetryAfter: retryAfter}
}

func Failed(err error) ActionOutcome {
	return ActionOutcome{Kind: OutcomeFailed, Err: err.Error()}
}

func CircuitOpen(provider ProviderId, tried []ProviderId) ActionOutcome {
	return ActionOutcome{Kind: OutcomeCircuitOpen, CircuitProvider: provider, FallbackChain: tried}
}

func ChainStarted(chainID, name string, totalSteps int, firstStep string) ActionOutcome {
	return ActionOutcome{Kind: OutcomeChainStarted, ChainID: chainID, ChainName: name, TotalSteps: totalSteps, FirstStep: firstStep}
}

func Grouped(groupID string, size int, notifyAt time.Time) ActionOutcome {
	return ActionOutcome{Kind: OutcomeGrouped, GroupID: groupID, Size: size, NotifyAt: notifyAt}
}

func StateChanged(fingerprint, from, to string, fireNotify bool) ActionOutcome {
	return ActionOutcome{Kind: OutcomeStateChanged, Fingerprint: fingerprint, FromState: from, ToState: to, FireNotify: fireNotify}
}

func PendingApproval(id string, expiresAt time.Time, approveURL, rejectURL string) ActionOutcome {
	return ActionOutcome{Kind: OutcomePendingApproval, ApprovalID: id, ExpiresAt: expiresAt, ApproveURL: approveURL, RejectURL: rejectURL}
}

func Scheduled(actionID string, scheduledFor time.Time) ActionOutcome {
	return ActionOutcome{Kind: OutcomeScheduled, ScheduledActionID: actionID, ScheduledFor: scheduledFor}
}

func DryRun(verdict Verdict, matchedRule string, wouldBeProvider ProviderId) ActionOutcome {
	v := verdict
	return ActionOutcome{Kind: OutcomeDryRun, DryRunVerdict: &v, MatchedRule: matchedRule, WouldBeProvider: wouldBeProvider}
}

func QuotaExceeded(limit, used int, behavior string) ActionOutcome {
	return ActionOutcome{Kind: OutcomeQuotaExceeded, QuotaLimit: limit, QuotaUsed: used, Behavior: behavior}
}

// IsExecuted, IsFailed etc. mirror the reference client's Is*() helper
// predicates.
func (o ActionOutcome) IsExecuted() bool     { return o.Kind == OutcomeExecuted }
func (o ActionOutcome) IsFailed() bool       { return o.Kind == OutcomeFailed }
func (o ActionOutcome) IsThrottled() bool    { return o.Kind == OutcomeThrottled }
func (o ActionOutcome) IsDeduplicated() bool { return o.Kind == OutcomeDeduplicated }
func (o ActionOutcome) IsCircuitOpen() bool  { return o.Kind == OutcomeCircuitOpen }

func (o ActionOutcome) payload() any {
	switch o.Kind {
	case OutcomeDeduplicated:
		return nil
	case OutcomeExecuted:
		return o.Response
	case OutcomeSuppressed:
		return map[string]any{"rule": o.Rule}
	case OutcomeRerouted:
		return map[string]any{"from": o.From, "to": o.To, "response": o.Response}
	case OutcomeThrottled:
		return map[string]any{"retry_after": durationJSON(o.RetryAfter)}
	case OutcomeFailed:
		return map[string]any{"error": o.Err}
	case OutcomeGrouped:
		return map[string]any{"group_id": o.GroupID, "size": o.Size, "notify_at": o.NotifyAt}
	case OutcomeStateChanged:
		return map[string]any{
			"fingerprint": o.Fingerprint, "from": o.FromState, "to": o.ToState, "notify": o.FireNotify,
		}
	case OutcomePendingApproval:
		return map[string]any{
			"id": o.ApprovalID, "expires_at": o.ExpiresAt,
			"approve_url": o.ApproveURL, "reject_url": o.RejectURL,
		}
	case OutcomeChainStarted:
		return map[string]any{
			"chain_id": o.ChainID, "name": o.ChainName,
			"total_steps": o.TotalSteps, "first_step": o.FirstStep,
		}
	case OutcomeScheduled:
		return map[string]any{"action_id": o.ScheduledActionID, "scheduled_for": o.ScheduledFor}
	case OutcomeDryRun:
		return map[string]any{
			"verdict": o.DryRunVerdict, "matched_rule": o.MatchedRule,
			"would_be_provider": o.WouldBeProvider,
		}
	case OutcomeQuotaExceeded:
		return map[string]any{"limit": o.QuotaLimit, "used": o.QuotaUsed, "behavior": o.Behavior}
	case OutcomeCircuitOpen:
		return map[string]any{"provider": o.CircuitProvider, "fallback_chain": o.FallbackChain}
	default:
		return nil
	}
}

// durationJSON matches the reference client's {secs,nanos} shape for
// Rust std::time::Duration values.
func durationJSON(d time.Duration) map[string]int64 {
	return map[string]int64{
		"secs":  int64(d / time.Second),
		"nanos": int64(d % time.Second),
	}
}

func durationFromJSON(m map[string]int64) time.Duration {
	return time.Duration(m["secs"])*time.Second + time.Duration(m["nanos"])
}

func (o ActionOutcome) MarshalJSON() ([]byte, error) {
	p := o.payload()
	if p == nil {
		return json.Marshal(string(o.Kind))
	}
	return json.Marshal(map[string]any{string(o.Kind): p})
}

func (o *ActionOutcome) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var tag string
		if err := json.Unmarshal(trimmed, &tag); err != nil {
			return fmt.Errorf("outcome: %w", err)
		}
		o.Kind = OutcomeKind(tag)
		return nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return fmt.Errorf("outcome: %w", err)
	}
	if len(wrapper) != 1 {
		return fmt.Errorf("outcome: expected exactly one tag key, got %d", len(wrapper))
	}
	for tag, raw := range wrapper {
		o.Kind = OutcomeKind(tag)
		return o.decodeFields(raw)
	}
	return nil
}

func (o *ActionOutcome) decodeFields(raw json.RawMessage) error {
	switch o.Kind {
	case OutcomeExecuted:
		return json.Unmarshal(raw, &o.Response)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("outcome %s: %w", o.Kind, err)
	}
	get := func(key string, dst any) {
		if r, ok := fields[key]; ok {
			_ = json.Unmarshal(r, dst)
		}
	}
	switch o.Kind {
	case OutcomeSuppressed:
		get("rule", &o.Rule)
	case OutcomeRerouted:
		get("from", &o.From)
		get("to", &o.To)
		get("response", &o.Response)
	case OutcomeThrottled:
		var d map[string]int64
		get("retry_after", &d)
		o.RetryAfter = durationFromJSON(d)
	case OutcomeFailed:
		get("error", &o.Err)
	case OutcomeGrouped:
		get("group_id", &o.GroupID)
		get("size", &o.Size)
		get("notify_at", &o.NotifyAt)
	case OutcomeStateChanged:
		get("fingerprint", &o.Fingerprint)
		get("from", &o.FromState)
		get("to", &o.ToState)
		get("notify", &o.FireNotify)
	case OutcomePendingApproval:
		get("id", &o.ApprovalID)
		get("expires_at", &o.ExpiresAt)
		get("approve_url", &o.ApproveURL)
		get("reject_url", &o.RejectURL)
	case OutcomeChainStarted:
		get("chain_id", &o.ChainID)
		get("name", &o.ChainName)
		get("total_steps", &o.TotalSteps)
		get("first_step", &o.FirstStep)
	case OutcomeScheduled:
		get("action_id", &o.ScheduledActionID)
		get("scheduled_for", &o.ScheduledFor)
	case OutcomeDryRun:
		get("verdict", &o.DryRunVerdict)
		get("matched_rule", &o.MatchedRule)
		get("would_be_provider", &o.WouldBeProvider)
	case OutcomeQuotaExceeded:
		get("limit", &o.QuotaLimit)
		get("used", &o.QuotaUsed)
		get("behavior", &o.Behavior)
	case OutcomeCircuitOpen:
		get("provider", &o.CircuitProvider)
		get("fallback_chain", &o.FallbackChain)
	}
	return nil
}
