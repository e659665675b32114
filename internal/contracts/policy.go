package contracts

import "time"

// OverageBehavior governs what happens when a quota window's counter
// exceeds its configured max.
type OverageBehavior string

const (
	OverageBlock   OverageBehavior = "Block"
	OverageWarn    OverageBehavior = "Warn"
	OverageDegrade OverageBehavior = "Degrade"
	OverageNotify  OverageBehavior = "Notify"
)

// QuotaPolicy configures one (namespace, tenant) quota window.
type QuotaPolicy struct {
	Namespace     Namespace       `json:"namespace"`
	Tenant        TenantId        `json:"tenant"`
	MaxActions    int             `json:"max_actions"`
	WindowSeconds int             `json:"window_seconds"`
	Behavior      OverageBehavior `json:"behavior"`
	Fallback      ProviderId      `json:"fallback,omitempty"`
	NotifyTarget  string          `json:"notify_target,omitempty"`
}

// CircuitStateKind is the circuit breaker's state machine position.
type CircuitStateKind string

const (
	CircuitClosed   CircuitStateKind = "Closed"
	CircuitOpenState CircuitStateKind = "Open"
	CircuitHalfOpen CircuitStateKind = "HalfOpen"
)

// CircuitState is the persisted per-provider breaker state (key
// cb:{provider}).
type CircuitState struct {
	Provider         ProviderId       `json:"provider"`
	State            CircuitStateKind `json:"state"`
	ConsecutiveFail  int              `json:"consecutive_fail"`
	ConsecutiveSucc  int              `json:"consecutive_succ"`
	OpenedAt         time.Time        `json:"opened_at"`
	ProbeToken       string           `json:"probe_token,omitempty"`
	ProbeTokenExpiry time.Time        `json:"probe_token_expiry,omitempty"`
}

// CircuitConfig configures one provider's breaker thresholds.
type CircuitConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	FallbackProvider ProviderId    `json:"fallback_provider,omitempty"`
}

// ScheduledAction is the persisted record for a delayed one-shot action
// (key sched:{action_id}).
type ScheduledAction struct {
	Action       Action    `json:"action"`
	DueAt        time.Time `json:"due_at"`
	ClaimToken   string    `json:"claim_token,omitempty"`
	ClaimExpires time.Time `json:"claim_expires,omitempty"`
	Executed     bool      `json:"executed"`
}
