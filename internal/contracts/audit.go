package contracts

import "time"

// AuditRecord is one persisted dispatch decision. record_hash,
// previous_hash, and sequence_number are only populated when hash
// chaining is enabled (compliance.hash_chain).
type AuditRecord struct {
	ID         string  `json:"id"`
	ActionID   ActionId `json:"action_id"`
	ChainID    string  `json:"chain_id,omitempty"`
	Namespace  Namespace `json:"namespace"`
	Tenant     TenantId  `json:"tenant"`
	Provider   ProviderId `json:"provider"`
	ActionType string    `json:"action_type"`

	Verdict     Verdict       `json:"verdict"`
	MatchedRule string        `json:"matched_rule,omitempty"`
	Outcome     ActionOutcome `json:"outcome"`

	ActionPayload  any            `json:"action_payload,omitempty"`
	VerdictDetails map[string]any `json:"verdict_details,omitempty"`
	OutcomeDetails map[string]any `json:"outcome_details,omitempty"`
	Metadata       Metadata       `json:"metadata"`

	DispatchedAt time.Time  `json:"dispatched_at"`
	CompletedAt  time.Time  `json:"completed_at"`
	DurationMs   int64      `json:"duration_ms"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	CallerID   string `json:"caller_id,omitempty"`
	AuthMethod string `json:"auth_method,omitempty"`

	AttachmentMetadata []Attachment `json:"attachment_metadata,omitempty"`

	RecordHash     string `json:"record_hash,omitempty"`
	PreviousHash   string `json:"previous_hash,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
}

// AuditFilter is the query contract for the audit-store backend
// interface (spec §6).
type AuditFilter struct {
	Namespace   Namespace
	Tenant      TenantId
	Provider    ProviderId
	ActionType  string
	Outcome     OutcomeKind
	Verdict     VerdictKind
	MatchedRule string
	CallerID    string
	ChainID     string
	From, To    time.Time
	Limit       int
	Offset      int
}

// AuditPage is one page of a paginated audit query.
type AuditPage struct {
	Records []AuditRecord `json:"records"`
	Total   int           `json:"total"`
	HasMore bool          `json:"has_more"`
}

// VerifyResult is the output of a hash-chain verification scan.
type VerifyResult struct {
	Valid          bool  `json:"valid"`
	RecordsChecked int   `json:"records_checked"`
	FirstBrokenAt  int64 `json:"first_broken_at,omitempty"`
}

// ReplayQuery selects a set of past audit records to re-dispatch as new
// actions, plus optional overrides applied to each before re-dispatch.
type ReplayQuery struct {
	Filter       AuditFilter
	DryRun       bool
	OverrideTags map[string]string
}

// ReplayResult is the per-record outcome of a replay run.
type ReplayResult struct {
	OriginalActionID ActionId      `json:"original_action_id"`
	NewActionID      ActionId      `json:"new_action_id,omitempty"`
	Outcome          ActionOutcome `json:"outcome"`
	Error            string        `json:"error,omitempty"`
}

// ReplaySummary aggregates a replay run's ReplayResults.
type ReplaySummary struct {
	TotalMatched int            `json:"total_matched"`
	Replayed     int            `json:"replayed"`
	Failed       int            `json:"failed"`
	Results      []ReplayResult `json:"results"`
}
