package contracts

import "time"

// Attachment is an inline file carried on an Action.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	DataBase64  string `json:"data_base64"`
}

// TemplateRef points at a named payload template to render before rule
// evaluation.
type TemplateRef struct {
	Name string         `json:"name"`
	Vars map[string]any `json:"vars,omitempty"`
}

// Action is the immutable request unit submitted to the gateway. Zero
// value fields that are documented as optional are left at their zero
// value rather than using pointers, except where nil-vs-zero is
// semantically load-bearing (StartsAt/EndsAt, Template).
type Action struct {
	ID         ActionId   `json:"id"`
	Namespace  Namespace  `json:"namespace"`
	Tenant     TenantId   `json:"tenant"`
	Provider   ProviderId `json:"provider"`
	ActionType string     `json:"action_type"`
	Payload    any        `json:"payload"`
	Metadata   Metadata   `json:"metadata"`

	DedupKey    string `json:"dedup_key,omitempty"`
	Status      string `json:"status,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	Attachments []Attachment `json:"attachments,omitempty"`
	Template    *TemplateRef `json:"template,omitempty"`

	CallerID   string `json:"caller_id,omitempty"`
	AuthMethod string `json:"auth_method,omitempty"`
}

// Metadata carries caller-supplied string labels.
type Metadata struct {
	Labels map[string]string `json:"labels,omitempty"`
}

// Key returns the canonical ActionKey for this action, discriminated by
// dedup_key when present so dedup and lock keys share one derivation.
func (a *Action) Key(discriminator string) ActionKey {
	return NewActionKey(a.Namespace, a.Tenant, a.ID, discriminator)
}

// ProviderResponse is returned by a successful (or partially successful)
// provider execution.
type ProviderResponse struct {
	Status  ProviderStatus    `json:"status"`
	Body    any               `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ProviderStatus is the coarse result classification of a provider call.
type ProviderStatus string

const (
	ProviderStatusSuccess ProviderStatus = "Success"
	ProviderStatusFailure ProviderStatus = "Failure"
	ProviderStatusPartial ProviderStatus = "Partial"
)
