package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

// HashChainer stamps each AuditRecord with a SHA-256 record_hash over
// its canonical encoding plus the previous_hash/sequence_number linking
// it to the prior record for (namespace, tenant), grounded on the
// teacher's AuditStore.Append/computeEntryHash chaining.
//
// Allocating (sequence_number, previous_hash) together must be
// serialized per tenant or two concurrent appends can both read the
// same chain head and fork the chain. The gateway already owns a
// DistributedLock for exactly this kind of short critical section
// (spec §4.2's per-action dispatch lock); HashChainer reuses it rather
// than introducing a second, bespoke CAS-retry mechanism.
type HashChainer struct {
	store statestore.Store
	lock  statestore.Lock
}

// NewHashChainer requires a StrongCounter backend: sequence allocation
// and chain-head tracking both assume a single serialized writer per
// (namespace, tenant), which only holds if the store's primitives are
// strongly consistent rather than eventually-consistent best effort.
func NewHashChainer(store statestore.Store, lock statestore.Lock) (*HashChainer, error) {
	if !store.StrongCounter() {
		return nil, fmt.Errorf("audit: hash chain requires a strongly consistent state store backend")
	}
	return &HashChainer{store: store, lock: lock}, nil
}

func chainHeadKey(ns contracts.Namespace, tenant contracts.TenantId) string {
	return fmt.Sprintf("audit_chain_head:%s:%s", ns, tenant)
}

func chainSeqKey(ns contracts.Namespace, tenant contracts.TenantId) string {
	return fmt.Sprintf("audit_chain_seq:%s:%s", ns, tenant)
}

func chainLockKey(ns contracts.Namespace, tenant contracts.TenantId) string {
	return fmt.Sprintf("audit_chain:%s:%s", ns, tenant)
}

const genesisHash = "genesis"

// Apply stamps record with the next sequence number, the current chain
// head as previous_hash, and a fresh record_hash, then advances the
// chain head. record_hash excludes itself from the hashed form.
func (c *HashChainer) Apply(ctx context.Context, record contracts.AuditRecord) (contracts.AuditRecord, error) {
	handle, err := c.lock.Acquire(ctx, chainLockKey(record.Namespace, record.Tenant), 5*time.Second, 2*time.Second)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("audit: acquire chain lock: %w", err)
	}
	defer c.lock.Release(ctx, handle)

	seq, err := c.store.Increment(ctx, chainSeqKey(record.Namespace, record.Tenant), 0)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("audit: allocate sequence: %w", err)
	}

	prevHash := genesisHash
	if raw, err := c.store.Get(ctx, chainHeadKey(record.Namespace, record.Tenant)); err == nil {
		prevHash = string(raw)
	} else if err != statestore.ErrNotFound {
		return contracts.AuditRecord{}, fmt.Errorf("audit: read chain head: %w", err)
	}

	record.SequenceNumber = seq
	record.PreviousHash = prevHash
	record.RecordHash = ""

	hash, err := hashRecord(record)
	if err != nil {
		return contracts.AuditRecord{}, err
	}
	record.RecordHash = hash

	if err := c.store.Set(ctx, chainHeadKey(record.Namespace, record.Tenant), []byte(hash), 0); err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("audit: advance chain head: %w", err)
	}
	return record, nil
}

// hashRecord computes record_hash over record's canonical form with
// record_hash itself cleared, so the hash never depends on its own value.
func hashRecord(record contracts.AuditRecord) (string, error) {
	record.RecordHash = ""
	return canonicalHash(record)
}

// VerifyChain linearly scans records (already ordered by sequence_number
// by the caller, typically the backend store's query) recomputing each
// record_hash and checking its previous_hash against the prior record's
// stored hash. It reports the sequence_number of the first broken
// record, if any.
func VerifyChain(records []contracts.AuditRecord) contracts.VerifyResult {
	expectedPrev := genesisHash
	for i, rec := range records {
		if rec.PreviousHash != expectedPrev {
			return contracts.VerifyResult{Valid: false, RecordsChecked: i + 1, FirstBrokenAt: rec.SequenceNumber}
		}
		computed, err := hashRecord(rec)
		if err != nil || computed != rec.RecordHash {
			return contracts.VerifyResult{Valid: false, RecordsChecked: i + 1, FirstBrokenAt: rec.SequenceNumber}
		}
		expectedPrev = rec.RecordHash
	}
	return contracts.VerifyResult{Valid: true, RecordsChecked: len(records)}
}
