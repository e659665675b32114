package background

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/audit"
	"github.com/acteon-io/gateway/internal/config"
	"github.com/acteon-io/gateway/internal/contracts"
)

type fakeAuditBackend struct {
	records []contracts.AuditRecord
}

func (b *fakeAuditBackend) Store(_ context.Context, record contracts.AuditRecord) error {
	b.records = append(b.records, record)
	return nil
}

func (b *fakeAuditBackend) Query(_ context.Context, filter contracts.AuditFilter) (contracts.AuditPage, error) {
	var out []contracts.AuditRecord
	for _, r := range b.records {
		if r.Namespace != filter.Namespace || r.Tenant != filter.Tenant {
			continue
		}
		if !filter.To.IsZero() && r.DispatchedAt.After(filter.To) {
			continue
		}
		out = append(out, r)
	}
	return contracts.AuditPage{Records: out}, nil
}

func (b *fakeAuditBackend) Delete(_ context.Context, ns contracts.Namespace, tenant contracts.TenantId, id string) error {
	var kept []contracts.AuditRecord
	for _, r := range b.records {
		if r.Namespace == ns && r.Tenant == tenant && r.ID == id {
			continue
		}
		kept = append(kept, r)
	}
	b.records = kept
	return nil
}

func TestRetentionReaperPurgesOldRecords(t *testing.T) {
	now := time.Now()
	backend := &fakeAuditBackend{records: []contracts.AuditRecord{
		{ID: "old", Namespace: "prod", Tenant: "acme", DispatchedAt: now.Add(-48 * time.Hour)},
		{ID: "new", Namespace: "prod", Tenant: "acme", DispatchedAt: now},
	}}
	pipeline := audit.NewPipeline(config.ComplianceConfig{}, nil, nil, nil, backend)
	reaper := NewRetentionReaper(pipeline, fixedTenants(TenantScope{Namespace: "prod", Tenant: "acme"}), 24*time.Hour, nil)

	require.NoError(t, reaper.tick(context.Background()))
	require.Len(t, backend.records, 1)
	require.Equal(t, "new", backend.records[0].ID)
}

func TestRetentionReaperNoopWhenTTLUnset(t *testing.T) {
	backend := &fakeAuditBackend{records: []contracts.AuditRecord{{ID: "old", Namespace: "prod", Tenant: "acme", DispatchedAt: time.Now().Add(-999 * time.Hour)}}}
	pipeline := audit.NewPipeline(config.ComplianceConfig{}, nil, nil, nil, backend)
	reaper := NewRetentionReaper(pipeline, fixedTenants(TenantScope{Namespace: "prod", Tenant: "acme"}), 0, nil)

	require.NoError(t, reaper.tick(context.Background()))
	require.Len(t, backend.records, 1)
}
