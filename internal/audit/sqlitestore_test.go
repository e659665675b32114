package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/contracts"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreStoreAndQuery(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	rec := contracts.AuditRecord{
		ID: "r1", Namespace: "prod", Tenant: "acme", ActionType: "delete_user",
		Outcome:      contracts.ActionOutcome{Kind: contracts.OutcomeExecuted},
		DispatchedAt: time.Now(),
	}
	require.NoError(t, store.Store(ctx, rec))

	page, err := store.Query(ctx, contracts.AuditFilter{Namespace: "prod", Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "r1", page.Records[0].ID)
}

func TestSQLiteStoreQueryOrdersByDispatchTime(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, store.Store(ctx, contracts.AuditRecord{ID: "r2", Namespace: "prod", Tenant: "acme", DispatchedAt: base.Add(time.Minute)}))
	require.NoError(t, store.Store(ctx, contracts.AuditRecord{ID: "r1", Namespace: "prod", Tenant: "acme", DispatchedAt: base}))

	page, err := store.Query(ctx, contracts.AuditFilter{Namespace: "prod", Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "r1", page.Records[0].ID)
	require.Equal(t, "r2", page.Records[1].ID)
}

func TestSQLiteStoreDelete(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store(ctx, contracts.AuditRecord{ID: "r1", Namespace: "prod", Tenant: "acme", DispatchedAt: time.Now()}))

	require.NoError(t, store.Delete(ctx, "prod", "acme", "r1"))

	page, err := store.Query(ctx, contracts.AuditFilter{Namespace: "prod", Tenant: "acme"})
	require.NoError(t, err)
	require.Empty(t, page.Records)
}

func TestSQLiteStoreQueryPagination(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Store(ctx, contracts.AuditRecord{
			ID: string(rune('a' + i)), Namespace: "prod", Tenant: "acme",
			DispatchedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	page, err := store.Query(ctx, contracts.AuditFilter{Namespace: "prod", Tenant: "acme", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, 5, page.Total)
	require.True(t, page.HasMore)
}
