package eventgroup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

func testAction(tenant string, labels map[string]string) contracts.Action {
	return contracts.Action{
		ID:        contracts.ActionId("a1"),
		Namespace: "prod",
		Tenant:    contracts.TenantId(tenant),
		Metadata:  contracts.Metadata{Labels: labels},
		CreatedAt: time.Now(),
	}
}

func TestGroupEnterCreatesPendingGroup(t *testing.T) {
	store := statestore.NewMemoryStore()
	mgr := NewGroupManager(store)
	verdict := contracts.Verdict{GroupBy: []string{"metadata.labels.alertname"}, GroupWait: 30, GroupInterval: 300}

	outcome, err := mgr.Enter(context.Background(), testAction("acme", map[string]string{"alertname": "cpu_high"}), verdict)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeGrouped, outcome.Kind)
	require.Equal(t, 1, outcome.Size)
}

func TestGroupEnterAccumulatesSameKey(t *testing.T) {
	store := statestore.NewMemoryStore()
	mgr := NewGroupManager(store)
	verdict := contracts.Verdict{GroupBy: []string{"metadata.labels.alertname"}, GroupWait: 30, GroupInterval: 300}
	labels := map[string]string{"alertname": "cpu_high"}

	_, err := mgr.Enter(context.Background(), testAction("acme", labels), verdict)
	require.NoError(t, err)
	outcome, err := mgr.Enter(context.Background(), testAction("acme", labels), verdict)
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Size)
}

func TestGroupMaxSizeForcesImmediateDue(t *testing.T) {
	store := statestore.NewMemoryStore()
	mgr := NewGroupManager(store)
	verdict := contracts.Verdict{GroupBy: []string{"metadata.labels.alertname"}, GroupWait: 300, GroupInterval: 300, MaxGroupSize: 2}
	labels := map[string]string{"alertname": "cpu_high"}

	_, err := mgr.Enter(context.Background(), testAction("acme", labels), verdict)
	require.NoError(t, err)
	outcome, err := mgr.Enter(context.Background(), testAction("acme", labels), verdict)
	require.NoError(t, err)
	require.False(t, outcome.NotifyAt.After(time.Now()))

	due, err := mgr.Due(context.Background(), "prod", "acme")
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 2, len(due[0].Events))
}

func TestGroupFlushThenResolveReopens(t *testing.T) {
	store := statestore.NewMemoryStore()
	mgr := NewGroupManager(store)
	verdict := contracts.Verdict{GroupBy: []string{"metadata.labels.alertname"}, GroupWait: 0, GroupInterval: 0}
	labels := map[string]string{"alertname": "cpu_high"}

	outcome, err := mgr.Enter(context.Background(), testAction("acme", labels), verdict)
	require.NoError(t, err)

	group, ok, err := mgr.Flush(context.Background(), "prod", "acme", outcome.GroupID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, group.Events, 1)

	// Not due again immediately after flush.
	_, ok, err = mgr.Flush(context.Background(), "prod", "acme", outcome.GroupID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mgr.Resolve(context.Background(), "prod", "acme", outcome.GroupID))

	// group_interval is 0, so the next event reopens a fresh Pending group.
	outcome2, err := mgr.Enter(context.Background(), testAction("acme", labels), verdict)
	require.NoError(t, err)
	require.Equal(t, 1, outcome2.Size)
}
