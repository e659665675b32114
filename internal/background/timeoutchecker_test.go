package background

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/eventgroup"
	"github.com/acteon-io/gateway/internal/statestore"
)

func timeoutDef() contracts.StateMachineDef {
	return contracts.StateMachineDef{
		Name:         "alert",
		InitialState: "pending",
		States:       []string{"pending", "firing", "resolved"},
		Transitions: []contracts.StateTransition{
			{From: "pending", To: "firing"},
			{From: "firing", To: "resolved"},
		},
		Timeouts: []contracts.StateTimeout{
			{State: "firing", AfterSeconds: 0, To: "resolved"},
		},
		FingerprintFields: []string{"metadata.labels.alertname"},
	}
}

func TestTimeoutCheckerExpiresDueTimeouts(t *testing.T) {
	store := statestore.NewMemoryStore()
	manager := eventgroup.NewManager(store)
	registry, err := eventgroup.NewRegistry(map[string]contracts.StateMachineDef{"alert": timeoutDef()})
	require.NoError(t, err)
	ctx := context.Background()

	action := contracts.Action{
		ID: "a1", Namespace: "prod", Tenant: "acme", ActionType: "alert",
		Status:   "firing",
		Metadata: contracts.Metadata{Labels: map[string]string{"alertname": "cpu_high"}},
	}
	_, err = manager.Transition(ctx, "prod", "acme", timeoutDef(), action)
	require.NoError(t, err)

	checker := NewTimeoutChecker(manager, registry, fixedTenants(TenantScope{Namespace: "prod", Tenant: "acme"}), nil)
	require.NoError(t, checker.tick(ctx))

	due, err := manager.DueTimeouts(ctx, "prod", "acme")
	require.NoError(t, err)
	require.Empty(t, due) // resolved has no configured timeout, so it was cleared
}

func TestTimeoutCheckerSkipsUnknownMachine(t *testing.T) {
	store := statestore.NewMemoryStore()
	manager := eventgroup.NewManager(store)
	registry, err := eventgroup.NewRegistry(map[string]contracts.StateMachineDef{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "evt_to:prod:acme:fp1", []byte(`{"fingerprint":"fp1","machine":"missing","due_at":"2000-01-01T00:00:00Z","transition_to":"resolved"}`), 0))

	checker := NewTimeoutChecker(manager, registry, fixedTenants(TenantScope{Namespace: "prod", Tenant: "acme"}), nil)
	require.NoError(t, checker.tick(ctx))
}
