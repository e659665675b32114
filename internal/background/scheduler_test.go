package background

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

func TestSchedulerDispatchesDueAction(t *testing.T) {
	store := statestore.NewMemoryStore()
	var dispatched []contracts.Action
	s := NewScheduler(store, func(ctx context.Context, action contracts.Action) (contracts.ActionOutcome, error) {
		dispatched = append(dispatched, action)
		return contracts.ActionOutcome{Kind: contracts.OutcomeExecuted}, nil
	}, nil)

	action := contracts.Action{ID: "act-1", Namespace: "prod", Tenant: "acme"}
	require.NoError(t, s.Schedule(context.Background(), action, time.Now().Add(-time.Minute)))

	require.NoError(t, s.tick(context.Background()))
	require.Len(t, dispatched, 1)
	require.Equal(t, contracts.ActionId("act-1"), dispatched[0].ID)

	// Second tick must not redispatch an executed action.
	require.NoError(t, s.tick(context.Background()))
	require.Len(t, dispatched, 1)
}

func TestSchedulerSkipsNotYetDueAction(t *testing.T) {
	store := statestore.NewMemoryStore()
	var dispatched int
	s := NewScheduler(store, func(ctx context.Context, action contracts.Action) (contracts.ActionOutcome, error) {
		dispatched++
		return contracts.ActionOutcome{}, nil
	}, nil)

	action := contracts.Action{ID: "act-2", Namespace: "prod", Tenant: "acme"}
	require.NoError(t, s.Schedule(context.Background(), action, time.Now().Add(time.Hour)))

	require.NoError(t, s.tick(context.Background()))
	require.Equal(t, 0, dispatched)
}

func TestSchedulerRecordsDispatchFailure(t *testing.T) {
	store := statestore.NewMemoryStore()
	s := NewScheduler(store, func(ctx context.Context, action contracts.Action) (contracts.ActionOutcome, error) {
		return contracts.ActionOutcome{}, context.DeadlineExceeded
	}, nil)

	action := contracts.Action{ID: "act-3", Namespace: "prod", Tenant: "acme"}
	require.NoError(t, s.Schedule(context.Background(), action, time.Now().Add(-time.Second)))

	err := s.tick(context.Background())
	require.NoError(t, err) // tick itself logs per-key errors rather than failing the whole pass

	raw, err := store.Get(context.Background(), scheduledKey("act-3"))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"executed":false`)
}
