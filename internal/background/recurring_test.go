package background

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

func TestRecurringStoreCreateComputesNextExecution(t *testing.T) {
	store := NewRecurringStore(statestore.NewMemoryStore())
	def := contracts.RecurringDef{
		Namespace: "prod", Tenant: "acme",
		CronExpr: "* * * * *", Enabled: true,
		ActionTemplate: contracts.Action{Namespace: "prod", Tenant: "acme", ActionType: "restart"},
	}
	created, err := store.Create(context.Background(), def)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.NotNil(t, created.NextExecutionAt)
}

func TestRecurringStoreListFiltersByEnabled(t *testing.T) {
	store := NewRecurringStore(statestore.NewMemoryStore())
	ctx := context.Background()
	enabled := true
	_, err := store.Create(ctx, contracts.RecurringDef{Namespace: "prod", Tenant: "acme", CronExpr: "* * * * *", Enabled: true})
	require.NoError(t, err)
	_, err = store.Create(ctx, contracts.RecurringDef{Namespace: "prod", Tenant: "acme", CronExpr: "* * * * *", Enabled: false})
	require.NoError(t, err)

	results, err := store.List(ctx, contracts.RecurringFilter{Namespace: "prod", Tenant: "acme", Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Enabled)
}

func TestRecurringProcessorFiresDueDefinitionAndAdvances(t *testing.T) {
	store := statestore.NewMemoryStore()
	rstore := NewRecurringStore(store)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	def, err := rstore.Create(ctx, contracts.RecurringDef{
		Namespace: "prod", Tenant: "acme", CronExpr: "* * * * *", Enabled: true,
		ActionTemplate:  contracts.Action{Namespace: "prod", Tenant: "acme", ActionType: "restart"},
		NextExecutionAt: &past,
	})
	require.NoError(t, err)

	var dispatched []contracts.Action
	proc := NewRecurringProcessor(store, func(ctx context.Context, action contracts.Action) (contracts.ActionOutcome, error) {
		dispatched = append(dispatched, action)
		return contracts.ActionOutcome{Kind: contracts.OutcomeExecuted}, nil
	}, nil)

	require.NoError(t, proc.tick(ctx))
	require.Len(t, dispatched, 1)
	require.NotEqual(t, contracts.ActionId(""), dispatched[0].ID)

	updated, err := rstore.Get(ctx, "prod", "acme", def.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.ExecutionCount)
	require.NotNil(t, updated.NextExecutionAt)
	require.True(t, updated.NextExecutionAt.After(past))
}

func TestRecurringProcessorSkipsExhaustedDefinition(t *testing.T) {
	store := statestore.NewMemoryStore()
	rstore := NewRecurringStore(store)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := rstore.Create(ctx, contracts.RecurringDef{
		Namespace: "prod", Tenant: "acme", CronExpr: "* * * * *", Enabled: true,
		MaxExecutions:   1,
		ExecutionCount:  1,
		NextExecutionAt: &past,
	})
	require.NoError(t, err)

	var dispatched int
	proc := NewRecurringProcessor(store, func(ctx context.Context, action contracts.Action) (contracts.ActionOutcome, error) {
		dispatched++
		return contracts.ActionOutcome{}, nil
	}, nil)

	require.NoError(t, proc.tick(ctx))
	require.Equal(t, 0, dispatched)
}
