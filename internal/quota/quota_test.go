package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

func timeAt(unixSeconds int64) time.Time {
	return time.Unix(unixSeconds, 0).UTC()
}

func testPolicy(behavior contracts.OverageBehavior, max int) contracts.QuotaPolicy {
	return contracts.QuotaPolicy{
		Namespace: "prod", Tenant: "acme",
		MaxActions: max, WindowSeconds: 60, Behavior: behavior,
	}
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	c := NewChecker(statestore.NewMemoryStore(), nil)
	allowed, outcome, err := c.Check(context.Background(), testPolicy(contracts.OverageBlock, 10))
	require.NoError(t, err)
	require.True(t, allowed)
	require.Empty(t, outcome.Kind)
}

func TestCheckBlocksOverLimitAndRollsBack(t *testing.T) {
	store := statestore.NewMemoryStore()
	c := NewChecker(store, nil)
	policy := testPolicy(contracts.OverageBlock, 1)

	allowed, _, err := c.Check(context.Background(), policy)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, outcome, err := c.Check(context.Background(), policy)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, contracts.OutcomeQuotaExceeded, outcome.Kind)

	// rollback should mean a third call also reports used == limit, not
	// an ever-growing count of rejected attempts.
	allowed, _, err = c.Check(context.Background(), policy)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCheckWarnProceedsOverLimit(t *testing.T) {
	store := statestore.NewMemoryStore()
	c := NewChecker(store, nil)
	policy := testPolicy(contracts.OverageWarn, 1)

	_, _, err := c.Check(context.Background(), policy)
	require.NoError(t, err)

	allowed, outcome, err := c.Check(context.Background(), policy)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Empty(t, outcome.Kind)
}

func TestCheckDegradeDeniesWithOutcome(t *testing.T) {
	store := statestore.NewMemoryStore()
	c := NewChecker(store, nil)
	policy := testPolicy(contracts.OverageDegrade, 0)

	allowed, outcome, err := c.Check(context.Background(), policy)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, contracts.OutcomeQuotaExceeded, outcome.Kind)
}

func TestCheckNotifyProceedsOverLimit(t *testing.T) {
	store := statestore.NewMemoryStore()
	c := NewChecker(store, nil)
	policy := testPolicy(contracts.OverageNotify, 0)

	allowed, _, err := c.Check(context.Background(), policy)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestCurrentEpochAlignsToWindow(t *testing.T) {
	require.Equal(t, int64(120), currentEpoch(timeAt(125), 60))
	require.Equal(t, int64(60), currentEpoch(timeAt(119), 60))
}
