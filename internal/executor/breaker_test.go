package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

func newTestBreaker(cfg contracts.CircuitConfig) *Breaker {
	return NewBreaker(statestore.NewMemoryStore(), cfg)
}

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(contracts.CircuitConfig{FailureThreshold: 2, SuccessThreshold: 1, RecoveryTimeout: time.Hour})

	require.NoError(t, b.RecordFailure(ctx, "email"))
	allowed, _, err := b.Allow(ctx, "email")
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, b.RecordFailure(ctx, "email"))
	allowed, _, err = b.Allow(ctx, "email")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestBreakerReleasesProbeAfterEverySuccessNotJustThreshold(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(contracts.CircuitConfig{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: 0})

	require.NoError(t, b.RecordFailure(ctx, "email"))

	allowed, isProbe, err := b.Allow(ctx, "email")
	require.NoError(t, err)
	require.True(t, allowed)
	require.True(t, isProbe)

	require.NoError(t, b.RecordSuccess(ctx, "email", true))

	// A single successful probe below SuccessThreshold must not leave the
	// breaker stuck blocking every other caller until ProbeTokenExpiry:
	// the next Allow() should award a fresh probe immediately.
	allowed, isProbe, err = b.Allow(ctx, "email")
	require.NoError(t, err)
	require.True(t, allowed)
	require.True(t, isProbe)

	require.NoError(t, b.RecordSuccess(ctx, "email", true))

	allowed, _, err = b.Allow(ctx, "email")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(contracts.CircuitConfig{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: 0})

	require.NoError(t, b.RecordFailure(ctx, "email"))

	allowed, isProbe, err := b.Allow(ctx, "email")
	require.NoError(t, err)
	require.True(t, allowed)
	require.True(t, isProbe)

	require.NoError(t, b.RecordFailure(ctx, "email"))

	state, err := b.load(ctx, "email")
	require.NoError(t, err)
	require.Equal(t, contracts.CircuitOpenState, state.State)
}
