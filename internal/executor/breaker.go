package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

// Breaker is a per-provider circuit breaker whose state lives in the
// shared StateStore so all gateway replicas converge on the same
// Closed/Open/HalfOpen view (spec §4.3/§4.4). This is NOT
// github.com/sony/gobreaker — see DESIGN.md for why: gobreaker keeps
// state in-process with no storage hook, which cannot satisfy the
// cross-replica persistence requirement. The Closed/Open/HalfOpen naming
// follows gobreaker's convention; the CAS-over-StateStore mechanics
// follow this repo's own statestore idiom.
type Breaker struct {
	store  breakerStore
	config contracts.CircuitConfig
}

func NewBreaker(store breakerStore, config contracts.CircuitConfig) *Breaker {
	return &Breaker{store: store, config: config}
}

func circuitKey(provider contracts.ProviderId) string {
	return "cb:" + string(provider)
}

// Allow reports whether a call to provider may proceed right now, and if
// so, whether it is a HalfOpen probe (in which case the caller must
// report the result via RecordSuccess/RecordFailure so the probe token
// is released appropriately).
func (b *Breaker) Allow(ctx context.Context, provider contracts.ProviderId) (allowed bool, isProbe bool, err error) {
	state, err := b.load(ctx, provider)
	if err != nil {
		// Fail open: treat an unavailable store as Closed (spec §5).
		return true, false, nil
	}

	now := time.Now()
	switch state.State {
	case contracts.CircuitClosed:
		return true, false, nil

	case contracts.CircuitOpenState:
		if now.Sub(state.OpenedAt) >= b.config.RecoveryTimeout {
			return b.tryAwardProbe(ctx, provider, state)
		}
		return false, false, nil

	case contracts.CircuitHalfOpen:
		if state.ProbeToken == "" || now.After(state.ProbeTokenExpiry) {
			return b.tryAwardProbe(ctx, provider, state)
		}
		return false, false, nil

	default:
		return true, false, nil
	}
}

// tryAwardProbe attempts to transition Open -> HalfOpen (or refresh a
// stale HalfOpen probe token) via CAS, so at most one caller wins the
// probe slot.
func (b *Breaker) tryAwardProbe(ctx context.Context, provider contracts.ProviderId, current contracts.CircuitState) (bool, bool, error) {
	expected, err := encodeCircuitState(current)
	if err != nil {
		return true, false, nil
	}

	next := current
	next.State = contracts.CircuitHalfOpen
	next.ProbeToken = uuid.NewString()
	next.ProbeTokenExpiry = time.Now().Add(30 * time.Second)

	newValue, err := encodeCircuitState(next)
	if err != nil {
		return true, false, nil
	}

	ok, err := b.store.CompareAndSwap(ctx, circuitKey(provider), expected, newValue, 0)
	if err != nil {
		return true, false, nil // fail open
	}
	if !ok {
		// Someone else won the probe slot (or the state store already
		// moved on); treat this caller as Open.
		return false, false, nil
	}
	return true, true, nil
}

// RecordSuccess reports a successful (non-probe or probe) call.
func (b *Breaker) RecordSuccess(ctx context.Context, provider contracts.ProviderId, wasProbe bool) error {
	return b.transition(ctx, provider, func(s *contracts.CircuitState) {
		s.ConsecutiveFail = 0
		switch s.State {
		case contracts.CircuitHalfOpen:
			s.ConsecutiveSucc++
			// Release the probe slot after every successful probe, not
			// just the one that crosses SuccessThreshold, so the next
			// Allow() call can award a fresh probe immediately instead of
			// blocking other callers Open until ProbeTokenExpiry.
			s.ProbeToken = ""
			if s.ConsecutiveSucc >= b.config.SuccessThreshold {
				s.State = contracts.CircuitClosed
				s.ConsecutiveSucc = 0
			}
		default:
			s.State = contracts.CircuitClosed
		}
	})
}

// RecordFailure reports a retryable failure. Non-retryable failures must
// not be passed here (spec: "non-retryable errors do not count toward
// thresholds").
func (b *Breaker) RecordFailure(ctx context.Context, provider contracts.ProviderId) error {
	return b.transition(ctx, provider, func(s *contracts.CircuitState) {
		s.ConsecutiveSucc = 0
		switch s.State {
		case contracts.CircuitHalfOpen:
			s.State = contracts.CircuitOpenState
			s.OpenedAt = time.Now()
			s.ProbeToken = ""
		default:
			s.ConsecutiveFail++
			if s.ConsecutiveFail >= b.config.FailureThreshold {
				s.State = contracts.CircuitOpenState
				s.OpenedAt = time.Now()
			}
		}
	})
}

// transition performs a read-modify-CAS-write loop so concurrent
// transitions on the same provider never lose an update (spec §5
// "Circuit-breaker state: single-writer per state transition").
func (b *Breaker) transition(ctx context.Context, provider contracts.ProviderId, mutate func(*contracts.CircuitState)) error {
	for attempt := 0; attempt < 8; attempt++ {
		current, err := b.load(ctx, provider)
		if err != nil {
			return nil // fail open
		}
		expected, err := encodeCircuitStateIfPresent(ctx, b.store, provider)
		if err != nil {
			return nil
		}

		next := current
		mutate(&next)
		next.Provider = provider

		newValue, err := encodeCircuitState(next)
		if err != nil {
			return fmt.Errorf("executor: encode circuit state: %w", err)
		}

		ok, err := b.store.CompareAndSwap(ctx, circuitKey(provider), expected, newValue, 0)
		if err != nil {
			return nil // fail open
		}
		if ok {
			return nil
		}
	}
	return nil
}

func encodeCircuitStateIfPresent(ctx context.Context, store breakerStore, provider contracts.ProviderId) ([]byte, error) {
	b, err := store.Get(ctx, circuitKey(provider))
	if err == statestore.ErrNotFound {
		return nil, nil
	}
	return b, err
}

func (b *Breaker) load(ctx context.Context, provider contracts.ProviderId) (contracts.CircuitState, error) {
	raw, err := b.store.Get(ctx, circuitKey(provider))
	if err == statestore.ErrNotFound {
		return contracts.CircuitState{Provider: provider, State: contracts.CircuitClosed}, nil
	}
	if err != nil {
		return contracts.CircuitState{}, err
	}
	var s contracts.CircuitState
	if err := json.Unmarshal(raw, &s); err != nil {
		return contracts.CircuitState{}, fmt.Errorf("executor: decode circuit state: %w", err)
	}
	return s, nil
}

func encodeCircuitState(s contracts.CircuitState) ([]byte, error) {
	return json.Marshal(s)
}
