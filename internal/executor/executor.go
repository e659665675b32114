// Package executor dispatches a matched Action to a Provider with bounded
// concurrency, per-attempt timeouts, deterministic-jitter retries, a
// state-store-backed circuit breaker, and fallback-provider rerouting
// (spec §4.3, §4.4).
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/acteon-io/gateway/internal/contracts"
)

// Registry resolves a ProviderId to the Provider implementation that
// should handle it. Concrete providers are out-of-core collaborators
// (spec §1); this package only depends on the Provider contract.
type Registry interface {
	Lookup(id contracts.ProviderId) (contracts.Provider, bool)
}

// Executor owns the concurrency semaphore, breaker set, and fallback
// graph for one gateway instance.
type Executor struct {
	registry     Registry
	breakers     map[contracts.ProviderId]*Breaker
	fallback     *FallbackGraph
	policies     map[contracts.ProviderId]RetryPolicy
	defaultRetry RetryPolicy
	sem          chan struct{}
	timeout      time.Duration
}

// New builds an Executor. breakerCfgs and retryPolicies are keyed by
// provider; a provider absent from retryPolicies gets defaultRetry.
func New(
	registry Registry,
	store breakerStore,
	breakerCfgs map[contracts.ProviderId]contracts.CircuitConfig,
	retryPolicies map[contracts.ProviderId]RetryPolicy,
	defaultRetry RetryPolicy,
	maxConcurrent int,
	attemptTimeout time.Duration,
) (*Executor, error) {
	graph, err := NewFallbackGraph(breakerCfgs)
	if err != nil {
		return nil, err
	}

	breakers := make(map[contracts.ProviderId]*Breaker, len(breakerCfgs))
	for provider, cfg := range breakerCfgs {
		breakers[provider] = NewBreaker(store, cfg)
	}

	policies := make(map[contracts.ProviderId]RetryPolicy, len(retryPolicies))
	for provider, p := range retryPolicies {
		policies[provider] = p
	}

	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}

	return &Executor{
		registry:     registry,
		breakers:     breakers,
		fallback:     graph,
		policies:     policies,
		defaultRetry: defaultRetry,
		sem:          make(chan struct{}, maxConcurrent),
		timeout:      attemptTimeout,
	}, nil
}

// breakerStore is the subset of statestore.Store the Breaker needs;
// declared locally so executor.go doesn't need to import statestore
// just to name the constructor parameter type.
type breakerStore = interface {
	Get(ctx context.Context, key string) ([]byte, error)
	CompareAndSwap(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error)
}

func (e *Executor) retryPolicyFor(provider contracts.ProviderId) RetryPolicy {
	if p, ok := e.policies[provider]; ok {
		return p
	}
	return e.defaultRetry
}

func (e *Executor) breakerFor(provider contracts.ProviderId) *Breaker {
	if b, ok := e.breakers[provider]; ok {
		return b
	}
	return nil
}

// Execute dispatches action to its target provider, walking the fallback
// chain when the primary (or an intermediate) provider's circuit is
// open, retrying retryable failures with deterministic jittered backoff,
// and returning the terminal ActionOutcome (spec §4.3 state diagram).
func (e *Executor) Execute(ctx context.Context, action *contracts.Action) contracts.ActionOutcome {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return contracts.Failed(ctx.Err())
	}

	// The fallback chain is only walked past hops whose circuit is
	// already open (spec §4.4 reroute trigger). A failure that occurs
	// while actually attempting a hop (retries exhausted) is reported as
	// Failed rather than cascading further within the same dispatch —
	// the opened circuit causes the NEXT dispatch to reroute instead.
	chain := e.fallback.Chain(action.Provider)
	var tried []contracts.ProviderId

	for i, provider := range chain {
		provider := provider
		breaker := e.breakerFor(provider)

		if breaker != nil {
			allowed, _, err := breaker.Allow(ctx, provider)
			if err == nil && !allowed {
				tried = append(tried, provider)
				continue // circuit open on this hop, try the next fallback
			}
		}

		resp, attemptErr := e.executeWithRetry(ctx, provider, action, breaker)
		if attemptErr == nil {
			if i == 0 {
				return contracts.Executed(resp)
			}
			return contracts.Rerouted(action.Provider, provider, resp)
		}
		return contracts.Failed(fmt.Errorf("executor: provider %s failed for action %s: %w", provider, action.ID, attemptErr))
	}

	return contracts.CircuitOpen(action.Provider, tried)
}

// executeWithRetry runs the retry loop for a single provider hop,
// reporting each outcome to the breaker (when configured) so
// consecutive-failure/success counters stay accurate.
func (e *Executor) executeWithRetry(ctx context.Context, provider contracts.ProviderId, action *contracts.Action, breaker *Breaker) (contracts.ProviderResponse, error) {
	target, ok := e.registry.Lookup(provider)
	if !ok {
		return contracts.ProviderResponse{}, fmt.Errorf("executor: no provider registered for %q", provider)
	}

	policy := e.retryPolicyFor(provider)
	maxRetries := policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(attemptSeed{ActionID: string(action.ID), Provider: string(provider), AttemptIndex: attempt}, policy)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return contracts.ProviderResponse{}, ctx.Err()
			}
		}

		attemptCtx, cancel := e.withTimeout(ctx)
		resp, err := target.Execute(attemptCtx, action)
		cancel()

		if err == nil {
			if breaker != nil {
				_ = breaker.RecordSuccess(ctx, provider, false)
			}
			return resp, nil
		}

		lastErr = err
		if !Retryable(err) {
			// Non-retryable failures don't count toward the breaker's
			// threshold.
			return contracts.ProviderResponse{}, err
		}
		if breaker != nil {
			_ = breaker.RecordFailure(ctx, provider)
		}
	}
	return contracts.ProviderResponse{}, lastErr
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
