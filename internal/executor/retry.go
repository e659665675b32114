package executor

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffKind selects the retry timing strategy (spec §4.3).
type BackoffKind string

const (
	BackoffExponential BackoffKind = "Exponential"
	BackoffLinear      BackoffKind = "Linear"
	BackoffConstant    BackoffKind = "Constant"
)

// RetryPolicy configures one provider's retry behavior.
type RetryPolicy struct {
	Kind        BackoffKind
	Initial     time.Duration
	Max         time.Duration
	Factor      float64 // Exponential, default 2
	Increment   time.Duration // Linear
	MaxRetries  int
	MaxJitter   time.Duration
}

// attemptSeed identifies one (action, attempt) pair for deterministic
// jitter derivation.
type attemptSeed struct {
	ActionID     string
	Provider     string
	AttemptIndex int
}

// ComputeBackoff returns the delay before attemptIndex (0-based, 0 means
// "no delay before the first attempt"), supporting exponential, linear,
// and constant backoff kinds with deterministic jitter.
func ComputeBackoff(seed attemptSeed, policy RetryPolicy) time.Duration {
	if seed.AttemptIndex <= 0 {
		return 0
	}

	var base time.Duration
	switch policy.Kind {
	case BackoffLinear:
		base = policy.Initial + policy.Increment*time.Duration(seed.AttemptIndex-1)
	case BackoffConstant:
		base = policy.Initial
	default: // Exponential
		factor := policy.Factor
		if factor <= 0 {
			factor = 2
		}
		base = policy.Initial
		for i := 0; i < seed.AttemptIndex && i < 30; i++ {
			base = time.Duration(float64(base) * factor)
		}
	}

	if policy.Max > 0 && base > policy.Max {
		base = policy.Max
	}

	jitter := computeDeterministicJitter(seed, policy)
	return base + jitter
}

// computeDeterministicJitter derives a PRF-seeded jitter amount from the
// attempt's identity so retries are reproducible given the same inputs
// (spec §8 invariant 3 extends naturally to retry timing).
func computeDeterministicJitter(seed attemptSeed, policy RetryPolicy) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}
	raw := fmt.Sprintf("%s:%s:%d", seed.ActionID, seed.Provider, seed.AttemptIndex)
	hash := sha256.Sum256([]byte(raw))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis%uint64(policy.MaxJitter.Nanoseconds())) * time.Nanosecond
}

// Retryable reports whether err represents a retryable condition per the
// executor's error taxonomy (spec §7).
func Retryable(err error) bool {
	type retryableErr interface{ Retryable() bool }
	if r, ok := err.(retryableErr); ok {
		return r.Retryable()
	}
	return false
}
