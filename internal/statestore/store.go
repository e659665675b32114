// Package statestore defines the cross-replica coordination contract
// (keyed KV + TTL + atomic increment + CAS + scan) and the distributed
// lock it depends on, plus an in-memory reference implementation and a
// Redis-backed implementation for multi-replica deployments.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("statestore: key not found")

// ErrUnavailable wraps a backend failure that callers should treat as
// fail-open (proceed without the coordination effect) per spec §5.
var ErrUnavailable = errors.New("statestore: backend unavailable")

// Store is the StateStore contract (spec §4.4). All keys are strings;
// values are opaque bytes the caller serializes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CheckAndSet sets value only if key is absent; returns whether the
	// write happened (dedup discipline).
	CheckAndSet(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Increment atomically increments key and returns the new value. ttl
	// is attached only on the increment that creates the key; later
	// increments preserve the existing TTL.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// CompareAndSwap performs an optimistic update: if the stored value
	// equals expected (or the key is absent and expected is nil), it is
	// replaced by newValue and true is returned.
	CompareAndSwap(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// ScanByPrefix is optional; backends lacking it return
	// ErrScanUnsupported and background reapers degrade accordingly.
	ScanByPrefix(ctx context.Context, prefix string) ([]string, error)
	// StrongCounter reports whether Increment is strongly consistent,
	// i.e. safe to back a hash-chain sequence allocator (SPEC_FULL.md §E.1).
	StrongCounter() bool
}

// ErrScanUnsupported is returned by ScanByPrefix on backends that cannot
// offer it.
var ErrScanUnsupported = errors.New("statestore: scan_by_prefix not supported by this backend")

// LockHandle identifies one acquired lock for release.
type LockHandle struct {
	Key   string
	Token string
}

// ErrLockTimeout is returned by Acquire when wait_max elapses without
// acquiring the lock.
var ErrLockTimeout = errors.New("statestore: lock acquire timed out")

// Lock is the DistributedLock contract (spec §4.4). Handles are
// re-entrant only within a single logical dispatch.
type Lock interface {
	Acquire(ctx context.Context, key string, ttl, waitMax time.Duration) (LockHandle, error)
	Release(ctx context.Context, handle LockHandle) error
}
