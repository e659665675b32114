package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCheckAndSetDedup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.CheckAndSet(ctx, "dedup:ns:t1:a@x", []byte("1"), 300*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "first set should succeed")

	ok, err = s.CheckAndSet(ctx, "dedup:ns:t1:a@x", []byte("1"), 300*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "second set should observe existing key")
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreIncrementPreservesTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n, err := s.Increment(ctx, "rate:ns:t1:r1:100", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.Increment(ctx, "rate:ns:t1:r1:100", time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.WithinDuration(t, time.Now().Add(time.Minute), s.data["rate:ns:t1:r1:100"].expireAt, 5*time.Second)
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.CompareAndSwap(ctx, "cb:providerA", nil, []byte("Open"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, "cb:providerA", []byte("wrong"), []byte("Closed"), 0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "cb:providerA", []byte("Open"), []byte("HalfOpen"), 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryLockMutualExclusion(t *testing.T) {
	s := NewMemoryStore()
	lock := NewMemoryLock(s)
	ctx := context.Background()

	h1, err := lock.Acquire(ctx, "ns:t1:act-1", time.Second, 0)
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, "ns:t1:act-1", time.Second, 0)
	require.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, lock.Release(ctx, h1))

	h2, err := lock.Acquire(ctx, "ns:t1:act-1", time.Second, 0)
	require.NoError(t, err)
	require.NotEmpty(t, h2.Token)
}

func TestMemoryStoreScanByPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "evt:ns:t1:fp1", []byte("a"), 0))
	require.NoError(t, s.Set(ctx, "evt:ns:t1:fp2", []byte("b"), 0))
	require.NoError(t, s.Set(ctx, "other:key", []byte("c"), 0))

	keys, err := s.ScanByPrefix(ctx, "evt:ns:t1:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"evt:ns:t1:fp1", "evt:ns:t1:fp2"}, keys)
}
