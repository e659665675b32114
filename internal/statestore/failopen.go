package statestore

import (
	"context"
	"log/slog"
	"time"
)

// FailOpenLock wraps a Lock so backend unavailability degrades to "no
// lock" rather than rejecting the action, per spec §5 "Fail-open
// policy." Acquire returns a zero LockHandle and no error when the
// underlying backend is unavailable; Release on a zero handle is a no-op.
type FailOpenLock struct {
	inner  Lock
	logger *slog.Logger
	onFailOpen func()
}

func NewFailOpenLock(inner Lock, logger *slog.Logger, onFailOpen func()) *FailOpenLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailOpenLock{inner: inner, logger: logger, onFailOpen: onFailOpen}
}

func (l *FailOpenLock) Acquire(ctx context.Context, key string, ttl, waitMax time.Duration) (LockHandle, error) {
	handle, err := l.inner.Acquire(ctx, key, ttl, waitMax)
	if err == nil {
		return handle, nil
	}
	if err == ErrLockTimeout || ctx.Err() != nil {
		return LockHandle{}, err
	}
	l.logger.Warn("lock backend unavailable, failing open", "key", key, "error", err)
	if l.onFailOpen != nil {
		l.onFailOpen()
	}
	return LockHandle{}, nil
}

func (l *FailOpenLock) Release(ctx context.Context, handle LockHandle) error {
	if handle.Key == "" {
		return nil
	}
	if err := l.inner.Release(ctx, handle); err != nil {
		l.logger.Warn("lock release failed", "key", handle.Key, "error", err)
	}
	return nil
}
