package background

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

// ScheduleDispatchFunc re-dispatches a due scheduled action through the
// regular pipeline.
type ScheduleDispatchFunc func(ctx context.Context, action contracts.Action) (contracts.ActionOutcome, error)

// Scheduler drains due ScheduledAction records (key sched:{action_id})
// and re-dispatches each exactly once, using a short-TTL claim token so
// two replicas racing the same scan never both execute it — the same
// claim discipline internal/eventgroup.Manager uses for its indexes,
// generalized to a single-winner claim instead of a set-insert.
type Scheduler struct {
	store      statestore.Store
	logger     *slog.Logger
	claimTTL   time.Duration
	dispatchFn ScheduleDispatchFunc
}

func NewScheduler(store statestore.Store, dispatchFn ScheduleDispatchFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, logger: logger, claimTTL: 60 * time.Second, dispatchFn: dispatchFn}
}

func scheduledKey(actionID string) string { return fmt.Sprintf("sched:%s", actionID) }

// Schedule persists a new ScheduledAction for action, due at dueAt.
func (s *Scheduler) Schedule(ctx context.Context, action contracts.Action, dueAt time.Time) error {
	rec := contracts.ScheduledAction{Action: action, DueAt: dueAt}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("background: encode scheduled action: %w", err)
	}
	return s.store.Set(ctx, scheduledKey(string(action.ID)), value, 0)
}

// Run starts the scheduler's poll loop; it blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	runTicker(ctx, interval, s.logger, "scheduler", s.tick)
}

func (s *Scheduler) tick(ctx context.Context) error {
	keys, err := s.store.ScanByPrefix(ctx, "sched:")
	if err != nil {
		return fmt.Errorf("background: scan scheduled actions: %w", err)
	}
	now := time.Now()
	for _, key := range keys {
		if err := s.claimAndRun(ctx, key, now); err != nil {
			s.logger.Error("background: scheduled action failed", "key", key, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) claimAndRun(ctx context.Context, key string, now time.Time) error {
	raw, err := s.store.Get(ctx, key)
	if err == statestore.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var rec contracts.ScheduledAction
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode scheduled action at %s: %w", key, err)
	}
	if rec.Executed || rec.DueAt.After(now) {
		return nil
	}
	if rec.ClaimToken != "" && rec.ClaimExpires.After(now) {
		return nil // claimed by another replica, not yet expired
	}

	claimed := rec
	claimed.ClaimToken = uuid.NewString()
	claimed.ClaimExpires = now.Add(s.claimTTL)
	newValue, err := json.Marshal(claimed)
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}
	ok, err := s.store.CompareAndSwap(ctx, key, raw, newValue, 0)
	if err != nil {
		return err
	}
	if !ok {
		return nil // another replica won the claim race
	}

	outcome, dispatchErr := s.dispatchFn(ctx, claimed.Action)
	_ = outcome

	claimed.Executed = dispatchErr == nil
	claimed.ClaimToken = ""
	finalValue, err := json.Marshal(claimed)
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	if _, err := s.store.CompareAndSwap(ctx, key, newValue, finalValue, 0); err != nil {
		return err
	}
	return dispatchErr
}
