// Package quota implements spec §4.2 stage 3: an epoch-aligned window
// counter per (namespace, tenant), atomically incremented on every
// dispatched action and compared against a configured policy's limit.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

// Checker enforces QuotaPolicy windows against the shared StateStore.
// Evaluation fails closed (any store error denies the action), and
// windows are epoch-aligned from WindowSeconds rather than tied to
// calendar day/month boundaries.
type Checker struct {
	store  statestore.Store
	logger *slog.Logger
}

func NewChecker(store statestore.Store, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{store: store, logger: logger}
}

func windowKey(ns contracts.Namespace, tenant contracts.TenantId, epoch int64) string {
	return fmt.Sprintf("quota:%s:%s:%d", ns, tenant, epoch)
}

// currentEpoch aligns now to the start of the WindowSeconds bucket it
// falls in, so every caller within the same window shares one counter
// key regardless of when within the window they dispatch.
func currentEpoch(now time.Time, windowSeconds int) int64 {
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	return now.Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// Check increments the window counter for policy and reports whether
// the action may proceed along with the resulting ActionOutcome to use
// when it may not (or, for Warn/Notify, when it may but the caller
// still wants the side effect recorded). allowed is always true when
// policy.Behavior is Warn or Notify, since both let the action proceed.
func (c *Checker) Check(ctx context.Context, policy contracts.QuotaPolicy) (allowed bool, outcome contracts.ActionOutcome, err error) {
	epoch := currentEpoch(time.Now().UTC(), policy.WindowSeconds)
	key := windowKey(policy.Namespace, policy.Tenant, epoch)
	ttl := time.Duration(policy.WindowSeconds) * time.Second

	used, err := c.store.Increment(ctx, key, ttl)
	if err != nil {
		c.logger.Error("quota: increment failed, failing closed", "namespace", policy.Namespace, "tenant", policy.Tenant, "error", err)
		return false, contracts.QuotaExceeded(policy.MaxActions, 0, string(policy.Behavior)), err
	}

	if int(used) <= policy.MaxActions {
		return true, contracts.ActionOutcome{}, nil
	}

	switch policy.Behavior {
	case contracts.OverageBlock:
		// Counter already incremented past the limit; a blocked attempt
		// must not count toward future windows, so roll this one back.
		if err := c.rollback(ctx, key); err != nil {
			c.logger.Warn("quota: rollback after block failed", "error", err)
		}
		return false, contracts.QuotaExceeded(policy.MaxActions, int(used)-1, string(policy.Behavior)), nil
	case contracts.OverageWarn:
		c.logger.Warn("quota: window limit exceeded, proceeding (warn)", "namespace", policy.Namespace, "tenant", policy.Tenant, "used", used, "limit", policy.MaxActions)
		return true, contracts.ActionOutcome{}, nil
	case contracts.OverageDegrade:
		return false, contracts.ActionOutcome{
			Kind:       contracts.OutcomeQuotaExceeded,
			QuotaLimit: policy.MaxActions,
			QuotaUsed:  int(used),
			Behavior:   string(policy.Behavior),
		}, nil
	case contracts.OverageNotify:
		c.logger.Warn("quota: window limit exceeded, notifying and proceeding", "target", policy.NotifyTarget, "namespace", policy.Namespace, "tenant", policy.Tenant)
		return true, contracts.ActionOutcome{}, nil
	default:
		return false, contracts.QuotaExceeded(policy.MaxActions, int(used), string(policy.Behavior)), nil
	}
}

// rollback decrements the window counter by re-reading and storing one
// less, best-effort — the CAS loop gives up silently on contention
// since a missed rollback only means one window runs one count hot,
// never under.
func (c *Checker) rollback(ctx context.Context, key string) error {
	for attempt := 0; attempt < 4; attempt++ {
		raw, err := c.store.Get(ctx, key)
		if err != nil {
			return err
		}
		var current int64
		if _, err := fmt.Sscanf(string(raw), "%d", &current); err != nil {
			return err
		}
		if current <= 0 {
			return nil
		}
		newValue := []byte(fmt.Sprintf("%d", current-1))
		ok, err := c.store.CompareAndSwap(ctx, key, raw, newValue, 0)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return nil
}
