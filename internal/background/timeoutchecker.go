package background

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/acteon-io/gateway/internal/eventgroup"
)

// TimeoutChecker drains due EventTimeout records (spec §4.6 state-
// machine timeouts) across every configured tenant scope, applying each
// one's configured transition via the shared state-machine Manager.
type TimeoutChecker struct {
	manager  *eventgroup.Manager
	registry *eventgroup.Registry
	tenants  TenantLister
	logger   *slog.Logger
}

func NewTimeoutChecker(manager *eventgroup.Manager, registry *eventgroup.Registry, tenants TenantLister, logger *slog.Logger) *TimeoutChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeoutChecker{manager: manager, registry: registry, tenants: tenants, logger: logger}
}

func (c *TimeoutChecker) Run(ctx context.Context, interval time.Duration) {
	runTicker(ctx, interval, c.logger, "timeout_checker", c.tick)
}

func (c *TimeoutChecker) tick(ctx context.Context) error {
	scopes, err := c.tenants(ctx)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		due, err := c.manager.DueTimeouts(ctx, scope.Namespace, scope.Tenant)
		if err != nil {
			c.logger.Error("background: timeout scan failed", "namespace", scope.Namespace, "tenant", scope.Tenant, "error", err)
			continue
		}
		for _, timeout := range due {
			def, ok := c.registry.Get(timeout.Machine)
			if !ok {
				c.logger.Error("background: timeout references unknown state machine", "machine", timeout.Machine, "fingerprint", timeout.Fingerprint)
				continue
			}
			if _, err := c.manager.ExpireTimeout(ctx, scope.Namespace, scope.Tenant, def, timeout.Fingerprint, timeout.TransitionTo); err != nil {
				c.logger.Error("background: expire timeout failed", "fingerprint", timeout.Fingerprint, "error", fmt.Errorf("timeout checker: %w", err))
			}
		}
	}
	return nil
}
