package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/acteon-io/gateway/internal/audit"
)

// RetentionReaper purges audit records older than the configured TTL
// across every configured tenant scope (spec §4.8's AuditConfig.ttl).
type RetentionReaper struct {
	pipeline *audit.Pipeline
	tenants  TenantLister
	ttl      time.Duration
	logger   *slog.Logger
}

func NewRetentionReaper(pipeline *audit.Pipeline, tenants TenantLister, ttl time.Duration, logger *slog.Logger) *RetentionReaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionReaper{pipeline: pipeline, tenants: tenants, ttl: ttl, logger: logger}
}

func (r *RetentionReaper) Run(ctx context.Context, interval time.Duration) {
	runTicker(ctx, interval, r.logger, "retention", r.tick)
}

func (r *RetentionReaper) tick(ctx context.Context) error {
	if r.ttl <= 0 {
		return nil // retention disabled
	}
	scopes, err := r.tenants(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-r.ttl)
	for _, scope := range scopes {
		purged, err := r.pipeline.PurgeExpired(ctx, scope.Namespace, scope.Tenant, cutoff)
		if err != nil {
			r.logger.Error("background: retention purge failed", "namespace", scope.Namespace, "tenant", scope.Tenant, "error", err)
			continue
		}
		if purged > 0 {
			r.logger.Info("background: retention purge complete", "namespace", scope.Namespace, "tenant", scope.Tenant, "purged", purged)
		}
	}
	return nil
}
