package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/acteon-io/gateway/internal/approval"
)

// ApprovalReaper expires overdue pending approvals (spec §4.7) across
// every configured tenant scope.
type ApprovalReaper struct {
	service *approval.Service
	tenants TenantLister
	logger  *slog.Logger
}

func NewApprovalReaper(service *approval.Service, tenants TenantLister, logger *slog.Logger) *ApprovalReaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalReaper{service: service, tenants: tenants, logger: logger}
}

func (r *ApprovalReaper) Run(ctx context.Context, interval time.Duration) {
	runTicker(ctx, interval, r.logger, "approval_reaper", r.tick)
}

func (r *ApprovalReaper) tick(ctx context.Context) error {
	scopes, err := r.tenants(ctx)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		expired, err := r.service.ExpireDue(ctx, scope.Namespace, scope.Tenant)
		if err != nil {
			r.logger.Error("background: approval expiry failed", "namespace", scope.Namespace, "tenant", scope.Tenant, "error", err)
			continue
		}
		if expired > 0 {
			r.logger.Info("background: expired pending approvals", "namespace", scope.Namespace, "tenant", scope.Tenant, "count", expired)
		}
	}
	return nil
}
