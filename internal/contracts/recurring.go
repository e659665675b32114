package contracts

import "time"

// RecurringDef is an admin-authored cron-scheduled action template. The
// full field set (cron_expr, timezone, end_date, max_executions,
// execution_count, next_execution_at, last_executed_at) follows the
// reference client's CreateRecurringAction/RecurringDetail shapes.
type RecurringDef struct {
	ID        string    `json:"id"`
	Namespace Namespace `json:"namespace"`
	Tenant    TenantId  `json:"tenant"`

	CronExpr string `json:"cron_expr"`
	Timezone string `json:"timezone,omitempty"`

	ActionTemplate Action `json:"action_template"`

	Enabled bool `json:"enabled"`

	EndDate       *time.Time `json:"end_date,omitempty"`
	MaxExecutions int        `json:"max_executions,omitempty"`
	ExecutionCount int       `json:"execution_count"`

	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Exhausted reports whether this definition has reached its end_date or
// max_executions bound and should no longer fire.
func (r *RecurringDef) Exhausted(now time.Time) bool {
	if !r.Enabled {
		return true
	}
	if r.EndDate != nil && now.After(*r.EndDate) {
		return true
	}
	if r.MaxExecutions > 0 && r.ExecutionCount >= r.MaxExecutions {
		return true
	}
	return false
}

// RecurringFilter narrows a recurring-definition listing query.
type RecurringFilter struct {
	Namespace Namespace
	Tenant    TenantId
	Enabled   *bool
	Limit     int
	Offset    int
}

// RecurringSummary is the terse listing projection of a RecurringDef.
type RecurringSummary struct {
	ID              string     `json:"id"`
	CronExpr        string     `json:"cron_expr"`
	Enabled         bool       `json:"enabled"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
	ExecutionCount  int        `json:"execution_count"`
}
