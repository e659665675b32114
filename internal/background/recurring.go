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

// RecurringDispatchFunc dispatches one execution of a recurring
// definition's action template.
type RecurringDispatchFunc func(ctx context.Context, action contracts.Action) (contracts.ActionOutcome, error)

// RecurringStore persists and lists RecurringDef records, keyed
// recur:{namespace}:{tenant}:{id}.
type RecurringStore struct {
	store statestore.Store
}

func NewRecurringStore(store statestore.Store) *RecurringStore {
	return &RecurringStore{store: store}
}

func recurringKey(ns contracts.Namespace, tenant contracts.TenantId, id string) string {
	return fmt.Sprintf("recur:%s:%s:%s", ns, tenant, id)
}

// Create persists def, computing its first NextExecutionAt from
// CronExpr/Timezone if unset.
func (s *RecurringStore) Create(ctx context.Context, def contracts.RecurringDef) (contracts.RecurringDef, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	loc, err := resolveLocation(def.Timezone)
	if err != nil {
		return contracts.RecurringDef{}, err
	}
	spec, err := parseCronSpec(def.CronExpr)
	if err != nil {
		return contracts.RecurringDef{}, err
	}
	if def.NextExecutionAt == nil {
		next := spec.next(time.Now().In(loc), loc)
		def.NextExecutionAt = &next
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	return def, s.put(ctx, def)
}

func (s *RecurringStore) put(ctx context.Context, def contracts.RecurringDef) error {
	value, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("background: encode recurring definition: %w", err)
	}
	return s.store.Set(ctx, recurringKey(def.Namespace, def.Tenant, def.ID), value, 0)
}

func (s *RecurringStore) get(ctx context.Context, key string) (contracts.RecurringDef, []byte, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return contracts.RecurringDef{}, nil, err
	}
	var def contracts.RecurringDef
	if err := json.Unmarshal(raw, &def); err != nil {
		return contracts.RecurringDef{}, nil, fmt.Errorf("background: decode recurring definition at %s: %w", key, err)
	}
	return def, raw, nil
}

// Get fetches a single recurring definition by id.
func (s *RecurringStore) Get(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, id string) (contracts.RecurringDef, error) {
	def, _, err := s.get(ctx, recurringKey(ns, tenant, id))
	return def, err
}

// Delete removes a recurring definition.
func (s *RecurringStore) Delete(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, id string) error {
	return s.store.Delete(ctx, recurringKey(ns, tenant, id))
}

// List returns recurring definitions scoped to filter.Namespace/Tenant,
// optionally restricted to Enabled, paginated by Offset/Limit.
func (s *RecurringStore) List(ctx context.Context, filter contracts.RecurringFilter) ([]contracts.RecurringSummary, error) {
	prefix := fmt.Sprintf("recur:%s:%s:", filter.Namespace, filter.Tenant)
	keys, err := s.store.ScanByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("background: scan recurring definitions: %w", err)
	}
	var matched []contracts.RecurringSummary
	for _, key := range keys {
		def, _, err := s.get(ctx, key)
		if err != nil {
			continue
		}
		if filter.Enabled != nil && def.Enabled != *filter.Enabled {
			continue
		}
		matched = append(matched, contracts.RecurringSummary{
			ID:              def.ID,
			CronExpr:        def.CronExpr,
			Enabled:         def.Enabled,
			NextExecutionAt: def.NextExecutionAt,
			ExecutionCount:  def.ExecutionCount,
		})
	}
	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], nil
}

func resolveLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("background: unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}

// RecurringProcessor drains due RecurringDef records and dispatches a
// fresh Action cloned from each one's ActionTemplate, grounded on the
// same ticker-loop idiom as Scheduler.
type RecurringProcessor struct {
	store      statestore.Store
	logger     *slog.Logger
	dispatchFn RecurringDispatchFunc
}

func NewRecurringProcessor(store statestore.Store, dispatchFn RecurringDispatchFunc, logger *slog.Logger) *RecurringProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecurringProcessor{store: store, logger: logger, dispatchFn: dispatchFn}
}

func (p *RecurringProcessor) Run(ctx context.Context, interval time.Duration) {
	runTicker(ctx, interval, p.logger, "recurring", p.tick)
}

func (p *RecurringProcessor) tick(ctx context.Context) error {
	keys, err := p.store.ScanByPrefix(ctx, "recur:")
	if err != nil {
		return fmt.Errorf("background: scan recurring definitions: %w", err)
	}
	now := time.Now()
	for _, key := range keys {
		if err := p.fireIfDue(ctx, key, now); err != nil {
			p.logger.Error("background: recurring action failed", "key", key, "error", err)
		}
	}
	return nil
}

func (p *RecurringProcessor) fireIfDue(ctx context.Context, key string, now time.Time) error {
	def, raw, err := p.get(ctx, key)
	if err == statestore.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if def.Exhausted(now) {
		return nil
	}
	if def.NextExecutionAt == nil || def.NextExecutionAt.After(now) {
		return nil
	}

	loc, err := resolveLocation(def.Timezone)
	if err != nil {
		return err
	}
	spec, err := parseCronSpec(def.CronExpr)
	if err != nil {
		return err
	}

	updated := def
	updated.ExecutionCount++
	lastExec := now.UTC()
	updated.LastExecutedAt = &lastExec
	next := spec.next(now.In(loc), loc)
	updated.NextExecutionAt = &next
	if updated.Exhausted(now) {
		updated.Enabled = false
	}

	newValue, marshalErr := json.Marshal(updated)
	if marshalErr != nil {
		return fmt.Errorf("background: encode recurring update: %w", marshalErr)
	}
	ok, err := p.store.CompareAndSwap(ctx, key, raw, newValue, 0)
	if err != nil {
		return err
	}
	if !ok {
		// Another poller advanced this definition first and fires it.
		return nil
	}

	action := def.ActionTemplate
	action.ID = contracts.ActionId(uuid.NewString())
	action.CreatedAt = now.UTC()
	_, err = p.dispatchFn(ctx, action)
	return err
}

func (p *RecurringProcessor) get(ctx context.Context, key string) (contracts.RecurringDef, []byte, error) {
	raw, err := p.store.Get(ctx, key)
	if err != nil {
		return contracts.RecurringDef{}, nil, err
	}
	var def contracts.RecurringDef
	if err := json.Unmarshal(raw, &def); err != nil {
		return contracts.RecurringDef{}, nil, fmt.Errorf("background: decode recurring definition at %s: %w", key, err)
	}
	return def, raw, nil
}
