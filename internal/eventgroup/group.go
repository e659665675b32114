package eventgroup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

// GroupManager implements the Pending -> Notified -> (Pending) ->
// Resolved event-group lifecycle (spec §4.6). State lives in the shared
// StateStore keyed "grp:{ns}:{tenant}:{group_key}" so flush decisions
// agree across replicas, following the same read-modify-CAS-write
// discipline as internal/executor's Breaker.
type GroupManager struct {
	store statestore.Store
}

func NewGroupManager(store statestore.Store) *GroupManager {
	return &GroupManager{store: store}
}

func groupStoreKey(ns contracts.Namespace, tenant contracts.TenantId, groupKey string) string {
	return fmt.Sprintf("grp:%s:%s:%s", ns, tenant, groupKey)
}

// Enter adds action to the group selected by verdict.GroupBy, creating
// the group if absent, forcing an immediate-due flush if max_group_size
// is reached, and re-opening a fresh Pending group if the prior one was
// flushed more than group_interval ago.
func (m *GroupManager) Enter(ctx context.Context, action contracts.Action, verdict contracts.Verdict) (contracts.ActionOutcome, error) {
	key := computeFingerprint(verdict.GroupBy, &action)
	storeKey := groupStoreKey(action.Namespace, action.Tenant, key)
	wait := time.Duration(verdict.GroupWait) * time.Second
	interval := time.Duration(verdict.GroupInterval) * time.Second

	var result contracts.PendingGroupState
	for attempt := 0; attempt < 8; attempt++ {
		expected, current, err := m.loadRaw(ctx, storeKey)
		if err != nil {
			return contracts.ActionOutcome{}, err
		}

		now := time.Now()
		next := current
		switch {
		case expected == nil:
			next = contracts.PendingGroupState{
				GroupKey: key,
				Events:   []contracts.Action{action},
				NotifyAt: now.Add(wait),
				State:    contracts.EventPending,
			}
		case next.State == contracts.EventResolved && next.LastFlushedAt != nil && now.Sub(*next.LastFlushedAt) >= interval:
			next = contracts.PendingGroupState{
				GroupKey: key,
				Events:   []contracts.Action{action},
				NotifyAt: now.Add(wait),
				State:    contracts.EventPending,
			}
		default:
			earliest := now
			if len(next.Events) > 0 {
				earliest = next.Events[0].CreatedAt
			}
			next.Events = append(next.Events, action)
			next.State = contracts.EventPending
			candidate := now.Add(wait)
			if earliestPlusWait := earliest.Add(wait); earliestPlusWait.After(candidate) {
				candidate = earliestPlusWait
			}
			next.NotifyAt = candidate
			if verdict.MaxGroupSize > 0 && len(next.Events) >= verdict.MaxGroupSize {
				// Force immediate flush: the group-flush background
				// processor picks up any group whose notify_at has
				// already elapsed (spec §4.6 "forces immediate flush").
				next.NotifyAt = now
			}
		}

		newValue, err := json.Marshal(next)
		if err != nil {
			return contracts.ActionOutcome{}, fmt.Errorf("eventgroup: encode group state: %w", err)
		}
		ok, err := m.store.CompareAndSwap(ctx, storeKey, expected, newValue, 0)
		if err != nil {
			return contracts.ActionOutcome{}, fmt.Errorf("eventgroup: cas group state: %w", err)
		}
		if ok {
			result = next
			break
		}
	}

	return contracts.Grouped(key, len(result.Events), result.NotifyAt), nil
}

// Due returns groups under the given namespace/tenant prefix whose
// notify_at has elapsed and are still Pending, for the background
// group-flush processor to drain. Requires a ScanByPrefix-capable store.
func (m *GroupManager) Due(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId) ([]contracts.PendingGroupState, error) {
	prefix := fmt.Sprintf("grp:%s:%s:", ns, tenant)
	keys, err := m.store.ScanByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var due []contracts.PendingGroupState
	for _, k := range keys {
		raw, err := m.store.Get(ctx, k)
		if err == statestore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var g contracts.PendingGroupState
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("eventgroup: decode group state at %s: %w", k, err)
		}
		if g.State == contracts.EventPending && !g.NotifyAt.After(now) {
			due = append(due, g)
		}
	}
	return due, nil
}

// Flush transitions a due group from Pending to Notified (recording
// last_flushed_at), returning the events to hand to the notifier. It is
// a no-op (ok=false) if the group is absent or not yet due, so two
// concurrent flush pollers never double-notify.
func (m *GroupManager) Flush(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, groupKey string) (contracts.PendingGroupState, bool, error) {
	storeKey := groupStoreKey(ns, tenant, groupKey)
	for attempt := 0; attempt < 8; attempt++ {
		expected, current, err := m.loadRaw(ctx, storeKey)
		if err != nil {
			return contracts.PendingGroupState{}, false, err
		}
		if expected == nil || current.State != contracts.EventPending || current.NotifyAt.After(time.Now()) {
			return contracts.PendingGroupState{}, false, nil
		}

		now := time.Now()
		next := current
		next.State = contracts.EventNotified
		next.LastFlushedAt = &now

		newValue, err := json.Marshal(next)
		if err != nil {
			return contracts.PendingGroupState{}, false, fmt.Errorf("eventgroup: encode group state: %w", err)
		}
		ok, err := m.store.CompareAndSwap(ctx, storeKey, expected, newValue, 0)
		if err != nil {
			return contracts.PendingGroupState{}, false, fmt.Errorf("eventgroup: cas group state: %w", err)
		}
		if ok {
			return current, true, nil
		}
	}
	return contracts.PendingGroupState{}, false, nil
}

// Resolve marks a notified group Resolved once its notification has
// been delivered, so the next incoming event after group_interval opens
// a fresh group rather than appending to the stale one.
func (m *GroupManager) Resolve(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, groupKey string) error {
	storeKey := groupStoreKey(ns, tenant, groupKey)
	for attempt := 0; attempt < 8; attempt++ {
		expected, current, err := m.loadRaw(ctx, storeKey)
		if err != nil {
			return err
		}
		if expected == nil {
			return nil
		}
		next := current
		next.State = contracts.EventResolved

		newValue, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("eventgroup: encode group state: %w", err)
		}
		ok, err := m.store.CompareAndSwap(ctx, storeKey, expected, newValue, 0)
		if err != nil {
			return fmt.Errorf("eventgroup: cas group state: %w", err)
		}
		if ok {
			return nil
		}
	}
	return nil
}

func (m *GroupManager) loadRaw(ctx context.Context, storeKey string) ([]byte, contracts.PendingGroupState, error) {
	raw, err := m.store.Get(ctx, storeKey)
	if err == statestore.ErrNotFound {
		return nil, contracts.PendingGroupState{}, nil
	}
	if err != nil {
		return nil, contracts.PendingGroupState{}, err
	}
	var g contracts.PendingGroupState
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, contracts.PendingGroupState{}, fmt.Errorf("eventgroup: decode group state: %w", err)
	}
	return raw, g, nil
}
