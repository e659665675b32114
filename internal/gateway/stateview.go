package gateway

import (
	"context"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/eventgroup"
)

// managerStateView adapts an eventgroup.Manager, bound to one action's
// namespace/tenant, to ruleengine.StateView so the has_active_event/
// get_event_state/event_in_state condition bridges (spec §4.1 item c)
// read the same persisted state the StateMachine verdict writes.
type managerStateView struct {
	manager *eventgroup.Manager
	ns      contracts.Namespace
	tenant  contracts.TenantId
}

func (v *managerStateView) HasActiveEvent(ctx context.Context, eventType, label string) (bool, error) {
	if v.manager == nil {
		return false, nil
	}
	fps, err := v.manager.ActiveFingerprints(ctx, v.ns, v.tenant, eventType, label)
	if err != nil {
		return false, err
	}
	return len(fps) > 0, nil
}

func (v *managerStateView) GetEventState(ctx context.Context, fingerprint string) (contracts.EventState, bool, error) {
	if v.manager == nil {
		return contracts.EventState{}, false, nil
	}
	return v.manager.GetEventState(ctx, v.ns, v.tenant, fingerprint)
}

func (v *managerStateView) EventInState(ctx context.Context, fingerprint, state string) (bool, error) {
	s, ok, err := v.GetEventState(ctx, fingerprint)
	if err != nil || !ok {
		return false, err
	}
	return s.State == state, nil
}
