package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/contracts"
)

func TestReplayRedispatchesMatchedRecords(t *testing.T) {
	backend := &memBackend{records: []contracts.AuditRecord{
		{ActionID: "orig-1", Namespace: "prod", Tenant: "acme", ActionType: "delete_user", ActionPayload: map[string]any{"id": 1}},
		{ActionID: "orig-2", Namespace: "prod", Tenant: "acme", ActionType: "delete_user", ActionPayload: map[string]any{"id": 2}},
	}}

	var dispatched []contracts.Action
	dispatchFn := func(_ context.Context, action contracts.Action) (contracts.ActionOutcome, error) {
		dispatched = append(dispatched, action)
		return contracts.ActionOutcome{Kind: contracts.OutcomeExecuted}, nil
	}

	summary, err := Replay(context.Background(), backend, contracts.ReplayQuery{Filter: contracts.AuditFilter{Namespace: "prod"}}, dispatchFn)
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalMatched)
	require.Equal(t, 2, summary.Replayed)
	require.Equal(t, 0, summary.Failed)
	require.Len(t, dispatched, 2)
	require.Equal(t, "orig-1", dispatched[0].Metadata.Labels["_replayed_from"])
}

func TestReplayRecordsDispatchFailures(t *testing.T) {
	backend := &memBackend{records: []contracts.AuditRecord{
		{ActionID: "orig-1", Namespace: "prod", Tenant: "acme", ActionType: "delete_user"},
	}}
	dispatchFn := func(_ context.Context, action contracts.Action) (contracts.ActionOutcome, error) {
		return contracts.ActionOutcome{}, errors.New("provider unavailable")
	}

	summary, err := Replay(context.Background(), backend, contracts.ReplayQuery{Filter: contracts.AuditFilter{Namespace: "prod"}}, dispatchFn)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, "provider unavailable", summary.Results[0].Error)
}

func TestReplayDryRunTagsAction(t *testing.T) {
	backend := &memBackend{records: []contracts.AuditRecord{
		{ActionID: "orig-1", Namespace: "prod", Tenant: "acme"},
	}}
	var seen contracts.Action
	dispatchFn := func(_ context.Context, action contracts.Action) (contracts.ActionOutcome, error) {
		seen = action
		return contracts.ActionOutcome{}, nil
	}

	_, err := Replay(context.Background(), backend, contracts.ReplayQuery{Filter: contracts.AuditFilter{Namespace: "prod"}, DryRun: true}, dispatchFn)
	require.NoError(t, err)
	require.Equal(t, "true", seen.Metadata.Labels["_dry_run"])
}
