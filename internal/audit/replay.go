package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acteon-io/gateway/internal/contracts"
)

// DispatchFunc re-enters the gateway's regular dispatch path for a
// reconstructed action. Replay never bypasses the pipeline — a
// replayed record is a brand new dispatch, just seeded from history.
type DispatchFunc func(ctx context.Context, action contracts.Action) (contracts.ActionOutcome, error)

// Replay re-dispatches every audit record matching query.Filter as a
// fresh action through dispatchFn. When query.DryRun is set the rebuilt
// action carries a "_dry_run"="true" label, but Replay still calls
// dispatchFn for every record: whether that call is a dry run is up to
// dispatchFn, since Dispatch reads its Options and not this label.
func Replay(ctx context.Context, store BackendStore, query contracts.ReplayQuery, dispatchFn DispatchFunc) (contracts.ReplaySummary, error) {
	filter := query.Filter
	if filter.Limit <= 0 {
		filter.Limit = 1000
	}

	page, err := store.Query(ctx, filter)
	if err != nil {
		return contracts.ReplaySummary{}, fmt.Errorf("audit: replay query: %w", err)
	}

	summary := contracts.ReplaySummary{TotalMatched: len(page.Records)}
	for _, record := range page.Records {
		action := rebuildAction(record, query)
		outcome, err := dispatchFn(ctx, action)
		result := contracts.ReplayResult{
			OriginalActionID: record.ActionID,
			NewActionID:      action.ID,
			Outcome:          outcome,
		}
		if err != nil {
			result.Error = err.Error()
			summary.Failed++
		} else {
			summary.Replayed++
		}
		summary.Results = append(summary.Results, result)
	}
	return summary, nil
}

func rebuildAction(record contracts.AuditRecord, query contracts.ReplayQuery) contracts.Action {
	labels := map[string]string{"_replayed_from": string(record.ActionID)}
	for k, v := range query.OverrideTags {
		labels[k] = v
	}
	if query.DryRun {
		labels["_dry_run"] = "true"
	}
	return contracts.Action{
		ID:         contracts.ActionId(uuid.NewString()),
		Namespace:  record.Namespace,
		Tenant:     record.Tenant,
		Provider:   record.Provider,
		ActionType: record.ActionType,
		Payload:    record.ActionPayload,
		Metadata:   contracts.Metadata{Labels: labels},
		CreatedAt:  time.Now(),
		CallerID:   record.CallerID,
		AuthMethod: record.AuthMethod,
	}
}
