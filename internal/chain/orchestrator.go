// Package chain drives a chain definition's step graph against a
// running Action: provider steps, sub-chains, and parallel fan-out/in,
// with crash-safe state-store persisted advance (spec §4.5).
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/render"
	"github.com/acteon-io/gateway/internal/statestore"
)

// ProviderRunner is the narrow slice of executor.Executor a chain step
// needs: dispatch one Action and get back its terminal outcome.
type ProviderRunner interface {
	Execute(ctx context.Context, action *contracts.Action) contracts.ActionOutcome
}

// DLQSink records a step abandoned under the dlq failure policy.
// Concrete sinks (file, topic, table) are out-of-core collaborators.
type DLQSink interface {
	Put(ctx context.Context, chainID, stepName string, result contracts.StepResult) error
}

type noopDLQ struct{}

func (noopDLQ) Put(context.Context, string, string, contracts.StepResult) error { return nil }

const defaultChainTimeout = 15 * time.Minute

// Orchestrator drives chain instances. One Orchestrator may drive many
// concurrent chain instances; state lives in the shared StateStore so
// any gateway replica can resume a crashed advance.
type Orchestrator struct {
	registry *Registry
	store    statestore.Store
	lock     statestore.Lock
	runner   ProviderRunner
	dlq      DLQSink
}

func New(registry *Registry, store statestore.Store, lock statestore.Lock, runner ProviderRunner, dlq DLQSink) *Orchestrator {
	if dlq == nil {
		dlq = noopDLQ{}
	}
	return &Orchestrator{registry: registry, store: store, lock: lock, runner: runner, dlq: dlq}
}

func chainKey(chainID string) string { return "chn:" + chainID }

// Start instantiates chainName against origin, persists the initial
// state, and returns the ChainStarted outcome (spec §4.2 verdict→action
// row "Instantiate chain with action as origin; persist state; schedule
// first step"). It does not itself drive execution past step 0; call
// Run with the returned chain id to advance it.
func (o *Orchestrator) Start(ctx context.Context, chainName string, origin contracts.Action) (contracts.ActionOutcome, string, error) {
	def, ok := o.registry.Get(chainName)
	if !ok {
		return contracts.ActionOutcome{}, "", fmt.Errorf("chain: unknown chain %q", chainName)
	}
	if len(def.Steps) == 0 {
		return contracts.ActionOutcome{}, "", fmt.Errorf("chain: %q has no steps", chainName)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = defaultChainTimeout
	}

	chainID := uuid.NewString()
	state := contracts.ChainState{
		ChainID:     chainID,
		ConfigName:  chainName,
		Cursor:      0,
		StepResults: map[string]contracts.StepResult{},
		Origin:      origin,
		Status:      contracts.ChainRunning,
		ExpiresAt:   time.Now().Add(timeout),
	}
	if err := o.persist(ctx, state); err != nil {
		return contracts.ActionOutcome{}, "", err
	}

	return contracts.ChainStarted(chainID, chainName, len(def.Steps), def.Steps[0].Name), chainID, nil
}

func (o *Orchestrator) persist(ctx context.Context, state contracts.ChainState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("chain: marshal state: %w", err)
	}
	return o.store.Set(ctx, chainKey(state.ChainID), data, 0)
}

// persistParallelResult records one parallel sub-step's landed result
// into state.Parallel[stepName] via optimistic CAS, so a crash between
// two sub-step completions never loses the ones that already finished
// (spec §4.5 "parallel sub-step completed is persisted before the next
// step is dispatched"). It retries on CAS conflict against a freshly
// read state, and is a no-op if the result was already persisted (e.g.
// by a racing retry of the same sub-step).
func (o *Orchestrator) persistParallelResult(ctx context.Context, chainID, stepName string, result contracts.StepResult) error {
	key := chainKey(chainID)
	for {
		raw, err := o.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("chain: read state for parallel persist: %w", err)
		}
		var state contracts.ChainState
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("chain: decode state: %w", err)
		}
		if state.Parallel == nil {
			state.Parallel = map[string][]contracts.StepResult{}
		}
		already := false
		for _, r := range state.Parallel[stepName] {
			if r.StepName == result.StepName {
				already = true
				break
			}
		}
		if already {
			return nil
		}
		state.Parallel[stepName] = append(state.Parallel[stepName], result)
		newRaw, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("chain: marshal state: %w", err)
		}
		ok, err := o.store.CompareAndSwap(ctx, key, raw, newRaw, 0)
		if err != nil {
			return fmt.Errorf("chain: cas parallel persist: %w", err)
		}
		if ok {
			return nil
		}
	}
}

func (o *Orchestrator) load(ctx context.Context, chainID string) (contracts.ChainState, error) {
	raw, err := o.store.Get(ctx, chainKey(chainID))
	if err != nil {
		return contracts.ChainState{}, err
	}
	var state contracts.ChainState
	if err := json.Unmarshal(raw, &state); err != nil {
		return contracts.ChainState{}, fmt.Errorf("chain: decode state: %w", err)
	}
	return state, nil
}

// Run drives chainID forward one step at a time until it completes, is
// cancelled, fails with an abort policy, or the calling context is
// cancelled. Each step runs in one advanceOneStep call, which holds the
// chain's distributed lock for that whole call: the step's provider,
// sub-chain or parallel execution runs with the lock held.
func (o *Orchestrator) Run(ctx context.Context, chainID string) (contracts.ChainState, error) {
	for {
		state, err := o.load(ctx, chainID)
		if err != nil {
			return contracts.ChainState{}, err
		}
		if state.Status != contracts.ChainRunning {
			return state, nil
		}
		if ctx.Err() != nil {
			state.Status = contracts.ChainCancelled
			state.Cancelled = true
			_ = o.persist(ctx, state)
			return state, ctx.Err()
		}
		if time.Now().After(state.ExpiresAt) {
			state.Status = contracts.ChainFailed
			_ = o.persist(ctx, state)
			return state, fmt.Errorf("chain: %s expired", chainID)
		}

		def, ok := o.registry.Get(state.ConfigName)
		if !ok {
			return state, fmt.Errorf("chain: unknown chain config %q", state.ConfigName)
		}
		if state.Cursor >= len(def.Steps) {
			state.Status = contracts.ChainCompleted
			_ = o.persist(ctx, state)
			return state, nil
		}

		next, err := o.advanceOneStep(ctx, def, state)
		if err != nil {
			return state, err
		}
		state = next
		if err := o.persist(ctx, state); err != nil {
			return state, err
		}
	}
}

// advanceOneStep executes the step at state.Cursor and returns the
// updated state (completed step result recorded, cursor moved to the
// next step per branching rules, or Status set to a terminal value).
func (o *Orchestrator) advanceOneStep(ctx context.Context, def contracts.ChainDef, state contracts.ChainState) (contracts.ChainState, error) {
	if handle, err := o.lock.Acquire(ctx, "chain:"+state.ChainID, 30*time.Second, 5*time.Second); err == nil {
		defer func() { _ = o.lock.Release(ctx, handle) }()
	}
	// On lock acquire failure: fail open (spec §4.4) and proceed anyway.

	step := def.Steps[state.Cursor]
	view := o.templateContext(def, state)

	var result contracts.StepResult
	switch step.Kind {
	case contracts.StepProvider:
		result = o.runProviderStep(ctx, state, step, view)
	case contracts.StepSubChain:
		result = o.runSubChainStep(ctx, &state, step, view)
	case contracts.StepParallel:
		result = o.runParallelStep(ctx, state, step, view)
	default:
		return state, fmt.Errorf("chain: step %q has unknown kind", step.Name)
	}

	state.StepResults[step.Name] = result

	if !result.Success {
		switch step.OnFailure {
		case contracts.FailureAbort:
			state.Status = contracts.ChainFailed
			return state, nil
		case contracts.FailureDLQ:
			_ = o.dlq.Put(ctx, state.ChainID, step.Name, result)
		case contracts.FailureSkip:
			// fall through to normal advance
		}
	}

	nextIndex, done := o.resolveNext(def, state, step, result)
	if done {
		state.Status = contracts.ChainCompleted
		return state, nil
	}
	state.Cursor = nextIndex
	return state, nil
}

// resolveNext applies branching rules (spec §4.5 "Branching"): first
// matching branch target wins, else default_next, else the next
// sequential step. Branch conditions are evaluated against the just-
// completed step's own result (spec: "evaluated ... against the step's
// result"). The next sequential step skips steps that are listed as
// sub-steps of a parallel step, since those run inside their group.
// Returns done=true once the cursor would run past the end of the step
// list.
func (o *Orchestrator) resolveNext(def contracts.ChainDef, state contracts.ChainState, step contracts.ChainStep, result contracts.StepResult) (int, bool) {
	view := render.ToView(result)
	for _, branch := range step.Branches {
		cond := branch.Condition
		ok, err := evalBranch(&cond, view)
		if err == nil && ok {
			return stepIndex(def)[branch.Target], false
		}
	}
	if step.DefaultNext != "" {
		return stepIndex(def)[step.DefaultNext], false
	}
	idx := stepIndex(def)[step.Name]
	members := map[string]bool{}
	for _, s := range def.Steps {
		if s.Parallel != nil {
			for _, name := range s.Parallel.Steps {
				members[name] = true
			}
		}
	}
	next := idx + 1
	for next < len(def.Steps) && members[def.Steps[next].Name] {
		next++
	}
	if next >= len(def.Steps) {
		return 0, true
	}
	return next, false
}

// templateContext builds the render.Context for the step about to run:
// origin, prev (the step immediately preceding the cursor in config
// order), the full steps.<name>.* map, chain_id, and step_index.
func (o *Orchestrator) templateContext(def contracts.ChainDef, state contracts.ChainState) map[string]any {
	steps := make(map[string]map[string]any, len(state.StepResults))
	for name, r := range state.StepResults {
		steps[name] = render.ToView(r)
	}

	var prev map[string]any
	if state.Cursor > 0 && state.Cursor-1 < len(def.Steps) {
		prevName := def.Steps[state.Cursor-1].Name
		if r, ok := state.StepResults[prevName]; ok {
			prev = render.ToView(r)
		}
	}

	return map[string]any{
		"origin":     render.ToView(state.Origin),
		"prev":       prev,
		"steps":      steps,
		"chain_id":   state.ChainID,
		"step_index": state.Cursor,
	}
}

func (o *Orchestrator) renderStepAction(state contracts.ChainState, step contracts.ChainStep, view map[string]any) (*contracts.Action, error) {
	payload, err := render.JSON(step.PayloadTemplate, render.Context{
		Origin: view["origin"].(map[string]any), Prev: asViewMap(view["prev"]), Steps: stepsMapOf(view), ChainID: state.ChainID, StepIndex: state.Cursor,
	})
	if err != nil {
		return nil, err
	}
	return &contracts.Action{
		ID:         contracts.ActionId(uuid.NewString()),
		Namespace:  state.Origin.Namespace,
		Tenant:     state.Origin.Tenant,
		Provider:   step.Provider,
		ActionType: step.ActionType,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}, nil
}

func asViewMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func stepsMapOf(view map[string]any) map[string]map[string]any {
	m, _ := view["steps"].(map[string]map[string]any)
	return m
}

func (o *Orchestrator) runProviderStep(ctx context.Context, state contracts.ChainState, step contracts.ChainStep, view map[string]any) contracts.StepResult {
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return contracts.StepResult{StepName: step.Name, Success: false, Error: ctx.Err().Error(), CompletedAt: time.Now()}
		}
	}

	action, err := o.renderStepAction(state, step, view)
	if err != nil {
		return contracts.StepResult{StepName: step.Name, Success: false, Error: err.Error(), CompletedAt: time.Now()}
	}

	outcome := o.runner.Execute(ctx, action)
	if outcome.IsExecuted() {
		return contracts.StepResult{StepName: step.Name, Success: true, Body: outcome.Response, CompletedAt: time.Now()}
	}
	errMsg := string(outcome.Kind)
	if outcome.IsFailed() {
		errMsg = outcome.Err
	}
	return contracts.StepResult{StepName: step.Name, Success: false, Error: errMsg, CompletedAt: time.Now()}
}

// runSubChainStep instantiates the child chain and drives it fully to
// completion before returning (a synchronous generalization of the
// spec's "parent pauses in waiting_sub_chain" suspend/resume dance,
// since this package has no external scheduler to resume it for us —
// see DESIGN.md). The child's effective timeout is capped at the
// parent's remaining budget (spec §4.5 "Sub-chain timeout inheritance").
func (o *Orchestrator) runSubChainStep(ctx context.Context, parent *contracts.ChainState, step contracts.ChainStep, view map[string]any) contracts.StepResult {
	parent.Status = contracts.ChainWaitingSubChain
	_ = o.persist(ctx, *parent)

	childOutcome, childID, err := o.Start(ctx, step.SubChain, parent.Origin)
	if err != nil {
		parent.Status = contracts.ChainRunning
		return contracts.StepResult{StepName: step.Name, Success: false, Error: err.Error(), CompletedAt: time.Now()}
	}
	_ = childOutcome

	childCtx := ctx
	if remaining := time.Until(parent.ExpiresAt); remaining > 0 {
		var cancel context.CancelFunc
		childCtx, cancel = context.WithTimeout(ctx, remaining)
		defer cancel()
	}

	childState, err := o.Run(childCtx, childID)
	parent.Status = contracts.ChainRunning
	if err != nil {
		return contracts.StepResult{StepName: step.Name, Success: false, Error: err.Error(), CompletedAt: time.Now()}
	}

	success := childState.Status == contracts.ChainCompleted
	return contracts.StepResult{
		StepName: step.Name, Success: success, Body: childState.StepResults,
		Error:       errorIfNotCompleted(childState.Status),
		CompletedAt: time.Now(),
	}
}

func errorIfNotCompleted(status contracts.ChainStatus) string {
	if status == contracts.ChainCompleted {
		return ""
	}
	return "sub-chain ended in status " + string(status)
}

// runParallelStep dispatches every sub-step by name concurrently,
// bounded by MaxConcurrency, honoring Join (all/any) and OnFailure
// (fail_fast/best_effort), and persists each sub-step's completion as it
// lands (spec §4.5 "parallel sub-step completed is persisted before the
// next step is dispatched").
func (o *Orchestrator) runParallelStep(ctx context.Context, state contracts.ChainState, step contracts.ChainStep, view map[string]any) contracts.StepResult {
	spec := step.Parallel
	def, _ := o.registry.Get(state.ConfigName)
	idx := stepIndex(def)

	groupCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		groupCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	concurrency := spec.MaxConcurrency
	if concurrency <= 0 {
		concurrency = len(spec.Steps)
	}
	sem := make(chan struct{}, concurrency)

	// Resume-safe: skip sub-steps whose result already persisted (spec
	// §4.5 "dispatch only sub-steps absent from the persisted result
	// set").
	existing := state.Parallel[step.Name]
	done := make(map[string]bool, len(existing))
	for _, r := range existing {
		done[r.StepName] = true
	}

	results := make([]contracts.StepResult, 0, len(spec.Steps))
	results = append(results, existing...)

	var mu sync.Mutex
	var wg sync.WaitGroup
	failFastCancel := func() {}
	if spec.OnFailure == contracts.ParallelFailFast {
		var cancel context.CancelFunc
		groupCtx, cancel = context.WithCancel(groupCtx)
		failFastCancel = cancel
	}

	for _, subName := range spec.Steps {
		if done[subName] {
			continue
		}
		subStep := def.Steps[idx[subName]]
		wg.Add(1)
		go func(s contracts.ChainStep) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-groupCtx.Done():
				cancelled := contracts.StepResult{StepName: s.Name, Success: false, Error: "cancelled", CompletedAt: time.Now()}
				mu.Lock()
				results = append(results, cancelled)
				mu.Unlock()
				_ = o.persistParallelResult(ctx, state.ChainID, step.Name, cancelled)
				return
			}

			r := o.runProviderStep(groupCtx, state, s, view)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			_ = o.persistParallelResult(ctx, state.ChainID, step.Name, r)

			if !r.Success && spec.OnFailure == contracts.ParallelFailFast {
				failFastCancel()
			}
		}(subStep)
	}
	wg.Wait()

	successCount := 0
	for _, r := range results {
		if r.Success {
			successCount++
		}
	}

	var success bool
	switch spec.Join {
	case contracts.JoinAny:
		success = successCount > 0
	default: // JoinAll
		success = successCount == len(spec.Steps)
	}

	return contracts.StepResult{
		StepName: step.Name, Success: success, Body: results, CompletedAt: time.Now(),
	}
}

// Cancel marks chainID's persisted state Cancelled. Only that chain is
// updated; sub-chains it started are not cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, chainID string) error {
	state, err := o.load(ctx, chainID)
	if err != nil {
		return err
	}
	state.Status = contracts.ChainCancelled
	state.Cancelled = true
	return o.persist(ctx, state)
}
