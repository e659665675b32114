package chain

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

type fakeRunner struct {
	fail map[string]bool
}

func (r *fakeRunner) Execute(ctx context.Context, action *contracts.Action) contracts.ActionOutcome {
	if r.fail[action.ActionType] {
		return contracts.Failed(errFake)
	}
	return contracts.Executed(contracts.ProviderResponse{Status: contracts.ProviderStatusSuccess, Body: map[string]any{"ok": true, "action_type": action.ActionType}})
}

var errFake = fakeErr("induced failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func twoStepChain() contracts.ChainDef {
	return contracts.ChainDef{
		Name: "onboarding",
		Steps: []contracts.ChainStep{
			{Name: "welcome", Provider: "email", ActionType: "welcome_email", PayloadTemplate: `{"to":"{{.origin.tenant}}"}`, OnFailure: contracts.FailureAbort},
			{Name: "followup", Provider: "email", ActionType: "followup_email", PayloadTemplate: `{"prev_ok":{{.prev.body.body.ok}}}`, OnFailure: contracts.FailureAbort},
		},
	}
}

func newOrchestrator(t *testing.T, runner ProviderRunner, def contracts.ChainDef) (*Orchestrator, *Registry) {
	reg, err := NewRegistry(map[string]contracts.ChainDef{def.Name: def})
	require.NoError(t, err)
	store := statestore.NewMemoryStore()
	lock := statestore.NewMemoryLock(store)
	return New(reg, store, lock, runner, nil), reg
}

func TestChainRunsToCompletion(t *testing.T) {
	orch, _ := newOrchestrator(t, &fakeRunner{}, twoStepChain())

	outcome, chainID, err := orch.Start(context.Background(), "onboarding", contracts.Action{Tenant: "acme"})
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeChainStarted, outcome.Kind)
	require.Equal(t, 2, outcome.TotalSteps)
	require.Equal(t, "welcome", outcome.FirstStep)

	state, err := orch.Run(context.Background(), chainID)
	require.NoError(t, err)
	require.Equal(t, contracts.ChainCompleted, state.Status)
	require.Len(t, state.StepResults, 2)
	require.True(t, state.StepResults["followup"].Success)
}

func TestChainAbortsOnFailure(t *testing.T) {
	def := twoStepChain()
	orch, _ := newOrchestrator(t, &fakeRunner{fail: map[string]bool{"welcome_email": true}}, def)

	_, chainID, err := orch.Start(context.Background(), "onboarding", contracts.Action{Tenant: "acme"})
	require.NoError(t, err)

	state, err := orch.Run(context.Background(), chainID)
	require.NoError(t, err)
	require.Equal(t, contracts.ChainFailed, state.Status)
	require.Len(t, state.StepResults, 1)
}

func TestChainSkipPolicyContinues(t *testing.T) {
	def := twoStepChain()
	def.Steps[0].OnFailure = contracts.FailureSkip
	orch, _ := newOrchestrator(t, &fakeRunner{fail: map[string]bool{"welcome_email": true}}, def)

	_, chainID, err := orch.Start(context.Background(), "onboarding", contracts.Action{Tenant: "acme"})
	require.NoError(t, err)

	state, err := orch.Run(context.Background(), chainID)
	require.NoError(t, err)
	require.Equal(t, contracts.ChainCompleted, state.Status)
	require.False(t, state.StepResults["welcome"].Success)
	require.True(t, state.StepResults["followup"].Success)
}

func TestChainBranching(t *testing.T) {
	def := contracts.ChainDef{
		Name: "branchy",
		Steps: []contracts.ChainStep{
			{Name: "check", Provider: "email", ActionType: "check", PayloadTemplate: `{}`, OnFailure: contracts.FailureAbort,
				Branches: []contracts.Branch{
					{Condition: contracts.Condition{Op: "eq", Path: "body.body.ok", Value: true}, Target: "happy"},
				},
				DefaultNext: "sad",
			},
			{Name: "sad", Provider: "email", ActionType: "sad", PayloadTemplate: `{}`, OnFailure: contracts.FailureAbort},
			{Name: "happy", Provider: "email", ActionType: "happy", PayloadTemplate: `{}`, OnFailure: contracts.FailureAbort},
		},
	}
	orch, _ := newOrchestrator(t, &fakeRunner{}, def)

	_, chainID, err := orch.Start(context.Background(), "branchy", contracts.Action{Tenant: "acme"})
	require.NoError(t, err)

	state, err := orch.Run(context.Background(), chainID)
	require.NoError(t, err)
	require.Equal(t, contracts.ChainCompleted, state.Status)
	_, tookHappy := state.StepResults["happy"]
	_, tookSad := state.StepResults["sad"]
	require.True(t, tookHappy)
	require.False(t, tookSad)
}

func TestChainParallelJoinAll(t *testing.T) {
	def := contracts.ChainDef{
		Name: "fanout",
		Steps: []contracts.ChainStep{
			{Name: "group", Parallel: &contracts.ParallelSpec{Steps: []string{"a", "b"}, Join: contracts.JoinAll, OnFailure: contracts.ParallelBestEffort}, OnFailure: contracts.FailureAbort},
			{Name: "a", Provider: "email", ActionType: "a", PayloadTemplate: `{}`},
			{Name: "b", Provider: "email", ActionType: "b", PayloadTemplate: `{}`},
		},
	}
	orch, _ := newOrchestrator(t, &fakeRunner{}, def)

	_, chainID, err := orch.Start(context.Background(), "fanout", contracts.Action{Tenant: "acme"})
	require.NoError(t, err)

	state, err := orch.Run(context.Background(), chainID)
	require.NoError(t, err)
	require.Equal(t, contracts.ChainCompleted, state.Status)
	require.True(t, state.StepResults["group"].Success)
}

// countingRunner tracks how many times each action type was dispatched,
// so a resumed parallel group can be checked for double-dispatch.
type countingRunner struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRunner) Execute(ctx context.Context, action *contracts.Action) contracts.ActionOutcome {
	r.mu.Lock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[action.ActionType]++
	r.mu.Unlock()
	return contracts.Executed(contracts.ProviderResponse{Status: contracts.ProviderStatusSuccess, Body: map[string]any{"ok": true}})
}

func TestChainParallelPersistsEachSubStepIncrementally(t *testing.T) {
	def := contracts.ChainDef{
		Name: "fanout",
		Steps: []contracts.ChainStep{
			{Name: "group", Parallel: &contracts.ParallelSpec{Steps: []string{"a", "b"}, Join: contracts.JoinAll, OnFailure: contracts.ParallelBestEffort}, OnFailure: contracts.FailureAbort},
			{Name: "a", Provider: "email", ActionType: "a", PayloadTemplate: `{}`},
			{Name: "b", Provider: "email", ActionType: "b", PayloadTemplate: `{}`},
		},
	}
	runner := &countingRunner{}
	orch, _ := newOrchestrator(t, runner, def)

	_, chainID, err := orch.Start(context.Background(), "fanout", contracts.Action{Tenant: "acme"})
	require.NoError(t, err)

	state, err := orch.Run(context.Background(), chainID)
	require.NoError(t, err)
	require.Equal(t, contracts.ChainCompleted, state.Status)
	require.Len(t, state.Parallel["group"], 2)
	require.Equal(t, 1, runner.counts["a"])
	require.Equal(t, 1, runner.counts["b"])
}

func TestChainParallelResumeSkipsAlreadyPersistedSubStep(t *testing.T) {
	def := contracts.ChainDef{
		Name: "fanout",
		Steps: []contracts.ChainStep{
			{Name: "group", Parallel: &contracts.ParallelSpec{Steps: []string{"a", "b"}, Join: contracts.JoinAll, OnFailure: contracts.ParallelBestEffort}, OnFailure: contracts.FailureAbort},
			{Name: "a", Provider: "email", ActionType: "a", PayloadTemplate: `{}`},
			{Name: "b", Provider: "email", ActionType: "b", PayloadTemplate: `{}`},
		},
	}
	reg, err := NewRegistry(map[string]contracts.ChainDef{def.Name: def})
	require.NoError(t, err)
	store := statestore.NewMemoryStore()
	lock := statestore.NewMemoryLock(store)
	runner := &countingRunner{}
	orch := New(reg, store, lock, runner, nil)

	_, chainID, err := orch.Start(context.Background(), "fanout", contracts.Action{Tenant: "acme"})
	require.NoError(t, err)

	// Simulate a crash mid-fan-out: one sub-step already landed and was
	// persisted before the process died.
	require.NoError(t, orch.persistParallelResult(context.Background(), chainID, "group", contracts.StepResult{StepName: "a", Success: true}))

	state, err := orch.Run(context.Background(), chainID)
	require.NoError(t, err)
	require.Equal(t, contracts.ChainCompleted, state.Status)
	require.Equal(t, 0, runner.counts["a"])
	require.Equal(t, 1, runner.counts["b"])
}

func TestChainSubChainRuns(t *testing.T) {
	child := contracts.ChainDef{
		Name: "child",
		Steps: []contracts.ChainStep{
			{Name: "only", Provider: "email", ActionType: "child_step", PayloadTemplate: `{}`, OnFailure: contracts.FailureAbort},
		},
	}
	parent := contracts.ChainDef{
		Name: "parent",
		Steps: []contracts.ChainStep{
			{Name: "delegate", SubChain: "child", OnFailure: contracts.FailureAbort},
		},
	}

	reg, err := NewRegistry(map[string]contracts.ChainDef{"parent": parent, "child": child})
	require.NoError(t, err)
	store := statestore.NewMemoryStore()
	lock := statestore.NewMemoryLock(store)
	orch := New(reg, store, lock, &fakeRunner{}, nil)

	_, chainID, err := orch.Start(context.Background(), "parent", contracts.Action{Tenant: "acme"})
	require.NoError(t, err)

	state, err := orch.Run(context.Background(), chainID)
	require.NoError(t, err)
	require.Equal(t, contracts.ChainCompleted, state.Status)
	require.True(t, state.StepResults["delegate"].Success)
}

func TestRegistryRejectsSubChainCycle(t *testing.T) {
	a := contracts.ChainDef{Name: "a", Steps: []contracts.ChainStep{{Name: "s", SubChain: "b"}}}
	b := contracts.ChainDef{Name: "b", Steps: []contracts.ChainStep{{Name: "s", SubChain: "a"}}}
	_, err := NewRegistry(map[string]contracts.ChainDef{"a": a, "b": b})
	require.Error(t, err)
}

func TestRegistryRejectsAmbiguousStepKind(t *testing.T) {
	def := contracts.ChainDef{Name: "bad", Steps: []contracts.ChainStep{{Name: "s", Provider: "email", SubChain: "x"}}}
	_, err := NewRegistry(map[string]contracts.ChainDef{"bad": def})
	require.Error(t, err)
}
