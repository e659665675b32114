// Package gateway composes the core collaborators (rule engine, executor,
// quota checker, event groups, approvals, chains, audit pipeline, scheduler)
// into the single eight-stage dispatch pipeline the rest of the gateway is
// built around.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/acteon-io/gateway/internal/approval"
	"github.com/acteon-io/gateway/internal/audit"
	"github.com/acteon-io/gateway/internal/background"
	"github.com/acteon-io/gateway/internal/chain"
	"github.com/acteon-io/gateway/internal/config"
	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/eventgroup"
	"github.com/acteon-io/gateway/internal/executor"
	"github.com/acteon-io/gateway/internal/quota"
	"github.com/acteon-io/gateway/internal/render"
	"github.com/acteon-io/gateway/internal/ruleengine"
	"github.com/acteon-io/gateway/internal/statestore"
)

// Enricher rewrites an action's payload with data from an out-of-core
// source (CMDB lookups, on-call rosters, etc.) before rule evaluation
// sees it. A nil Enricher is a no-op.
type Enricher interface {
	Enrich(ctx context.Context, action *contracts.Action) error
}

// GuardrailEvaluator is the LlmGuardrail verdict's calling contract; the
// concrete model/provider behind it is an out-of-core collaborator.
type GuardrailEvaluator interface {
	Evaluate(ctx context.Context, evaluator, policy string, action *contracts.Action) (blocked bool, reason string, err error)
}

// QuotaPolicyResolver looks up the enabled quota policy for (ns, tenant),
// if any is configured.
type QuotaPolicyResolver func(ns contracts.Namespace, tenant contracts.TenantId) (contracts.QuotaPolicy, bool)

// Options controls one Dispatch call.
type Options struct {
	DryRun bool
}

// Dispatcher runs the stage pipeline described in spec §4.2 over a single
// Action, owning no state itself beyond its wired collaborators — all
// durable state lives in the shared StateStore and the audit backend.
type Dispatcher struct {
	Rules    *ruleengine.Engine
	Executor *executor.Executor
	Quota    *quota.Checker
	Policies QuotaPolicyResolver

	Groups   *eventgroup.GroupManager
	Machines *eventgroup.Registry
	States   *eventgroup.Manager

	Approvals *approval.Service
	Chains    *chain.Orchestrator
	Scheduler *background.Scheduler
	Audit     *audit.Pipeline

	Store statestore.Store
	Lock  statestore.Lock

	Enricher  Enricher
	Guardrail GuardrailEvaluator
	Semantic  ruleengine.SemanticMatcher
	Wasm      ruleengine.WasmBridge

	Attachments     config.AttachmentsConfig
	Compliance      config.ComplianceConfig
	DefaultTimezone string
	LockTTL         time.Duration
	LockWaitMax     time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// ErrAttachmentLimitExceeded is returned by stage 1 when an action carries
// more attachments, or a larger decoded attachment, than configured.
type ErrAttachmentLimitExceeded struct {
	Reason string
}

func (e *ErrAttachmentLimitExceeded) Error() string {
	return fmt.Sprintf("gateway: attachment limit exceeded: %s", e.Reason)
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Dispatch runs the full eight-stage pipeline against action and returns
// its terminal ActionOutcome. Lock, quota, and audit side effects are
// skipped entirely in dry-run mode (spec §4.2 "Dry-run").
func (d *Dispatcher) Dispatch(ctx context.Context, action contracts.Action, opts Options) (contracts.ActionOutcome, error) {
	// Stage 1: assign id, validate attachments.
	if action.ID == "" {
		action.ID = contracts.ActionId(uuid.NewString())
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	dispatchStart := time.Now()
	if err := d.validateAttachments(action.Attachments); err != nil {
		return contracts.ActionOutcome{}, err
	}

	if opts.DryRun {
		outcome, err := d.dryRun(ctx, &action)
		d.Metrics.recordDispatch(ctx, string(action.Namespace), string(action.Tenant), string(outcome.Kind), time.Since(dispatchStart).Seconds(), err)
		return outcome, err
	}

	// Stage 2: acquire distributed lock.
	discriminator := action.DedupKey
	if discriminator == "" {
		discriminator = string(action.ID)
	}
	lockKey := fmt.Sprintf("lock:%s:%s:%s", action.Namespace, action.Tenant, discriminator)

	lockTTL := d.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	waitMax := d.LockWaitMax
	if waitMax <= 0 {
		waitMax = 5 * time.Second
	}

	handle, err := d.Lock.Acquire(ctx, lockKey, lockTTL, waitMax)
	if err != nil {
		return contracts.ActionOutcome{}, fmt.Errorf("gateway: acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := d.Lock.Release(ctx, handle); releaseErr != nil {
			d.logger().Warn("gateway: lock release failed", "key", lockKey, "error", releaseErr)
		}
	}()

	start := time.Now()
	outcome, verdict, matchedRule, err := d.dispatchLocked(ctx, &action)
	if err != nil {
		d.Metrics.recordDispatch(ctx, string(action.Namespace), string(action.Tenant), "", time.Since(dispatchStart).Seconds(), err)
		return contracts.ActionOutcome{}, err
	}

	d.writeAudit(ctx, action, verdict, matchedRule, outcome, start)
	d.Metrics.recordDispatch(ctx, string(action.Namespace), string(action.Tenant), string(outcome.Kind), time.Since(dispatchStart).Seconds(), nil)
	return outcome, nil
}

// dispatchLocked runs stages 3 through 6 under the caller's held lock.
func (d *Dispatcher) dispatchLocked(ctx context.Context, action *contracts.Action) (contracts.ActionOutcome, contracts.Verdict, string, error) {
	// Stage 3: quota check.
	if d.Quota != nil && d.Policies != nil {
		if policy, ok := d.Policies(action.Namespace, action.Tenant); ok {
			allowed, quotaOutcome, err := d.Quota.Check(ctx, policy)
			if err != nil {
				d.logger().Error("gateway: quota check failed", "namespace", action.Namespace, "tenant", action.Tenant, "error", err)
			}
			if !allowed {
				return quotaOutcome, contracts.Verdict{}, "", nil
			}
		}
	}

	// Stage 4: enrichment & template render.
	if d.Enricher != nil {
		if err := d.Enricher.Enrich(ctx, action); err != nil {
			return contracts.ActionOutcome{}, contracts.Verdict{}, "", fmt.Errorf("gateway: enrich action %s: %w", action.ID, err)
		}
	}
	if action.Template != nil {
		if err := d.renderTemplate(action); err != nil {
			return contracts.ActionOutcome{}, contracts.Verdict{}, "", err
		}
	}

	// Stage 5: rule evaluation.
	trace := d.Rules.Evaluate(ctx, action, d.DefaultTimezone, ruleengine.StateEvalView{
		State:    &managerStateView{manager: d.States, ns: action.Namespace, tenant: action.Tenant},
		Semantic: d.Semantic,
		Wasm:     d.Wasm,
	}, ruleengine.EvalOptions{})

	// Stage 6: verdict handling.
	outcome, err := d.handleVerdict(ctx, action, trace.Verdict, trace.MatchedRule)
	if err != nil {
		return contracts.ActionOutcome{}, trace.Verdict, trace.MatchedRule, err
	}
	return outcome, trace.Verdict, trace.MatchedRule, nil
}

func (d *Dispatcher) renderTemplate(action *contracts.Action) error {
	tmplStr, ok := action.Template.Vars["_source"].(string)
	if !ok {
		// No inline template source configured on this ref; leave the
		// payload untouched and let a future named-template loader
		// (out of core scope) populate Vars["_source"] upstream.
		return nil
	}
	rc := render.Context{
		Origin: render.ToView(action),
		Vars:   action.Template.Vars,
	}
	rendered, err := render.JSON(tmplStr, rc)
	if err != nil {
		return fmt.Errorf("gateway: render template %s: %w", action.Template.Name, err)
	}
	action.Payload = rendered
	return nil
}

// dryRun runs only stage 5 (rule evaluation) and reports what would have
// happened: no quota check, no enrichment or template render, no lock,
// no mutation.
func (d *Dispatcher) dryRun(ctx context.Context, action *contracts.Action) (contracts.ActionOutcome, error) {
	trace := d.Rules.Evaluate(ctx, action, d.DefaultTimezone, ruleengine.StateEvalView{
		State:    &managerStateView{manager: d.States, ns: action.Namespace, tenant: action.Tenant},
		Semantic: d.Semantic,
		Wasm:     d.Wasm,
	}, ruleengine.EvalOptions{})

	wouldBeProvider := action.Provider
	if trace.Verdict.Kind == contracts.VerdictReroute {
		wouldBeProvider = trace.Verdict.TargetProvider
	}
	return contracts.DryRun(trace.Verdict, trace.MatchedRule, wouldBeProvider), nil
}

// handleVerdict implements the verdict -> action table (spec §4.2).
func (d *Dispatcher) handleVerdict(ctx context.Context, action *contracts.Action, verdict contracts.Verdict, matchedRule string) (contracts.ActionOutcome, error) {
	switch verdict.Kind {
	case contracts.VerdictAllow:
		return d.Executor.Execute(ctx, action), nil

	case contracts.VerdictSuppress:
		return contracts.Suppressed(verdict.Rule), nil

	case contracts.VerdictDeduplicate:
		return d.handleDeduplicate(ctx, action, verdict)

	case contracts.VerdictThrottle:
		return d.handleThrottle(ctx, action, verdict, matchedRule)

	case contracts.VerdictReroute:
		action.Provider = verdict.TargetProvider
		return d.Executor.Execute(ctx, action), nil

	case contracts.VerdictModify:
		if err := applyMergePatch(action, verdict.Changes); err != nil {
			return contracts.ActionOutcome{}, err
		}
		return d.Executor.Execute(ctx, action), nil

	case contracts.VerdictGroup:
		return d.Groups.Enter(ctx, *action, verdict)

	case contracts.VerdictStateMachine:
		def, ok := d.Machines.Get(verdict.StateMachineName)
		if !ok {
			return contracts.ActionOutcome{}, fmt.Errorf("gateway: unknown state machine %q", verdict.StateMachineName)
		}
		return d.States.Transition(ctx, action.Namespace, action.Tenant, def, *action)

	case contracts.VerdictRequestApproval:
		ttl := time.Duration(verdict.ApprovalTTL) * time.Second
		return d.Approvals.Issue(ctx, *action, verdict.Message, ttl, verdict.Notify)

	case contracts.VerdictChain:
		outcome, _, err := d.Chains.Start(ctx, verdict.ChainName, *action)
		return outcome, err

	case contracts.VerdictSchedule:
		dueAt := time.Now().Add(time.Duration(verdict.DelaySeconds) * time.Second)
		if err := d.Scheduler.Schedule(ctx, *action, dueAt); err != nil {
			return contracts.ActionOutcome{}, err
		}
		return contracts.Scheduled(string(action.ID), dueAt), nil

	case contracts.VerdictLlmGuardrail:
		return d.handleGuardrail(ctx, action, verdict)

	case contracts.VerdictError:
		return contracts.Failed(fmt.Errorf("gateway: rule evaluation error")), nil

	default:
		return contracts.ActionOutcome{}, fmt.Errorf("gateway: unhandled verdict kind %q", verdict.Kind)
	}
}

func (d *Dispatcher) handleDeduplicate(ctx context.Context, action *contracts.Action, verdict contracts.Verdict) (contracts.ActionOutcome, error) {
	key := fmt.Sprintf("dedup:%s:%s:%s", action.Namespace, action.Tenant, dedupDiscriminator(action))
	ttl := time.Duration(verdict.TTLSeconds) * time.Second

	stored, err := d.Store.CheckAndSet(ctx, key, []byte(string(action.ID)), ttl)
	if err != nil {
		return contracts.ActionOutcome{}, fmt.Errorf("gateway: dedup check: %w", err)
	}
	if !stored {
		return contracts.Deduplicated(), nil
	}
	return d.Executor.Execute(ctx, action), nil
}

func dedupDiscriminator(action *contracts.Action) string {
	if action.DedupKey != "" {
		return action.DedupKey
	}
	return string(action.ID)
}

func (d *Dispatcher) handleThrottle(ctx context.Context, action *contracts.Action, verdict contracts.Verdict, matchedRule string) (contracts.ActionOutcome, error) {
	window := time.Duration(verdict.Window) * time.Second
	epoch := time.Now().Unix() / int64(verdict.Window)
	key := fmt.Sprintf("rate:%s:%s:%s:%d", action.Namespace, action.Tenant, matchedRule, epoch)

	count, err := d.Store.Increment(ctx, key, window)
	if err != nil {
		return contracts.ActionOutcome{}, fmt.Errorf("gateway: throttle increment: %w", err)
	}
	if int(count) > verdict.Max {
		windowEnd := time.Unix((epoch+1)*int64(verdict.Window), 0)
		return contracts.Throttled(time.Until(windowEnd)), nil
	}
	return d.Executor.Execute(ctx, action), nil
}

func (d *Dispatcher) handleGuardrail(ctx context.Context, action *contracts.Action, verdict contracts.Verdict) (contracts.ActionOutcome, error) {
	if d.Guardrail == nil {
		// fail_open: no evaluator wired, proceed as Allow.
		return d.Executor.Execute(ctx, action), nil
	}
	blocked, reason, err := d.Guardrail.Evaluate(ctx, verdict.Evaluator, verdict.GuardrailPolicy, action)
	if err != nil {
		d.logger().Warn("gateway: guardrail evaluator failed, failing open", "error", err)
		return d.Executor.Execute(ctx, action), nil
	}
	if !blocked {
		return d.Executor.Execute(ctx, action), nil
	}
	switch verdict.GuardrailPolicy {
	case "flag":
		return d.Executor.Execute(ctx, action), nil
	default:
		return contracts.Suppressed(fmt.Sprintf("llm_guardrail:%s", reason)), nil
	}
}

func applyMergePatch(action *contracts.Action, changes any) error {
	current, err := json.Marshal(action.Payload)
	if err != nil {
		return fmt.Errorf("gateway: marshal payload for merge patch: %w", err)
	}
	patch, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("gateway: marshal merge patch changes: %w", err)
	}
	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		return fmt.Errorf("gateway: apply merge patch: %w", err)
	}
	var payload any
	if err := json.Unmarshal(merged, &payload); err != nil {
		return fmt.Errorf("gateway: decode merged payload: %w", err)
	}
	action.Payload = payload
	return nil
}

func (d *Dispatcher) validateAttachments(attachments []contracts.Attachment) error {
	if d.Attachments.MaxAttachments > 0 && len(attachments) > d.Attachments.MaxAttachments {
		return &ErrAttachmentLimitExceeded{Reason: fmt.Sprintf("%d attachments exceeds max %d", len(attachments), d.Attachments.MaxAttachments)}
	}
	if d.Attachments.MaxInlineBytes <= 0 {
		return nil
	}
	for _, a := range attachments {
		decoded, err := base64.StdEncoding.DecodeString(a.DataBase64)
		if err != nil {
			return &ErrAttachmentLimitExceeded{Reason: fmt.Sprintf("attachment %s: invalid base64: %v", a.ID, err)}
		}
		if len(decoded) > d.Attachments.MaxInlineBytes {
			return &ErrAttachmentLimitExceeded{Reason: fmt.Sprintf("attachment %s: %d bytes exceeds max %d", a.ID, len(decoded), d.Attachments.MaxInlineBytes)}
		}
	}
	return nil
}

func (d *Dispatcher) writeAudit(ctx context.Context, action contracts.Action, verdict contracts.Verdict, matchedRule string, outcome contracts.ActionOutcome, start time.Time) {
	if d.Audit == nil {
		return
	}
	record := contracts.AuditRecord{
		ID:            uuid.NewString(),
		ActionID:      action.ID,
		Namespace:     action.Namespace,
		Tenant:        action.Tenant,
		Provider:      action.Provider,
		ActionType:    action.ActionType,
		Verdict:       verdict,
		MatchedRule:   matchedRule,
		Outcome:       outcome,
		ActionPayload: action.Payload,
		Metadata:      action.Metadata,
		DispatchedAt:  start,
		CompletedAt:   time.Now().UTC(),
		DurationMs:    time.Since(start).Milliseconds(),
		CallerID:      action.CallerID,
		AuthMethod:    action.AuthMethod,
	}

	write := func() {
		if _, err := d.Audit.Write(ctx, record); err != nil {
			d.logger().Error("gateway: audit write failed", "action_id", action.ID, "error", err)
		}
	}

	if d.Compliance.SyncAuditWrites {
		write()
		return
	}
	go write()
}
