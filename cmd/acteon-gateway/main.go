// Command acteon-gateway runs the dispatch pipeline as a long-lived
// daemon: it wires the rule engine, executor, quota checker, event
// groups, approvals, chains, audit pipeline, and scheduler against a
// shared state store, then drives every background sweep (scheduled
// actions, recurring actions, group flush, timeout checks, approval
// expiry, audit retention) on its own ticker until told to stop.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/acteon-io/gateway/internal/approval"
	"github.com/acteon-io/gateway/internal/audit"
	"github.com/acteon-io/gateway/internal/background"
	"github.com/acteon-io/gateway/internal/chain"
	"github.com/acteon-io/gateway/internal/config"
	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/eventgroup"
	"github.com/acteon-io/gateway/internal/executor"
	"github.com/acteon-io/gateway/internal/gateway"
	"github.com/acteon-io/gateway/internal/quota"
	"github.com/acteon-io/gateway/internal/ruleengine"
	"github.com/acteon-io/gateway/internal/statestore"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub out the blocking daemon.
var startServer = runServer

// Run is the CLI entrypoint, split out from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "serve", "server":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "replay":
		return runReplayCmd(stdout, stderr)
	case "verify":
		return runVerifyCmd(stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "acteon-gateway: unknown command %q\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: acteon-gateway [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     run the dispatch daemon (default)")
	fmt.Fprintln(w, "  health    query the running daemon's /health endpoint")
	fmt.Fprintln(w, "  replay    re-dispatch audit records matching ACTEON_REPLAY_* env filters")
	fmt.Fprintln(w, "  verify    verify the audit hash chain for a namespace/tenant")
	fmt.Fprintln(w, "  help      show this message")
}

// app bundles every wired collaborator the daemon and its one-shot
// subcommands share, so runServer/runReplayCmd/runVerifyCmd don't each
// re-derive the wiring.
type app struct {
	cfg   *config.GatewayConfig
	store statestore.Store
	lock  statestore.Lock

	auditBackend audit.BackendStore
	auditPipe    *audit.Pipeline

	dispatcher *gateway.Dispatcher

	logger *slog.Logger
}

func buildApp(ctx context.Context) (*app, error) {
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	store, lock := buildStateStore(cfg)

	auditBackend, err := audit.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("acteon-gateway: open audit store: %w", err)
	}

	var encryptor *audit.Encryptor
	if cfg.Encryption.Enabled {
		encryptor, err = audit.LoadOrCreateEncryptor(cfg.Encryption)
		if err != nil {
			return nil, fmt.Errorf("acteon-gateway: load encryption keystore: %w", err)
		}
	}

	var chainer *audit.HashChainer
	if cfg.Compliance.HashChain {
		chainer, err = audit.NewHashChainer(store, lock)
		if err != nil {
			return nil, fmt.Errorf("acteon-gateway: init hash chainer: %w", err)
		}
	}

	redactor := audit.NewRedactor(cfg.Audit.RedactFields, cfg.Audit.RedactPlaceholder)
	auditPipe := audit.NewPipeline(cfg.Compliance, redactor, encryptor, chainer, auditBackend)

	rules, err := loadRules(cfg.Sources.RulesDir)
	if err != nil {
		logger.Warn("acteon-gateway: rules not loaded", "dir", cfg.Sources.RulesDir, "error", err)
	}
	engine, err := ruleengine.NewEngine(nil)
	if err != nil {
		return nil, fmt.Errorf("acteon-gateway: init rule engine: %w", err)
	}
	if err := engine.Reload(rules); err != nil {
		return nil, fmt.Errorf("acteon-gateway: load rules: %w", err)
	}

	chains, err := loadChains(cfg.Sources.ChainsDir)
	if err != nil {
		logger.Warn("acteon-gateway: chains not loaded", "dir", cfg.Sources.ChainsDir, "error", err)
		chains, _ = chain.NewRegistry(nil)
	}

	machines, err := loadStateMachines(cfg.Sources.StateMachinesDir)
	if err != nil {
		logger.Warn("acteon-gateway: state machines not loaded", "dir", cfg.Sources.StateMachinesDir, "error", err)
		machines, _ = eventgroup.NewRegistry(nil)
	}

	retryPolicy := executor.RetryPolicy{
		Kind:       executor.BackoffKind(capitalize(string(cfg.Execution.RetryBackoff))),
		Initial:    cfg.Execution.RetryInitialDelay,
		Increment:  cfg.Execution.RetryIncrement,
		Max:        cfg.Execution.RetryMaxDelay,
		MaxRetries: cfg.Execution.MaxRetries,
	}
	exec, err := executor.New(providerRegistry{logger: logger}, store, nil, nil, retryPolicy, cfg.Execution.MaxConcurrent, cfg.Execution.ExecutionTimeout)
	if err != nil {
		return nil, fmt.Errorf("acteon-gateway: init executor: %w", err)
	}

	metrics, err := gateway.NewMetrics(otel.GetMeterProvider().Meter("acteon-gateway"))
	if err != nil {
		return nil, fmt.Errorf("acteon-gateway: init metrics: %w", err)
	}

	groups := eventgroup.NewGroupManager(store)
	states := eventgroup.NewManager(store)
	approvals := approval.NewService(store, cfg.Approval.BaseURL, cfg.Approval.CurrentKid, cfg.Approval.SigningKeys)
	orchestrator := chain.New(chains, store, lock, exec, nil)
	scheduler := background.NewScheduler(store, func(ctx context.Context, action contracts.Action) (contracts.ActionOutcome, error) {
		return exec.Execute(ctx, &action), nil
	}, logger)

	dispatcher := &gateway.Dispatcher{
		Rules:           engine,
		Executor:        exec,
		Quota:           quota.NewChecker(store, logger),
		Policies:        quotaResolver(cfg.Quota),
		Groups:          groups,
		Machines:        machines,
		States:          states,
		Approvals:       approvals,
		Chains:          orchestrator,
		Scheduler:       scheduler,
		Audit:           auditPipe,
		Store:           store,
		Lock:            lock,
		Attachments:     cfg.Attachments,
		Compliance:      cfg.Compliance,
		DefaultTimezone: cfg.DefaultTimezone,
		LockTTL:         30 * time.Second,
		LockWaitMax:     5 * time.Second,
		Logger:          logger,
		Metrics:         metrics,
	}

	return &app{
		cfg:          cfg,
		store:        store,
		lock:         lock,
		auditBackend: auditBackend,
		auditPipe:    auditPipe,
		dispatcher:   dispatcher,
		logger:       logger,
	}, nil
}

func buildStateStore(cfg *config.GatewayConfig) (statestore.Store, statestore.Lock) {
	if cfg.RedisAddr == "" {
		mem := statestore.NewMemoryStore()
		return mem, statestore.NewMemoryLock(mem)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	return statestore.NewRedisStoreFromClient(client), statestore.NewRedisLock(client)
}

func loadRules(dir string) ([]contracts.Rule, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	return ruleengine.NewFileSource(dir).LoadAll()
}

func loadChains(dir string) (*chain.Registry, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	return chain.LoadDir(dir)
}

func loadStateMachines(dir string) (*eventgroup.Registry, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	return eventgroup.LoadDir(dir)
}

// quotaResolver builds the single global QuotaPolicyResolver driven by
// QuotaConfig; MaxActions <= 0 disables quota enforcement entirely, in
// which case the returned func is nil so the dispatcher skips stage 3.
func quotaResolver(cfg config.QuotaConfig) gateway.QuotaPolicyResolver {
	if cfg.MaxActions <= 0 {
		return nil
	}
	return func(ns contracts.Namespace, tenant contracts.TenantId) (contracts.QuotaPolicy, bool) {
		return contracts.QuotaPolicy{
			Namespace:     ns,
			Tenant:        tenant,
			MaxActions:    cfg.MaxActions,
			WindowSeconds: cfg.WindowSeconds,
			Behavior:      contracts.OverageBehavior(capitalize(cfg.Behavior)),
			NotifyTarget:  cfg.NotifyTarget,
		}, true
	}
}

// staticTenantLister parses "ns1:tenant1,ns2:tenant2" into the fixed
// set of scopes the background sweeps iterate each tick. A real
// multi-tenant deployment would drive this off a tenant directory
// service instead; the flat env list is this daemon's ambient
// configuration surface for it.
func staticTenantLister(csv string) background.TenantLister {
	var scopes []background.TenantScope
	for _, pair := range strings.Split(csv, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		scopes = append(scopes, background.TenantScope{Namespace: contracts.Namespace(parts[0]), Tenant: contracts.TenantId(parts[1])})
	}
	return func(ctx context.Context) ([]background.TenantScope, error) {
		return scopes, nil
	}
}

// providerRegistry is the daemon's built-in executor.Registry. Real
// provider integrations (email, Slack, PagerDuty, webhooks, ...) are
// out-of-core collaborators (spec §1); until one is wired in, every
// provider ID resolves to a provider that logs the action it would
// have sent instead of actually sending it, so the pipeline still
// exercises end to end.
type providerRegistry struct {
	logger *slog.Logger
}

func (r providerRegistry) Lookup(id contracts.ProviderId) (contracts.Provider, bool) {
	return logProvider{id: id, logger: r.logger}, true
}

type logProvider struct {
	id     contracts.ProviderId
	logger *slog.Logger
}

func (p logProvider) Name() contracts.ProviderId { return p.id }
func (p logProvider) SupportsAttachments() bool   { return true }
func (p logProvider) HealthCheck(ctx context.Context) error { return nil }
func (p logProvider) Execute(ctx context.Context, action *contracts.Action) (contracts.ProviderResponse, error) {
	p.logger.Info("provider: dispatched", "provider", p.id, "action_id", action.ID, "action_type", action.ActionType, "namespace", action.Namespace, "tenant", action.Tenant)
	return contracts.ProviderResponse{Status: contracts.ProviderStatusSuccess}, nil
}

// capitalize upper-cases the first rune of s, matching the
// executor.BackoffKind / contracts.OverageBehavior enum spelling from
// a lowercase env var value.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

//nolint:gocyclo
func runServer() {
	fmt.Fprintln(os.Stdout, "acteon-gateway starting...")
	ctx := context.Background()

	a, err := buildApp(ctx)
	if err != nil {
		log.Fatalf("[acteon-gateway] init failed: %v", err)
	}
	defer func() {
		if closer, ok := a.auditBackend.(*audit.SQLiteStore); ok {
			_ = closer.Close()
		}
	}()

	tenants := staticTenantLister(a.cfg.Tenants)
	bg := a.cfg.Background

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if bg.EnableScheduledActions {
		go a.dispatcher.Scheduler.Run(runCtx, bg.ScheduledCheckInterval)
	}
	if bg.EnableRecurringActions {
		processor := background.NewRecurringProcessor(a.store, func(ctx context.Context, action contracts.Action) (contracts.ActionOutcome, error) {
			return a.dispatcher.Dispatch(ctx, action, gateway.Options{})
		}, a.logger)
		go processor.Run(runCtx, bg.RecurringCheckInterval)
	}
	if bg.EnableGroupFlush {
		flusher := background.NewGroupFlusher(a.dispatcher.Groups, tenants, func(ctx context.Context, scope background.TenantScope, group contracts.PendingGroupState) error {
			a.logger.Info("background: group flushed", "namespace", scope.Namespace, "tenant", scope.Tenant, "group_key", group.GroupKey, "events", len(group.Events))
			return nil
		}, a.logger)
		go flusher.Run(runCtx, bg.GroupFlushInterval)
	}
	if bg.EnableTimeoutChecker {
		checker := background.NewTimeoutChecker(a.dispatcher.States, a.dispatcher.Machines, tenants, a.logger)
		go checker.Run(runCtx, bg.TimeoutCheckInterval)
	}
	if bg.EnableApprovalReaper {
		reaper := background.NewApprovalReaper(a.dispatcher.Approvals, tenants, a.logger)
		go reaper.Run(runCtx, bg.ApprovalReaperInterval)
	}
	if bg.EnableRetentionReaper && a.cfg.Audit.TTLSeconds > 0 {
		reaper := background.NewRetentionReaper(a.auditPipe, tenants, time.Duration(a.cfg.Audit.TTLSeconds)*time.Second, a.logger)
		go reaper.Run(runCtx, bg.RetentionCheckInterval)
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	go func() {
		log.Printf("[acteon-gateway] health server: :8081")
		//nolint:gosec // intentionally listening on all interfaces
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			log.Printf("[acteon-gateway] health server error: %v", err)
		}
	}()

	log.Println("[acteon-gateway] ready")
	log.Println("[acteon-gateway] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[acteon-gateway] shutting down")
}

func runHealthCmd(stdout, stderr io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func runVerifyCmd(stdout, stderr io.Writer) int {
	ctx := context.Background()
	a, err := buildApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "acteon-gateway: init failed: %v\n", err)
		return 1
	}

	ns := contracts.Namespace(os.Getenv("ACTEON_VERIFY_NAMESPACE"))
	tenant := contracts.TenantId(os.Getenv("ACTEON_VERIFY_TENANT"))
	page, err := a.auditBackend.Query(ctx, contracts.AuditFilter{Namespace: ns, Tenant: tenant, Limit: 100000})
	if err != nil {
		fmt.Fprintf(stderr, "acteon-gateway: query audit records: %v\n", err)
		return 1
	}

	result := audit.VerifyChain(page.Records)
	if !result.Valid {
		fmt.Fprintf(stdout, "chain INVALID: checked=%d first_broken_at=%d\n", result.RecordsChecked, result.FirstBrokenAt)
		return 1
	}
	fmt.Fprintf(stdout, "chain valid: %d records checked\n", result.RecordsChecked)
	return 0
}

func runReplayCmd(stdout, stderr io.Writer) int {
	ctx := context.Background()
	a, err := buildApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "acteon-gateway: init failed: %v\n", err)
		return 1
	}

	query := contracts.ReplayQuery{
		Filter: contracts.AuditFilter{
			Namespace: contracts.Namespace(os.Getenv("ACTEON_REPLAY_NAMESPACE")),
			Tenant:    contracts.TenantId(os.Getenv("ACTEON_REPLAY_TENANT")),
			Limit:     1000,
		},
		DryRun: os.Getenv("ACTEON_REPLAY_DRY_RUN") == "true",
	}

	summary, err := audit.Replay(ctx, a.auditBackend, query, func(ctx context.Context, action contracts.Action) (contracts.ActionOutcome, error) {
		return a.dispatcher.Dispatch(ctx, action, gateway.Options{DryRun: query.DryRun})
	})
	if err != nil {
		fmt.Fprintf(stderr, "acteon-gateway: replay failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "replay complete: matched=%d replayed=%d failed=%d\n", summary.TotalMatched, summary.Replayed, summary.Failed)
	return 0
}
