// Package config loads the gateway's dispatch-core configuration surface
// from environment variables, each with a sensible default.
package config

import (
	"os"
	"strconv"
	"time"
)

// ComplianceMode selects a preset bundle of audit hardening defaults.
type ComplianceMode string

const (
	ComplianceNone  ComplianceMode = "none"
	ComplianceSOC2  ComplianceMode = "soc2"
	ComplianceHIPAA ComplianceMode = "hipaa"
)

// RetryBackoffKind selects the executor's retry timing strategy.
type RetryBackoffKind string

const (
	BackoffExponential RetryBackoffKind = "exponential"
	BackoffLinear      RetryBackoffKind = "linear"
	BackoffConstant    RetryBackoffKind = "constant"
)

// ExecutionConfig configures the executor (§4.3, §6).
type ExecutionConfig struct {
	MaxConcurrent     int
	ExecutionTimeout  time.Duration
	MaxRetries        int
	RetryBackoff      RetryBackoffKind
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryIncrement    time.Duration
}

// AuditConfig configures the audit pipeline (§4.8, §6).
type AuditConfig struct {
	StorePayload          bool
	TTLSeconds            int
	CleanupIntervalSecs   int
	RedactFields          []string
	RedactPlaceholder     string
}

// ComplianceConfig configures audit hardening (§6).
type ComplianceConfig struct {
	Mode              ComplianceMode
	SyncAuditWrites   bool
	HashChain         bool
	ImmutableAudit    bool
}

// ApplyModeDefaults turns on the SyncAuditWrites/HashChain/ImmutableAudit
// flags that Mode's preset enables; it never turns a flag off. Load
// calls it before reading the individual COMPLIANCE_* variables, so an
// explicitly set variable wins over the preset.
func (c *ComplianceConfig) ApplyModeDefaults() {
	switch c.Mode {
	case ComplianceSOC2:
		c.HashChain = true
	case ComplianceHIPAA:
		c.SyncAuditWrites = true
		c.HashChain = true
		c.ImmutableAudit = true
	}
}

// EncryptionConfig configures audit-payload envelope encryption (§4.8).
type EncryptionConfig struct {
	Enabled   bool
	KeystorePath string
}

// CircuitBreakerConfig configures the default breaker thresholds (§4.3).
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// BackgroundConfig configures the background processors (§4, §6).
type BackgroundConfig struct {
	EnableScheduledActions  bool
	ScheduledCheckInterval  time.Duration
	EnableRecurringActions  bool
	RecurringCheckInterval  time.Duration
	EnableRetentionReaper   bool
	RetentionCheckInterval  time.Duration
	EnableGroupFlush        bool
	GroupFlushInterval      time.Duration
	EnableTimeoutChecker    bool
	TimeoutCheckInterval    time.Duration
	EnableApprovalReaper    bool
	ApprovalReaperInterval  time.Duration
}

// ApprovalConfig configures signed approve/reject URL issuance (§4.7).
// SigningKeys maps kid -> secret; CurrentKid selects which key signs new
// URLs while all configured keys remain valid for verification, so a
// rotation never invalidates outstanding links.
type ApprovalConfig struct {
	BaseURL      string
	CurrentKid   string
	SigningKeys  map[string]string
	DefaultTTL   time.Duration
}

// AttachmentsConfig bounds attachment validation at stage 1 (§4.2, §6).
type AttachmentsConfig struct {
	MaxAttachments int
	MaxInlineBytes int
}

// QuotaConfig configures the single global quota policy applied to
// every (namespace, tenant) pair when MaxActions > 0; zero disables
// quota enforcement entirely.
type QuotaConfig struct {
	MaxActions    int
	WindowSeconds int
	Behavior      string
	NotifyTarget  string
}

// SourcesConfig points at the on-disk directories rules, chains, and
// state machines are loaded from and watched for changes.
type SourcesConfig struct {
	RulesDir         string
	ChainsDir        string
	StateMachinesDir string
}

// GatewayConfig enumerates every subsystem with sensible defaults;
// subsystems left at their zero value become no-ops.
type GatewayConfig struct {
	Execution       ExecutionConfig
	Audit           AuditConfig
	Compliance      ComplianceConfig
	Encryption      EncryptionConfig
	CircuitBreaker  CircuitBreakerConfig
	Background      BackgroundConfig
	Approval        ApprovalConfig
	Attachments     AttachmentsConfig
	Quota           QuotaConfig
	Sources         SourcesConfig
	DefaultTimezone string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string

	Tenants string

	LogLevel string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load builds a GatewayConfig from environment variables with defaults.
func Load() *GatewayConfig {
	cfg := &GatewayConfig{
		Execution: ExecutionConfig{
			MaxConcurrent:     getenvInt("EXECUTION_MAX_CONCURRENT", 32),
			ExecutionTimeout:  getenvDuration("EXECUTION_TIMEOUT", 10*time.Second),
			MaxRetries:        getenvInt("EXECUTION_MAX_RETRIES", 3),
			RetryBackoff:      RetryBackoffKind(getenv("EXECUTION_RETRY_BACKOFF", string(BackoffExponential))),
			RetryInitialDelay: getenvDuration("EXECUTION_RETRY_INITIAL_DELAY", 200*time.Millisecond),
			RetryMaxDelay:     getenvDuration("EXECUTION_RETRY_MAX_DELAY", 30*time.Second),
			RetryIncrement:    getenvDuration("EXECUTION_RETRY_INCREMENT", 500*time.Millisecond),
		},
		Audit: AuditConfig{
			StorePayload:        getenvBool("AUDIT_STORE_PAYLOAD", true),
			TTLSeconds:          getenvInt("AUDIT_TTL_SECONDS", 0),
			CleanupIntervalSecs: getenvInt("AUDIT_CLEANUP_INTERVAL_SECONDS", 3600),
			RedactPlaceholder:   getenv("AUDIT_REDACT_PLACEHOLDER", "***REDACTED***"),
		},
		Compliance: ComplianceConfig{
			Mode:            ComplianceMode(getenv("COMPLIANCE_MODE", string(ComplianceNone))),
			SyncAuditWrites: getenvBool("COMPLIANCE_SYNC_AUDIT_WRITES", false),
			HashChain:       getenvBool("COMPLIANCE_HASH_CHAIN", false),
			ImmutableAudit:  getenvBool("COMPLIANCE_IMMUTABLE_AUDIT", false),
		},
		Encryption: EncryptionConfig{
			Enabled:      getenvBool("ENCRYPTION_ENABLED", false),
			KeystorePath: getenv("ENCRYPTION_KEYSTORE_PATH", "./keystore.json"),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          getenvBool("CIRCUIT_BREAKER_ENABLED", true),
			FailureThreshold: getenvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getenvInt("CIRCUIT_BREAKER_SUCCESS_THRESHOLD", 2),
			RecoveryTimeout:  getenvDuration("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		},
		Background: BackgroundConfig{
			EnableScheduledActions: getenvBool("BACKGROUND_ENABLE_SCHEDULED_ACTIONS", true),
			ScheduledCheckInterval: getenvDuration("BACKGROUND_SCHEDULED_CHECK_INTERVAL", 5*time.Second),
			EnableRecurringActions: getenvBool("BACKGROUND_ENABLE_RECURRING_ACTIONS", true),
			RecurringCheckInterval: getenvDuration("BACKGROUND_RECURRING_CHECK_INTERVAL", 30*time.Second),
			EnableRetentionReaper:  getenvBool("BACKGROUND_ENABLE_RETENTION_REAPER", true),
			RetentionCheckInterval: getenvDuration("BACKGROUND_RETENTION_CHECK_INTERVAL_SECONDS", time.Hour),
			EnableGroupFlush:       getenvBool("BACKGROUND_ENABLE_GROUP_FLUSH", true),
			GroupFlushInterval:     getenvDuration("BACKGROUND_GROUP_FLUSH_INTERVAL", 5*time.Second),
			EnableTimeoutChecker:   getenvBool("BACKGROUND_ENABLE_TIMEOUT_CHECKER", true),
			TimeoutCheckInterval:   getenvDuration("BACKGROUND_TIMEOUT_CHECK_INTERVAL", 5*time.Second),
			EnableApprovalReaper:   getenvBool("BACKGROUND_ENABLE_APPROVAL_REAPER", true),
			ApprovalReaperInterval: getenvDuration("BACKGROUND_APPROVAL_REAPER_INTERVAL", 30*time.Second),
		},
		Approval: ApprovalConfig{
			BaseURL:     getenv("APPROVAL_BASE_URL", "http://localhost:8080"),
			CurrentKid:  getenv("APPROVAL_CURRENT_KID", "default"),
			DefaultTTL:  getenvDuration("APPROVAL_DEFAULT_TTL", 24*time.Hour),
		},
		Attachments: AttachmentsConfig{
			MaxAttachments: getenvInt("ATTACHMENTS_MAX_ATTACHMENTS", 10),
			MaxInlineBytes: getenvInt("ATTACHMENTS_MAX_INLINE_BYTES", 10*1024*1024),
		},
		Quota: QuotaConfig{
			MaxActions:    getenvInt("QUOTA_MAX_ACTIONS", 0),
			WindowSeconds: getenvInt("QUOTA_WINDOW_SECONDS", 3600),
			Behavior:      getenv("QUOTA_BEHAVIOR", "block"),
			NotifyTarget:  getenv("QUOTA_NOTIFY_TARGET", ""),
		},
		Sources: SourcesConfig{
			RulesDir:         getenv("RULES_DIR", "./config/rules"),
			ChainsDir:        getenv("CHAINS_DIR", "./config/chains"),
			StateMachinesDir: getenv("STATE_MACHINES_DIR", "./config/statemachines"),
		},
		DefaultTimezone: getenv("RULES_DEFAULT_TIMEZONE", "UTC"),
		RedisAddr:       getenv("REDIS_ADDR", ""),
		RedisPassword:   getenv("REDIS_PASSWORD", ""),
		RedisDB:         getenvInt("REDIS_DB", 0),
		SQLitePath:      getenv("SQLITE_PATH", "./acteon-audit.db"),
		Tenants:         getenv("ACTEON_TENANTS", "default:default"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
	}
	cfg.Compliance.ApplyModeDefaults()
	cfg.Compliance.SyncAuditWrites = getenvBool("COMPLIANCE_SYNC_AUDIT_WRITES", cfg.Compliance.SyncAuditWrites)
	cfg.Compliance.HashChain = getenvBool("COMPLIANCE_HASH_CHAIN", cfg.Compliance.HashChain)
	cfg.Compliance.ImmutableAudit = getenvBool("COMPLIANCE_IMMUTABLE_AUDIT", cfg.Compliance.ImmutableAudit)
	if v := os.Getenv("AUDIT_REDACT_FIELDS"); v != "" {
		cfg.Audit.RedactFields = splitCSV(v)
	} else {
		cfg.Audit.RedactFields = []string{"password", "ssn", "credit_card", "api_key", "secret"}
	}
	if v := os.Getenv("APPROVAL_SIGNING_KEYS"); v != "" {
		cfg.Approval.SigningKeys = splitKV(v)
	} else {
		cfg.Approval.SigningKeys = map[string]string{"default": getenv("APPROVAL_SIGNING_KEY", "dev-insecure-signing-key")}
	}
	return cfg
}

// splitKV parses a "kid1=secret1,kid2=secret2" list, the env-var shape
// for the approval signer's rotating key set.
func splitKV(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitCSV(s) {
		idx := -1
		for i, r := range pair {
			if r == '=' {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		out[pair[:idx]] = pair[idx+1:]
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
