package contracts

import "time"

// ChainStatus is the lifecycle state of one chain instance.
type ChainStatus string

const (
	ChainRunning         ChainStatus = "running"
	ChainWaitingSubChain ChainStatus = "waiting_sub_chain"
	ChainCompleted       ChainStatus = "completed"
	ChainFailed          ChainStatus = "failed"
	ChainCancelled       ChainStatus = "cancelled"
)

// StepKind identifies which of the three step shapes a ChainStep is.
type StepKind string

const (
	StepProvider StepKind = "provider"
	StepSubChain StepKind = "sub_chain"
	StepParallel StepKind = "parallel"
)

// FailurePolicy governs what a step does when it fails.
type FailurePolicy string

const (
	FailureAbort FailurePolicy = "abort"
	FailureSkip  FailurePolicy = "skip"
	FailureDLQ   FailurePolicy = "dlq"
)

// JoinMode governs how a parallel step's sub-steps are combined.
type JoinMode string

const (
	JoinAll JoinMode = "all"
	JoinAny JoinMode = "any"
)

// ParallelOnFailure governs whether one sub-step's failure aborts the
// group.
type ParallelOnFailure string

const (
	ParallelFailFast   ParallelOnFailure = "fail_fast"
	ParallelBestEffort ParallelOnFailure = "best_effort"
)

// Branch evaluates a condition against a step's result to pick the next
// step.
type Branch struct {
	Condition Condition `yaml:"condition" json:"condition"`
	Target    string    `yaml:"target" json:"target"`
}

// ParallelSpec configures a StepParallel step.
type ParallelSpec struct {
	Steps          []string          `yaml:"steps" json:"steps"`
	Join           JoinMode          `yaml:"join" json:"join"`
	OnFailure      ParallelOnFailure `yaml:"on_failure" json:"on_failure"`
	Timeout        time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxConcurrency int               `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// ChainStep is one node of a chain definition. Exactly one of
// Provider/SubChain/Parallel is set, enforced at load time.
type ChainStep struct {
	Name string   `yaml:"name" json:"name"`
	Kind StepKind `yaml:"-" json:"-"`

	Provider        ProviderId    `yaml:"provider,omitempty" json:"provider,omitempty"`
	ActionType      string        `yaml:"action_type,omitempty" json:"action_type,omitempty"`
	PayloadTemplate string        `yaml:"payload_template,omitempty" json:"payload_template,omitempty"`
	Delay           time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`

	SubChain string `yaml:"sub_chain,omitempty" json:"sub_chain,omitempty"`

	Parallel *ParallelSpec `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	OnFailure   FailurePolicy `yaml:"on_failure" json:"on_failure"`
	Branches    []Branch      `yaml:"branches,omitempty" json:"branches,omitempty"`
	DefaultNext string        `yaml:"default_next,omitempty" json:"default_next,omitempty"`
}

// ChainDef is a named, ordered list of steps.
type ChainDef struct {
	Name    string        `yaml:"name" json:"name"`
	Steps   []ChainStep   `yaml:"steps" json:"steps"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// StepResult is the persisted completion record for one step (or
// sub-step within a parallel group).
type StepResult struct {
	StepName    string    `json:"step_name"`
	Success     bool      `json:"success"`
	Body        any       `json:"body,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// ChainState is the persisted state of one chain instance (state-store
// kind ChainState, key chn:{chain_id}).
type ChainState struct {
	ChainID     string                  `json:"chain_id"`
	ConfigName  string                  `json:"config_name"`
	Cursor      int                     `json:"cursor"`
	StepResults map[string]StepResult   `json:"step_results"`
	Origin      Action                  `json:"origin"`
	Status      ChainStatus             `json:"status"`
	ExpiresAt   time.Time               `json:"expires_at"`
	Parallel    map[string][]StepResult `json:"parallel,omitempty"`
	ParentChain string                  `json:"parent_chain,omitempty"`
	Cancelled   bool                    `json:"cancelled,omitempty"`
}
