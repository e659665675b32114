package contracts

// RuleSource distinguishes how a rule's condition/action were authored.
type RuleSource string

const (
	RuleSourceYAML       RuleSource = "YAML"
	RuleSourceCEL        RuleSource = "CEL"
	RuleSourceWasmPlugin RuleSource = "WasmPlugin"
)

// Condition is a boolean expression tree node. Exactly one of the
// operator groups below is populated, matching the rule engine's
// evaluate() dispatch on node shape.
type Condition struct {
	// Leaf comparison: Op(Path, Value)
	Op    string `yaml:"op,omitempty" json:"op,omitempty"`
	Path  string `yaml:"path,omitempty" json:"path,omitempty"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`

	// Logical combinators
	All []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty" json:"any,omitempty"`
	Not *Condition  `yaml:"not,omitempty" json:"not,omitempty"`

	// CEL expression source, evaluated via the cel-go bridge.
	CEL string `yaml:"cel,omitempty" json:"cel,omitempty"`

	// call/semantic_match/wasm bridges
	Call         *CallPredicate  `yaml:"call,omitempty" json:"call,omitempty"`
	SemanticMatch *SemanticMatch `yaml:"semantic_match,omitempty" json:"semantic_match,omitempty"`
	Wasm         *WasmCall       `yaml:"wasm,omitempty" json:"wasm,omitempty"`
}

// CallPredicate invokes one of the engine's built-in state predicates:
// has_active_event, get_event_state, event_in_state.
type CallPredicate struct {
	Fn   string   `yaml:"fn" json:"fn"`
	Args []string `yaml:"args" json:"args"`
}

// SemanticMatch invokes the embedding-similarity bridge (collaborator,
// out of core scope; the bridge interface itself is in scope).
type SemanticMatch struct {
	Topic     string  `yaml:"topic" json:"topic"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	TextField string  `yaml:"text_field" json:"text_field"`
}

// WasmCall invokes a loaded WASM plugin function as a predicate.
type WasmCall struct {
	Plugin string `yaml:"plugin" json:"plugin"`
	Fn     string `yaml:"fn" json:"fn"`
}

// Rule is one priority-ordered entry in the rule engine's rule set.
type Rule struct {
	Name        string     `yaml:"name" json:"name"`
	Priority    int32      `yaml:"priority" json:"priority"`
	Enabled     bool       `yaml:"enabled" json:"enabled"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Source      RuleSource `yaml:"source" json:"source"`
	Condition   Condition  `yaml:"condition" json:"condition"`
	Action      Verdict    `yaml:"action" json:"action"`
	Timezone    string     `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// RuleResultKind is the per-rule evaluation outcome recorded in a trace.
type RuleResultKind string

const (
	RuleMatched    RuleResultKind = "matched"
	RuleNotMatched RuleResultKind = "not_matched"
	RuleSkipped    RuleResultKind = "skipped"
	RuleError      RuleResultKind = "error"
)

// RuleEvalResult is one rule's entry in a RuleTrace.
type RuleEvalResult struct {
	Name       string         `json:"name"`
	Priority   int32          `json:"priority"`
	Result     RuleResultKind `json:"result"`
	DurationUs int64          `json:"duration_us"`
	Reason     string         `json:"reason,omitempty"`
}

// RuleTrace is the rule engine's full evaluate() output.
type RuleTrace struct {
	Verdict     Verdict          `json:"verdict"`
	MatchedRule string           `json:"matched_rule,omitempty"`
	Rules       []RuleEvalResult `json:"rules"`
}
