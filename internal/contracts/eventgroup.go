package contracts

import "time"

// EventStateKind is the lifecycle state of one state-machine event.
type EventStateKind string

const (
	EventPending  EventStateKind = "Pending"
	EventNotified EventStateKind = "Notified"
	EventResolved EventStateKind = "Resolved"
)

// EventState is the persisted record for one state-machine event
// instance (key evt:{ns}:{tenant}:{fingerprint}).
type EventState struct {
	Fingerprint string            `json:"fingerprint"`
	EventType   string            `json:"event_type,omitempty"`
	State       string            `json:"state"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// EventTimeout is the persisted due-timeout record (key
// evt_to:{ns}:{tenant}:{fingerprint}).
type EventTimeout struct {
	Fingerprint  string    `json:"fingerprint"`
	Machine      string    `json:"machine"`
	DueAt        time.Time `json:"due_at"`
	TransitionTo string    `json:"transition_to"`
}

// StateMachineDef configures one named state machine.
type StateMachineDef struct {
	Name             string                 `yaml:"name" json:"name"`
	InitialState     string                 `yaml:"initial_state" json:"initial_state"`
	States           []string               `yaml:"states" json:"states"`
	Transitions      []StateTransition      `yaml:"transitions" json:"transitions"`
	Timeouts         []StateTimeout         `yaml:"timeouts" json:"timeouts"`
	FingerprintFields []string              `yaml:"fingerprint_fields" json:"fingerprint_fields"`
}

// StateTransition declares one allowed (from, to) edge.
type StateTransition struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// StateTimeout arms a timer on entering State, transitioning to To after
// AfterSeconds if no other transition has occurred.
type StateTimeout struct {
	State        string `yaml:"state" json:"state"`
	AfterSeconds int    `yaml:"after_seconds" json:"after_seconds"`
	To           string `yaml:"to" json:"to"`
}

// Allowed reports whether (from, to) is a declared transition edge.
func (d *StateMachineDef) Allowed(from, to string) bool {
	for _, t := range d.Transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// PendingGroupState is the persisted record for one event group (key
// grp:{ns}:{tenant}:{group_key}).
type PendingGroupState struct {
	GroupKey string       `json:"group_key"`
	Events   []Action     `json:"events"`
	NotifyAt time.Time    `json:"notify_at"`
	State    EventStateKind `json:"state"`
	LastFlushedAt *time.Time `json:"last_flushed_at,omitempty"`
}

// GroupSummary is the terse listing projection of a pending group.
type GroupSummary struct {
	GroupKey string    `json:"group_key"`
	Size     int       `json:"size"`
	State    string    `json:"state"`
	NotifyAt time.Time `json:"notify_at"`
}

// GroupDetail is the full projection returned on group inspection.
type GroupDetail struct {
	GroupSummary
	Events []Action `json:"events"`
}

// TransitionResponse confirms a state-machine transition to a caller.
type TransitionResponse struct {
	Fingerprint string `json:"fingerprint"`
	From        string `json:"from"`
	To          string `json:"to"`
	Notify      bool   `json:"notify"`
}
