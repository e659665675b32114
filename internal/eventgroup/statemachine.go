package eventgroup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

// ErrInvalidTransition is returned when the requested (from, to) pair is
// not a declared edge in the state machine's config.
var ErrInvalidTransition = errors.New("eventgroup: transition not allowed by config")

// defFile is the on-disk YAML shape, mirroring internal/chain's
// defFile/LoadDir convention (itself grounded on ruleengine.FileSource).
type defFile struct {
	StateMachines []contracts.StateMachineDef `yaml:"state_machines"`
}

// Registry holds validated state-machine definitions keyed by name.
type Registry struct {
	defs map[string]contracts.StateMachineDef
}

func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("eventgroup: read dir %s: %w", dir, err)
	}
	defs := make(map[string]contracts.StateMachineDef)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("eventgroup: read %s: %w", path, err)
		}
		var f defFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("eventgroup: parse %s: %w", path, err)
		}
		for _, def := range f.StateMachines {
			defs[def.Name] = def
		}
	}
	return NewRegistry(defs)
}

func NewRegistry(defs map[string]contracts.StateMachineDef) (*Registry, error) {
	for name, def := range defs {
		states := make(map[string]bool, len(def.States))
		for _, s := range def.States {
			states[s] = true
		}
		if !states[def.InitialState] {
			return nil, fmt.Errorf("eventgroup: state machine %q: initial_state %q not in states", name, def.InitialState)
		}
		for _, t := range def.Transitions {
			if !states[t.From] || !states[t.To] {
				return nil, fmt.Errorf("eventgroup: state machine %q: transition %s->%s references undeclared state", name, t.From, t.To)
			}
		}
		for _, to := range def.Timeouts {
			if !states[to.State] || !states[to.To] {
				return nil, fmt.Errorf("eventgroup: state machine %q: timeout on %q -> %q references undeclared state", name, to.State, to.To)
			}
		}
	}
	return &Registry{defs: defs}, nil
}

func (r *Registry) Get(name string) (contracts.StateMachineDef, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Manager drives fingerprinted state transitions and their supporting
// index/timeout records, all persisted in the shared StateStore (spec
// §4.6). The fingerprint index is updated with a read-modify-CAS-write
// loop; event state and timeout records are written with a plain Set.
type Manager struct {
	store statestore.Store
}

func NewManager(store statestore.Store) *Manager {
	return &Manager{store: store}
}

func eventStateKey(ns contracts.Namespace, tenant contracts.TenantId, fingerprint string) string {
	return fmt.Sprintf("evt:%s:%s:%s", ns, tenant, fingerprint)
}

func eventTimeoutKey(ns contracts.Namespace, tenant contracts.TenantId, fingerprint string) string {
	return fmt.Sprintf("evt_to:%s:%s:%s", ns, tenant, fingerprint)
}

// activeEventsKey indexes by label value (e.g. the alertname "cpu_high"),
// not the label's key, since inhibition predicates match on a value.
func activeEventsKey(ns contracts.Namespace, tenant contracts.TenantId, eventType, label string) string {
	return fmt.Sprintf("evt_active:%s:%s:%s:%s", ns, tenant, eventType, label)
}

// Transition computes the action's fingerprint under def, validates and
// applies the (from, to) edge implied by action.Status, and arms/resets
// the per-state timeout. An empty action.Status means no transition was
// requested; the current persisted state is returned unchanged.
func (m *Manager) Transition(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, def contracts.StateMachineDef, action contracts.Action) (contracts.ActionOutcome, error) {
	fingerprint := computeFingerprint(def.FingerprintFields, &action)
	if action.Status == "" {
		current, err := m.load(ctx, ns, tenant, fingerprint, def.InitialState)
		if err != nil {
			return contracts.ActionOutcome{}, err
		}
		return contracts.StateChanged(fingerprint, current.State, current.State, false), nil
	}
	return m.apply(ctx, ns, tenant, fingerprint, action.Status, def, action.ActionType, action.Metadata.Labels)
}

// ExpireTimeout applies a background-timeout-driven transition to
// to, using the event type/labels already on record for fingerprint
// since no new Action accompanies a timeout firing.
func (m *Manager) ExpireTimeout(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, def contracts.StateMachineDef, fingerprint, to string) (contracts.ActionOutcome, error) {
	current, err := m.load(ctx, ns, tenant, fingerprint, def.InitialState)
	if err != nil {
		return contracts.ActionOutcome{}, err
	}
	return m.apply(ctx, ns, tenant, fingerprint, to, def, current.EventType, current.Labels)
}

func (m *Manager) apply(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, fingerprint, to string, def contracts.StateMachineDef, eventType string, labels map[string]string) (contracts.ActionOutcome, error) {
	current, err := m.load(ctx, ns, tenant, fingerprint, def.InitialState)
	if err != nil {
		return contracts.ActionOutcome{}, err
	}
	from := current.State
	if to == from {
		return contracts.StateChanged(fingerprint, from, to, false), nil
	}
	if !def.Allowed(from, to) {
		return contracts.ActionOutcome{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	next := contracts.EventState{
		Fingerprint: fingerprint,
		EventType:   eventType,
		State:       to,
		UpdatedAt:   time.Now(),
		Labels:      labels,
	}
	if err := m.persist(ctx, ns, tenant, next); err != nil {
		return contracts.ActionOutcome{}, err
	}

	for _, value := range labels {
		if err := m.addToIndex(ctx, activeEventsKey(ns, tenant, eventType, value), fingerprint); err != nil {
			return contracts.ActionOutcome{}, err
		}
	}

	if err := m.armTimeout(ctx, ns, tenant, fingerprint, to, def); err != nil {
		return contracts.ActionOutcome{}, err
	}

	return contracts.StateChanged(fingerprint, from, to, true), nil
}

func (m *Manager) load(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, fingerprint, initialState string) (contracts.EventState, error) {
	raw, err := m.store.Get(ctx, eventStateKey(ns, tenant, fingerprint))
	if err == statestore.ErrNotFound {
		return contracts.EventState{Fingerprint: fingerprint, State: initialState}, nil
	}
	if err != nil {
		return contracts.EventState{}, err
	}
	var s contracts.EventState
	if err := json.Unmarshal(raw, &s); err != nil {
		return contracts.EventState{}, fmt.Errorf("eventgroup: decode event state: %w", err)
	}
	return s, nil
}

func (m *Manager) persist(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, s contracts.EventState) error {
	value, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("eventgroup: encode event state: %w", err)
	}
	return m.store.Set(ctx, eventStateKey(ns, tenant, s.Fingerprint), value, 0)
}

// armTimeout writes (or clears, if to has no configured timeout) the
// EventTimeout record for fingerprint, so entering a state always
// resets any timeout armed by a prior state.
func (m *Manager) armTimeout(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, fingerprint, to string, def contracts.StateMachineDef) error {
	key := eventTimeoutKey(ns, tenant, fingerprint)
	for _, timeout := range def.Timeouts {
		if timeout.State != to {
			continue
		}
		rec := contracts.EventTimeout{
			Fingerprint:  fingerprint,
			Machine:      def.Name,
			DueAt:        time.Now().Add(time.Duration(timeout.AfterSeconds) * time.Second),
			TransitionTo: timeout.To,
		}
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("eventgroup: encode event timeout: %w", err)
		}
		return m.store.Set(ctx, key, value, 0)
	}
	_ = m.store.Delete(ctx, key)
	return nil
}

// DueTimeouts lists EventTimeout records under (ns, tenant) whose due_at
// has elapsed, for the background timeout-checker to drain.
func (m *Manager) DueTimeouts(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId) ([]contracts.EventTimeout, error) {
	prefix := fmt.Sprintf("evt_to:%s:%s:", ns, tenant)
	keys, err := m.store.ScanByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var due []contracts.EventTimeout
	for _, k := range keys {
		raw, err := m.store.Get(ctx, k)
		if err == statestore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var t contracts.EventTimeout
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("eventgroup: decode event timeout at %s: %w", k, err)
		}
		if !t.DueAt.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

// GetEventState returns the persisted EventState for fingerprint, if
// any has been recorded, for the rule engine's state.get_state bridge.
func (m *Manager) GetEventState(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, fingerprint string) (contracts.EventState, bool, error) {
	raw, err := m.store.Get(ctx, eventStateKey(ns, tenant, fingerprint))
	if err == statestore.ErrNotFound {
		return contracts.EventState{}, false, nil
	}
	if err != nil {
		return contracts.EventState{}, false, err
	}
	var s contracts.EventState
	if err := json.Unmarshal(raw, &s); err != nil {
		return contracts.EventState{}, false, fmt.Errorf("eventgroup: decode event state: %w", err)
	}
	return s, true, nil
}

// ActiveFingerprints answers the O(1) inhibition predicate: which
// fingerprints are currently indexed under (event_type, label).
func (m *Manager) ActiveFingerprints(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, eventType, label string) ([]string, error) {
	raw, err := m.store.Get(ctx, activeEventsKey(ns, tenant, eventType, label))
	if err == statestore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var set []string
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("eventgroup: decode active events index: %w", err)
	}
	return set, nil
}

// addToIndex performs a read-modify-CAS-write set-insert so concurrent
// transitions under the same (event_type, label) never drop an entry.
func (m *Manager) addToIndex(ctx context.Context, key, fingerprint string) error {
	for attempt := 0; attempt < 8; attempt++ {
		raw, err := m.store.Get(ctx, key)
		var expected []byte
		var set []string
		switch {
		case err == statestore.ErrNotFound:
			expected = nil
		case err != nil:
			return err
		default:
			expected = raw
			if err := json.Unmarshal(raw, &set); err != nil {
				return fmt.Errorf("eventgroup: decode active events index: %w", err)
			}
		}

		found := false
		for _, f := range set {
			if f == fingerprint {
				found = true
				break
			}
		}
		if found {
			return nil
		}
		set = append(set, fingerprint)

		newValue, err := json.Marshal(set)
		if err != nil {
			return fmt.Errorf("eventgroup: encode active events index: %w", err)
		}
		ok, err := m.store.CompareAndSwap(ctx, key, expected, newValue, 0)
		if err != nil {
			return fmt.Errorf("eventgroup: cas active events index: %w", err)
		}
		if ok {
			return nil
		}
	}
	return nil
}
