// Package eventgroup implements event-group batching and a declarative
// state-machine layer: grouping related actions into a single deferred
// notification, and tracking per-fingerprint lifecycle transitions
// driven by declared config.
package eventgroup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/acteon-io/gateway/internal/contracts"
)

// computeFingerprint hashes the values resolved from fields against
// action, joined with a unit separator so "a","bc" and "ab","c" never
// collide. Unresolved fields contribute an empty string, matching the
// reference client's null-coalescing behavior for sparse payloads.
func computeFingerprint(fields []string, action *contracts.Action) string {
	h := sha256.New()
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		v, ok := resolveField(f, action)
		if !ok {
			continue
		}
		h.Write([]byte(toScalarString(v)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// resolveField looks up a dotted path against the action: bare fields
// (namespace, tenant, provider, action_type, status) address top-level
// identity, "payload.<dotpath>" and "metadata.labels.<key>" descend into
// the corresponding nested value. Declared fields here are never
// prefixed with "action." — unlike rule conditions, group/state-machine
// config names fields directly against the triggering action.
func resolveField(path string, action *contracts.Action) (any, bool) {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "namespace":
		return string(action.Namespace), true
	case "tenant":
		return string(action.Tenant), true
	case "provider":
		return string(action.Provider), true
	case "action_type":
		return action.ActionType, true
	case "status":
		return action.Status, true
	case "dedup_key":
		return action.DedupKey, true
	case "payload":
		return resolveDotted(action.Payload, parts[1:])
	case "metadata":
		if len(parts) >= 3 && parts[1] == "labels" {
			v, ok := action.Metadata.Labels[parts[2]]
			return v, ok
		}
		return nil, false
	default:
		return nil, false
	}
}

func resolveDotted(v any, path []string) (any, bool) {
	cur := v
	for _, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, false
	}
	return m, true
}

func toScalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
