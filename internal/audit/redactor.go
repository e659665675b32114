package audit

import "encoding/json"

// Redactor replaces configured field names with a placeholder before a
// record ever reaches the encryptor or backend store, so a field that
// must never be persisted at all (not even ciphertext) is scrubbed at
// the earliest possible stage of the pipeline.
type Redactor struct {
	fields      map[string]bool
	placeholder string
}

func NewRedactor(fields []string, placeholder string) *Redactor {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return &Redactor{fields: set, placeholder: placeholder}
}

// Redact walks v (itself the result of a JSON round-trip, so maps and
// slices rather than structs) and replaces the value of any object key
// present in the configured field set with the placeholder string.
func (r *Redactor) Redact(v any) any {
	if len(r.fields) == 0 {
		return v
	}
	return r.walk(v)
}

func (r *Redactor) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if r.fields[k] {
				out[k] = r.placeholder
				continue
			}
			out[k] = r.walk(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = r.walk(elem)
		}
		return out
	default:
		return v
	}
}

// toGeneric round-trips v through JSON to get a map[string]any/[]any
// tree that Redact and the encryptor's envelope matcher can both walk.
func toGeneric(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
