// Package render renders Go text/template payload strings against the
// chain/enrichment template context (origin/prev/steps/chain_id/
// step_index), handing a flattened map[string]interface{} to
// text/template.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

// Context is the data made available to a template string.
type Context struct {
	Origin    map[string]any
	Prev      map[string]any
	Steps     map[string]map[string]any
	ChainID   string
	StepIndex int
	Vars      map[string]any
}

func (c Context) data() map[string]any {
	return map[string]any{
		"origin":     c.Origin,
		"prev":       c.Prev,
		"steps":      c.Steps,
		"chain_id":   c.ChainID,
		"step_index": c.StepIndex,
		"vars":       c.Vars,
	}
}

// String renders a single Go text/template string against ctx.
func String(tmplStr string, ctx Context) (string, error) {
	tmpl, err := template.New("payload").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("render: parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx.data()); err != nil {
		return "", fmt.Errorf("render: execute template: %w", err)
	}
	return buf.String(), nil
}

// JSON renders tmplStr and unmarshals the result as a JSON payload
// value, falling back to the rendered raw string when it isn't valid
// JSON (a template may legitimately render a bare scalar).
func JSON(tmplStr string, ctx Context) (any, error) {
	rendered, err := String(tmplStr, ctx)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(rendered), &v); err != nil {
		return rendered, nil
	}
	return v, nil
}

// ToView converts an arbitrary value (typically a contracts.Action or
// ProviderResponse) into the map[string]any shape templates index into,
// via a JSON round-trip.
func ToView(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}
