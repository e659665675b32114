package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactorReplacesConfiguredFields(t *testing.T) {
	r := NewRedactor([]string{"password", "ssn"}, "***REDACTED***")

	in := map[string]any{
		"username": "alice",
		"password": "hunter2",
		"nested":   map[string]any{"ssn": "123-45-6789", "city": "nyc"},
	}
	out := r.Redact(in).(map[string]any)

	require.Equal(t, "alice", out["username"])
	require.Equal(t, "***REDACTED***", out["password"])
	nested := out["nested"].(map[string]any)
	require.Equal(t, "***REDACTED***", nested["ssn"])
	require.Equal(t, "nyc", nested["city"])
}

func TestRedactorWalksSlices(t *testing.T) {
	r := NewRedactor([]string{"token"}, "X")
	in := []any{map[string]any{"token": "abc"}, map[string]any{"other": "keep"}}
	out := r.Redact(in).([]any)

	first := out[0].(map[string]any)
	require.Equal(t, "X", first["token"])
	second := out[1].(map[string]any)
	require.Equal(t, "keep", second["other"])
}

func TestRedactorNoopWhenNoFieldsConfigured(t *testing.T) {
	r := NewRedactor(nil, "X")
	in := map[string]any{"password": "hunter2"}
	require.Equal(t, in, r.Redact(in))
}
