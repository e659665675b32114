package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := canonicalJSON(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
	require.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestCanonicalHashDeterministic(t *testing.T) {
	h1, err := canonicalHash(map[string]any{"x": 1, "y": []any{1, 2, 3}})
	require.NoError(t, err)
	h2, err := canonicalHash(map[string]any{"y": []any{1, 2, 3}, "x": 1})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestCanonicalJSONDisablesHTMLEscaping(t *testing.T) {
	b, err := canonicalJSON(map[string]any{"html": "<b>&</b>"})
	require.NoError(t, err)
	require.Contains(t, string(b), "<b>&</b>")
}
