package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(map[string][]byte{"k1": testKey(1)}, "k1")
	require.NoError(t, err)

	env, err := enc.EncryptField([]byte(`{"amount":100}`))
	require.NoError(t, err)
	require.True(t, env.Marker)
	require.Equal(t, "k1", env.Kid)

	pt, err := enc.DecryptField(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"amount":100}`, string(pt))
}

func TestDecryptFallsBackAcrossRotatedKeys(t *testing.T) {
	old, err := NewEncryptor(map[string][]byte{"k1": testKey(1)}, "k1")
	require.NoError(t, err)
	env, err := old.EncryptField([]byte(`"secret"`))
	require.NoError(t, err)

	rotated, err := NewEncryptor(map[string][]byte{"k1": testKey(1), "k2": testKey(2)}, "k2")
	require.NoError(t, err)

	pt, err := rotated.DecryptField(env)
	require.NoError(t, err)
	require.Equal(t, `"secret"`, string(pt))
}

func TestAsEnvelopeDetectsMarker(t *testing.T) {
	enc, err := NewEncryptor(map[string][]byte{"k1": testKey(1)}, "k1")
	require.NoError(t, err)
	env, err := enc.EncryptField([]byte(`"x"`))
	require.NoError(t, err)

	generic, err := toGeneric(env)
	require.NoError(t, err)

	got, ok := asEnvelope(generic)
	require.True(t, ok)
	require.Equal(t, env.Kid, got.Kid)

	_, ok = asEnvelope(map[string]any{"plain": "value"})
	require.False(t, ok)
}

func TestNewEncryptorRejectsUnknownActiveKid(t *testing.T) {
	_, err := NewEncryptor(map[string][]byte{"k1": testKey(1)}, "missing")
	require.Error(t, err)
}

func TestNewEncryptorRejectsShortKey(t *testing.T) {
	_, err := NewEncryptor(map[string][]byte{"k1": []byte("too-short")}, "k1")
	require.Error(t, err)
}
