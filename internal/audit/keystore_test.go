package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/config"
)

func TestLoadOrCreateEncryptorDisabledReturnsNil(t *testing.T) {
	enc, err := LoadOrCreateEncryptor(config.EncryptionConfig{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, enc)
}

func TestLoadOrCreateEncryptorGeneratesKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "audit.key")
	enc, err := LoadOrCreateEncryptor(config.EncryptionConfig{Enabled: true, KeystorePath: path})
	require.NoError(t, err)
	require.NotNil(t, enc)

	env, err := enc.EncryptField([]byte(`"hello"`))
	require.NoError(t, err)
	pt, err := enc.DecryptField(env)
	require.NoError(t, err)
	require.Equal(t, `"hello"`, string(pt))
}

func TestLoadOrCreateEncryptorReloadsExistingKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.key")
	first, err := LoadOrCreateEncryptor(config.EncryptionConfig{Enabled: true, KeystorePath: path})
	require.NoError(t, err)
	env, err := first.EncryptField([]byte(`"x"`))
	require.NoError(t, err)

	second, err := LoadOrCreateEncryptor(config.EncryptionConfig{Enabled: true, KeystorePath: path})
	require.NoError(t, err)
	pt, err := second.DecryptField(env)
	require.NoError(t, err)
	require.Equal(t, `"x"`, string(pt))
}
