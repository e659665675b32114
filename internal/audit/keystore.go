package audit

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/acteon-io/gateway/internal/config"
)

// keystoreFile is the on-disk JSON shape for the audit encryptor's keys,
// keyed by string kid so it shares a rotation vocabulary with
// internal/approval's signing keys.
type keystoreFile struct {
	ActiveKid string            `json:"active_kid"`
	Keys      map[string]string `json:"keys"` // kid -> base64-encoded 32-byte key
}

// LoadOrCreateEncryptor loads cfg.KeystorePath, generating a fresh
// single-key keystore (kid "1") at that path if it doesn't exist yet.
func LoadOrCreateEncryptor(cfg config.EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	store, err := loadOrGenerateKeystore(cfg.KeystorePath)
	if err != nil {
		return nil, err
	}

	keys := make(map[string][]byte, len(store.Keys))
	for kid, encoded := range store.Keys {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("audit: decode key %q: %w", kid, err)
		}
		keys[kid] = key
	}
	return NewEncryptor(keys, store.ActiveKid)
}

func loadOrGenerateKeystore(path string) (keystoreFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return generateKeystore(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return keystoreFile{}, fmt.Errorf("audit: read keystore %s: %w", path, err)
	}
	var store keystoreFile
	if err := json.Unmarshal(data, &store); err != nil {
		return keystoreFile{}, fmt.Errorf("audit: parse keystore %s: %w", path, err)
	}
	return store, nil
}

func generateKeystore(path string) (keystoreFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return keystoreFile{}, fmt.Errorf("audit: create keystore dir: %w", err)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return keystoreFile{}, fmt.Errorf("audit: generate key: %w", err)
	}
	store := keystoreFile{ActiveKid: "1", Keys: map[string]string{"1": base64.StdEncoding.EncodeToString(key)}}

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return keystoreFile{}, fmt.Errorf("audit: marshal keystore: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return keystoreFile{}, fmt.Errorf("audit: write keystore: %w", err)
	}
	return store, nil
}
