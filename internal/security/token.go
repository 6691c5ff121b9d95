package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/avaropoint/devmirror/internal/store"
)

// APIKeyPrefix starts every generated key.
const APIKeyPrefix = "dm_"

// GenerateAPIKey creates a new API key with the format dm_<random>. Only
// the hash is stored; the plain key is returned once for display.
func GenerateAPIKey(name string) (*store.APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}

	key := APIKeyPrefix + hex.EncodeToString(raw)

	apiKey := &store.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   HashAPIKey(key),
		Prefix:    key[:12],
		CreatedAt: time.Now(),
	}

	return apiKey, key, nil
}

// HashAPIKey returns the SHA-256 hash of an API key for DB lookup.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
