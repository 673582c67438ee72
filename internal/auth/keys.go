package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeyPrefix marks gateway-issued API keys.
	KeyPrefix = "wk-"
	// keyRandomBytes is the entropy of a generated key.
	keyRandomBytes = 32
)

// GenerateAPIKey creates a random key. The full key is shown to the user
// exactly once; only the hash is stored.
func GenerateAPIKey() (fullKey, hash string, err error) {
	raw := make([]byte, keyRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}

	fullKey = KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return fullKey, HashKey(fullKey), nil
}

// HashKey returns the SHA-256 hex digest of a key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// VerifyKey checks a key against a stored hash in constant time.
func VerifyKey(key, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashKey(key)), []byte(hash)) == 1
}

// BearerToken extracts the token from an Authorization header. Returns
// empty when the header is absent or not a bearer credential.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// IsAPIKey reports whether a bearer token looks like a gateway API key.
func IsAPIKey(token string) bool {
	return strings.HasPrefix(token, KeyPrefix)
}

// MaskKey renders a key safe for logs: prefix and last four characters.
func MaskKey(key string) string {
	if len(key) <= 10 {
		return "***"
	}
	return key[:6] + "..." + key[len(key)-4:]
}
