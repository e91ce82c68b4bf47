package util

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const (
	// APIKeyPrefix and APIKeyMinLength define the issued key format.
	// Format validation happens before any registry lookup so malformed
	// input is rejected cheaply.
	APIKeyPrefix    = "sk-"
	APIKeyMinLength = 10

	keyBytes = 24
)

// GenerateAPIKey returns a fresh random API key. Uniqueness against the
// registry is the caller's responsibility.
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, keyBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(bytes), nil
}

// ValidAPIKey reports whether key matches the issued format.
func ValidAPIKey(key string) bool {
	return strings.HasPrefix(key, APIKeyPrefix) && len(key) >= APIKeyMinLength
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey truncates an API key for logging.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "****"
}
