// Package auth protects the control server with API keys. Keys are
// configured up front and held only as SHA-256 digests.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// APIKeyPrefix distinguishes davsync keys from other bearer tokens.
	APIKeyPrefix = "dsk_"

	// APIKeyMinLen is the shortest accepted key, prefix included. Keys
	// from GenerateAPIKey are APIKeyPrefix plus 64 hex characters.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is one configured key and the user it authenticates.
type APIKey struct {
	UserID string
	Key    string
}

type keyEntry struct {
	userID string
	digest [sha256.Size]byte
}

// Store validates API keys. It is immutable after construction and safe
// for concurrent use.
type Store struct {
	keys []keyEntry
}

// NewStore hashes the given keys. Keys that fail ValidateKeyFormat are
// rejected.
func NewStore(keys []APIKey) (*Store, error) {
	s := &Store{}

	for i, k := range keys {
		if err := ValidateKeyFormat(k.Key); err != nil {
			return nil, fmt.Errorf("key %d: %w", i+1, err)
		}

		s.keys = append(s.keys, keyEntry{userID: k.UserID, digest: sha256.Sum256([]byte(k.Key))})
	}

	return s, nil
}

// Len returns the number of configured keys.
func (s *Store) Len() int {
	return len(s.keys)
}

// ValidateAPIKey returns the user a key belongs to. Every configured key
// is compared in constant time so the result does not leak which prefix
// matched.
func (s *Store) ValidateAPIKey(key string) (string, bool) {
	digest := sha256.Sum256([]byte(key))

	userID, found := "", false

	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			userID, found = k.userID, true
		}
	}

	return userID, found
}

// ValidateKeyFormat checks the prefix, length and hex body of a key.
func ValidateKeyFormat(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return fmt.Errorf("API key must start with %q", APIKeyPrefix)
	}

	if len(key) < APIKeyMinLen {
		return fmt.Errorf("API key too short (minimum %d characters)", APIKeyMinLen)
	}

	if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
		return fmt.Errorf("API key contains non-hex characters after %q", APIKeyPrefix)
	}

	return nil
}

// GenerateAPIKey returns a new random key.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(32)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
