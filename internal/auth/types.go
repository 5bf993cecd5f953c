// Package auth implements API key issuance, bcrypt-based verification,
// and tier resolution feeding the ratelimit admission layer, per §6 and
// the reference llm-shield-api/src/auth package.
package auth

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"llmshield/internal/ratelimit"
	"llmshield/internal/shielderr"
)

const (
	keyPrefix     = "llm_shield_"
	keySuffixLen  = 40
	keySuffixSet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	keyTotalLen   = len(keyPrefix) + keySuffixLen
)

// ApiKey is the persisted record for one issued key. Value only holds
// the raw secret immediately after Generate, for one-time display to the
// caller; it is never persisted and must be cleared before Store.
type ApiKey struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Value       string           `json:"-"`
	HashedValue string           `json:"hashed_value"`
	Tier        ratelimit.Tier   `json:"tier"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	Active      bool             `json:"active"`
}

// GenerateApiKey creates a new key: a cryptographically random 40-char
// alphanumeric suffix behind the llm_shield_ prefix, bcrypt-hashed for
// storage. The returned ApiKey.Value holds the one-time raw secret; the
// caller must display it immediately and never persist it directly.
func GenerateApiKey(name string, tier ratelimit.Tier, expiresAt *time.Time) (ApiKey, error) {
	raw, err := generateKeyValue()
	if err != nil {
		return ApiKey{}, err
	}
	hashed, err := HashKey(raw)
	if err != nil {
		return ApiKey{}, err
	}
	return ApiKey{
		ID:          uuid.NewString(),
		Name:        name,
		Value:       raw,
		HashedValue: hashed,
		Tier:        tier,
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
		Active:      true,
	}, nil
}

func generateKeyValue() (string, error) {
	buf := make([]byte, keySuffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", shielderr.Wrap(shielderr.Fatal, "failed to generate key material", err)
	}
	suffix := make([]byte, keySuffixLen)
	for i, b := range buf {
		suffix[i] = keySuffixSet[int(b)%len(keySuffixSet)]
	}
	return keyPrefix + string(suffix), nil
}

// HashKey bcrypt-hashes a raw key value for storage.
func HashKey(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", shielderr.Wrap(shielderr.Fatal, "failed to hash api key", err)
	}
	return string(hash), nil
}

// Verify reports whether raw matches the key's stored hash, in constant
// time courtesy of bcrypt's comparison.
func (k ApiKey) Verify(raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(k.HashedValue), []byte(raw)) == nil
}

// IsExpired reports whether the key has passed its expiry, if any.
func (k ApiKey) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// IsValid reports whether the key is active and unexpired.
func (k ApiKey) IsValid() bool {
	return k.Active && !k.IsExpired()
}

// ValidateKeyFormat reports whether raw has the llm_shield_<40 chars>
// surface shape, without touching storage.
func ValidateKeyFormat(raw string) bool {
	if len(raw) != keyTotalLen {
		return false
	}
	if raw[:len(keyPrefix)] != keyPrefix {
		return false
	}
	for _, r := range raw[len(keyPrefix):] {
		if !isKeyChar(byte(r)) {
			return false
		}
	}
	return true
}

func isKeyChar(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	default:
		return false
	}
}
