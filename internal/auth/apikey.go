package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateKey creates a new API key with the format: berl-{env}-{32 random alphanumeric chars}
func GenerateKey(env string) (string, error) {
	random, err := randomString(32)
	if err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return fmt.Sprintf("berl-%s-%s", env, random), nil
}

// HashKey returns the SHA-256 hex digest of an API key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)
}

// KeyPrefix extracts a display-safe prefix from a key: berl-{env}-{first 8 chars}
func KeyPrefix(key string) string {
	// Key format: berl-{env}-{32chars}
	// We want: berl-{env}-{first 8 of random}
	if len(key) < 16 {
		return key
	}
	// Find the position after the second dash
	dashes := 0
	for i, c := range key {
		if c == '-' {
			dashes++
			if dashes == 2 {
				end := i + 9 // dash + 8 chars
				if end > len(key) {
					end = len(key)
				}
				return key[:end]
			}
		}
	}
	return key[:16]
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}

// KeyMetadata holds the cached metadata for an API key.
type KeyMetadata struct {
	ID                   string    `json:"id"`
	OwnerID              string    `json:"owner_id"`
	Name                 string    `json:"name"`
	AllowedCategories    []string  `json:"allowed_categories"`
	RPMLimit             *int      `json:"rpm_limit,omitempty"`
	DailySpendLimitCents *int      `json:"daily_spend_limit_cents,omitempty"`
	ExpiresAt            time.Time `json:"expires_at"`
}

// AllowsCategory reports whether the key may dispatch the given task
// category. An empty allow-list permits every category.
func (km *KeyMetadata) AllowsCategory(category string) bool {
	if len(km.AllowedCategories) == 0 {
		return true
	}
	for _, c := range km.AllowedCategories {
		if c == category {
			return true
		}
	}
	return false
}

// ParseDuration parses a duration string like "365d", "30d", "24h".
func ParseDuration(s string) (time.Duration, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty duration")
	}
	last := s[len(s)-1]
	if last == 'd' {
		var days int
		_, err := fmt.Sscanf(s, "%dd", &days)
		if err != nil {
			return 0, fmt.Errorf("parse days: %w", err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
