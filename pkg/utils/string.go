package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// HashDomain returns a stable short hash for a destination domain,
// used as the profile store key so raw destinations are never persisted.
func HashDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	sum := sha256.Sum256([]byte(domain))
	return hex.EncodeToString(sum[:16])
}

// SanitizeString strips control characters and surrounding whitespace
// from caller-supplied names before they reach logs or the store.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// MaskSensitive keeps a short prefix of a secret visible for log
// correlation and stars the rest.
func MaskSensitive(s string, visibleChars int) string {
	if len(s) <= visibleChars {
		return strings.Repeat("*", len(s))
	}
	return s[:visibleChars] + strings.Repeat("*", len(s)-visibleChars)
}
