package identity

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	minUsernameLen = 2
	maxUsernameLen = 32
	// Public keys shorter than this cannot be real key material.
	minPublicKeyLen = 40
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9ğüşöçıİĞÜŞÖÇ_.\s-]+$`)

// ValidateUsername trims and checks a display name, returning the
// normalized value. All failures wrap ErrValidation.
func ValidateUsername(username string) (string, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return "", fmt.Errorf("username is required: %w", ErrValidation)
	}
	if len([]rune(trimmed)) < minUsernameLen {
		return "", fmt.Errorf("username must be at least %d characters: %w", minUsernameLen, ErrValidation)
	}
	if len([]rune(trimmed)) > maxUsernameLen {
		return "", fmt.Errorf("username must be at most %d characters: %w", maxUsernameLen, ErrValidation)
	}
	if !usernamePattern.MatchString(trimmed) {
		return "", fmt.Errorf("username contains unsupported characters: %w", ErrValidation)
	}
	return trimmed, nil
}

// ValidatePublicKey checks that a base64url-encoded public key string is
// plausible key material before it is used as a graph path segment.
func ValidatePublicKey(publicKey string) error {
	if publicKey == "" {
		return fmt.Errorf("public key is required: %w", ErrValidation)
	}
	if len(publicKey) < minPublicKeyLen {
		return fmt.Errorf("public key is too short: %w", ErrValidation)
	}
	if _, err := DecodeKey(publicKey); err != nil {
		return fmt.Errorf("public key is not valid base64url: %w", ErrValidation)
	}
	return nil
}
