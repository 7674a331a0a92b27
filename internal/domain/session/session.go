package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateID creates a cryptographically random session identifier.
// Uses crypto/rand for collision resistance; identifiers are never reused.
// Returns 64 hex characters (32 bytes).
func GenerateID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
