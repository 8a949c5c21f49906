package idp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const (
	// verifierLength is the entropy in bytes behind a PKCE verifier.
	// 32 bytes encode to 43 characters, inside the 43..128 range
	// RFC 7636 allows.
	verifierLength = 32

	// stateLength is the entropy in bytes behind a CSRF state token.
	stateLength = 32
)

// GenerateVerifier returns a fresh PKCE code verifier. The caller keeps
// it client-side (signed cookie) until the callback arrives; nothing is
// held server-side.
func GenerateVerifier() (string, error) {
	raw := make([]byte, verifierLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Challenge derives the S256 code challenge for a verifier:
// BASE64URL(SHA-256(verifier)), unpadded.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState returns a fresh CSRF state token.
func GenerateState() (string, error) {
	raw := make([]byte, stateLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidateState compares the state issued at redirect time with the one
// the callback carried. Any mismatch, including an empty value on
// either side, is CodeInvalidState. The comparison is constant-time.
func ValidateState(expected, received string) error {
	if expected == "" || received == "" {
		return NewError(CodeInvalidState, "state parameter is missing")
	}
	if len(expected) != len(received) {
		return NewError(CodeInvalidState, "state parameter does not match")
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
		return NewError(CodeInvalidState, "state parameter does not match")
	}
	return nil
}
