package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// OpaqueTokenLength is the number of random bytes in an opaque pay link token
// (32 bytes = 64 hex characters).
const OpaqueTokenLength = 32

// GenerateOpaqueToken returns a random hex token for stored pay links.
func GenerateOpaqueToken() (string, error) {
	b := make([]byte, OpaqueTokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken creates the SHA-256 hash of a token for storage and lookup.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// GenerateNonce returns a random hex nonce for signed tokens.
func GenerateNonce() (string, error) {
	b := make([]byte, NonceLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateSigningKey returns a random 32-byte key, base64url encoded, suitable
// for PAYLINK_SIGNING_KEY.
func GenerateSigningKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate signing key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
