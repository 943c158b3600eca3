package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Random size constants (in bytes before encoding).
const (
	// SaltSize is the size of the argon2 salt stored next to sealed values.
	SaltSize = 16
	// TokenSize256 provides 256 bits of entropy (43 chars base64url).
	TokenSize256 = 32
)

// RandomBytes reads size bytes from the system CSPRNG.
func RandomBytes(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("random size must be positive, got %d", size)
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	return buf, nil
}

// GenerateToken creates a random token of the given byte length, returned
// base64url encoded without padding.
func GenerateToken(size int) (string, error) {
	buf, err := RandomBytes(size)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MustGenerateToken is like GenerateToken but panics on error.
// Use this only during initialization or in tests.
func MustGenerateToken(size int) string {
	token, err := GenerateToken(size)
	if err != nil {
		panic(fmt.Sprintf("cryptox: failed to generate token: %v", err))
	}
	return token
}

// FingerprintToken returns a deterministic SHA-256 fingerprint of a token,
// base64url encoded (43 chars).
func FingerprintToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ShortFingerprint is the first 8 chars of FingerprintToken. Logs carry
// this instead of the token itself. Empty tokens give an empty string.
func ShortFingerprint(token string) string {
	if token == "" {
		return ""
	}
	return FingerprintToken(token)[:8]
}
