package cryptox

import (
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters used to stretch a passphrase into a sealing key.
const (
	iterations  = 3
	memory      = 64 * 1024
	parallelism = 2
	keyLength   = chacha20poly1305.KeySize
)

// ErrOpen is returned when a sealed value fails authentication, either
// because it was tampered with or because the passphrase is wrong.
var ErrOpen = errors.New("cryptox: cannot open sealed value")

// Sealer encrypts values at rest with XChaCha20-Poly1305. The key is
// derived once from a passphrase and salt.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a key from passphrase and salt with Argon2id.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("cryptox: empty passphrase")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("cryptox: salt must be at least %d bytes", SaltSize)
	}

	key := argon2.IDKey([]byte(passphrase), salt, iterations, memory, parallelism, keyLength)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. The output is base64url of
// [24-byte nonce][ciphertext][16-byte tag]. additional is bound to the
// ciphertext and must be passed again to Open.
func (s *Sealer) Seal(plaintext, additional []byte) (string, error) {
	nonce, err := RandomBytes(s.aead.NonceSize())
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := s.aead.Seal(nonce, nonce, plaintext, additional)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string, additional []byte) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrOpen
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize+s.aead.Overhead() {
		return nil, ErrOpen
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, ErrOpen
	}

	return plaintext, nil
}
