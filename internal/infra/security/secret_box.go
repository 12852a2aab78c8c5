package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var errCiphertextTooShort = errors.New("secret box: ciphertext too short")

// SecretBox seals TOTP shared secrets at rest with XChaCha20-Poly1305.
// The user id is bound as additional data so ciphertexts cannot be swapped between rows.
type SecretBox struct {
	key  []byte
	rand io.Reader
}

// NewSecretBox builds a box from a 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secret box key must be %d bytes", chacha20poly1305.KeySize)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &SecretBox{key: k, rand: rand.Reader}, nil
}

// NewSecretBoxFromBase64 decodes a standard base64 key.
func NewSecretBoxFromBase64(encoded string) (*SecretBox, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode secret box key: %w", err)
	}
	return NewSecretBox(key)
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (b *SecretBox) Seal(plaintext, userID string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(b.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(userID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (b *SecretBox) Open(encoded, userID string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode sealed secret: %w", err)
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", errCiphertextTooShort
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return "", fmt.Errorf("open sealed secret: %w", err)
	}
	return string(plaintext), nil
}
