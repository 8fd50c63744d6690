// Package security implements at-rest secret encryption and payload
// redaction for audit trails and structured logs.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// encPrefix versions the on-disk ciphertext format so the scheme can be
// rotated without guessing.
const encPrefix = "enc:v1:"

// Cipher wraps connector-session payloads with the enc:v1 format. A nil
// Cipher (no key configured) stores plaintext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a URL-safe base64 32-byte key. An empty key
// returns nil, which disables encryption.
func NewCipher(encodedKey string) (*Cipher, error) {
	if strings.TrimSpace(encodedKey) == "" {
		return nil, nil
	}
	key, err := base64.URLEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key must be URL-safe base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Enabled reports whether encryption is active.
func (c *Cipher) Enabled() bool {
	return c != nil
}

// Encrypt wraps plaintext with the versioned prefix. Without a key the input
// is returned unchanged.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the prefix are treated as
// plaintext; a prefixed value without a configured key is an error (no
// silent downgrade).
func (c *Cipher) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if c == nil {
		return "", fmt.Errorf("encrypted value found but no encryption key is configured")
	}
	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("malformed encrypted value: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("malformed encrypted value: too short")
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}
	return string(plaintext), nil
}
