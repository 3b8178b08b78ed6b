// Package vault encrypts upstream API keys at rest and decrypts them per request.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
)

// ErrEmptySecret is returned by New when no process secret is configured.
var ErrEmptySecret = errors.New("vault: secret cannot be empty")

// Vault is AES-256-GCM keyed by the SHA-256 digest of a process-wide secret.
// Ciphertext is base64(nonce || sealed). A Vault is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New derives the key from secret. The secret may be any length.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
// An empty plaintext encrypts to the empty string.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: read nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext. The empty string decrypts to an empty key.
// Any corruption yields a *domain.Error of kind decryption_error and no plaintext.
func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return []byte{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, domain.ErrDecryption("stored credential is not valid base64")
	}
	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize+v.aead.Overhead() {
		return nil, domain.ErrDecryption("stored credential is truncated")
	}
	plaintext, err := v.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, domain.ErrDecryption("stored credential failed authentication")
	}
	return plaintext, nil
}
