package disclose

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const keyLength = 32 // AES-256

// Sealer encrypts ticket payloads at rest with AES-256-GCM. The nonce is
// prepended to the ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keyLength {
		return nil, fmt.Errorf("disclose: key must be %d bytes for AES-256", keyLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("disclose: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("disclose: gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewRandomSealer creates a sealer with a process-local random key. Tickets
// sealed with it do not survive a restart, which is acceptable for a channel
// whose tickets expire within the hour.
func NewRandomSealer() *Sealer {
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		panic("disclose: crypto/rand unavailable: " + err.Error())
	}
	s, err := NewSealer(key)
	if err != nil {
		panic(err)
	}
	return s
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("disclose: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed payload.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, errors.New("disclose: sealed payload too short")
	}
	nonce, ct := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("disclose: open: %w", err)
	}
	return plaintext, nil
}
