// Package secret seals token material at rest and derives purpose-bound keys
// from the connect service master key.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Sealer seals and opens secret values.
type Sealer interface {
	Seal(value string) (string, error)
	Open(sealed string) (string, error)
}

// AESGCMSealer seals and opens secrets using AES-GCM.
type AESGCMSealer struct {
	aead cipher.AEAD
}

// NewAESGCMSealer builds an AES-GCM sealer from a raw AES key.
// key must be a valid AES length (16/24/32 bytes).
func NewAESGCMSealer(key []byte) (*AESGCMSealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &AESGCMSealer{aead: aead}, nil
}

// Seal encrypts one plaintext value and returns a base64-encoded payload.
func (s *AESGCMSealer) Seal(value string) (string, error) {
	if s == nil || s.aead == nil {
		return "", errors.New("sealer is not configured")
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	// Payload format is nonce || ciphertext.
	payload := s.aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.RawStdEncoding.EncodeToString(payload), nil
}

// Open decrypts one previously sealed value.
func (s *AESGCMSealer) Open(sealed string) (string, error) {
	if s == nil || s.aead == nil {
		return "", errors.New("sealer is not configured")
	}

	payload, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	nonceSize := s.aead.NonceSize()
	if len(payload) < nonceSize {
		return "", errors.New("sealed value is too short")
	}
	plaintext, err := s.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt sealed value: %w", err)
	}
	return string(plaintext), nil
}

// Keys holds the purpose-bound keys derived from one master key.
type Keys struct {
	// Seal encrypts token columns at rest.
	Seal []byte
	// State signs OAuth state tokens.
	State []byte
}

const (
	sealInfo  = "nyra/connect/seal/v1"
	stateInfo = "nyra/connect/state/v1"
)

// DecodeMasterKey parses a base64 master key of at least 32 bytes.
func DecodeMasterKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("master key is required")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("master key must be at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// DeriveKeys expands master into independent 32-byte keys with HKDF-SHA256.
func DeriveKeys(master []byte) (Keys, error) {
	if len(master) < 32 {
		return Keys{}, errors.New("master key must be at least 32 bytes")
	}
	sealKey, err := expand(master, sealInfo)
	if err != nil {
		return Keys{}, fmt.Errorf("derive seal key: %w", err)
	}
	stateKey, err := expand(master, stateInfo)
	if err != nil {
		return Keys{}, fmt.Errorf("derive state key: %w", err)
	}
	return Keys{Seal: sealKey, State: stateKey}, nil
}

func expand(master []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}
