// Package crypto seals venue credentials at rest with AES-256-GCM. Sealed
// values carry the key version so old secrets stay readable after rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the AES-256 key length.
	KeySize   = 32
	nonceSize = 12
	prefix    = "ENC[v"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrNoKeys            = errors.New("keyring has no keys")
)

// Keyring holds every key version; the newest seals.
type Keyring struct {
	aeads   map[int]cipher.AEAD
	current int
}

// NewKeyring builds a keyring from base64 keys. The key at index i is
// version i+1.
func NewKeyring(keys ...string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	k := &Keyring{aeads: make(map[int]cipher.AEAD, len(keys))}
	for i, encoded := range keys {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("decode key v%d: %w", i+1, err)
		}
		aead, err := newAEAD(raw)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", i+1, err)
		}
		k.aeads[i+1] = aead
		k.current = i + 1
	}
	return k, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Current returns the version used by Seal.
func (k *Keyring) Current() int { return k.current }

// Seal encrypts plaintext as ENC[vN]:base64(nonce+ciphertext).
func (k *Keyring) Seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := k.aeads[k.current].Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d]:%s", prefix, k.current, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a value produced by Seal with any loaded version.
func (k *Keyring) Open(sealed string) (string, error) {
	version := ParseVersion(sealed)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	aead, ok := k.aeads[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	_, encoded, _ := strings.Cut(sealed, "]:")
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) <= nonceSize {
		return "", ErrInvalidCiphertext
	}
	plain, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Rotate re-seals a value under the current version.
func (k *Keyring) Rotate(sealed string) (string, error) {
	plain, err := k.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("open for rotation: %w", err)
	}
	return k.Seal(plain)
}

// IsSealed reports whether s looks like a Seal output.
func IsSealed(s string) bool { return ParseVersion(s) > 0 }

// ParseVersion extracts N from ENC[vN]:..., or 0.
func ParseVersion(s string) int {
	if !strings.HasPrefix(s, prefix) || !strings.Contains(s, "]:") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(s, prefix+"%d]:", &version); err != nil || version <= 0 {
		return 0
	}
	return version
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
