// Package sealer encrypts message content at rest.
//
// Sealed values are "v1:" followed by base64(nonce || ciphertext) using
// XChaCha20-Poly1305. Opening a value that is not sealed, or whose tag does
// not verify, is an error: there is no plaintext fallback.
package sealer

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "v1:"

var (
	// ErrNotSealed is returned when Open receives a value without the sealed prefix.
	ErrNotSealed = errors.New("sealer: value is not sealed")

	// ErrInvalidKey is returned when the configured key is not 32 bytes.
	ErrInvalidKey = errors.New("sealer: key must be 32 bytes (base64 encoded)")
)

// Sealer seals and opens short text values.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// AEAD is a Sealer backed by XChaCha20-Poly1305.
type AEAD struct {
	key []byte
}

// New builds an AEAD sealer from a base64-encoded 32-byte key.
func New(encodedKey string) (*AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &AEAD{key: key}, nil
}

func (a *AEAD) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return "", errors.Wrap(err, "sealer: init cipher")
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "sealer: read nonce")
	}

	out := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(out), nil
}

func (a *AEAD) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, prefix) {
		return "", ErrNotSealed
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil {
		return "", errors.Wrap(err, "sealer: decode")
	}

	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return "", errors.Wrap(err, "sealer: init cipher")
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("sealer: ciphertext too short")
	}

	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", errors.Wrap(err, "sealer: open")
	}
	return string(plain), nil
}

// Identity leaves values untouched. It is used when no key is configured.
type Identity struct{}

func (Identity) Seal(plaintext string) (string, error) { return plaintext, nil }
func (Identity) Open(sealed string) (string, error)    { return sealed, nil }

// FromKey returns an AEAD sealer for a non-empty key and Identity otherwise.
func FromKey(encodedKey string) (Sealer, error) {
	if strings.TrimSpace(encodedKey) == "" {
		return Identity{}, nil
	}
	return New(encodedKey)
}
