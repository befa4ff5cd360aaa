// Package keywrap implements the password-based wrapping format used to
// persist authenticator private keys. A wrapped payload is self-describing:
// it carries the KDF salt, the AEAD nonce and a JSON algorithm descriptor
// alongside the ciphertext, so unwrapping needs only the payload and the PIN.
package keywrap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltLength is the size of the per-wrap PBKDF2 salt. A fresh salt is
	// drawn for every wrap operation and never reused across exports.
	SaltLength = 16
	// IVLength is the AES-GCM nonce size.
	IVLength = 12
	// Iterations is the fixed PBKDF2 iteration count.
	Iterations = 100000

	keyLength  = 32
	headerSize = 3
)

var (
	// ErrIntegrity is returned whenever a payload fails to unwrap, whether
	// the PIN is wrong or the payload is corrupted. The two cases are
	// deliberately indistinguishable.
	ErrIntegrity = errors.New("keywrap: integrity check failed")
	// ErrCrypto is returned when key material cannot be wrapped.
	ErrCrypto = errors.New("keywrap: crypto failure")
)

// KeyAlgorithm describes the wrapped key so that unwrapping reconstructs a
// signing key with identical parameters. It is embedded in the payload as
// UTF-8 JSON.
type KeyAlgorithm struct {
	Name       string `json:"name"`
	NamedCurve string `json:"namedCurve,omitempty"`
	Hash       string `json:"hash,omitempty"`
}

// DeriveWrappingKey derives the 256-bit AEAD key from a PIN and salt using
// PBKDF2-SHA256. Deterministic for identical (pin, salt).
func DeriveWrappingKey(pin string, salt []byte) []byte {
	return pbkdf2.Key([]byte(pin), salt, Iterations, keyLength, sha256.New)
}

// Wrap encrypts exported private key material under a key derived from pin
// and serializes it into the self-describing payload layout:
//
//	saltLen(1) || ivLen(1) || algLen(1) || salt || iv || algJSON || ciphertext
func Wrap(keyMaterial []byte, alg KeyAlgorithm, pin string) ([]byte, error) {
	algJSON, err := json.Marshal(alg)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode algorithm descriptor: %w", ErrCrypto, err)
	}
	if len(algJSON) > 0xff {
		return nil, fmt.Errorf("%w: algorithm descriptor too large", ErrCrypto)
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: cannot generate random salt: %w", ErrCrypto, err)
	}
	iv := make([]byte, IVLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: cannot generate random iv: %w", ErrCrypto, err)
	}

	aead, err := newAEAD(DeriveWrappingKey(pin, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	ciphertext := aead.Seal(nil, iv, keyMaterial, nil)

	header := []byte{byte(SaltLength), byte(IVLength), byte(len(algJSON))}
	return slices.Concat(header, salt, iv, algJSON, ciphertext), nil
}

// Unwrap parses a payload produced by Wrap, re-derives the wrapping key from
// the embedded salt and decrypts the key material. Any parse or
// authentication failure surfaces as ErrIntegrity.
func Unwrap(payload []byte, pin string) ([]byte, KeyAlgorithm, error) {
	if len(payload) < headerSize {
		return nil, KeyAlgorithm{}, ErrIntegrity
	}

	saltLen := int(payload[0])
	ivLen := int(payload[1])
	algLen := int(payload[2])
	if len(payload) < headerSize+saltLen+ivLen+algLen {
		return nil, KeyAlgorithm{}, ErrIntegrity
	}

	offset := headerSize
	salt := payload[offset : offset+saltLen]
	offset += saltLen
	iv := payload[offset : offset+ivLen]
	offset += ivLen
	algJSON := payload[offset : offset+algLen]
	offset += algLen
	ciphertext := payload[offset:]

	var alg KeyAlgorithm
	if err := json.Unmarshal(algJSON, &alg); err != nil {
		return nil, KeyAlgorithm{}, ErrIntegrity
	}

	aead, err := newAEAD(DeriveWrappingKey(pin, salt))
	if err != nil {
		return nil, KeyAlgorithm{}, ErrIntegrity
	}
	keyMaterial, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, KeyAlgorithm{}, ErrIntegrity
	}

	return keyMaterial, alg, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cannot create new AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
