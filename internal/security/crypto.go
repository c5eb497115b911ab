// Package security provides the cryptographic and file-handling primitives
// shared by the consent store, keystore, and integrity verifier.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16 // 128 bits

// KeySize is the key size used throughout kmflowd.
const KeySize = 32 // 256 bits

// GenerateKey generates a cryptographically secure random key.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	key := make([]byte, size)
	n, err := rand.Read(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: only got %d of %d bytes", ErrInsufficientEntropy, n, size)
	}
	return key, nil
}

// DeriveKey derives a subkey from a master key using HKDF with SHA-256 and a
// domain separation label. This prevents key reuse across contexts (consent
// MAC, transport secret, spool encryption).
func DeriveKey(masterKey []byte, label string, keySize int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha256.New, masterKey, nil, []byte("kmflowd:"+label))

	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return derived, nil
}

// ComputeMAC returns the HMAC-SHA256 tag of data under key.
func ComputeMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyMAC checks an HMAC-SHA256 tag in constant time.
func VerifyMAC(key, data, tag []byte) bool {
	expected := ComputeMAC(key, data)
	return SecureCompare(expected, tag)
}

// SecureCompare performs a constant-time comparison of two byte slices.
// Returns true if they are equal.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidateKeyStrength checks if a key meets minimum requirements.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinKeySize)
	}

	allSame := true
	for _, b := range key {
		if b != key[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("%w: key has a degenerate repeating pattern", ErrWeakKey)
	}
	return nil
}

// Wipe overwrites sensitive bytes in place.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
