// Package keystore manages the per-install secret material for kmflowd: the
// consent record MAC key, the shared transport secret, and the spool
// encryption key.
//
// Secrets live in an OS credential store where one is available (the
// freedesktop Secret Service on Linux) and fall back to owner-only files in
// the daemon data directory elsewhere. All three keys are derived from one
// per-install master key with domain-separated HKDF, so a single stored
// secret covers every concern and rotation replaces all of them at once.
// None of the material is ever synchronized off the device.
package keystore

import (
	"errors"
	"fmt"

	"kmflowd/internal/security"
)

// Errors
var (
	ErrNotFound    = errors.New("keystore: secret not found")
	ErrUnavailable = errors.New("keystore: no credential store available")
)

// masterKeyName is the name of the single stored secret.
const masterKeyName = "master-key"

// Backend is a minimal credential store: named opaque secrets.
type Backend interface {
	// Get returns the named secret or ErrNotFound.
	Get(name string) ([]byte, error)
	// Set stores the named secret, replacing any existing value.
	Set(name string, value []byte) error
	// Delete removes the named secret. Deleting a missing secret is not an error.
	Delete(name string) error
}

// Keystore derives the daemon's working keys from the per-install master key.
type Keystore struct {
	backend Backend
}

// Open loads or creates the per-install master key in the given backend.
func Open(backend Backend) (*Keystore, error) {
	ks := &Keystore{backend: backend}

	master, err := backend.Get(masterKeyName)
	if errors.Is(err, ErrNotFound) {
		master, err = security.GenerateKey(security.KeySize)
		if err != nil {
			return nil, err
		}
		if err := backend.Set(masterKeyName, master); err != nil {
			return nil, fmt.Errorf("store master key: %w", err)
		}
		return ks, nil
	}
	if err != nil {
		return nil, err
	}

	if err := security.ValidateKeyStrength(master); err != nil {
		return nil, fmt.Errorf("stored master key: %w", err)
	}
	return ks, nil
}

// ConsentMACKey returns the key used to sign consent records.
func (k *Keystore) ConsentMACKey() ([]byte, error) {
	return k.derive("consent-mac")
}

// TransportSecret returns the shared secret authenticating the local channel.
func (k *Keystore) TransportSecret() ([]byte, error) {
	return k.derive("transport-auth")
}

// SpoolKey returns the AES-256 key encrypting spooled event payloads.
func (k *Keystore) SpoolKey() ([]byte, error) {
	return k.derive("spool-encryption")
}

func (k *Keystore) derive(label string) ([]byte, error) {
	master, err := k.backend.Get(masterKeyName)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(master)
	return security.DeriveKey(master, label, security.KeySize)
}

// Reset deletes the master key. Every derived key becomes unrecoverable;
// used when re-onboarding after consent tampering is detected.
func (k *Keystore) Reset() error {
	return k.backend.Delete(masterKeyName)
}
