//go:build linux

package keystore

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Secret Service constants (org.freedesktop.secrets).
const (
	secretsBusName     = "org.freedesktop.secrets"
	secretsObjectPath  = dbus.ObjectPath("/org/freedesktop/secrets")
	serviceInterface   = "org.freedesktop.Secret.Service"
	itemInterface      = "org.freedesktop.Secret.Item"
	defaultCollection  = dbus.ObjectPath("/org/freedesktop/secrets/aliases/default")
	collectionIface    = "org.freedesktop.Secret.Collection"
	attributeNamespace = "kmflowd"
)

// secretStruct mirrors the Secret Service wire struct (oayays).
type secretStruct struct {
	Session     dbus.ObjectPath
	Parameters  []byte
	Value       []byte
	ContentType string
}

// SecretServiceBackend stores secrets in the user's login keyring over
// D-Bus. Secrets are only readable after the keyring is unlocked, which
// gives the "accessible only after first unlock" property the daemon needs.
type SecretServiceBackend struct {
	conn    *dbus.Conn
	session dbus.ObjectPath
}

// NewSecretServiceBackend connects to the session bus and opens a plain
// transfer session with the Secret Service. Returns ErrUnavailable when no
// service is on the bus (headless systems), letting the caller fall back to
// the file backend.
func NewSecretServiceBackend() (*SecretServiceBackend, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: session bus: %v", ErrUnavailable, err)
	}

	svc := conn.Object(secretsBusName, secretsObjectPath)
	var output dbus.Variant
	var session dbus.ObjectPath
	err = svc.Call(serviceInterface+".OpenSession", 0, "plain", dbus.MakeVariant("")).Store(&output, &session)
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", ErrUnavailable, err)
	}

	return &SecretServiceBackend{conn: conn, session: session}, nil
}

func attributesFor(name string) map[string]string {
	return map[string]string{
		"application": attributeNamespace,
		"secret-name": name,
	}
}

// findItem locates the item holding the named secret, or returns ErrNotFound.
func (s *SecretServiceBackend) findItem(name string) (dbus.ObjectPath, error) {
	svc := s.conn.Object(secretsBusName, secretsObjectPath)

	var unlocked, locked []dbus.ObjectPath
	err := svc.Call(serviceInterface+".SearchItems", 0, attributesFor(name)).Store(&unlocked, &locked)
	if err != nil {
		return "", fmt.Errorf("keystore: search items: %w", err)
	}

	if len(unlocked) > 0 {
		return unlocked[0], nil
	}
	if len(locked) > 0 {
		// Ask the service to unlock; prompts are handled by the desktop shell.
		var unlockedNow []dbus.ObjectPath
		var prompt dbus.ObjectPath
		err := svc.Call(serviceInterface+".Unlock", 0, locked[:1]).Store(&unlockedNow, &prompt)
		if err != nil {
			return "", fmt.Errorf("keystore: unlock: %w", err)
		}
		if len(unlockedNow) > 0 {
			return unlockedNow[0], nil
		}
		return "", errors.New("keystore: item locked and unlock prompt required")
	}
	return "", ErrNotFound
}

// Get returns the named secret from the default collection.
func (s *SecretServiceBackend) Get(name string) ([]byte, error) {
	itemPath, err := s.findItem(name)
	if err != nil {
		return nil, err
	}

	item := s.conn.Object(secretsBusName, itemPath)
	var secret secretStruct
	if err := item.Call(itemInterface+".GetSecret", 0, s.session).Store(&secret); err != nil {
		return nil, fmt.Errorf("keystore: get secret: %w", err)
	}
	return secret.Value, nil
}

// Set stores the named secret in the default collection, replacing any
// existing item with the same attributes.
func (s *SecretServiceBackend) Set(name string, value []byte) error {
	coll := s.conn.Object(secretsBusName, defaultCollection)

	props := map[string]dbus.Variant{
		"org.freedesktop.Secret.Item.Label":      dbus.MakeVariant("kmflowd " + name),
		"org.freedesktop.Secret.Item.Attributes": dbus.MakeVariant(attributesFor(name)),
	}
	secret := secretStruct{
		Session:     s.session,
		Value:       value,
		ContentType: "application/octet-stream",
	}

	var itemPath, prompt dbus.ObjectPath
	err := coll.Call(collectionIface+".CreateItem", 0, props, secret, true).Store(&itemPath, &prompt)
	if err != nil {
		return fmt.Errorf("keystore: create item: %w", err)
	}
	return nil
}

// Delete removes the named secret.
func (s *SecretServiceBackend) Delete(name string) error {
	itemPath, err := s.findItem(name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	item := s.conn.Object(secretsBusName, itemPath)
	var prompt dbus.ObjectPath
	if err := item.Call(itemInterface+".Delete", 0).Store(&prompt); err != nil {
		return fmt.Errorf("keystore: delete item: %w", err)
	}
	return nil
}

// OpenDefault opens the platform keystore: the Secret Service when
// reachable, otherwise owner-only files under dataDir.
func OpenDefault(dataDir string) (*Keystore, error) {
	if backend, err := NewSecretServiceBackend(); err == nil {
		return Open(backend)
	}
	backend, err := NewFileBackend(dataDir)
	if err != nil {
		return nil, err
	}
	return Open(backend)
}
