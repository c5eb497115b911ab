package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kmflowd/internal/security"
)

// FileBackend stores secrets as owner-only files under a private directory.
// It is the fallback when no OS credential store is reachable and the
// default on platforms without a Secret Service.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a file-backed store rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := security.EnsureSecureDir(dir); err != nil {
		return nil, fmt.Errorf("keystore dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", fmt.Errorf("keystore: invalid secret name %q", name)
	}
	return filepath.Join(f.dir, name+".key"), nil
}

// Get returns the named secret or ErrNotFound.
func (f *FileBackend) Get(name string) ([]byte, error) {
	p, err := f.path(name)
	if err != nil {
		return nil, err
	}
	data, err := security.ReadSecretFile(p, 4096)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Set stores the named secret atomically with owner-only permissions.
func (f *FileBackend) Set(name string, value []byte) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	return security.WriteSecretFile(p, value)
}

// Delete removes the named secret.
func (f *FileBackend) Delete(name string) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
