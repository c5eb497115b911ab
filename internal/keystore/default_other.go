//go:build !linux

package keystore

// OpenDefault opens the platform keystore. Platforms without a Secret
// Service use owner-only files under dataDir.
func OpenDefault(dataDir string) (*Keystore, error) {
	backend, err := NewFileBackend(dataDir)
	if err != nil {
		return nil, err
	}
	return Open(backend)
}
