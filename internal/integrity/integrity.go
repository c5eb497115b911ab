// Package integrity verifies the installed bundle against a signed
// manifest of file digests, so tampered or partially replaced payloads
// are detected before and during operation.
package integrity

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"kmflowd/internal/security"
)

// Manifest and signature file names inside the bundle root.
const (
	ManifestName  = "manifest.json"
	SignatureName = "manifest.sig"
)

// Errors
var (
	ErrManifestMissing  = errors.New("integrity: manifest missing")
	ErrSignatureMissing = errors.New("integrity: manifest signature missing")
	ErrSignatureInvalid = errors.New("integrity: manifest signature invalid")
)

// em is the canonical encoder used for signing; the byte stream over which
// the MAC runs must be identical between the signer and every verifier.
var em cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	em, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("integrity: canonical encoder: %v", err))
	}
}

// Manifest lists every file in the bundle with its digest. Entries are
// kept sorted by path so the canonical encoding is stable.
type Manifest struct {
	Version   int         `json:"version" cbor:"1,keyasint"`
	CreatedAt time.Time   `json:"created_at" cbor:"2,keyasint"`
	Files     []FileEntry `json:"files" cbor:"3,keyasint"`
}

// FileEntry is one manifested file. Path is slash-separated and relative
// to the bundle root; Digest is the hex BLAKE3-256 of the file contents.
type FileEntry struct {
	Path   string `json:"path" cbor:"1,keyasint"`
	Digest string `json:"digest" cbor:"2,keyasint"`
}

// canonicalBytes returns the byte stream the signature covers.
func (m *Manifest) canonicalBytes() ([]byte, error) {
	data, err := em.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("integrity: encode manifest: %w", err)
	}
	return data, nil
}

// Status is the outcome of a verification pass.
type Status int

// Verification outcomes.
const (
	// StatusPassed means every manifested file matched its digest and no
	// unmanifested file was present.
	StatusPassed Status = iota
	// StatusFailed means at least one violation was found.
	StatusFailed
	// StatusManifestMissing means no manifest was present. Only possible
	// outside release mode; in release mode a missing manifest is a failure.
	StatusManifestMissing
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusManifestMissing:
		return "manifest_missing"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Violation reasons.
const (
	ReasonModified         = "modified"
	ReasonMissing          = "missing"
	ReasonUnexpected       = "unexpected"
	ReasonManifestMissing  = "manifest_missing"
	ReasonSignatureMissing = "signature_missing"
	ReasonSignatureInvalid = "signature_invalid"
)

// Violation names one integrity failure.
type Violation struct {
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Reason
	}
	return fmt.Sprintf("%s: %s", v.Path, v.Reason)
}

// Result is one verification pass.
type Result struct {
	Status     Status      `json:"status"`
	Violations []Violation `json:"violations,omitempty"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Verifier checks a bundle directory against its signed manifest.
type Verifier struct {
	bundleDir string
	key       []byte
	release   bool
}

// NewVerifier creates a verifier for the bundle at bundleDir. key is the
// manifest MAC key. In release mode a missing manifest or signature is a
// verification failure rather than an informational status.
func NewVerifier(bundleDir string, key []byte, release bool) *Verifier {
	return &Verifier{bundleDir: bundleDir, key: key, release: release}
}

// Verify runs one full pass: load and authenticate the manifest, digest
// every listed file, then sweep the tree for files the manifest does not
// name. An unmanifested file is a violation: the companion's search paths
// are bundle-internal, so a planted library would load. The error return
// is reserved for I/O problems reading intact files; tampering is reported
// in the Result, not as an error.
func (v *Verifier) Verify() (*Result, error) {
	res := &Result{CheckedAt: time.Now().UTC()}

	manifest, err := v.loadManifest()
	switch {
	case errors.Is(err, ErrManifestMissing):
		if v.release {
			res.Status = StatusFailed
			res.Violations = append(res.Violations, Violation{Reason: ReasonManifestMissing})
			return res, nil
		}
		res.Status = StatusManifestMissing
		return res, nil
	case errors.Is(err, ErrSignatureMissing):
		res.Status = StatusFailed
		res.Violations = append(res.Violations, Violation{Reason: ReasonSignatureMissing})
		return res, nil
	case errors.Is(err, ErrSignatureInvalid):
		res.Status = StatusFailed
		res.Violations = append(res.Violations, Violation{Reason: ReasonSignatureInvalid})
		return res, nil
	case err != nil:
		return nil, err
	}

	listed := make(map[string]struct{}, len(manifest.Files))
	for _, entry := range manifest.Files {
		listed[entry.Path] = struct{}{}
		path := filepath.Join(v.bundleDir, filepath.FromSlash(entry.Path))
		digest, err := hashFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			res.Violations = append(res.Violations, Violation{Path: entry.Path, Reason: ReasonMissing})
			continue
		case err != nil:
			return nil, fmt.Errorf("integrity: read %s: %w", entry.Path, err)
		}
		if digest != entry.Digest {
			res.Violations = append(res.Violations, Violation{Path: entry.Path, Reason: ReasonModified})
		}
	}

	err = filepath.WalkDir(v.bundleDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(v.bundleDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestName || rel == SignatureName || rel == KeyName {
			return nil
		}
		if _, ok := listed[rel]; !ok {
			res.Violations = append(res.Violations, Violation{Path: rel, Reason: ReasonUnexpected})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("integrity: sweep bundle: %w", err)
	}

	if len(res.Violations) > 0 {
		res.Status = StatusFailed
	} else {
		res.Status = StatusPassed
	}
	return res, nil
}

// loadManifest reads and authenticates the manifest. The signature check
// happens before any field of the manifest is trusted.
func (v *Verifier) loadManifest() (*Manifest, error) {
	manifestPath := filepath.Join(v.bundleDir, ManifestName)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrManifestMissing
	}
	if err != nil {
		return nil, fmt.Errorf("integrity: read manifest: %w", err)
	}

	sig, err := os.ReadFile(filepath.Join(v.bundleDir, SignatureName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSignatureMissing
	}
	if err != nil {
		return nil, fmt.Errorf("integrity: read signature: %w", err)
	}

	var manifest Manifest
	if err := unmarshalManifest(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	canonical, err := manifest.canonicalBytes()
	if err != nil {
		return nil, err
	}
	decoded := make([]byte, hex.DecodedLen(len(sig)))
	n, err := hex.Decode(decoded, trimNewline(sig))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", ErrSignatureInvalid)
	}
	if !security.VerifyMAC(v.key, canonical, decoded[:n]) {
		return nil, ErrSignatureInvalid
	}
	return &manifest, nil
}

// Monitor re-verifies the bundle on an interval and reports failures.
type Monitor struct {
	verifier *Verifier
	interval time.Duration
	onFail   func(*Result)

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a periodic re-verifier. onFail is called from the
// monitor goroutine for every pass whose status is not passed.
func NewMonitor(verifier *Verifier, interval time.Duration, onFail func(*Result)) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Monitor{
		verifier: verifier,
		interval: interval,
		onFail:   onFail,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic verification loop.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				res, err := m.verifier.Verify()
				if err != nil {
					res = &Result{
						Status:     StatusFailed,
						Violations: []Violation{{Reason: fmt.Sprintf("verify error: %v", err)}},
						CheckedAt:  time.Now().UTC(),
					}
				}
				if res.Status != StatusPassed && m.onFail != nil {
					m.onFail(res)
				}
			}
		}
	}()
}

// Stop ends the loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// hashFile returns the hex BLAKE3-256 digest of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BuildManifest walks the bundle directory and produces a manifest of
// every regular file, excluding the manifest and signature themselves.
func BuildManifest(bundleDir string) (*Manifest, error) {
	manifest := &Manifest{Version: 1, CreatedAt: time.Now().UTC()}

	err := filepath.WalkDir(bundleDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(bundleDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestName || rel == SignatureName || rel == KeyName {
			return nil
		}
		digest, err := hashFile(path)
		if err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, FileEntry{Path: rel, Digest: digest})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("integrity: build manifest: %w", err)
	}

	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].Path < manifest.Files[j].Path
	})
	return manifest, nil
}

// WriteSigned writes the manifest and its detached signature into the
// bundle directory.
func WriteSigned(bundleDir string, manifest *Manifest, key []byte) error {
	data, err := marshalManifest(manifest)
	if err != nil {
		return err
	}
	canonical, err := manifest.canonicalBytes()
	if err != nil {
		return err
	}
	mac := security.ComputeMAC(key, canonical)

	if err := os.WriteFile(filepath.Join(bundleDir, ManifestName), data, 0644); err != nil {
		return fmt.Errorf("integrity: write manifest: %w", err)
	}
	sig := append([]byte(hex.EncodeToString(mac)), '\n')
	if err := os.WriteFile(filepath.Join(bundleDir, SignatureName), sig, 0644); err != nil {
		return fmt.Errorf("integrity: write signature: %w", err)
	}
	return nil
}

// KeyName is the manifest MAC key file inside the bundle root. Co-locating
// the key defends against accidental corruption and naive file replacement;
// an attacker who can rewrite the whole bundle is out of this threat model
// and handled by platform code signing.
const KeyName = "manifest.key"

// LoadBundleKey reads the co-located manifest key, generating one on first
// use when generate is set (packaging-time path).
func LoadBundleKey(bundleDir string, generate bool) ([]byte, error) {
	path := filepath.Join(bundleDir, KeyName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && generate {
		key, err := security.GenerateKey(security.KeySize)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
			return nil, fmt.Errorf("integrity: write key: %w", err)
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("integrity: read key: %w", err)
	}
	key, err := hex.DecodeString(string(trimNewline(data)))
	if err != nil {
		return nil, fmt.Errorf("integrity: malformed key: %w", err)
	}
	return key, nil
}

// marshalManifest renders the manifest as indented JSON for the bundle.
func marshalManifest(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("integrity: encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

func unmarshalManifest(data []byte, m *Manifest) error {
	return json.Unmarshal(data, m)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
