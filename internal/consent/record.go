// Package consent persists the user's consent decision with a tamper-evident
// signature and is the single source of truth for whether capture may occur.
package consent

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// SchemaVersion is the current consent record schema. Version 1 records
// were unsigned; they are accepted once by the migration path and re-signed.
const SchemaVersion = 2

// State is the consent lifecycle state.
type State string

// Consent states.
const (
	StateNeverConsented State = "never_consented"
	StateConsented      State = "consented"
	StateRevoked        State = "revoked"
)

// Scope selects the capture policy granted by the user.
type Scope string

// Capture scopes. ScopeActions captures application switching and input
// counts but strips window titles entirely; ScopeContent additionally
// includes scrubbed window titles.
const (
	ScopeActions Scope = "actions"
	ScopeContent Scope = "content"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeActions || s == ScopeContent
}

// Record is the consent decision as persisted. Mutated only through
// Store.Save and Store.Revoke.
type Record struct {
	EngagementID  string    `json:"engagement_id" cbor:"1,keyasint"`
	State         State     `json:"state" cbor:"2,keyasint"`
	ConsentedAt   time.Time `json:"consented_at" cbor:"3,keyasint"`
	AuthorizedBy  string    `json:"authorized_by,omitempty" cbor:"4,keyasint,omitempty"`
	CaptureScope  Scope     `json:"capture_scope" cbor:"5,keyasint"`
	SchemaVersion int       `json:"consent_schema_version" cbor:"6,keyasint"`
}

// SignedRecord wraps a record with its authentication tag. The MAC covers
// the canonical serialization of Record under the per-install key.
type SignedRecord struct {
	Record Record `json:"record"`
	MAC    []byte `json:"mac"`
}

// canonicalEncMode is the deterministic CBOR encoder used for signing.
// Identical logical records always produce identical bytes.
var canonicalEncMode = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("consent: canonical encoder: %v", err))
	}
	return em
}

// CanonicalBytes returns the deterministic serialization of the record, the
// exact bytes the MAC covers.
func (r *Record) CanonicalBytes() ([]byte, error) {
	data, err := canonicalEncMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("consent: canonical serialization: %w", err)
	}
	return data, nil
}

// Validate checks structural invariants before signing or persisting.
func (r *Record) Validate() error {
	if r.EngagementID == "" {
		return errors.New("consent: empty engagement id")
	}
	switch r.State {
	case StateNeverConsented, StateConsented, StateRevoked:
	default:
		return fmt.Errorf("consent: unknown state %q", r.State)
	}
	if r.State == StateConsented && !r.CaptureScope.Valid() {
		return fmt.Errorf("consent: unknown capture scope %q", r.CaptureScope)
	}
	return nil
}
