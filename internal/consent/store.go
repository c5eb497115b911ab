package consent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"kmflowd/internal/security"
)

// Errors
var (
	ErrPersist         = errors.New("consent: persist failed")
	ErrSignature       = errors.New("consent: record signature mismatch")
	ErrRevokedTerminal = errors.New("consent: engagement is revoked")
	ErrUnknownSchema   = errors.New("consent: unsupported schema version")
	ErrNothingToRevoke = errors.New("consent: no record to revoke")
	ErrHandlerRegistry = errors.New("consent: revocation handler is nil")
	errRecordMissing   = errors.New("consent: no record on disk")
	errLegacyUnsigned  = errors.New("consent: legacy unsigned record")
)

// Event reports a consent store observation that callers must be able to
// react to, beyond what a log line offers.
type Event struct {
	Type         EventType
	EngagementID string
	At           time.Time
}

// EventType discriminates store events.
type EventType string

// Store event types.
const (
	EventTamperDetected EventType = "tamper_detected"
	EventLegacyMigrated EventType = "legacy_migrated"
	EventConsentRevoked EventType = "consent_revoked"
)

// RevocationHandler runs synchronously when consent is revoked, before
// Revoke returns. Handlers tear down the transport, stop the companion, and
// purge local buffers.
type RevocationHandler func()

// Store persists signed consent records at a single path.
type Store struct {
	path   string
	macKey []byte
	log    *slog.Logger

	mu       sync.Mutex
	handlers []RevocationHandler
	events   chan Event
	migrated bool
}

// NewStore creates a consent store. macKey is the per-install key from the
// platform keystore; the store never persists it.
func NewStore(path string, macKey []byte, log *slog.Logger) (*Store, error) {
	if err := security.ValidateKeyStrength(macKey); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		path:   path,
		macKey: macKey,
		log:    log,
		events: make(chan Event, 16),
	}, nil
}

// Events returns the channel of tamper/migration/revocation events.
func (s *Store) Events() <-chan Event {
	return s.events
}

// OnRevocation registers a handler invoked synchronously by Revoke.
func (s *Store) OnRevocation(handler RevocationHandler) error {
	if handler == nil {
		return ErrHandlerRegistry
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
	return nil
}

// Save signs and persists a consent record. Every failure propagates to the
// caller: a caller that believes consent was stored when it was not is a
// compliance defect, not a recoverable condition.
//
// Saving over a revoked record for the same engagement is rejected;
// re-onboarding must create a new record under a new engagement or a newer
// schema version.
func (s *Store) Save(engagementID string, state State, authorizedBy string, captureScope Scope, at time.Time) error {
	record := Record{
		EngagementID:  engagementID,
		State:         state,
		ConsentedAt:   at.UTC(),
		AuthorizedBy:  authorizedBy,
		CaptureScope:  captureScope,
		SchemaVersion: SchemaVersion,
	}
	if err := record.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.readSigned(); err == nil &&
		existing.Record.State == StateRevoked &&
		existing.Record.EngagementID == engagementID &&
		existing.Record.SchemaVersion >= SchemaVersion {
		return fmt.Errorf("%w: engagement %s", ErrRevokedTerminal, engagementID)
	}

	return s.writeSigned(&record)
}

// Load reads and verifies the persisted record, returning the effective
// consent state. A missing record is never_consented. A record whose MAC
// fails constant-time verification is treated as never_consented and a
// tamper event is emitted so the caller can force re-onboarding.
func (s *Store) Load(engagementID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signed, err := s.readSigned()
	if errors.Is(err, errRecordMissing) {
		return &Record{EngagementID: engagementID, State: StateNeverConsented, SchemaVersion: SchemaVersion}, nil
	}
	if errors.Is(err, errLegacyUnsigned) {
		return s.migrateLegacy(engagementID)
	}
	if err != nil {
		return nil, err
	}

	canonical, err := signed.Record.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	if !security.VerifyMAC(s.macKey, canonical, signed.MAC) {
		s.log.Error("consent record failed signature verification")
		s.emit(Event{Type: EventTamperDetected, EngagementID: engagementID, At: time.Now().UTC()})
		return &Record{EngagementID: engagementID, State: StateNeverConsented, SchemaVersion: SchemaVersion},
			fmt.Errorf("%w: treating as never_consented", ErrSignature)
	}

	if signed.Record.EngagementID != engagementID {
		return &Record{EngagementID: engagementID, State: StateNeverConsented, SchemaVersion: SchemaVersion}, nil
	}
	record := signed.Record
	return &record, nil
}

// Revoke terminally revokes consent, persists the transition, and then
// synchronously invokes every registered revocation handler before
// returning. Revoking an already-revoked record is a no-op.
func (s *Store) Revoke() error {
	s.mu.Lock()

	signed, err := s.readSigned()
	if errors.Is(err, errRecordMissing) {
		s.mu.Unlock()
		return ErrNothingToRevoke
	}
	if err != nil && !errors.Is(err, errLegacyUnsigned) {
		s.mu.Unlock()
		return err
	}

	var record Record
	if errors.Is(err, errLegacyUnsigned) {
		legacy, readErr := s.readLegacy()
		if readErr != nil {
			s.mu.Unlock()
			return readErr
		}
		record = *legacy
	} else {
		record = signed.Record
	}

	if record.State == StateRevoked {
		s.mu.Unlock()
		return nil
	}

	record.State = StateRevoked
	record.SchemaVersion = SchemaVersion
	if err := s.writeSigned(&record); err != nil {
		s.mu.Unlock()
		return err
	}

	handlers := make([]RevocationHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.emit(Event{Type: EventConsentRevoked, EngagementID: record.EngagementID, At: time.Now().UTC()})
	s.mu.Unlock()

	// Handlers run outside the lock but before Revoke returns: local buffer
	// purge, channel teardown, and companion stop complete synchronously.
	for _, h := range handlers {
		h()
	}
	return nil
}

// readSigned reads the signed wrapper from disk. It distinguishes a missing
// record, a legacy unsigned record, and a structurally broken file.
func (s *Store) readSigned() (*SignedRecord, error) {
	data, err := security.ReadSecretFile(s.path, 64*1024)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errRecordMissing
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	var signed SignedRecord
	if err := json.Unmarshal(data, &signed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	if len(signed.MAC) == 0 {
		// Pre-signature schema: a bare record with no wrapper.
		return nil, errLegacyUnsigned
	}
	return &signed, nil
}

// readLegacy decodes a version-1 unsigned record.
func (s *Store) readLegacy() (*Record, error) {
	data, err := security.ReadSecretFile(s.path, 64*1024)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if record.SchemaVersion >= SchemaVersion {
		return nil, fmt.Errorf("%w: unsigned record claims version %d", ErrUnknownSchema, record.SchemaVersion)
	}
	return &record, nil
}

// migrateLegacy accepts an unsigned legacy record exactly once per process,
// immediately re-signs and re-persists it, and emits a migration event.
// This path must never become a standing bypass around verification.
func (s *Store) migrateLegacy(engagementID string) (*Record, error) {
	if s.migrated {
		return nil, fmt.Errorf("%w: repeated legacy record after migration", ErrSignature)
	}
	s.migrated = true

	record, err := s.readLegacy()
	if err != nil {
		return nil, err
	}

	record.SchemaVersion = SchemaVersion
	if err := s.writeSigned(record); err != nil {
		return nil, err
	}

	s.log.Warn("migrated legacy unsigned consent record", "engagement_id", record.EngagementID)
	s.emit(Event{Type: EventLegacyMigrated, EngagementID: record.EngagementID, At: time.Now().UTC()})

	if record.EngagementID != engagementID {
		return &Record{EngagementID: engagementID, State: StateNeverConsented, SchemaVersion: SchemaVersion}, nil
	}
	return record, nil
}

// writeSigned computes the MAC over the canonical serialization and writes
// the wrapper atomically with owner-only permissions.
func (s *Store) writeSigned(record *Record) error {
	canonical, err := record.CanonicalBytes()
	if err != nil {
		return err
	}

	signed := SignedRecord{
		Record: *record,
		MAC:    security.ComputeMAC(s.macKey, canonical),
	}

	data, err := json.Marshal(&signed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := security.WriteSecretFile(s.path, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// emit delivers an event without ever blocking the store.
func (s *Store) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("consent event channel full, event dropped", "event_type", string(ev.Type))
	}
}
