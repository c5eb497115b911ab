// Package spool buffers scrubbed capture events on disk while the local
// channel to the companion process is unavailable. Payloads are encrypted
// at rest with AES-256-GCM under a key held in the platform keystore, and
// the whole spool is purged synchronously when consent is revoked.
package spool

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"kmflowd/internal/event"
	"kmflowd/internal/security"
)

// MaxSpoolBytes caps the database size; oldest events are pruned past it.
const MaxSpoolBytes = 100 * 1024 * 1024 // 100 MB

// pruneCheckEvery controls how often the size cap is enforced.
const pruneCheckEvery = 100

// Errors
var (
	ErrClosed     = errors.New("spool: closed")
	ErrBadPayload = errors.New("spool: payload decryption failed")
)

// Schema for the spool database.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    seq         INTEGER PRIMARY KEY,
    payload     BLOB NOT NULL,
    created_ns  INTEGER NOT NULL,
    acked       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_events_acked ON events(acked, seq);
`

// Spool is the encrypted on-disk event buffer. Events keep their sequence
// numbers; reads return them in sequence order.
type Spool struct {
	db     *sql.DB
	aead   cipher.AEAD
	writes int
}

// Open opens or creates the spool database at path. key is the AES-256
// spool key from the keystore.
func Open(path string, key []byte) (*Spool, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: spool key must be 32 bytes", security.ErrInvalidKeySize)
	}

	if err := security.EnsureSecureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("spool directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply spool schema: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("spool cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("spool cipher: %w", err)
	}

	return &Spool{db: db, aead: aead}, nil
}

// Append stores one event. The sequence number is the primary key, so a
// duplicate append of the same event is rejected by the database rather
// than silently reordered.
func (s *Spool) Append(ev *event.CaptureEvent) error {
	if s.db == nil {
		return ErrClosed
	}

	plaintext, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("spool: marshal event: %w", err)
	}

	sealed, err := s.seal(plaintext)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO events (seq, payload, created_ns) VALUES (?, ?, ?)`,
		ev.Seq, sealed, ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("spool: insert: %w", err)
	}

	s.writes++
	if s.writes%pruneCheckEvery == 0 {
		s.enforceSizeCap()
	}
	return nil
}

// Pending returns up to limit unacknowledged events in sequence order.
func (s *Spool) Pending(limit int) ([]*event.CaptureEvent, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(
		`SELECT payload FROM events WHERE acked = 0 ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("spool: query pending: %w", err)
	}
	defer rows.Close()

	var events []*event.CaptureEvent
	for rows.Next() {
		var sealed []byte
		if err := rows.Scan(&sealed); err != nil {
			return nil, fmt.Errorf("spool: scan: %w", err)
		}

		plaintext, err := s.open(sealed)
		if err != nil {
			return nil, err
		}

		var ev event.CaptureEvent
		if err := json.Unmarshal(plaintext, &ev); err != nil {
			return nil, fmt.Errorf("spool: decode event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Ack marks events up to and including seq as delivered.
func (s *Spool) Ack(seq uint64) error {
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.Exec(`UPDATE events SET acked = 1 WHERE seq <= ?`, seq); err != nil {
		return fmt.Errorf("spool: ack: %w", err)
	}
	return nil
}

// PruneAcked deletes delivered events, returning the count removed.
func (s *Spool) PruneAcked() (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.Exec(`DELETE FROM events WHERE acked = 1`)
	if err != nil {
		return 0, fmt.Errorf("spool: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingCount returns the number of undelivered events.
func (s *Spool) PendingCount() (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE acked = 0`).Scan(&n)
	return n, err
}

// Purge deletes every event. Called from the consent revocation handler;
// the deletion is committed before Purge returns.
func (s *Spool) Purge() error {
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.Exec(`DELETE FROM events`); err != nil {
		return fmt.Errorf("spool: purge: %w", err)
	}
	// Reclaim pages so purged payloads do not linger in the file.
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("spool: vacuum: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Spool) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// seal encrypts plaintext with a random nonce prefix.
func (s *Spool) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("spool: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a nonce-prefixed ciphertext.
func (s *Spool) open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrBadPayload
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return plaintext, nil
}

// enforceSizeCap prunes the oldest tenth of events when the database file
// exceeds MaxSpoolBytes.
func (s *Spool) enforceSizeCap() {
	var path string
	if err := s.db.QueryRow(`SELECT file FROM pragma_database_list WHERE name = 'main'`).Scan(&path); err != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() <= MaxSpoolBytes {
		return
	}

	var total int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&total); err != nil {
		return
	}
	toDelete := total / 10
	if toDelete < 100 {
		toDelete = 100
	}
	s.db.Exec(`DELETE FROM events WHERE seq IN (SELECT seq FROM events ORDER BY seq LIMIT ?)`, toDelete)
}
