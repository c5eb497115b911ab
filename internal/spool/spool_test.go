package spool

import (
	"bytes"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"kmflowd/internal/event"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	key := make([]byte, 32)
	rand.Read(key)

	s, err := Open(filepath.Join(t.TempDir(), "spool.db"), key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(seq uint64) *event.CaptureEvent {
	return &event.CaptureEvent{
		Type:      event.TypeAppSwitch,
		Timestamp: time.Now().UTC(),
		AppID:     "com.example.editor",
		Seq:       seq,
	}
}

func TestAppendAndPendingOrder(t *testing.T) {
	s := newTestSpool(t)

	// Insert out of order; reads must come back in sequence order.
	for _, seq := range []uint64{3, 1, 2} {
		if err := s.Append(testEvent(seq)); err != nil {
			t.Fatalf("Append(%d): %v", seq, err)
		}
	}

	pending, err := s.Pending(10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d events", len(pending))
	}
	for i, want := range []uint64{1, 2, 3} {
		if pending[i].Seq != want {
			t.Errorf("position %d: got seq %d, want %d", i, pending[i].Seq, want)
		}
	}
}

func TestAppendRejectsDuplicateSeq(t *testing.T) {
	s := newTestSpool(t)

	if err := s.Append(testEvent(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(testEvent(1)); err == nil {
		t.Error("duplicate sequence number accepted")
	}
}

func TestAckAndPrune(t *testing.T) {
	s := newTestSpool(t)
	for seq := uint64(1); seq <= 5; seq++ {
		if err := s.Append(testEvent(seq)); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Ack(3); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	pending, err := s.Pending(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].Seq != 4 {
		t.Errorf("pending after ack: %d events, first seq %d", len(pending), pending[0].Seq)
	}

	n, err := s.PruneAcked()
	if err != nil {
		t.Fatalf("PruneAcked: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned %d, want 3", n)
	}
}

func TestPurgeRemovesEverything(t *testing.T) {
	s := newTestSpool(t)
	for seq := uint64(1); seq <= 10; seq++ {
		if err := s.Append(testEvent(seq)); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	count, err := s.PendingCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("%d events survived purge", count)
	}
}

func TestPayloadEncryptedAtRest(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	path := filepath.Join(t.TempDir(), "spool.db")

	s, err := Open(path, key)
	if err != nil {
		t.Fatal(err)
	}
	ev := testEvent(1)
	ev.WindowTitle = "Quarterly Planning"
	if err := s.Append(ev); err != nil {
		t.Fatal(err)
	}

	var sealed []byte
	if err := s.db.QueryRow(`SELECT payload FROM events WHERE seq = 1`).Scan(&sealed); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, []byte("Quarterly")) {
		t.Error("plaintext title stored on disk")
	}
	s.Close()

	// Reopening with the wrong key cannot decrypt.
	wrong := make([]byte, 32)
	rand.Read(wrong)
	s2, err := Open(path, wrong)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if _, err := s2.Pending(1); !errors.Is(err, ErrBadPayload) {
		t.Errorf("wrong key: got %v, want ErrBadPayload", err)
	}
}

func TestClosedSpoolErrors(t *testing.T) {
	s := newTestSpool(t)
	s.Close()

	if err := s.Append(testEvent(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Append on closed: %v", err)
	}
	if _, err := s.Pending(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Pending on closed: %v", err)
	}
}

func TestOpenRejectsShortKey(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "spool.db"), []byte("short")); err == nil {
		t.Error("short key accepted")
	}
}
