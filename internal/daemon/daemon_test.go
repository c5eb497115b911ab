package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kmflowd/internal/capture"
	"kmflowd/internal/config"
	"kmflowd/internal/consent"
	"kmflowd/internal/event"
	"kmflowd/internal/gate"
	"kmflowd/internal/logging"
	"kmflowd/internal/spool"
	"kmflowd/internal/supervisor"
	"kmflowd/internal/transport"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// newTestDaemon assembles a daemon around a temp data directory without the
// keystore or lock file, so the supervisory helpers can be driven directly.
func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.DaemonConfig{
		DataDir:      dir,
		CompanionDir: dir,
		CompanionBin: "analyzer",
		EngagementID: "eng-test",
	}

	log, err := logging.New(&logging.Config{Level: logging.LevelError, Output: "stderr"})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	audit, err := logging.NewAuditLogger(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	t.Cleanup(func() { audit.Close() })

	store, err := consent.NewStore(cfg.ConsentPath(), testKey, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	sp, err := spool.Open(cfg.SpoolPath(), testKey)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() { sp.Close() })

	client := transport.NewClient(transport.DefaultClientConfig(cfg.SocketPath(), testKey), nil)
	sink := capture.NewSpooledSink(client, sp, nil)

	sup, err := supervisor.New(
		supervisor.DefaultConfig(dir, cfg.CompanionBin, "https://ingest.example.com/v1", cfg.SocketPath()), nil)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	t.Cleanup(func() { sup.Stop() })

	machine := capture.New(gate.New(config.Load(nil, nil)), sink, sp, sup, nil)
	t.Cleanup(func() { machine.Stop() })

	return &Daemon{
		cfg:     cfg,
		log:     log,
		audit:   audit,
		store:   store,
		spool:   sp,
		client:  client,
		sink:    sink,
		sup:     sup,
		machine: machine,
	}
}

func initializeFromStore(t *testing.T, d *Daemon) {
	t.Helper()
	record, err := d.store.Load(d.cfg.EngagementID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := d.machine.Initialize(record); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func TestRecheckConsentStartsCaptureAfterGrant(t *testing.T) {
	d := newTestDaemon(t)
	initializeFromStore(t, d)

	if st := d.machine.State(); st != capture.StateAwaitingConsent {
		t.Fatalf("state before onboarding: got %v, want awaiting_consent", st)
	}

	ctx := context.Background()

	// No record yet: the recheck must not move the machine.
	d.recheckConsent(ctx)
	if st := d.machine.State(); st != capture.StateAwaitingConsent {
		t.Fatalf("state after empty recheck: got %v", st)
	}

	// The control CLI writes the consented record out of process; the next
	// recheck must start capture without a daemon restart.
	if err := d.store.Save(d.cfg.EngagementID, consent.StateConsented, "jdoe", consent.ScopeContent, time.Now()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	d.recheckConsent(ctx)

	if st := d.machine.State(); st != capture.StateCapturing {
		t.Errorf("state after grant recheck: got %v, want capturing", st)
	}
	if _, err := os.Stat(d.cfg.StatusPath()); err != nil {
		t.Errorf("status snapshot not written after grant: %v", err)
	}
}

func TestRecheckConsentTearsDownOnRevocation(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.store.Save(d.cfg.EngagementID, consent.StateConsented, "jdoe", consent.ScopeActions, time.Now()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	initializeFromStore(t, d)
	if st := d.machine.State(); st != capture.StateCapturing {
		t.Fatalf("state: got %v, want capturing", st)
	}

	if err := d.store.Revoke(); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	d.recheckConsent(context.Background())

	if st := d.machine.State(); st != capture.StateStopped {
		t.Errorf("state after revocation recheck: got %v, want stopped", st)
	}
}

func TestFlushSpoolReplaysSpooledEvents(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.store.Save(d.cfg.EngagementID, consent.StateConsented, "jdoe", consent.ScopeActions, time.Now()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	initializeFromStore(t, d)

	ev := &event.CaptureEvent{
		Type:           event.TypeAppSwitch,
		Timestamp:      time.Now().UTC(),
		AppID:          "com.example.editor",
		IdempotencyKey: "a2c8e4d0-0000-0000-0000-000000000001",
		Seq:            1,
	}
	if err := d.spool.Append(ev); err != nil {
		t.Fatalf("Append: %v", err)
	}

	d.flushSpool(context.Background())

	pending, err := d.spool.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 0 {
		t.Errorf("spool not drained: %d pending", pending)
	}
}

func TestPauseFlagSuspendsAndResumes(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.store.Save(d.cfg.EngagementID, consent.StateConsented, "jdoe", consent.ScopeActions, time.Now()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	initializeFromStore(t, d)

	if err := os.WriteFile(d.cfg.PausePath(), nil, 0600); err != nil {
		t.Fatal(err)
	}
	d.checkPauseFlag()
	if st := d.machine.State(); st != capture.StatePaused {
		t.Fatalf("state with pause flag: got %v, want paused", st)
	}

	// Paused is not revoked: the consent recheck must leave it alone.
	d.recheckConsent(context.Background())
	if st := d.machine.State(); st != capture.StatePaused {
		t.Fatalf("state after recheck while paused: got %v", st)
	}

	if err := os.Remove(d.cfg.PausePath()); err != nil {
		t.Fatal(err)
	}
	d.checkPauseFlag()
	if st := d.machine.State(); st != capture.StateCapturing {
		t.Errorf("state after flag removal: got %v, want capturing", st)
	}
}
