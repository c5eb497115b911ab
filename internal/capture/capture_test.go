package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"kmflowd/internal/config"
	"kmflowd/internal/consent"
	"kmflowd/internal/event"
	"kmflowd/internal/gate"
)

// memorySink collects delivered events and records closure.
type memorySink struct {
	mu     sync.Mutex
	events []*event.CaptureEvent
	closed bool
}

func (s *memorySink) Send(ctx context.Context, ev *event.CaptureEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink closed")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakePurger struct{ purged bool }

func (p *fakePurger) Purge() error { p.purged = true; return nil }

type fakeStopper struct{ stopped bool }

func (s *fakeStopper) Stop() error { s.stopped = true; return nil }

func consentedRecord(scope consent.Scope) *consent.Record {
	return &consent.Record{
		EngagementID:  "eng-1",
		State:         consent.StateConsented,
		ConsentedAt:   time.Now().UTC(),
		CaptureScope:  scope,
		SchemaVersion: consent.SchemaVersion,
	}
}

func newTestMachine(t *testing.T, scope consent.Scope) (*Machine, *memorySink, *fakePurger, *fakeStopper) {
	t.Helper()
	sink := &memorySink{}
	purger := &fakePurger{}
	stopper := &fakeStopper{}
	m := New(gate.New(config.Load(nil, nil)), sink, purger, stopper, nil)
	if err := m.Initialize(consentedRecord(scope)); err != nil {
		t.Fatal(err)
	}
	return m, sink, purger, stopper
}

func observation(typ event.Type, appID string) Observation {
	id := appID
	return Observation{
		Type:  typ,
		At:    time.Now(),
		AppID: &id,
	}
}

func TestLifecycleTransitions(t *testing.T) {
	m := New(gate.New(config.Load(nil, nil)), &memorySink{}, nil, nil, nil)

	if m.State() != StateUninitialized {
		t.Fatalf("initial state: %v", m.State())
	}
	if m.IsCapturePermitted() {
		t.Error("uninitialized machine permits capture")
	}

	record := &consent.Record{EngagementID: "eng-1", State: consent.StateNeverConsented, SchemaVersion: consent.SchemaVersion}
	if err := m.Initialize(record); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateAwaitingConsent {
		t.Errorf("after init without consent: %v", m.State())
	}

	if err := m.ConsentGranted(consent.ScopeActions); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateCapturing || !m.IsCapturePermitted() {
		t.Error("consent grant did not start capture")
	}

	if err := m.Pause(); err != nil {
		t.Fatal(err)
	}
	if m.State() != StatePaused || m.IsCapturePermitted() {
		t.Error("pause did not suspend capture")
	}

	if err := m.Resume(); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateCapturing {
		t.Error("resume failed")
	}

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateStopped || m.IsCapturePermitted() {
		t.Error("stop is not terminal")
	}
}

func TestInvalidTransitions(t *testing.T) {
	m, _, _, _ := newTestMachine(t, consent.ScopeActions)

	if err := m.ConsentGranted(consent.ScopeActions); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("grant while capturing: %v", err)
	}
	if err := m.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resume while capturing: %v", err)
	}
	if err := m.Initialize(consentedRecord(consent.ScopeActions)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double initialize: %v", err)
	}
}

func TestInitializeWithRevokedRecordStopsImmediately(t *testing.T) {
	m := New(gate.New(config.Load(nil, nil)), &memorySink{}, nil, nil, nil)
	record := &consent.Record{EngagementID: "eng-1", State: consent.StateRevoked, SchemaVersion: consent.SchemaVersion}
	if err := m.Initialize(record); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateStopped {
		t.Errorf("state: %v, want stopped", m.State())
	}
}

func TestObserveAssignsMonotonicSequence(t *testing.T) {
	m, sink, _, _ := newTestMachine(t, consent.ScopeActions)

	for i := 0; i < 5; i++ {
		if err := m.Observe(context.Background(), observation(event.TypeAppSwitch, "com.example.editor")); err != nil {
			t.Fatal(err)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 5 {
		t.Fatalf("delivered %d events", len(sink.events))
	}
	for i, ev := range sink.events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("position %d: seq %d", i, ev.Seq)
		}
		if ev.IdempotencyKey == "" {
			t.Error("missing idempotency key")
		}
	}
}

func TestObserveWhileNotCapturingDropsSilently(t *testing.T) {
	m, sink, _, _ := newTestMachine(t, consent.ScopeActions)
	if err := m.Pause(); err != nil {
		t.Fatal(err)
	}

	if err := m.Observe(context.Background(), observation(event.TypeAppSwitch, "com.example.editor")); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 0 {
		t.Error("event emitted while paused")
	}
	if m.Dropped() != 1 {
		t.Errorf("dropped counter: %d", m.Dropped())
	}
}

func TestObserveAppliesGate(t *testing.T) {
	m, sink, _, _ := newTestMachine(t, consent.ScopeActions)

	obs := observation(event.TypeAppSwitch, "com.example.editor")
	obs.SecureInput = true
	if err := m.Observe(context.Background(), obs); err != nil {
		t.Fatal(err)
	}

	noID := Observation{Type: event.TypeAppSwitch, At: time.Now()}
	if err := m.Observe(context.Background(), noID); err != nil {
		t.Fatal(err)
	}

	if sink.count() != 0 {
		t.Error("gated observation reached the sink")
	}
}

func TestActionsScopeStripsTitles(t *testing.T) {
	m, sink, _, _ := newTestMachine(t, consent.ScopeActions)

	// Title events are dropped entirely under the actions scope.
	title := "Quarterly Report"
	obs := observation(event.TypeWindowTitle, "com.example.editor")
	obs.WindowTitle = &title
	if err := m.Observe(context.Background(), obs); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 0 {
		t.Error("window title event emitted under actions scope")
	}

	// Other events pass, but with the title field removed.
	obs = observation(event.TypeAppSwitch, "com.example.editor")
	obs.WindowTitle = &title
	if err := m.Observe(context.Background(), obs); err != nil {
		t.Fatal(err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("delivered %d events", len(sink.events))
	}
	if sink.events[0].WindowTitle != "" {
		t.Errorf("title leaked under actions scope: %q", sink.events[0].WindowTitle)
	}
}

func TestContentScopeScrubsTitles(t *testing.T) {
	m, sink, _, _ := newTestMachine(t, consent.ScopeContent)

	title := "Report for SSN 123-45-6789 — /Users/jdoe/Documents/file.xlsx"
	obs := observation(event.TypeWindowTitle, "com.example.editor")
	obs.WindowTitle = &title
	if err := m.Observe(context.Background(), obs); err != nil {
		t.Fatal(err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("delivered %d events", len(sink.events))
	}
	got := sink.events[0].WindowTitle
	if strings.Contains(got, "123-45-6789") || strings.Contains(got, "jdoe") {
		t.Errorf("PII survived scrubbing: %q", got)
	}
}

func TestRevocationWhileCapturing(t *testing.T) {
	m, sink, purger, stopper := newTestMachine(t, consent.ScopeContent)

	if err := m.Observe(context.Background(), observation(event.TypeAppSwitch, "com.example.editor")); err != nil {
		t.Fatal(err)
	}

	m.HandleRevocation()

	if m.State() != StateStopped {
		t.Errorf("state after revocation: %v", m.State())
	}
	if m.IsCapturePermitted() {
		t.Error("capture still permitted after revocation")
	}
	if !sink.isClosed() {
		t.Error("transport not closed on revocation")
	}
	if !stopper.stopped {
		t.Error("companion not stopped on revocation")
	}
	if !purger.purged {
		t.Error("local buffer not purged on revocation")
	}

	before := sink.count()
	if err := m.Observe(context.Background(), observation(event.TypeAppSwitch, "com.example.editor")); err != nil {
		t.Fatal(err)
	}
	if sink.count() != before {
		t.Error("event accepted after revocation")
	}
}

func TestSnapshotReplacementAffectsGate(t *testing.T) {
	m, sink, _, _ := newTestMachine(t, consent.ScopeActions)

	if err := m.Observe(context.Background(), observation(event.TypeAppSwitch, "com.example.bank")); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 {
		t.Fatal("baseline event not delivered")
	}

	m.SetSnapshot(config.Load(&config.Profile{BlockList: []string{"com.example.bank"}}, nil))

	if err := m.Observe(context.Background(), observation(event.TypeAppSwitch, "com.example.bank")); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 {
		t.Error("blocked app captured after snapshot replacement")
	}
}
