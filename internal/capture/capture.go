// Package capture is the orchestrating state machine: it gates the event
// pipeline behind the current consent state, assigns sequence numbers, and
// tears the pipeline down when consent is revoked.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kmflowd/internal/config"
	"kmflowd/internal/consent"
	"kmflowd/internal/event"
	"kmflowd/internal/gate"
	"kmflowd/internal/scrub"
)

// Errors
var (
	ErrNotCapturing      = errors.New("capture: not in capturing state")
	ErrInvalidTransition = errors.New("capture: invalid state transition")
	ErrRevoked           = errors.New("capture: consent revoked")
)

// State is the machine state.
type State int

// Machine states. StateStopped is terminal; revocation lands there after
// running the teardown path.
const (
	StateUninitialized State = iota
	StateAwaitingConsent
	StateCapturing
	StatePaused
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingConsent:
		return "awaiting_consent"
	case StateCapturing:
		return "capturing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Sink receives sequenced, scrubbed events. The transport client is the
// production sink; the composition root layers spool fallback behind it.
type Sink interface {
	Send(ctx context.Context, ev *event.CaptureEvent) error
	Close() error
}

// Purger is the local buffer purged synchronously on revocation.
type Purger interface {
	Purge() error
}

// Stopper is the companion supervisor stopped on revocation.
type Stopper interface {
	Stop() error
}

// Observation is one raw OS-level observation before any filtering. The
// pointer fields distinguish absent from empty.
type Observation struct {
	Type            event.Type
	At              time.Time
	AppName         string
	AppID           *string
	WindowTitle     *string
	SecureInput     bool
	PrivateBrowsing bool
	Payload         map[string]event.Value
}

// Machine is the capture state machine. State reads are lock-free so the
// per-event permission check never contends with supervisory callers;
// transitions are serialized by a single mutex held only inside this
// package.
type Machine struct {
	log  *slog.Logger
	gate *gate.Gate

	state atomic.Int32
	seq   atomic.Uint64
	scope atomic.Pointer[consent.Scope]

	mu     sync.Mutex
	sink   Sink
	buffer Purger
	comp   Stopper

	dropped atomic.Uint64
}

// New creates a machine in the uninitialized state. Any of sink, buffer, or
// comp may be nil when that part of the pipeline is absent (tests, partial
// startup).
func New(g *gate.Gate, sink Sink, buffer Purger, comp Stopper, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Machine{
		log:    log,
		gate:   g,
		sink:   sink,
		buffer: buffer,
		comp:   comp,
	}
	m.state.Store(int32(StateUninitialized))
	return m
}

// State returns the current machine state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// IsCapturePermitted reports whether an event may enter the pipeline right
// now. Re-evaluated per event: consent is a standing condition, not a
// startup check.
func (m *Machine) IsCapturePermitted() bool {
	return m.State() == StateCapturing
}

// SetSnapshot forwards a new configuration snapshot to the gate. The
// machine is the sole configuration writer.
func (m *Machine) SetSnapshot(snapshot *config.Snapshot) {
	m.gate.SetSnapshot(snapshot)
}

// Initialize moves out of uninitialized according to the loaded consent
// record: consented starts capture, revoked lands stopped, anything else
// waits for onboarding.
func (m *Machine) Initialize(record *consent.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if State(m.state.Load()) != StateUninitialized {
		return fmt.Errorf("%w: initialize from %s", ErrInvalidTransition, m.State())
	}

	switch record.State {
	case consent.StateConsented:
		scope := record.CaptureScope
		m.scope.Store(&scope)
		m.state.Store(int32(StateCapturing))
	case consent.StateRevoked:
		m.state.Store(int32(StateStopped))
	default:
		m.state.Store(int32(StateAwaitingConsent))
	}

	m.log.Info("capture state machine initialized",
		"consent_state", string(record.State), "state", m.State().String())
	return nil
}

// ConsentGranted starts capture after onboarding completes.
func (m *Machine) ConsentGranted(scope consent.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if State(m.state.Load()) != StateAwaitingConsent {
		return fmt.Errorf("%w: consent granted in %s", ErrInvalidTransition, m.State())
	}
	m.scope.Store(&scope)
	m.state.Store(int32(StateCapturing))
	m.log.Info("capture started", "scope", string(scope))
	return nil
}

// Pause suspends capture without tearing anything down.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if State(m.state.Load()) != StateCapturing {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, m.State())
	}
	m.state.Store(int32(StatePaused))
	m.log.Info("capture paused")
	return nil
}

// Resume continues capture after a pause.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if State(m.state.Load()) != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, m.State())
	}
	m.state.Store(int32(StateCapturing))
	m.log.Info("capture resumed")
	return nil
}

// Stop moves to the terminal stopped state and closes the sink. Stopping an
// already stopped machine is a no-op.
func (m *Machine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(false)
}

// HandleRevocation is the consent store's revocation handler: stop
// immediately, close the channel, stop the companion, and purge the local
// buffer. It completes synchronously so no captured byte survives the
// revocation call.
func (m *Machine) HandleRevocation() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.stopLocked(true); err != nil {
		m.log.Error("revocation teardown incomplete", "error", err)
	}
}

// stopLocked performs the stop transition. With purge set it also stops the
// companion and purges the buffer.
func (m *Machine) stopLocked(purge bool) error {
	if State(m.state.Load()) == StateStopped {
		return nil
	}
	m.state.Store(int32(StateStopped))

	var errs []error
	if m.sink != nil {
		if err := m.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if purge {
		if m.comp != nil {
			if err := m.comp.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop companion: %w", err))
			}
		}
		if m.buffer != nil {
			if err := m.buffer.Purge(); err != nil {
				errs = append(errs, fmt.Errorf("purge buffer: %w", err))
			}
		}
	}

	m.log.Info("capture stopped", "purged", purge)
	return errors.Join(errs...)
}

// Dropped returns the count of observations rejected by the permission or
// eligibility checks since startup. Static counter, safe to expose.
func (m *Machine) Dropped() uint64 {
	return m.dropped.Load()
}

// Observe runs one observation through the pipeline: permission check,
// eligibility gate, scope enforcement, scrubbing, sequencing, delivery.
// Rejections are not errors; only delivery failures propagate.
func (m *Machine) Observe(ctx context.Context, obs Observation) error {
	if !m.IsCapturePermitted() {
		m.dropped.Add(1)
		return nil
	}
	if !m.gate.ShouldCapture(obs.AppID, obs.SecureInput, obs.PrivateBrowsing) {
		m.dropped.Add(1)
		return nil
	}

	ev, ok := m.buildEvent(obs)
	if !ok {
		m.dropped.Add(1)
		return nil
	}
	if err := ev.Validate(); err != nil {
		m.dropped.Add(1)
		m.log.Warn("observation rejected", "error", err)
		return nil
	}

	// The permission check repeats after construction: a revocation that
	// raced the build must win.
	if !m.IsCapturePermitted() {
		m.dropped.Add(1)
		return nil
	}

	if m.sink == nil {
		return nil
	}
	return m.sink.Send(ctx, ev)
}

// buildEvent applies scope policy and scrubbing and assigns the sequence
// number. Under the actions scope window titles are stripped entirely and
// title events are dropped; under the content scope titles pass through the
// scrubber.
func (m *Machine) buildEvent(obs Observation) (*event.CaptureEvent, bool) {
	scope := m.scope.Load()
	if scope == nil {
		return nil, false
	}

	var title string
	switch *scope {
	case consent.ScopeActions:
		if obs.Type == event.TypeWindowTitle {
			return nil, false
		}
	case consent.ScopeContent:
		if obs.WindowTitle != nil {
			title = scrub.SanitizeString(*obs.WindowTitle)
		}
	default:
		return nil, false
	}

	ev := &event.CaptureEvent{
		Type:           obs.Type,
		Timestamp:      obs.At.UTC(),
		AppName:        obs.AppName,
		WindowTitle:    title,
		Payload:        obs.Payload,
		IdempotencyKey: uuid.NewString(),
		Seq:            m.seq.Add(1),
	}
	if obs.AppID != nil {
		ev.AppID = *obs.AppID
	}
	return ev, true
}
