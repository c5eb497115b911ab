// Package supervisor manages the companion analysis process: isolated
// launch environment, lifecycle monitoring, and crash-loop protection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Errors
var (
	ErrEndpointScheme  = errors.New("supervisor: endpoint must use https")
	ErrEndpointHost    = errors.New("supervisor: endpoint has no host")
	ErrCircuitOpen     = errors.New("supervisor: restart circuit breaker open")
	ErrAlreadyRunning  = errors.New("supervisor: already running")
	ErrNotRunning      = errors.New("supervisor: not running")
	ErrCompanionInside = errors.New("supervisor: companion binary escapes bundle dir")
)

// State is the supervisor lifecycle state.
type State int

// Supervisor states.
const (
	StateIdle State = iota
	StateRunning
	StateRestarting
	StateTripped
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateTripped:
		return "tripped"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config configures the supervisor.
type Config struct {
	// BundleDir is the companion payload root. The launch environment
	// contains no search paths outside it.
	BundleDir string

	// Binary is the companion executable, relative to BundleDir.
	Binary string

	// Endpoint is the backend endpoint forwarded to the companion. It must
	// validate as an HTTPS URL with a host; anything else is refused here
	// rather than handed to the subprocess.
	Endpoint string

	// SocketPath is the local channel endpoint the companion should serve.
	SocketPath string

	// MaxRestarts bounds restarts within RestartWindow before the circuit
	// breaker opens.
	MaxRestarts int

	// RestartWindow is the rolling window for MaxRestarts.
	RestartWindow time.Duration

	// GracefulTimeout bounds cooperative shutdown before a forced kill.
	GracefulTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(bundleDir, binary, endpoint, socketPath string) Config {
	return Config{
		BundleDir:       bundleDir,
		Binary:          binary,
		Endpoint:        endpoint,
		SocketPath:      socketPath,
		MaxRestarts:     5,
		RestartWindow:   60 * time.Second,
		GracefulTimeout: 5 * time.Second,
	}
}

// process is the runnable companion abstraction; tests substitute crashes.
type process interface {
	// Wait blocks until the process exits.
	Wait() error
	// Terminate requests cooperative shutdown.
	Terminate() error
	// Kill forcefully ends the process.
	Kill() error
}

// startFunc launches one companion instance.
type startFunc func(ctx context.Context) (process, error)

// Supervisor runs the companion process under a restart circuit breaker.
type Supervisor struct {
	cfg   Config
	log   *slog.Logger
	start startFunc
	now   func() time.Time

	state atomic.Int32

	mu       sync.Mutex
	current  process
	restarts []time.Time

	// tripped is closed when the circuit breaker opens, surfacing the
	// persistent error state to the owner.
	tripped     chan struct{}
	trippedOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor for the configured companion process.
func New(cfg Config, log *slog.Logger) (*Supervisor, error) {
	s, err := newSupervisor(cfg, log, nil, time.Now)
	if err != nil {
		return nil, err
	}
	s.start = s.startCompanion
	return s, nil
}

// newSupervisor is the injectable constructor shared with tests.
func newSupervisor(cfg Config, log *slog.Logger, start startFunc, now func() time.Time) (*Supervisor, error) {
	if err := ValidateEndpoint(cfg.Endpoint); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = 60 * time.Second
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		log:     log,
		start:   start,
		now:     now,
		tripped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.state.Store(int32(StateIdle))
	return s, nil
}

// ValidateEndpoint rejects non-HTTPS or hostless backend endpoints. An
// unvalidated URL reaching the subprocess is a data-exfiltration vector.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("supervisor: parse endpoint: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: got %q", ErrEndpointScheme, u.Scheme)
	}
	if u.Host == "" {
		return ErrEndpointHost
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Tripped returns a channel closed when the circuit breaker opens.
func (s *Supervisor) Tripped() <-chan struct{} {
	return s.tripped
}

// Run starts the companion and supervises it until Stop is called or the
// circuit breaker opens.
func (s *Supervisor) Run() error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyRunning
	}

	s.wg.Add(1)
	go s.superviseLoop()
	return nil
}

// superviseLoop launches and relaunches the companion, tracking exits
// against the rolling restart window.
func (s *Supervisor) superviseLoop() {
	defer s.wg.Done()

	for {
		if s.ctx.Err() != nil {
			return
		}

		proc, err := s.start(s.ctx)
		if err != nil {
			s.log.Error("companion launch failed", "error", err)
			if s.recordFailure() {
				return
			}
			continue
		}

		s.mu.Lock()
		s.current = proc
		s.mu.Unlock()
		s.state.Store(int32(StateRunning))
		s.log.Info("companion started")

		err = proc.Wait()

		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			return // deliberate shutdown
		}

		s.log.Warn("companion exited unexpectedly", "error", err)
		s.state.Store(int32(StateRestarting))
		if s.recordFailure() {
			return
		}
	}
}

// recordFailure notes a crash and reports whether the breaker opened.
func (s *Supervisor) recordFailure() bool {
	now := s.now()
	cutoff := now.Add(-s.cfg.RestartWindow)

	s.mu.Lock()
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = append(kept, now)
	count := len(s.restarts)
	s.mu.Unlock()

	if count > s.cfg.MaxRestarts {
		s.state.Store(int32(StateTripped))
		s.trippedOnce.Do(func() { close(s.tripped) })
		s.log.Error("companion crash loop, circuit breaker open",
			"restarts", count-1, "window", s.cfg.RestartWindow)
		return true
	}
	return false
}

// Stop shuts the companion down gracefully, escalating to a forced kill
// after GracefulTimeout.
func (s *Supervisor) Stop() error {
	state := s.State()
	if state == StateIdle || state == StateStopped {
		return nil
	}

	s.cancel()

	s.mu.Lock()
	proc := s.current
	s.mu.Unlock()

	if proc != nil {
		done := make(chan struct{})
		go func() {
			proc.Wait()
			close(done)
		}()

		proc.Terminate()
		select {
		case <-done:
		case <-time.After(s.cfg.GracefulTimeout):
			s.log.Warn("companion did not stop gracefully, killing")
			proc.Kill()
			<-done
		}
	}

	s.wg.Wait()
	s.state.Store(int32(StateStopped))
	return nil
}

// startCompanion launches the real companion with an isolated environment:
// only bundle-internal search paths and the validated endpoint, nothing
// inherited from the daemon's environment.
func (s *Supervisor) startCompanion(ctx context.Context) (process, error) {
	binPath := filepath.Join(s.cfg.BundleDir, s.cfg.Binary)
	cleaned, err := filepath.Abs(binPath)
	if err != nil {
		return nil, err
	}
	bundleAbs, err := filepath.Abs(s.cfg.BundleDir)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(bundleAbs, cleaned)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return nil, fmt.Errorf("%w: %s", ErrCompanionInside, binPath)
	}

	cmd := exec.CommandContext(ctx, cleaned)
	cmd.Dir = bundleAbs
	cmd.Env = []string{
		"PATH=" + filepath.Join(bundleAbs, "bin"),
		"LD_LIBRARY_PATH=" + filepath.Join(bundleAbs, "lib"),
		"KMFLOW_ENDPOINT=" + s.cfg.Endpoint,
		"KMFLOW_SOCKET=" + s.cfg.SocketPath,
	}
	cmd.Cancel = func() error {
		return terminateProcess(cmd)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start companion: %w", err)
	}
	return &osProcess{cmd: cmd}, nil
}

// osProcess adapts exec.Cmd to the process interface.
type osProcess struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	waitErr  error
}

func (p *osProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *osProcess) Terminate() error {
	return terminateProcess(p.cmd)
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
