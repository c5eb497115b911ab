// Package daemon wires the capture pipeline together and runs it: keystore,
// consent, integrity check, companion supervision, transport, and the
// managed-profile reload loop.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"kmflowd/internal/capture"
	"kmflowd/internal/config"
	"kmflowd/internal/consent"
	"kmflowd/internal/gate"
	"kmflowd/internal/integrity"
	"kmflowd/internal/keystore"
	"kmflowd/internal/logging"
	"kmflowd/internal/security"
	"kmflowd/internal/spool"
	"kmflowd/internal/supervisor"
	"kmflowd/internal/transport"
)

// ErrAlreadyRunning means another daemon instance holds the lock.
var ErrAlreadyRunning = errors.New("daemon: another instance is running")

// integrityRecheck is the interval between periodic bundle verifications.
const integrityRecheck = 15 * time.Minute

// consentRecheck is the interval for re-reading the consent record and the
// pause flag, so a grant, revocation, or pause written by the control CLI
// takes effect without IPC.
const consentRecheck = 5 * time.Second

// statusWriteEvery is the interval for refreshing the status snapshot file.
const statusWriteEvery = 10 * time.Second

// spoolFlushEvery is the interval for replaying spooled events while the
// channel is healthy.
const spoolFlushEvery = 30 * time.Second

// Status is the snapshot written for the control CLI. Static identifiers
// only; nothing here derives from captured content.
type Status struct {
	PID          int       `json:"pid"`
	State        string    `json:"state"`
	ConsentState string    `json:"consent_state"`
	Channel      string    `json:"channel"`
	QueueDepth   int       `json:"queue_depth"`
	SpoolPending int64     `json:"spool_pending"`
	Dropped      uint64    `json:"dropped"`
	Supervisor   string    `json:"supervisor"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Daemon owns the assembled pipeline.
type Daemon struct {
	cfg   *config.DaemonConfig
	log   *logging.Logger
	audit *logging.AuditLogger

	lockFile *os.File

	store   *consent.Store
	spool   *spool.Spool
	client  *transport.Client
	sink    *capture.SpooledSink
	sup     *supervisor.Supervisor
	machine *capture.Machine
	watcher *config.ProfileWatcher
	monitor *integrity.Monitor
}

// New assembles the pipeline from the daemon configuration. Nothing is
// started; Run does that.
func New(cfg *config.DaemonConfig, log *logging.Logger) (*Daemon, error) {
	if err := security.EnsureSecureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("daemon: data dir: %w", err)
	}

	lockFile, err := os.OpenFile(cfg.LockPath(), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("daemon: lock file: %w", err)
	}
	if err := security.LockFile(lockFile); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
	}

	audit, err := logging.NewAuditLogger("")
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	ks, err := keystore.OpenDefault(cfg.KeystoreDir())
	if err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("daemon: keystore: %w", err)
	}
	macKey, err := ks.ConsentMACKey()
	if err != nil {
		lockFile.Close()
		return nil, err
	}
	secret, err := ks.TransportSecret()
	if err != nil {
		lockFile.Close()
		return nil, err
	}
	spoolKey, err := ks.SpoolKey()
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	snapshot, err := config.LoadProfileFile(cfg.ProfilePath, log.Logger)
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	store, err := consent.NewStore(cfg.ConsentPath(), macKey, log.WithComponent("consent").Logger)
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	sp, err := spool.Open(cfg.SpoolPath(), spoolKey)
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	client := transport.NewClient(
		transport.DefaultClientConfig(cfg.SocketPath(), secret),
		log.WithComponent("transport").Logger)
	sink := capture.NewSpooledSink(client, sp, log.WithComponent("transport").Logger)

	sup, err := supervisor.New(
		supervisor.DefaultConfig(cfg.CompanionDir, cfg.CompanionBin, snapshot.Endpoint, cfg.SocketPath()),
		log.WithComponent("supervisor").Logger)
	if err != nil {
		sp.Close()
		lockFile.Close()
		return nil, err
	}

	machine := capture.New(gate.New(snapshot), sink, sp, sup, log.WithComponent("capture").Logger)

	if err := store.OnRevocation(machine.HandleRevocation); err != nil {
		sp.Close()
		lockFile.Close()
		return nil, err
	}

	return &Daemon{
		cfg:      cfg,
		log:      log,
		audit:    audit,
		lockFile: lockFile,
		store:    store,
		spool:    sp,
		client:   client,
		sink:     sink,
		sup:      sup,
		machine:  machine,
	}, nil
}

// Machine exposes the state machine for OS event sources.
func (d *Daemon) Machine() *capture.Machine {
	return d.machine
}

// Run starts the pipeline and blocks until ctx is cancelled or the pipeline
// reaches an unrecoverable state.
func (d *Daemon) Run(ctx context.Context) error {
	d.audit.Record(logging.AuditStartup, "daemon", "success", nil)
	defer d.audit.Record(logging.AuditShutdown, "daemon", "success", nil)

	verifier, err := d.verifyBundle()
	if err != nil {
		return err
	}

	record, err := d.store.Load(d.cfg.EngagementID)
	if err != nil && !errors.Is(err, consent.ErrSignature) {
		return err
	}
	if errors.Is(err, consent.ErrSignature) {
		d.audit.Record(logging.AuditConsentTamper, "consent", "failure",
			map[string]string{"engagement_id": d.cfg.EngagementID})
	}

	if err := d.machine.Initialize(record); err != nil {
		return err
	}

	if d.machine.State() == capture.StateCapturing {
		if err := d.startPipeline(ctx); err != nil {
			return err
		}
	}

	if verifier != nil {
		d.monitor = integrity.NewMonitor(verifier, integrityRecheck, d.onIntegrityFailure)
		d.monitor.Start()
	}

	watcher, err := config.WatchProfile(d.cfg.ProfilePath, d.log.WithComponent("config").Logger)
	if err != nil {
		d.log.Warn("profile watcher unavailable", "error", err)
	} else {
		d.watcher = watcher
	}

	return d.loop(ctx)
}

// verifyBundle runs the startup integrity check. In release mode any
// outcome other than passed is fatal; dev mode downgrades to a warning.
func (d *Daemon) verifyBundle() (*integrity.Verifier, error) {
	key, err := integrity.LoadBundleKey(d.cfg.CompanionDir, false)
	if err != nil {
		if d.cfg.DevMode {
			d.log.Warn("no bundle key, integrity checks disabled", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("daemon: bundle key: %w", err)
	}

	verifier := integrity.NewVerifier(d.cfg.CompanionDir, key, !d.cfg.DevMode)
	res, err := verifier.Verify()
	if err != nil {
		return nil, err
	}
	if res.Status == integrity.StatusFailed {
		d.audit.Record(logging.AuditIntegrityFailure, "integrity", "failure",
			map[string]string{"violations": fmt.Sprint(len(res.Violations))})
		if !d.cfg.DevMode {
			return nil, fmt.Errorf("daemon: bundle integrity failed: %v", res.Violations)
		}
		d.log.Warn("bundle integrity failed", "violations", len(res.Violations))
	}
	return verifier, nil
}

// startPipeline brings up the channel and the companion.
func (d *Daemon) startPipeline(ctx context.Context) error {
	d.client.Start()
	if err := d.sup.Run(); err != nil {
		return err
	}
	if err := d.sink.Flush(ctx, 0); err != nil {
		d.log.Warn("spool flush incomplete", "error", err)
	}
	return nil
}

// loop is the supervisory loop: profile reloads, consent rechecks, spool
// replay, store events, status snapshots.
func (d *Daemon) loop(ctx context.Context) error {
	consentTick := time.NewTicker(consentRecheck)
	defer consentTick.Stop()
	statusTick := time.NewTicker(statusWriteEvery)
	defer statusTick.Stop()
	flushTick := time.NewTicker(spoolFlushEvery)
	defer flushTick.Stop()

	var profileC <-chan *config.Snapshot
	if d.watcher != nil {
		profileC = d.watcher.Snapshots()
	}

	d.writeStatus()
	for {
		select {
		case <-ctx.Done():
			return d.shutdown()

		case snapshot := <-profileC:
			d.machine.SetSnapshot(snapshot)

		case ev := <-d.store.Events():
			d.recordConsentEvent(ev)

		case <-consentTick.C:
			d.recheckConsent(ctx)
			d.checkPauseFlag()

		case <-flushTick.C:
			d.flushSpool(ctx)

		case <-statusTick.C:
			d.writeStatus()

		case <-d.sup.Tripped():
			d.audit.Record(logging.AuditSupervisorTripped, "supervisor", "failure", nil)
			d.machine.Stop()
			d.writeStatus()
			return supervisor.ErrCircuitOpen

		case <-d.client.Failed():
			d.log.Error("channel permanently down, capture degraded")
			d.machine.Stop()
			d.writeStatus()
			return transport.ErrChannelDown
		}
	}
}

// recheckConsent re-reads the persisted record so a consent transition made
// externally (control CLI, another session) takes effect within one recheck
// interval: a revocation tears capture down, a first-time grant starts it.
func (d *Daemon) recheckConsent(ctx context.Context) {
	record, err := d.store.Load(d.cfg.EngagementID)
	if err != nil {
		if errors.Is(err, consent.ErrSignature) {
			d.audit.Record(logging.AuditConsentTamper, "consent", "failure",
				map[string]string{"engagement_id": d.cfg.EngagementID})
			d.machine.HandleRevocation()
		}
		return
	}

	switch {
	case record.State == consent.StateRevoked && d.machine.State() != capture.StateStopped:
		d.machine.HandleRevocation()
		d.writeStatus()

	case record.State == consent.StateConsented && d.machine.State() == capture.StateAwaitingConsent:
		if err := d.machine.ConsentGranted(record.CaptureScope); err != nil {
			d.log.Error("consent transition failed", "error", err)
			return
		}
		d.audit.Record(logging.AuditConsentGranted, "consent", "success",
			map[string]string{"engagement_id": record.EngagementID})
		if err := d.startPipeline(ctx); err != nil {
			d.log.Error("pipeline start after consent failed", "error", err)
		}
		d.writeStatus()
	}
}

// checkPauseFlag applies the control CLI's pause flag file: present pauses
// capture, absent resumes it. Pause never touches the consent record.
func (d *Daemon) checkPauseFlag() {
	_, err := os.Stat(d.cfg.PausePath())
	flagged := err == nil

	switch {
	case flagged && d.machine.State() == capture.StateCapturing:
		if err := d.machine.Pause(); err == nil {
			d.writeStatus()
		}
	case !flagged && d.machine.State() == capture.StatePaused:
		if err := d.machine.Resume(); err == nil {
			d.writeStatus()
		}
	}
}

// flushSpool replays events spooled while the channel was down. Runs only
// while capturing; a stopped pipeline has no channel to replay onto.
func (d *Daemon) flushSpool(ctx context.Context) {
	if d.machine.State() != capture.StateCapturing {
		return
	}
	if err := d.sink.Flush(ctx, 0); err != nil {
		d.log.Debug("spool flush incomplete", "error", err)
	}
}

func (d *Daemon) recordConsentEvent(ev consent.Event) {
	details := map[string]string{"engagement_id": ev.EngagementID}
	switch ev.Type {
	case consent.EventTamperDetected:
		d.audit.Record(logging.AuditConsentTamper, "consent", "failure", details)
	case consent.EventLegacyMigrated:
		d.audit.Record(logging.AuditConsentMigrated, "consent", "success", details)
	case consent.EventConsentRevoked:
		d.audit.Record(logging.AuditConsentRevoked, "consent", "success", details)
	}
}

// writeStatus refreshes the status snapshot consumed by the control CLI.
func (d *Daemon) writeStatus() {
	session := d.client.SessionInfo()
	pending, _ := d.spool.PendingCount()

	record, err := d.store.Load(d.cfg.EngagementID)
	consentState := "unknown"
	if err == nil {
		consentState = string(record.State)
	}

	status := Status{
		PID:          os.Getpid(),
		State:        d.machine.State().String(),
		ConsentState: consentState,
		Channel:      session.State.String(),
		QueueDepth:   session.QueueDepth,
		SpoolPending: pending,
		Dropped:      d.machine.Dropped(),
		Supervisor:   d.sup.State().String(),
		UpdatedAt:    time.Now().UTC(),
	}

	data, err := json.MarshalIndent(&status, "", "  ")
	if err != nil {
		return
	}
	if err := security.WriteSecretFile(d.cfg.StatusPath(), data); err != nil {
		d.log.Debug("status snapshot write failed", "error", err)
	}
}

// onIntegrityFailure is the periodic re-verification callback. A failing
// bundle stops capture rather than keep feeding a compromised companion.
func (d *Daemon) onIntegrityFailure(res *integrity.Result) {
	d.audit.Record(logging.AuditIntegrityFailure, "integrity", "failure",
		map[string]string{"status": res.Status.String(), "violations": fmt.Sprint(len(res.Violations))})
	d.log.Error("periodic integrity check failed", "status", res.Status.String())
	d.sup.Stop()
	d.machine.Stop()
	d.writeStatus()
}

// shutdown tears everything down in dependency order.
func (d *Daemon) shutdown() error {
	var errs []error

	if d.watcher != nil {
		errs = append(errs, d.watcher.Close())
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	errs = append(errs, d.machine.Stop())
	errs = append(errs, d.sup.Stop())
	errs = append(errs, d.spool.Close())

	d.writeStatusStopped()

	errs = append(errs, d.audit.Close())
	if d.lockFile != nil {
		security.UnlockFile(d.lockFile)
		errs = append(errs, d.lockFile.Close())
		os.Remove(d.cfg.LockPath())
	}
	return errors.Join(errs...)
}

// writeStatusStopped marks the status file stopped without touching closed
// components.
func (d *Daemon) writeStatusStopped() {
	status := Status{
		PID:       os.Getpid(),
		State:     capture.StateStopped.String(),
		UpdatedAt: time.Now().UTC(),
	}
	if data, err := json.MarshalIndent(&status, "", "  "); err == nil {
		security.WriteSecretFile(d.cfg.StatusPath(), data)
	}
}
