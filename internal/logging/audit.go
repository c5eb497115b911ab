package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType classifies security-relevant events.
type AuditEventType string

// Audit event types.
const (
	AuditConsentGranted    AuditEventType = "consent_granted"
	AuditConsentRevoked    AuditEventType = "consent_revoked"
	AuditConsentTamper     AuditEventType = "consent_tamper_detected"
	AuditConsentMigrated   AuditEventType = "consent_schema_migrated"
	AuditIntegrityFailure  AuditEventType = "integrity_failure"
	AuditSupervisorTripped AuditEventType = "supervisor_circuit_open"
	AuditChannelAuthFailed AuditEventType = "channel_auth_failed"
	AuditStartup           AuditEventType = "startup"
	AuditShutdown          AuditEventType = "shutdown"
)

// AuditEvent is one line in the append-only audit trail. Details must only
// contain static identifiers, never captured content.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType AuditEventType    `json:"event_type"`
	Component string            `json:"component"`
	Result    string            `json:"result"` // "success", "failure", "denied"
	Details   map[string]string `json:"details,omitempty"`
}

// AuditLogger appends audit events to a rotated file.
type AuditLogger struct {
	mu      sync.Mutex
	rotator *FileRotator
}

// NewAuditLogger creates an audit logger writing to path. An empty path
// selects the platform default next to the daemon log.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		path = defaultAuditLogPath()
	}
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	return &AuditLogger{rotator: rotator}, nil
}

func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "kmflowd", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "kmflowd", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "kmflowd", "audit.log")
	}
}

// Record appends one audit event. Errors are returned, not swallowed: a
// caller recording a consent transition must know if the trail is broken.
func (a *AuditLogger) Record(eventType AuditEventType, component, result string, details map[string]string) error {
	ev := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Component: component,
		Result:    result,
		Details:   details,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.rotator.Write(line); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return a.rotator.Sync()
}

// Close flushes and closes the audit trail.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rotator.Close()
}
