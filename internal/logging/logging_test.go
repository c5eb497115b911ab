package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestShouldRedact(t *testing.T) {
	redacted := []string{
		"password", "api_secret", "auth_token", "mac_key",
		"window_title", "title", "app_name", "application_name",
	}
	for _, key := range redacted {
		if !shouldRedact(key) {
			t.Errorf("%q should be redacted", key)
		}
	}

	visible := []string{"seq", "component", "state", "engagement_id", "error"}
	for _, key := range visible {
		if shouldRedact(key) {
			t.Errorf("%q should be visible", key)
		}
	}
}

func TestRedactionInOutput(t *testing.T) {
	var buf bytes.Buffer
	opts := &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}
	log := slog.New(slog.NewJSONHandler(&buf, opts))

	log.Info("focus change", "window_title", "Tax Return 2026", "seq", 42)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatal(err)
	}
	if line["window_title"] != "[REDACTED]" {
		t.Errorf("title not redacted: %v", line["window_title"])
	}
	if line["seq"] != float64(42) {
		t.Errorf("static field mangled: %v", line["seq"])
	}
	if strings.Contains(buf.String(), "Tax Return") {
		t.Error("captured content reached the log stream")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug, "info": LevelInfo, "WARN": LevelWarn, "error": LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestAuditLoggerAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := NewAuditLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if err := a.Record(AuditConsentGranted, "consent", "success",
		map[string]string{"engagement_id": "eng-1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := a.Record(AuditConsentRevoked, "consent", "success", nil); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}

	var ev AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.EventType != AuditConsentGranted || ev.Details["engagement_id"] != "eng-1" {
		t.Errorf("first event: %+v", ev)
	}
}
