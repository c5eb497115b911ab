package config

import (
	"os"
	"strconv"
	"strings"
	"testing"
)

func int64Ptr(v int64) *int64 { return &v }

func TestLoadDefaults(t *testing.T) {
	s := Load(nil, nil)

	if s.CaptureInterval != DefaultCaptureInterval {
		t.Errorf("capture interval: got %v, want %v", s.CaptureInterval, DefaultCaptureInterval)
	}
	if s.BatchSize != DefaultBatchSize {
		t.Errorf("batch size: got %d, want %d", s.BatchSize, DefaultBatchSize)
	}
	if s.BatchInterval != DefaultBatchInterval {
		t.Errorf("batch interval: got %v, want %v", s.BatchInterval, DefaultBatchInterval)
	}
	if s.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("idle timeout: got %v, want %v", s.IdleTimeout, DefaultIdleTimeout)
	}
	if s.HasAllowList() {
		t.Error("default snapshot should have no allow list")
	}
}

func TestLoadClampsAllBounds(t *testing.T) {
	tests := []struct {
		name    string
		profile *Profile
		check   func(t *testing.T, s *Snapshot)
	}{
		{
			name:    "negative capture interval",
			profile: &Profile{CaptureIntervalSec: int64Ptr(-5)},
			check: func(t *testing.T, s *Snapshot) {
				if s.CaptureInterval != MinCaptureInterval {
					t.Errorf("got %v, want min %v", s.CaptureInterval, MinCaptureInterval)
				}
			},
		},
		{
			name:    "zero batch size",
			profile: &Profile{BatchSize: int64Ptr(0)},
			check: func(t *testing.T, s *Snapshot) {
				if s.BatchSize != MinBatchSize {
					t.Errorf("got %d, want min %d", s.BatchSize, MinBatchSize)
				}
			},
		},
		{
			name:    "huge batch size",
			profile: &Profile{BatchSize: int64Ptr(1 << 40)},
			check: func(t *testing.T, s *Snapshot) {
				if s.BatchSize != MaxBatchSize {
					t.Errorf("got %d, want max %d", s.BatchSize, MaxBatchSize)
				}
			},
		},
		{
			name:    "huge idle timeout",
			profile: &Profile{IdleTimeoutSec: int64Ptr(1 << 33)},
			check: func(t *testing.T, s *Snapshot) {
				if s.IdleTimeout != MaxIdleTimeout {
					t.Errorf("got %v, want max %v", s.IdleTimeout, MaxIdleTimeout)
				}
			},
		},
		{
			name:    "zero batch interval",
			profile: &Profile{BatchIntervalSec: int64Ptr(0)},
			check: func(t *testing.T, s *Snapshot) {
				if s.BatchInterval != MinBatchInterval {
					t.Errorf("got %v, want min %v", s.BatchInterval, MinBatchInterval)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Load(tt.profile, nil)
			tt.check(t, s)

			// Every numeric field stays inside its documented range no
			// matter which single field was hostile.
			if s.CaptureInterval < MinCaptureInterval || s.CaptureInterval > MaxCaptureInterval {
				t.Errorf("capture interval out of range: %v", s.CaptureInterval)
			}
			if s.BatchSize < MinBatchSize || s.BatchSize > MaxBatchSize {
				t.Errorf("batch size out of range: %d", s.BatchSize)
			}
			if s.BatchInterval < MinBatchInterval || s.BatchInterval > MaxBatchInterval {
				t.Errorf("batch interval out of range: %v", s.BatchInterval)
			}
			if s.IdleTimeout < MinIdleTimeout || s.IdleTimeout > MaxIdleTimeout {
				t.Errorf("idle timeout out of range: %v", s.IdleTimeout)
			}
		})
	}
}

func TestLoadDedupesAndCapsLists(t *testing.T) {
	entries := make([]string, 0, MaxListEntries+50)
	for i := 0; i < MaxListEntries+50; i++ {
		entries = append(entries, "app")
	}
	s := Load(&Profile{BlockList: entries}, nil)

	if len(s.BlockList) != 1 {
		t.Errorf("expected duplicates removed, got %d entries", len(s.BlockList))
	}
	if !s.Blocked("app") {
		t.Error("deduped entry should still block")
	}

	unique := make([]string, 0, MaxListEntries+50)
	for i := 0; i < MaxListEntries+50; i++ {
		unique = append(unique, "app"+strconv.Itoa(i))
	}
	s = Load(&Profile{AllowList: unique}, nil)
	if len(s.AllowList) > MaxListEntries {
		t.Errorf("allow list exceeds cap: %d", len(s.AllowList))
	}
}

func TestParseProfileRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"wrong type", `{"batch_size": "ten"}`},
		{"unknown key", `{"exfil_target": "example.com"}`},
		{"not an object", `[1,2,3]`},
		{"truncated", `{"batch_size":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseProfile([]byte(tt.doc)); err == nil {
				t.Errorf("expected rejection of %s", tt.doc)
			}
		})
	}
}

func TestParseProfileAccepted(t *testing.T) {
	doc := `{
		"capture_interval_sec": 60,
		"batch_size": 50,
		"allow_list": ["com.example.editor"],
		"endpoint": "https://ingest.example.com/v1"
	}`
	p, err := ParseProfile([]byte(doc))
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if p.CaptureIntervalSec == nil || *p.CaptureIntervalSec != 60 {
		t.Error("capture interval not decoded")
	}

	s := Load(p, nil)
	if s.Endpoint != "https://ingest.example.com/v1" {
		t.Errorf("endpoint: got %q", s.Endpoint)
	}
	if !s.Allowed("com.example.editor") {
		t.Error("allow list not effective")
	}
}

func TestLoadDaemonConfigRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/kmflowd.toml"
	writeFile(t, path, "data_dir = \"/tmp/x\"\nmystery_key = 1\n")

	if _, err := LoadDaemonConfig(path); err == nil ||
		!strings.Contains(err.Error(), "unknown keys") {
		t.Errorf("expected unknown-key rejection, got %v", err)
	}
}

func TestLoadDaemonConfigDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/kmflowd.toml"
	writeFile(t, path, "data_dir = \"/var/lib/km\"\nengagement_id = \"acme-2026\"\n")

	cfg, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatalf("LoadDaemonConfig: %v", err)
	}
	if cfg.DataDir != "/var/lib/km" {
		t.Errorf("data dir: got %q", cfg.DataDir)
	}
	if cfg.EngagementID != "acme-2026" {
		t.Errorf("engagement id: got %q", cfg.EngagementID)
	}
	if cfg.CompanionBin == "" {
		t.Error("companion binary default missing")
	}
	if cfg.SocketPath() != "/var/lib/km/channel.sock" {
		t.Errorf("socket path: got %q", cfg.SocketPath())
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}
