// Package config handles configuration for kmflowd.
//
// Two inputs exist: the local daemon config file (TOML, trusted, read once at
// startup) and the externally delivered managed profile (JSON, semi-trusted,
// validated against a schema and clamped into safe ranges). The managed
// profile produces an immutable Snapshot; replacing configuration always
// replaces the whole snapshot atomically.
package config

import (
	"io"
	"log/slog"
	"sort"
	"time"
)

// Clamping bounds for managed profile values. Out-of-range inputs are
// clamped, never rejected: the profile arrives from a semi-trusted
// management channel and must never crash the agent.
const (
	MinCaptureInterval = 5 * time.Second
	MaxCaptureInterval = 3600 * time.Second

	MinBatchSize = 1
	MaxBatchSize = 10000

	MinBatchInterval = 1 * time.Second
	MaxBatchInterval = 600 * time.Second

	MinIdleTimeout = 30 * time.Second
	MaxIdleTimeout = 3600 * time.Second

	// MaxListEntries caps the allow and block lists.
	MaxListEntries = 1000
)

// Defaults used when a profile field is missing or malformed.
const (
	DefaultCaptureInterval = 30 * time.Second
	DefaultBatchSize       = 100
	DefaultBatchInterval   = 15 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
)

// Snapshot is an immutable view of the clamped capture parameters. A
// Snapshot is never mutated after Load returns it; readers may retain it
// freely.
type Snapshot struct {
	CaptureInterval time.Duration
	BatchSize       int
	BatchInterval   time.Duration
	IdleTimeout     time.Duration

	// AllowList, when non-empty, restricts capture to the listed app
	// identifiers. BlockList always denies.
	AllowList []string
	BlockList []string

	// Endpoint is the HTTPS backend endpoint handed to the companion
	// process. Validated by the supervisor before launch.
	Endpoint string

	allow map[string]struct{}
	block map[string]struct{}
}

// Allowed reports whether appID is in the allow list.
func (s *Snapshot) Allowed(appID string) bool {
	_, ok := s.allow[appID]
	return ok
}

// Blocked reports whether appID is in the block list.
func (s *Snapshot) Blocked(appID string) bool {
	_, ok := s.block[appID]
	return ok
}

// HasAllowList reports whether an allow list is configured and non-empty.
func (s *Snapshot) HasAllowList() bool {
	return len(s.allow) > 0
}

// Profile is the decoded managed profile before clamping. Pointer fields
// distinguish absent from zero.
type Profile struct {
	CaptureIntervalSec *int64   `json:"capture_interval_sec"`
	BatchSize          *int64   `json:"batch_size"`
	BatchIntervalSec   *int64   `json:"batch_interval_sec"`
	IdleTimeoutSec     *int64   `json:"idle_timeout_sec"`
	AllowList          []string `json:"allow_list"`
	BlockList          []string `json:"block_list"`
	Endpoint           string   `json:"endpoint"`
}

// Load transforms a managed profile into a clamped Snapshot. Pure
// transformation: no I/O. Malformed or missing fields fall back to the
// documented defaults; out-of-range values are silently clamped. The logger
// reports each adjustment once per Load.
func Load(p *Profile, log *slog.Logger) *Snapshot {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if p == nil {
		p = &Profile{}
	}

	s := &Snapshot{
		CaptureInterval: clampDuration(log, "capture_interval_sec", p.CaptureIntervalSec, DefaultCaptureInterval, MinCaptureInterval, MaxCaptureInterval),
		BatchSize:       clampInt(log, "batch_size", p.BatchSize, DefaultBatchSize, MinBatchSize, MaxBatchSize),
		BatchInterval:   clampDuration(log, "batch_interval_sec", p.BatchIntervalSec, DefaultBatchInterval, MinBatchInterval, MaxBatchInterval),
		IdleTimeout:     clampDuration(log, "idle_timeout_sec", p.IdleTimeoutSec, DefaultIdleTimeout, MinIdleTimeout, MaxIdleTimeout),
		Endpoint:        p.Endpoint,
	}

	s.AllowList, s.allow = dedupeList(log, "allow_list", p.AllowList)
	s.BlockList, s.block = dedupeList(log, "block_list", p.BlockList)

	return s
}

func clampInt(log *slog.Logger, field string, v *int64, def int, min, max int) int {
	if v == nil {
		return def
	}
	n := int(*v)
	switch {
	case n < min:
		log.Warn("config value clamped", "field", field, "value", n, "clamped_to", min)
		return min
	case n > max:
		log.Warn("config value clamped", "field", field, "value", n, "clamped_to", max)
		return max
	}
	return n
}

func clampDuration(log *slog.Logger, field string, secs *int64, def, min, max time.Duration) time.Duration {
	if secs == nil {
		return def
	}
	d := time.Duration(*secs) * time.Second
	switch {
	case d < min:
		log.Warn("config value clamped", "field", field, "value_sec", *secs, "clamped_to", min)
		return min
	case d > max:
		log.Warn("config value clamped", "field", field, "value_sec", *secs, "clamped_to", max)
		return max
	}
	return d
}

// dedupeList deduplicates, sorts, and size-caps a string list.
func dedupeList(log *slog.Logger, field string, in []string) ([]string, map[string]struct{}) {
	set := make(map[string]struct{}, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
		if len(set) >= MaxListEntries {
			log.Warn("config list truncated", "field", field, "cap", MaxListEntries)
			break
		}
	}

	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, set
}
