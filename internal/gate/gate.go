// Package gate decides whether an event source is eligible for capture
// before any content is read.
package gate

import (
	"sync/atomic"

	"kmflowd/internal/config"
)

// Gate applies the capture eligibility policy. It is safe for concurrent
// callers: the configuration snapshot is replaced atomically by a single
// writer and readers never observe partial state. No locks are exposed.
type Gate struct {
	snapshot atomic.Pointer[config.Snapshot]
}

// New creates a Gate with the given initial snapshot.
func New(snapshot *config.Snapshot) *Gate {
	g := &Gate{}
	g.snapshot.Store(snapshot)
	return g
}

// SetSnapshot atomically replaces the configuration snapshot. Called by the
// capture state machine, the sole configuration writer.
func (g *Gate) SetSnapshot(snapshot *config.Snapshot) {
	g.snapshot.Store(snapshot)
}

// ShouldCapture reports whether the current foreground context may be
// captured. Policy, in order:
//
//  1. secure/password input context: deny
//  2. private-browsing context: deny
//  3. app identifier in the block list: deny
//  4. allow list configured and non-empty: allow only listed identifiers
//  5. app identifier absent (unidentifiable process): deny
//
// Rule 5 is the least-privilege invariant: a process we cannot identify is
// never captured, regardless of list configuration.
func (g *Gate) ShouldCapture(appID *string, secureInput, privateBrowsing bool) bool {
	if secureInput {
		return false
	}
	if privateBrowsing {
		return false
	}

	if appID == nil || *appID == "" {
		return false
	}

	snapshot := g.snapshot.Load()
	if snapshot.Blocked(*appID) {
		return false
	}
	if snapshot.HasAllowList() {
		return snapshot.Allowed(*appID)
	}
	return true
}
