// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package integrity verifies that node agents still run the software
// the administrator blessed. Agents hash their own files on every
// heartbeat; the verifier compares the report against the expected
// hash and escalates consecutive mismatches into suspension and then
// revocation. Per-node counters live on the node rows; the verifier
// itself only carries the expected-hash configuration.
package integrity

import (
	"sync"

	"grimm.is/flymesh/internal/config"
	"grimm.is/flymesh/internal/registry"
)

// Action classifies the outcome of one hash verification.
type Action string

const (
	ActionVerified        Action = "verified"
	ActionNoExpectedHash  Action = "no_expected_hash"
	ActionMismatchWarning Action = "mismatch_warning"
	ActionSuspended       Action = "suspended"
	ActionRevoked         Action = "revoked"
)

// Thresholds are the consecutive-mismatch counts at which the verifier
// warns, suspends and revokes a node.
type Thresholds struct {
	Warn    int
	Suspend int
	Revoke  int
}

// DefaultThresholds returns warn after the first mismatch, suspend at
// three, revoke at five.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 1, Suspend: 3, Revoke: 5}
}

// Verifier resolves expected hashes and turns hash reports into
// verdicts for the registry. Safe for concurrent use.
type Verifier struct {
	thresholds Thresholds

	mu         sync.RWMutex
	globalHash string
	knownGood  map[string]string // agent_version -> blessed hash
}

// New builds a Verifier with the given thresholds. Zero or negative
// threshold fields fall back to the defaults.
func New(t Thresholds) *Verifier {
	def := DefaultThresholds()
	if t.Warn <= 0 {
		t.Warn = def.Warn
	}
	if t.Suspend <= 0 {
		t.Suspend = def.Suspend
	}
	if t.Revoke <= 0 {
		t.Revoke = def.Revoke
	}
	return &Verifier{
		thresholds: t,
		knownGood:  make(map[string]string),
	}
}

// FromConfig builds a Verifier from the integrity config block,
// loading the known-hashes file when one is named.
func FromConfig(cfg *config.IntegrityConfig) (*Verifier, error) {
	if cfg == nil {
		return New(Thresholds{}), nil
	}
	v := New(Thresholds{
		Warn:    cfg.WarnThreshold,
		Suspend: cfg.SuspendThreshold,
		Revoke:  cfg.RevokeThreshold,
	})
	if cfg.ExpectedHash != "" {
		v.SetGlobalExpectedHash(cfg.ExpectedHash)
	}
	if cfg.KnownHashesFile != "" {
		if err := v.LoadKnownHashes(cfg.KnownHashesFile); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// SetGlobalExpectedHash sets the lowest-priority fallback hash used
// when a node has neither a pinned hash nor a known version.
func (v *Verifier) SetGlobalExpectedHash(hash string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.globalHash = hash
}

// RegisterKnownHash records the blessed hash for one agent version.
func (v *Verifier) RegisterKnownHash(version, hash string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.knownGood[version] = hash
}

// ExpectedHash resolves what the node should be reporting. Priority:
// the node's own pinned hash, then the known-good hash for its agent
// version, then the global fallback. Empty means nothing to check
// against.
func (v *Verifier) ExpectedHash(node *registry.Node) string {
	if node.AgentHash != "" {
		return node.AgentHash
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if node.AgentVersion != "" {
		if h, ok := v.knownGood[node.AgentVersion]; ok {
			return h
		}
	}
	return v.globalHash
}

// Result is the outcome of one verification: whether the report was
// acceptable, the action taken, and the state the registry should
// record.
type Result struct {
	Valid   bool
	Action  Action
	Verdict registry.IntegrityVerdict
}

// Verify compares the reported hash against the node's expected hash
// and builds the verdict. It never touches the store; the caller
// applies the verdict in its own transaction.
func (v *Verifier) Verify(node *registry.Node, reportedHash string) Result {
	expected := v.ExpectedHash(node)
	verdict := registry.IntegrityVerdict{ReportedHash: reportedHash}

	if expected == "" {
		verdict.MismatchCount = node.HashMismatchCount
		if node.AgentHash == "" && node.LastReportedHash == "" {
			verdict.AuditAction = "INTEGRITY_FIRST_REPORT"
			verdict.Severity = "info"
			verdict.Details = map[string]any{
				"node_id":       node.ID,
				"reported_hash": reportedHash,
			}
		}
		return Result{Valid: true, Action: ActionNoExpectedHash, Verdict: verdict}
	}

	if reportedHash == expected {
		verdict.Verified = true
		verdict.MismatchCount = 0
		// Audit only the transition back to a verified state, not
		// every matching heartbeat.
		if !node.HashVerified || node.HashMismatchCount > 0 {
			verdict.AuditAction = "INTEGRITY_VERIFIED"
			verdict.Severity = "info"
			verdict.Details = map[string]any{
				"node_id": node.ID,
				"hash":    truncateHash(reportedHash),
			}
		}
		return Result{Valid: true, Action: ActionVerified, Verdict: verdict}
	}

	count := node.HashMismatchCount + 1
	verdict.MismatchCount = count
	verdict.AuditAction = "INTEGRITY_MISMATCH"
	verdict.Severity = "warning"
	if count >= v.thresholds.Suspend {
		verdict.Severity = "critical"
	}
	verdict.Details = map[string]any{
		"node_id":  node.ID,
		"expected": truncateHash(expected),
		"got":      truncateHash(reportedHash),
		"count":    count,
	}

	action := ActionMismatchWarning
	switch {
	case count >= v.thresholds.Revoke:
		verdict.NewStatus = registry.StatusRevoked
		action = ActionRevoked
	case count >= v.thresholds.Suspend:
		verdict.NewStatus = registry.StatusSuspended
		action = ActionSuspended
	}
	return Result{Valid: false, Action: action, Verdict: verdict}
}

// truncateHash keeps audit detail rows readable; the full hashes stay
// on the node.
func truncateHash(h string) string {
	if len(h) > 32 {
		return h[:32]
	}
	return h
}
