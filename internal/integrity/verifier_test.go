// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package integrity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flymesh/internal/config"
	"grimm.is/flymesh/internal/registry"
)

var (
	goodHash = strings.Repeat("a", 64)
	badHash  = strings.Repeat("b", 64)
)

func TestExpectedHashPriority(t *testing.T) {
	v := New(Thresholds{})
	node := &registry.Node{AgentVersion: "1.0.0"}

	assert.Empty(t, v.ExpectedHash(node), "nothing configured")

	v.SetGlobalExpectedHash("global")
	assert.Equal(t, "global", v.ExpectedHash(node))

	v.RegisterKnownHash("1.0.0", "versioned")
	assert.Equal(t, "versioned", v.ExpectedHash(node))

	node.AgentHash = "pinned"
	assert.Equal(t, "pinned", v.ExpectedHash(node))

	other := &registry.Node{AgentVersion: "2.0.0"}
	assert.Equal(t, "global", v.ExpectedHash(other), "unknown version falls through")
}

func TestVerifyNoExpectedHash(t *testing.T) {
	v := New(Thresholds{})

	res := v.Verify(&registry.Node{ID: 1, Hostname: "web-1"}, goodHash)
	assert.True(t, res.Valid)
	assert.Equal(t, ActionNoExpectedHash, res.Action)
	assert.False(t, res.Verdict.Verified)
	assert.Equal(t, "INTEGRITY_FIRST_REPORT", res.Verdict.AuditAction)
	assert.Equal(t, goodHash, res.Verdict.Details["reported_hash"])

	// A node that has reported before is not audited again.
	res = v.Verify(&registry.Node{ID: 1, LastReportedHash: goodHash}, goodHash)
	assert.Equal(t, ActionNoExpectedHash, res.Action)
	assert.Empty(t, res.Verdict.AuditAction)
}

func TestVerifyMatch(t *testing.T) {
	v := New(Thresholds{})
	node := &registry.Node{ID: 1, AgentHash: goodHash, HashMismatchCount: 2}

	res := v.Verify(node, goodHash)
	assert.True(t, res.Valid)
	assert.Equal(t, ActionVerified, res.Action)
	assert.True(t, res.Verdict.Verified)
	assert.Zero(t, res.Verdict.MismatchCount)
	assert.Equal(t, "INTEGRITY_VERIFIED", res.Verdict.AuditAction, "recovery is audited")

	// Steady state stays quiet.
	steady := &registry.Node{ID: 1, AgentHash: goodHash, HashVerified: true}
	res = v.Verify(steady, goodHash)
	assert.Equal(t, ActionVerified, res.Action)
	assert.Empty(t, res.Verdict.AuditAction)
}

func TestVerifyMismatchEscalation(t *testing.T) {
	v := New(Thresholds{})
	node := &registry.Node{ID: 1, Hostname: "web-1", AgentHash: goodHash}

	steps := []struct {
		count    int
		action   Action
		status   registry.NodeStatus
		severity string
	}{
		{1, ActionMismatchWarning, "", "warning"},
		{2, ActionMismatchWarning, "", "warning"},
		{3, ActionSuspended, registry.StatusSuspended, "critical"},
		{4, ActionSuspended, registry.StatusSuspended, "critical"},
		{5, ActionRevoked, registry.StatusRevoked, "critical"},
	}
	for _, step := range steps {
		res := v.Verify(node, badHash)
		require.False(t, res.Valid)
		assert.Equal(t, step.action, res.Action, "count %d", step.count)
		assert.Equal(t, step.count, res.Verdict.MismatchCount)
		assert.Equal(t, step.status, res.Verdict.NewStatus)
		assert.Equal(t, "INTEGRITY_MISMATCH", res.Verdict.AuditAction)
		assert.Equal(t, step.severity, res.Verdict.Severity)
		assert.Equal(t, goodHash[:32], res.Verdict.Details["expected"])

		node.HashMismatchCount = res.Verdict.MismatchCount
		node.HashVerified = res.Verdict.Verified
	}
}

func TestVerifyCustomThresholds(t *testing.T) {
	v := New(Thresholds{Warn: 1, Suspend: 2, Revoke: 3})
	node := &registry.Node{ID: 1, AgentHash: goodHash, HashMismatchCount: 1}

	res := v.Verify(node, badHash)
	assert.Equal(t, ActionSuspended, res.Action)
	assert.Equal(t, registry.StatusSuspended, res.Verdict.NewStatus)

	node.HashMismatchCount = 2
	res = v.Verify(node, badHash)
	assert.Equal(t, ActionRevoked, res.Action)
}

func TestTrustScore(t *testing.T) {
	cases := []struct {
		name string
		node registry.Node
		want float64
	}{
		{"active clean", registry.Node{Status: registry.StatusActive, HashVerified: true}, 1.0},
		{"pending", registry.Node{Status: registry.StatusPending}, 0.5},
		{"suspended", registry.Node{Status: registry.StatusSuspended}, 0.2},
		{"revoked", registry.Node{Status: registry.StatusRevoked}, 0},
		{"active one mismatch", registry.Node{Status: registry.StatusActive, HashMismatchCount: 1}, 0.7},
		{"active two mismatches", registry.Node{Status: registry.StatusActive, HashMismatchCount: 2}, 0.4},
		{"penalty capped", registry.Node{Status: registry.StatusActive, HashMismatchCount: 10}, 0.1},
		{"clamped at zero", registry.Node{Status: registry.StatusSuspended, HashMismatchCount: 3}, 0},
		{"verified ignores stale count", registry.Node{Status: registry.StatusActive, HashVerified: true, HashMismatchCount: 2}, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, TrustScore(&tc.node), 1e-9)
		})
	}
}

func TestTrustEvents(t *testing.T) {
	before := &registry.Node{ID: 1, Hostname: "web-1", Status: registry.StatusActive, HashVerified: true}
	after := &registry.Node{ID: 1, Hostname: "web-1", Status: registry.StatusActive, HashMismatchCount: 2}

	evts := trustEvents(before, after)
	require.Len(t, evts, 2, "movement plus breach")
	assert.InDelta(t, 1.0, evts[0].Payload["old_score"].(float64), 1e-9)
	assert.InDelta(t, 0.4, evts[0].Payload["new_score"].(float64), 1e-9)
	assert.InDelta(t, 0.5, evts[1].Payload["threshold"].(float64), 1e-9)

	// Already below the threshold: movement only, no second breach.
	worse := &registry.Node{ID: 1, Hostname: "web-1", Status: registry.StatusActive, HashMismatchCount: 3}
	evts = trustEvents(after, worse)
	require.Len(t, evts, 1)

	assert.Empty(t, trustEvents(after, after), "no movement, no events")
}

func TestLoadKnownHashes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"global: globalhash\nversions:\n  \"1.0.0\": v1hash\n  \"1.1.0\": v11hash\n"), 0o644))

	v := New(Thresholds{})
	require.NoError(t, v.LoadKnownHashes(path))
	assert.Equal(t, "v1hash", v.ExpectedHash(&registry.Node{AgentVersion: "1.0.0"}))
	assert.Equal(t, "v11hash", v.ExpectedHash(&registry.Node{AgentVersion: "1.1.0"}))
	assert.Equal(t, "globalhash", v.ExpectedHash(&registry.Node{AgentVersion: "9.9.9"}))

	require.Error(t, v.LoadKnownHashes(filepath.Join(t.TempDir(), "missing.yaml")))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("versions: [not, a, map]"), 0o644))
	require.Error(t, v.LoadKnownHashes(bad))
}

func TestFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("versions:\n  \"2.0.0\": pinned\n"), 0o644))

	v, err := FromConfig(&config.IntegrityConfig{
		WarnThreshold:    1,
		SuspendThreshold: 2,
		RevokeThreshold:  3,
		ExpectedHash:     "fallback",
		KnownHashesFile:  path,
	})
	require.NoError(t, err)
	assert.Equal(t, "pinned", v.ExpectedHash(&registry.Node{AgentVersion: "2.0.0"}))
	assert.Equal(t, "fallback", v.ExpectedHash(&registry.Node{}))

	res := v.Verify(&registry.Node{AgentHash: goodHash, HashMismatchCount: 1}, badHash)
	assert.Equal(t, ActionSuspended, res.Action)

	v, err = FromConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultThresholds(), v.thresholds)
}
