// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package integrity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/events"
	"grimm.is/flymesh/internal/ipam"
	"grimm.is/flymesh/internal/registry"
)

func newTestService(t *testing.T) (*Service, *registry.Store) {
	t.Helper()
	pool, err := ipam.NewPool("10.99.0.0/24")
	require.NoError(t, err)
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), pool)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store, New(Thresholds{}), nil), store
}

func adminActor() registry.Actor {
	return registry.Actor{Type: "admin", ID: "test-admin", IP: "127.0.0.1"}
}

func activeTestNode(t *testing.T, store *registry.Store, hostname string) *registry.Node {
	t.Helper()
	ctx := context.Background()
	node, _, err := store.RegisterNode(ctx, registry.RegisterNodeParams{
		Hostname:     hostname,
		PublicKey:    "pk-" + hostname,
		Role:         registry.RoleApp,
		RealIP:       "203.0.113.9",
		AgentVersion: "1.0.0",
	}, adminActor())
	require.NoError(t, err)
	node, _, err = store.ApproveNode(ctx, node.ID, adminActor())
	require.NoError(t, err)
	return node
}

func typesOf(evts []events.Event) []events.Type {
	out := make([]events.Type, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

func TestHandleReportEscalatesToSuspension(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	node := activeTestNode(t, store, "web-1")
	node, err := store.SetExpectedHash(ctx, node.ID, goodHash, adminActor())
	require.NoError(t, err)

	// First mismatch: warning only, trust drops to 0.7.
	node, res, evts, err := svc.HandleReport(ctx, node, badHash)
	require.NoError(t, err)
	assert.Equal(t, ActionMismatchWarning, res.Action)
	assert.Equal(t, 1, node.HashMismatchCount)
	assert.Equal(t, registry.StatusActive, node.Status)
	require.Equal(t, []events.Type{events.TrustScoreChanged}, typesOf(evts))
	assert.InDelta(t, 0.7, evts[0].Payload["new_score"].(float64), 1e-9)

	// Second mismatch crosses the trust threshold.
	node, res, evts, err = svc.HandleReport(ctx, node, badHash)
	require.NoError(t, err)
	assert.Equal(t, ActionMismatchWarning, res.Action)
	require.Equal(t, []events.Type{events.TrustScoreChanged, events.TrustThresholdBreach}, typesOf(evts))

	// Third mismatch suspends the node.
	node, res, evts, err = svc.HandleReport(ctx, node, badHash)
	require.NoError(t, err)
	assert.Equal(t, ActionSuspended, res.Action)
	assert.Equal(t, registry.StatusSuspended, node.Status)
	assert.Equal(t, 3, node.HashMismatchCount)
	require.Equal(t, []events.Type{events.NodeSuspended, events.SecurityAlert, events.TrustScoreChanged}, typesOf(evts))
	assert.Equal(t, "high", evts[1].Payload["severity"])

	// The suspension bumped the config version (approve was bump #1).
	v, err := store.ConfigVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	audits, err := store.QueryAudit(ctx, registry.AuditFilter{Action: "INTEGRITY_MISMATCH"})
	require.NoError(t, err)
	require.Len(t, audits, 3)
	assert.Equal(t, "critical", audits[0].Severity, "third mismatch is critical")
	assert.Equal(t, "warning", audits[2].Severity)
	assert.Equal(t, "integrity", audits[0].ActorID)
}

func TestHandleReportRevokesAtFive(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	node := activeTestNode(t, store, "web-1")
	node, err := store.SetExpectedHash(ctx, node.ID, goodHash, adminActor())
	require.NoError(t, err)

	var res Result
	var evts []events.Event
	for i := 0; i < 5; i++ {
		node, res, evts, err = svc.HandleReport(ctx, node, badHash)
		require.NoError(t, err)
	}
	assert.Equal(t, ActionRevoked, res.Action)
	assert.Equal(t, registry.StatusRevoked, node.Status)

	types := typesOf(evts)
	assert.Contains(t, types, events.NodeRevoked)
	assert.Contains(t, types, events.SecurityAlert)
	assert.Equal(t, "critical", evts[1].Payload["severity"])
}

func TestHandleReportRecovery(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	node := activeTestNode(t, store, "web-1")
	node, err := store.SetExpectedHash(ctx, node.ID, goodHash, adminActor())
	require.NoError(t, err)

	node, _, _, err = svc.HandleReport(ctx, node, badHash)
	require.NoError(t, err)
	require.Equal(t, 1, node.HashMismatchCount)

	// A matching report clears the counter and restores trust.
	node, res, evts, err := svc.HandleReport(ctx, node, goodHash)
	require.NoError(t, err)
	assert.Equal(t, ActionVerified, res.Action)
	assert.True(t, node.HashVerified)
	assert.Zero(t, node.HashMismatchCount)
	require.Equal(t, []events.Type{events.TrustScoreChanged}, typesOf(evts))
	assert.InDelta(t, 1.0, evts[0].Payload["new_score"].(float64), 1e-9)

	audits, err := store.QueryAudit(ctx, registry.AuditFilter{Action: "INTEGRITY_VERIFIED"})
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}

func TestHandleReportFirstReportAwaitsApproval(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	node := activeTestNode(t, store, "web-1")

	node, res, evts, err := svc.HandleReport(ctx, node, goodHash)
	require.NoError(t, err)
	assert.Equal(t, ActionNoExpectedHash, res.Action)
	assert.True(t, res.Valid, "unverifiable agents are not punished")
	assert.Equal(t, goodHash, node.LastReportedHash)
	assert.False(t, node.HashVerified)
	assert.Empty(t, evts)

	audits, err := store.QueryAudit(ctx, registry.AuditFilter{Action: "INTEGRITY_FIRST_REPORT"})
	require.NoError(t, err)
	assert.Len(t, audits, 1)

	// Admin blesses the report; the next identical report verifies.
	node, err = store.ApproveReportedHash(ctx, node.ID, adminActor())
	require.NoError(t, err)
	assert.Equal(t, goodHash, node.AgentHash)

	_, res, _, err = svc.HandleReport(ctx, node, goodHash)
	require.NoError(t, err)
	assert.Equal(t, ActionVerified, res.Action)
}

func TestApproveWithoutReportFails(t *testing.T) {
	_, store := newTestService(t)
	ctx := context.Background()

	node := activeTestNode(t, store, "web-1")
	_, err := store.ApproveReportedHash(ctx, node.ID, adminActor())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	assert.Equal(t, "NO_HASH_REPORTED", errors.Code(err))
}

func TestStatusFor(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	node := activeTestNode(t, store, "web-1")
	svc.Verifier().RegisterKnownHash("1.0.0", goodHash)

	node, _, _, err := svc.HandleReport(ctx, node, badHash)
	require.NoError(t, err)

	st := svc.StatusFor(node)
	assert.Equal(t, "web-1", st.Hostname)
	assert.Equal(t, goodHash, st.ExpectedHash, "resolved through the version map")
	assert.Equal(t, badHash, st.ReportedHash)
	assert.False(t, st.Verified)
	assert.Equal(t, 1, st.MismatchCount)
	assert.InDelta(t, 0.7, st.TrustScore, 1e-9)
}
