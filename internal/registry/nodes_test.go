// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/events"
	"grimm.is/flymesh/internal/ipam"
)

func eventTypes(evts []events.Event) []events.Type {
	out := make([]events.Type, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

func TestRegisterNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, evts, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname:     "web-1",
		PublicKey:    "pk-web-1",
		Role:         RoleApp,
		RealIP:       "203.0.113.10",
		AgentVersion: "1.0.0",
	}, testActor())
	require.NoError(t, err)

	assert.Equal(t, StatusPending, node.Status)
	assert.Equal(t, "10.99.0.2", node.OverlayIP, "first lease is the lowest non-reserved address")
	assert.False(t, node.IsApproved())

	require.Equal(t, []events.Type{events.NodeRegistered, events.IPAllocated}, eventTypes(evts))
	assert.Equal(t, "pending", evts[0].Payload["status"])
	assert.Equal(t, "10.99.0.2", evts[1].Payload["ip"])

	// Registration alone must not move the config version.
	v, err := s.ConfigVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestRegisterNodeIdempotentOnSameIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-1", PublicKey: "pk-web-1", Role: RoleApp, RealIP: "203.0.113.10",
	}, testActor())
	require.NoError(t, err)

	again, evts, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-1", PublicKey: "pk-web-1", Role: RoleApp, RealIP: "203.0.113.99",
	}, testActor())
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.OverlayIP, again.OverlayIP, "lease is stable across re-registration")
	assert.Equal(t, "203.0.113.99", again.RealIP)
	assert.Empty(t, evts, "re-registration is silent")

	nodes, err := s.ListNodes(ctx, NodeFilter{})
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestRegisterNodeConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-1", PublicKey: "pk-web-1", Role: RoleApp,
	}, testActor())
	require.NoError(t, err)

	t.Run("hostname bound to another key", func(t *testing.T) {
		_, _, err := s.RegisterNode(ctx, RegisterNodeParams{
			Hostname: "web-1", PublicKey: "pk-other", Role: RoleApp,
		}, testActor())
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindConflict))
		assert.Equal(t, "NODE_EXISTS", errors.Code(err))
	})

	t.Run("key bound to another hostname", func(t *testing.T) {
		_, _, err := s.RegisterNode(ctx, RegisterNodeParams{
			Hostname: "web-2", PublicKey: "pk-web-1", Role: RoleApp,
		}, testActor())
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindConflict))
	})

	t.Run("invalid role", func(t *testing.T) {
		_, _, err := s.RegisterNode(ctx, RegisterNodeParams{
			Hostname: "web-3", PublicKey: "pk-web-3", Role: "mainframe",
		}, testActor())
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindValidation))
	})
}

func TestApproveNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-1", PublicKey: "pk-web-1", Role: RoleApp,
	}, testActor())
	require.NoError(t, err)

	approved, evts, err := s.ApproveNode(ctx, node.ID, testActor())
	require.NoError(t, err)
	assert.Equal(t, StatusActive, approved.Status)
	assert.True(t, approved.IsApproved())

	// Approval is the mesh-join announcement downstream peers key on.
	require.Len(t, evts, 1)
	assert.Equal(t, events.NodeRegistered, evts[0].Type)
	assert.Equal(t, "active", evts[0].Payload["status"])
	assert.Equal(t, int64(1), evts[0].Payload["config_version"])

	v, err := s.ConfigVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// Approving an active node changes nothing.
	_, evts2, err := s.ApproveNode(ctx, node.ID, testActor())
	require.NoError(t, err)
	assert.Empty(t, evts2)
	v2, _ := s.ConfigVersion(ctx)
	assert.Equal(t, int64(1), v2)
}

func TestApproveRevokedNodeRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-1", PublicKey: "pk-web-1", Role: RoleApp,
	}, testActor())
	require.NoError(t, err)
	_, _, err = s.RevokeNode(ctx, node.ID, "compromised", testActor())
	require.NoError(t, err)

	_, _, err = s.ApproveNode(ctx, node.ID, testActor())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	assert.Equal(t, "NODE_REVOKED", errors.Code(err))
}

func TestSuspendNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-1", PublicKey: "pk-web-1", Role: RoleApp,
	}, testActor())
	require.NoError(t, err)

	t.Run("pending node cannot be suspended", func(t *testing.T) {
		_, _, err := s.SuspendNode(ctx, node.ID, "noisy", testActor())
		require.Error(t, err)
		assert.Equal(t, "INVALID_STATUS", errors.Code(err))
	})

	_, _, err = s.ApproveNode(ctx, node.ID, testActor())
	require.NoError(t, err)

	suspended, evts, err := s.SuspendNode(ctx, node.ID, "integrity mismatch", testActor())
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, suspended.Status)
	require.Len(t, evts, 1)
	assert.Equal(t, events.NodeSuspended, evts[0].Type)
	assert.Equal(t, "web-1", evts[0].Payload["hostname"])
	assert.Equal(t, "integrity mismatch", evts[0].Payload["reason"])

	// Suspension drops the node from compiled output, so it bumps.
	v, _ := s.ConfigVersion(ctx)
	assert.Equal(t, int64(2), v)

	// Suspending again is a silent no-op.
	_, evts2, err := s.SuspendNode(ctx, node.ID, "again", testActor())
	require.NoError(t, err)
	assert.Empty(t, evts2)

	// A suspended node can be re-approved.
	back, _, err := s.ApproveNode(ctx, node.ID, testActor())
	require.NoError(t, err)
	assert.Equal(t, StatusActive, back.Status)
}

func TestRevokeAndDeleteNodeReleaseLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-1", PublicKey: "pk-web-1", Role: RoleApp,
	}, testActor())
	require.NoError(t, err)
	_, _, err = s.ApproveNode(ctx, node.ID, testActor())
	require.NoError(t, err)

	revoked, evts, err := s.RevokeNode(ctx, node.ID, "lost laptop", testActor())
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	require.Len(t, evts, 1)
	assert.Equal(t, events.NodeRevoked, evts[0].Type)
	assert.Equal(t, "pk-web-1", evts[0].Payload["public_key"], "revocation carries the key so the hub can drop the peer")

	// Lease survives revocation: a new node must not get this address.
	other, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-2", PublicKey: "pk-web-2", Role: RoleApp,
	}, testActor())
	require.NoError(t, err)
	assert.NotEqual(t, node.OverlayIP, other.OverlayIP)

	delEvts, err := s.DeleteNode(ctx, node.ID, testActor())
	require.NoError(t, err)
	require.Equal(t, []events.Type{events.NodeDeleted, events.IPReleased}, eventTypes(delEvts))

	_, err = s.GetNode(ctx, node.ID)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	// Deletion frees the address for reuse.
	reused, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-3", PublicKey: "pk-web-3", Role: RoleApp,
	}, testActor())
	require.NoError(t, err)
	assert.Equal(t, node.OverlayIP, reused.OverlayIP)
}

func TestRevokeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-1", PublicKey: "pk-web-1", Role: RoleApp,
	}, testActor())
	require.NoError(t, err)

	_, _, err = s.RevokeNode(ctx, node.ID, "first", testActor())
	require.NoError(t, err)
	v1, _ := s.ConfigVersion(ctx)

	_, evts, err := s.RevokeNode(ctx, node.ID, "second", testActor())
	require.NoError(t, err)
	assert.Empty(t, evts)
	v2, _ := s.ConfigVersion(ctx)
	assert.Equal(t, v1, v2, "repeat revocation must not bump the version")
}

func TestPoolExhaustion(t *testing.T) {
	// A /29 leaves 6 host addresses; gateway is reserved, so 5 leases.
	pool, err := ipam.NewPool("10.99.0.0/29")
	require.NoError(t, err)
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"), pool)
	require.NoError(t, err)
	defer s.Close()
	s.LowWater = 2
	ctx := context.Background()

	sawPoolLow := false
	for i := 0; i < pool.Capacity(); i++ {
		_, evts, err := s.RegisterNode(ctx, RegisterNodeParams{
			Hostname:  string(rune('a'+i)) + "-node",
			PublicKey: string(rune('a'+i)) + "-key",
			Role:      RoleApp,
		}, testActor())
		require.NoError(t, err)
		for _, e := range evts {
			if e.Type == events.IPPoolLow {
				sawPoolLow = true
			}
		}
	}
	assert.True(t, sawPoolLow, "low-water warning expected before exhaustion")

	_, _, err = s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "overflow", PublicKey: "overflow-key", Role: RoleApp,
	}, testActor())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindPoolExhausted))
}

func TestHeartbeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-1", PublicKey: "pk-web-1", Role: RoleApp,
	}, testActor())
	require.NoError(t, err)
	_, _, err = s.ApproveNode(ctx, node.ID, testActor())
	require.NoError(t, err)

	t.Run("reports pending config when agent is behind", func(t *testing.T) {
		n, changed, err := s.Heartbeat(ctx, HeartbeatParams{
			Hostname: "web-1", PublicKey: "pk-web-1", ConfigVersion: 0,
			Metrics: map[string]any{"cpu_percent": 12.5},
		})
		require.NoError(t, err)
		assert.True(t, changed, "approval bumped to 1, agent applied 0")
		require.NotNil(t, n.LastSeen)
	})

	t.Run("quiet when agent is current", func(t *testing.T) {
		_, changed, err := s.Heartbeat(ctx, HeartbeatParams{
			Hostname: "web-1", PublicKey: "pk-web-1", ConfigVersion: 1,
		})
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("wrong key is rejected", func(t *testing.T) {
		_, _, err := s.Heartbeat(ctx, HeartbeatParams{
			Hostname: "web-1", PublicKey: "pk-stolen",
		})
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindUnauthorized))
	})

	t.Run("unknown node", func(t *testing.T) {
		_, _, err := s.Heartbeat(ctx, HeartbeatParams{
			Hostname: "ghost", PublicKey: "pk-ghost",
		})
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindNotFound))
	})
}

func TestApplyIntegrityVerdict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-1", PublicKey: "pk-web-1", Role: RoleApp,
	}, testActor())
	require.NoError(t, err)
	_, _, err = s.ApproveNode(ctx, node.ID, testActor())
	require.NoError(t, err)
	vBefore, _ := s.ConfigVersion(ctx)

	t.Run("verified report leaves status alone", func(t *testing.T) {
		n, evts, err := s.ApplyIntegrityVerdict(ctx, node.ID, IntegrityVerdict{
			ReportedHash: "abc123",
			Verified:     true,
			AuditAction:  "INTEGRITY_VERIFIED",
			Severity:     "info",
		}, SystemActor)
		require.NoError(t, err)
		assert.True(t, n.HashVerified)
		assert.Equal(t, "abc123", n.LastReportedHash)
		assert.Equal(t, StatusActive, n.Status)
		assert.Empty(t, evts)
	})

	t.Run("suspension verdict transitions and bumps", func(t *testing.T) {
		n, evts, err := s.ApplyIntegrityVerdict(ctx, node.ID, IntegrityVerdict{
			ReportedHash:  "evil456",
			Verified:      false,
			MismatchCount: 3,
			NewStatus:     StatusSuspended,
			AuditAction:   "INTEGRITY_MISMATCH",
			Severity:      "critical",
		}, SystemActor)
		require.NoError(t, err)
		assert.Equal(t, StatusSuspended, n.Status)
		assert.Equal(t, 3, n.HashMismatchCount)
		require.Len(t, evts, 1)
		assert.Equal(t, events.NodeSuspended, evts[0].Type)

		vAfter, _ := s.ConfigVersion(ctx)
		assert.Equal(t, vBefore+1, vAfter)
	})

	t.Run("approve reported hash resets the counter", func(t *testing.T) {
		n, err := s.ApproveReportedHash(ctx, node.ID, testActor())
		require.NoError(t, err)
		assert.Equal(t, "evil456", n.AgentHash, "reported hash becomes the expected hash")
		assert.True(t, n.HashVerified)
		assert.Equal(t, 0, n.HashMismatchCount)
	})

	t.Run("set expected hash", func(t *testing.T) {
		n, err := s.SetExpectedHash(ctx, node.ID, "pinned789", testActor())
		require.NoError(t, err)
		assert.Equal(t, "pinned789", n.AgentHash)
		assert.False(t, n.HashVerified, "last report no longer matches")
	})
}
