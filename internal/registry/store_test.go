// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flymesh/internal/events"
	"grimm.is/flymesh/internal/ipam"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := ipam.NewPool("10.99.0.0/24")
	require.NoError(t, err)

	store, err := Open(filepath.Join(t.TempDir(), "registry.db"), pool)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testActor() Actor {
	return Actor{Type: "admin", ID: "test-admin", IP: "127.0.0.1"}
}

func TestConfigVersionStartsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.ConfigVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v2, err := s.IncrementVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v2)

	v3, err := s.ConfigVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v3)
}

func TestSchemaReopenIsIdempotent(t *testing.T) {
	pool, err := ipam.NewPool("10.99.0.0/24")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "registry.db")

	s, err := Open(path, pool)
	require.NoError(t, err)
	_, err = s.IncrementVersion(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, pool)
	require.NoError(t, err)
	defer s2.Close()

	v, err := s2.ConfigVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "version must survive reopen")
}

func TestAppendEventPersistsAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := events.New(events.NodeRegistered, map[string]any{
		"node_id":  int64(7),
		"hostname": "web-1",
	}, "registry")
	require.NoError(t, s.AppendEvent(ctx, e))

	// Same event id again must not create a second row.
	require.NoError(t, s.AppendEvent(ctx, e))

	stored, err := s.QueryEvents(ctx, EventFilter{AggregateType: "Node", AggregateID: "7"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, e.ID, stored[0].EventID)
	assert.Equal(t, string(events.NodeRegistered), stored[0].EventType)
	assert.Equal(t, "web-1", stored[0].Payload["hostname"])
}

func TestQueryEventsFilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := events.New(events.PolicyUpdated, map[string]any{"policy_id": int64(i + 1)}, "test")
		require.NoError(t, s.AppendEvent(ctx, e))
	}
	require.NoError(t, s.AppendEvent(ctx, events.New(events.NodeRevoked, map[string]any{"node_id": int64(1)}, "test")))

	policies, err := s.QueryEvents(ctx, EventFilter{Type: string(events.PolicyUpdated)})
	require.NoError(t, err)
	require.Len(t, policies, 3)
	// Newest first.
	assert.Equal(t, "3", policies[0].AggregateID)

	limited, err := s.QueryEvents(ctx, EventFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestQueryAuditFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.RegisterNode(ctx, RegisterNodeParams{
		Hostname: "web-1", PublicKey: "pk-web-1", Role: "app",
	}, testActor())
	require.NoError(t, err)

	_, _, err = s.CreateUser(ctx, CreateUserParams{UserID: "alice"}, testActor())
	require.NoError(t, err)

	all, err := s.QueryAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all), 2)
	// Newest first.
	assert.Equal(t, "USER_CREATED", all[0].Action)

	registered, err := s.QueryAudit(ctx, AuditFilter{Action: "NODE_REGISTERED"})
	require.NoError(t, err)
	require.Len(t, registered, 1)
	assert.Equal(t, "web-1", registered[0].TargetID)
	assert.Equal(t, "test-admin", registered[0].ActorID)
	assert.Equal(t, "127.0.0.1", registered[0].SourceIP)

	none, err := s.QueryAudit(ctx, AuditFilter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNetworkStatsAndAllocations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n1, _, err := s.RegisterNode(ctx, RegisterNodeParams{Hostname: "web-1", PublicKey: "pk1", Role: "app"}, testActor())
	require.NoError(t, err)
	_, _, err = s.ApproveNode(ctx, n1.ID, testActor())
	require.NoError(t, err)
	_, _, err = s.RegisterNode(ctx, RegisterNodeParams{Hostname: "db-1", PublicKey: "pk2", Role: "db"}, testActor())
	require.NoError(t, err)

	_, _, err = s.CreateUser(ctx, CreateUserParams{UserID: "alice"}, testActor())
	require.NoError(t, err)
	_, _, err = s.RegisterDevice(ctx, RegisterDeviceParams{
		DeviceID: "laptop-1", UserID: "alice", PublicKey: "pk-dev",
	}, testActor())
	require.NoError(t, err)

	stats, err := s.NetworkStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.99.0.0/24", stats.CIDR)
	assert.Equal(t, "10.99.0.1", stats.Gateway)
	assert.Equal(t, 253, stats.TotalAddresses)
	assert.Equal(t, 3, stats.UsedAddresses)
	assert.Equal(t, 250, stats.FreeAddresses)
	assert.Equal(t, 1, stats.NodesByStatus["active"])
	assert.Equal(t, 1, stats.NodesByStatus["pending"])
	assert.Equal(t, 1, stats.NodesByRole["app"])
	assert.Equal(t, 1, stats.ClientDevices)

	allocs, err := s.Allocations(ctx)
	require.NoError(t, err)
	require.Len(t, allocs, 4)
	assert.Equal(t, "10.99.0.1", allocs[0].IP)
	assert.Equal(t, "gateway", allocs[0].Kind)
	assert.Equal(t, "10.99.0.2", allocs[1].IP)
	assert.Equal(t, "node", allocs[1].Kind)
	assert.Equal(t, "web-1", allocs[1].Owner)
	assert.Equal(t, "client_device", allocs[3].Kind)
	assert.Equal(t, "laptop-1", allocs[3].Owner)
}
