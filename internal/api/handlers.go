// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"strings"

	"grimm.is/flymesh/internal/events"
	"grimm.is/flymesh/internal/registry"
)

// persistedTypes is every event type the system emits. Each one gets
// the event store handler so the audit trail is complete.
var persistedTypes = []events.Type{
	events.NodeRegistered,
	events.NodeApproved,
	events.NodeSuspended,
	events.NodeRevoked,
	events.NodeDeleted,
	events.IPAllocated,
	events.IPReleased,
	events.IPPoolLow,
	events.IPPoolExhausted,
	events.ClientDeviceRegistered,
	events.ClientDeviceRevoked,
	events.PolicyCreated,
	events.PolicyUpdated,
	events.PolicyDeleted,
	events.SecurityAlert,
	events.TrustScoreChanged,
	events.TrustThresholdBreach,
	events.UnauthorizedAccess,
	events.AuthenticationFailed,
	events.UserCreated,
	events.UserUpdated,
	events.UserSuspended,
	events.UserDeleted,
	events.GroupCreated,
	events.GroupUpdated,
	events.GroupDeleted,
	events.UserAddedToGroup,
	events.UserRemovedFromGroup,
}

// registerEventHandlers binds the server's reactions to domain events.
// Handlers run in priority order per event: persistence and the audit
// mirror first, then hub peer updates, then agent fan-out. Handlers
// are idempotent; the bus retries them on error.
func (s *Server) registerEventHandlers() {
	for _, t := range persistedTypes {
		s.bus.Subscribe(t, s.persistEvent,
			events.WithPriority(events.PriorityHigh), events.WithName("persist"))
	}

	for _, t := range []events.Type{
		events.NodeRegistered,
		events.NodeRevoked,
		events.ClientDeviceRegistered,
		events.ClientDeviceRevoked,
		events.PolicyUpdated,
		events.SecurityAlert,
	} {
		s.bus.Subscribe(t, s.mirrorAudit,
			events.WithPriority(events.PriorityHigh), events.WithName("audit"))
	}

	// Hub peer table updates. Failures are retried by the bus; the
	// periodic sync converges anything that still slipped through.
	s.bus.Subscribe(events.NodeRegistered, s.hubAddNodePeer,
		events.WithPriority(events.PriorityNormal), events.WithName("hub-add-peer"))
	s.bus.Subscribe(events.ClientDeviceRegistered, s.hubAddDevicePeer,
		events.WithPriority(events.PriorityNormal), events.WithName("hub-add-peer"))
	for _, t := range []events.Type{
		events.NodeRevoked,
		events.NodeDeleted,
		events.ClientDeviceRevoked,
	} {
		s.bus.Subscribe(t, s.hubRemovePeer,
			events.WithPriority(events.PriorityNormal), events.WithName("hub-remove-peer"))
	}

	// Push-channel fan-out. Agents re-read the authoritative config;
	// the frame carries only the new version.
	for _, t := range []events.Type{
		events.NodeRegistered,
		events.NodeSuspended,
		events.NodeRevoked,
		events.NodeDeleted,
		events.PolicyCreated,
		events.PolicyUpdated,
		events.PolicyDeleted,
	} {
		s.bus.Subscribe(t, s.fanoutConfigUpdate,
			events.WithPriority(events.PriorityLow), events.WithName("agent-fanout"))
	}
	for _, t := range []events.Type{events.NodeSuspended, events.NodeRevoked} {
		s.bus.Subscribe(t, s.pushStatusChange,
			events.WithPriority(events.PriorityNormal), events.WithName("status-push"))
	}

	s.bus.Subscribe(events.TrustThresholdBreach, s.onTrustBreach,
		events.WithPriority(events.PriorityNormal), events.WithName("trust-monitor"))
	s.bus.Subscribe(events.IPPoolLow, s.onPoolLow,
		events.WithPriority(events.PriorityHigh), events.WithName("pool-monitor"))
}

// persistEvent appends the event to the event store. Returning the
// error hands redelivery to the bus.
func (s *Server) persistEvent(ctx context.Context, evt events.Event) error {
	return s.store.AppendEvent(ctx, evt)
}

// mirrorAudit echoes security-relevant events into the server log so
// the trail survives even if the database is lost.
func (s *Server) mirrorAudit(ctx context.Context, evt events.Event) error {
	s.log.Info("[AUDIT] "+string(evt.Type),
		"event_id", evt.ID,
		"source", evt.Source,
		"payload", evt.Payload)
	return nil
}

// hubAddNodePeer registers the node on the hub interface. Registration
// emits with status pending and approval with status active; only the
// active emission creates a peer.
func (s *Server) hubAddNodePeer(ctx context.Context, evt events.Event) error {
	if status, _ := evt.Payload["status"].(string); status != string(registry.StatusActive) {
		return nil
	}
	key, _ := evt.Payload["public_key"].(string)
	ip, _ := evt.Payload["overlay_ip"].(string)
	if key == "" || ip == "" {
		return nil
	}
	_, err := s.hub.AddPeer(ctx, key, hostRoute(ip), "")
	if err == nil {
		s.log.Info("hub peer added", "hostname", evt.Payload["hostname"], "overlay_ip", ip)
	}
	return err
}

// hubAddDevicePeer registers a client device on the hub interface.
// Devices are active from creation.
func (s *Server) hubAddDevicePeer(ctx context.Context, evt events.Event) error {
	key, _ := evt.Payload["public_key"].(string)
	ip, _ := evt.Payload["ip"].(string)
	if key == "" || ip == "" {
		return nil
	}
	_, err := s.hub.AddPeer(ctx, key, hostRoute(ip), "")
	if err == nil {
		s.log.Info("hub peer added", "device_id", evt.Payload["device_id"], "overlay_ip", ip)
	}
	return err
}

// hubRemovePeer drops the peer named by the event from the hub
// interface.
func (s *Server) hubRemovePeer(ctx context.Context, evt events.Event) error {
	key, _ := evt.Payload["public_key"].(string)
	if key == "" {
		return nil
	}
	_, err := s.hub.RemovePeer(ctx, key)
	if err == nil {
		s.log.Info("hub peer removed", "event_type", evt.Type, "hostname", evt.Payload["hostname"])
	}
	return err
}

// fanoutConfigUpdate broadcasts a config_updated frame to connected
// agents. Mutations that do not touch compiled output carry no
// config_version and fan out nothing.
func (s *Server) fanoutConfigUpdate(ctx context.Context, evt events.Event) error {
	version, ok := payloadInt64(evt.Payload["config_version"])
	if !ok {
		return nil
	}
	notified := s.nodes.NotifyConfigUpdate(nil, version)
	s.log.Debug("config update pushed", "config_version", version, "agents", notified)
	return nil
}

// pushStatusChange tells the affected agent its lifecycle status moved.
func (s *Server) pushStatusChange(ctx context.Context, evt events.Event) error {
	hostname, _ := evt.Payload["hostname"].(string)
	newStatus, _ := evt.Payload["new_status"].(string)
	if hostname == "" || newStatus == "" {
		return nil
	}
	s.nodes.NotifyStatusChange(hostname, newStatus)
	return nil
}

func (s *Server) onTrustBreach(ctx context.Context, evt events.Event) error {
	s.log.Warn("trust score below threshold, consider suspension",
		"hostname", evt.Payload["hostname"],
		"score", evt.Payload["score"],
		"threshold", evt.Payload["threshold"])
	return nil
}

func (s *Server) onPoolLow(ctx context.Context, evt events.Event) error {
	s.log.Warn("overlay address pool running low",
		"available", evt.Payload["available"],
		"total", evt.Payload["total"],
		"utilization_percent", evt.Payload["utilization_percent"])
	return nil
}

// hostRoute renders a lease as the /32 route the hub installs for it.
// Leases are stored bare, but a masked value is tolerated.
func hostRoute(ip string) string {
	if i := strings.IndexByte(ip, '/'); i >= 0 {
		ip = ip[:i]
	}
	return ip + "/32"
}

func payloadInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}
