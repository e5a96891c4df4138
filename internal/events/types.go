// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package events implements the in-process domain event bus. Handlers
// subscribe per event type with a priority; publication runs them in
// ascending priority order with bounded retries. Delivery within a
// handler is at-least-once, so handlers must be idempotent.
package events

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type names one domain event. The vocabulary is fixed; payloads are
// free-form maps keyed by snake_case field names.
type Type string

const (
	// Node lifecycle
	NodeRegistered   Type = "node.registered"
	NodeApproved     Type = "node.approved"
	NodeActivated    Type = "node.activated"
	NodeSuspended    Type = "node.suspended"
	NodeRevoked      Type = "node.revoked"
	NodeDeleted      Type = "node.deleted"
	NodeHeartbeat    Type = "node.heartbeat"
	NodeOffline      Type = "node.offline"
	NodeConfigSynced Type = "node.config_synced"

	// IP pool
	IPAllocated     Type = "ip.allocated"
	IPReleased      Type = "ip.released"
	IPPoolLow       Type = "ip.pool_low"
	IPPoolExhausted Type = "ip.pool_exhausted"

	// Client devices
	ClientDeviceRegistered Type = "client_device.registered"
	ClientDeviceUpdated    Type = "client_device.updated"
	ClientDeviceRevoked    Type = "client_device.revoked"
	ClientDeviceDeleted    Type = "client_device.deleted"

	// Policies
	PolicyCreated Type = "policy.created"
	PolicyUpdated Type = "policy.updated"
	PolicyDeleted Type = "policy.deleted"
	PolicyApplied Type = "policy.applied"

	// Trust & security
	TrustScoreChanged    Type = "trust.score_changed"
	TrustThresholdBreach Type = "trust.threshold_breach"
	SecurityAlert        Type = "security.alert"
	UnauthorizedAccess   Type = "security.unauthorized_access"
	AuthenticationFailed Type = "security.authentication_failed"

	// Users & groups
	UserCreated          Type = "user.created"
	UserUpdated          Type = "user.updated"
	UserSuspended        Type = "user.suspended"
	UserDeleted          Type = "user.deleted"
	GroupCreated         Type = "group.created"
	GroupUpdated         Type = "group.updated"
	GroupDeleted         Type = "group.deleted"
	UserAddedToGroup     Type = "user.added_to_group"
	UserRemovedFromGroup Type = "user.removed_from_group"

	// Config propagation
	ConfigVersionIncremented Type = "config.version_incremented"

	// Tunnel peer mutations
	WireGuardPeerAdded     Type = "wireguard.peer_added"
	WireGuardPeerRemoved   Type = "wireguard.peer_removed"
	WireGuardConfigUpdated Type = "wireguard.config_updated"
)

// Priority orders handlers for one event. Lower runs first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

// Event is the envelope published on the bus and persisted to the
// event store.
type Event struct {
	ID        string         `json:"event_id"`
	Type      Type           `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	Version   int            `json:"version"`
}

// New builds an event envelope with a fresh UUID and version 1.
func New(t Type, payload map[string]any, source string) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Version:   1,
	}
}

// Aggregate derives the (aggregate_type, aggregate_id) pair used when
// persisting the event, from well-known payload keys.
func (e Event) Aggregate() (string, string) {
	if v, ok := stringValue(e.Payload["node_id"]); ok {
		return "Node", v
	}
	if v, ok := stringValue(e.Payload["device_id"]); ok {
		return "ClientDevice", v
	}
	if v, ok := stringValue(e.Payload["policy_id"]); ok {
		return "Policy", v
	}
	if v, ok := stringValue(e.Payload["group_id"]); ok && strings.HasPrefix(string(e.Type), "group") {
		return "Group", v
	}
	if v, ok := stringValue(e.Payload["user_id"]); ok && strings.HasPrefix(string(e.Type), "user") {
		return "User", v
	}
	return "", ""
}

func stringValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		if x == "" {
			return "", false
		}
		return x, true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatInt(int64(x), 10), true
	default:
		return "", false
	}
}
