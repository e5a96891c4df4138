// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package registry persists the declared state of the overlay: nodes,
// users, groups, policies, client devices, the monotone config version
// and the append-only audit and event logs. All writes go through one
// sqlite database; every mutating call runs in a single transaction
// that also records its audit row.
package registry

import (
	"time"
)

// NodeStatus is the lifecycle state of a node.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusActive    NodeStatus = "active"
	StatusSuspended NodeStatus = "suspended"
	StatusRevoked   NodeStatus = "revoked"
)

// Valid reports whether s is one of the four lifecycle states.
func (s NodeStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusRevoked:
		return true
	}
	return false
}

// NodeRole classifies a node for the legacy role-pair ACL model.
type NodeRole string

const (
	RoleHub     NodeRole = "hub"
	RoleApp     NodeRole = "app"
	RoleDB      NodeRole = "db"
	RoleOps     NodeRole = "ops"
	RoleMonitor NodeRole = "monitor"
)

func (r NodeRole) Valid() bool {
	switch r {
	case RoleHub, RoleApp, RoleDB, RoleOps, RoleMonitor:
		return true
	}
	return false
}

// Node is one machine joined to the overlay.
type Node struct {
	ID        int64      `json:"id"`
	Hostname  string     `json:"hostname"`
	PublicKey string     `json:"public_key"`
	OverlayIP string     `json:"overlay_ip"`
	RealIP    string     `json:"real_ip,omitempty"`
	Role      NodeRole   `json:"role"`
	Status    NodeStatus `json:"status"`

	AgentHash         string `json:"agent_hash,omitempty"`
	LastReportedHash  string `json:"last_reported_hash,omitempty"`
	HashVerified      bool   `json:"hash_verified"`
	HashMismatchCount int    `json:"hash_mismatch_count"`
	AgentVersion      string `json:"agent_version,omitempty"`

	OSInfo   string         `json:"os_info,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	LastSeen *time.Time     `json:"last_seen,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsApproved is kept for API compatibility; it is derived from status.
func (n *Node) IsApproved() bool { return n.Status == StatusActive }

// User is a person or service identity policies can reference.
type User struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Suspended   bool      `json:"suspended"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Group is a named set of users. Groups nest through ParentID and must
// stay acyclic.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ParentID    *int64    `json:"parent_group_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MembershipRole is the role a user holds inside a group.
type MembershipRole string

const (
	MemberRoleMember MembershipRole = "member"
	MemberRoleAdmin  MembershipRole = "admin"
	MemberRoleOwner  MembershipRole = "owner"
)

func (r MembershipRole) Valid() bool {
	switch r {
	case MemberRoleMember, MemberRoleAdmin, MemberRoleOwner:
		return true
	}
	return false
}

// Membership links a user to a group.
type Membership struct {
	ID        int64          `json:"id"`
	UserID    string         `json:"user_id"`
	GroupID   int64          `json:"group_id"`
	Role      MembershipRole `json:"role"`
	CreatedAt time.Time      `json:"created_at"`
}

// SubjectType scopes who a policy applies to.
type SubjectType string

const (
	SubjectAll   SubjectType = "all"
	SubjectUser  SubjectType = "user"
	SubjectGroup SubjectType = "group"
)

// ResourceType scopes what a policy protects.
type ResourceType string

const (
	ResourceDomain     ResourceType = "domain"
	ResourceIPRange    ResourceType = "ip_range"
	ResourceZone       ResourceType = "zone"
	ResourceService    ResourceType = "service"
	ResourceURLPattern ResourceType = "url_pattern"
)

// PolicyAction is the effect of a matched policy.
type PolicyAction string

const (
	ActionAllow      PolicyAction = "allow"
	ActionDeny       PolicyAction = "deny"
	ActionRequireMFA PolicyAction = "require_mfa"
)

// TimeWindow restricts a policy to weekdays and a daily interval.
// Weekdays use 0=Monday..6=Sunday; times are "HH:MM".
type TimeWindow struct {
	Days  []int  `json:"days"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// PolicyConditions guard a policy beyond subject and resource.
type PolicyConditions struct {
	DeviceTypes []string     `json:"device_types,omitempty"`
	TimeWindows []TimeWindow `json:"time_windows,omitempty"`
	ClientCIDRs []string     `json:"client_cidrs,omitempty"`
	RequireVPN  bool         `json:"require_vpn,omitempty"`
}

// Policy is one declarative access rule in the rich model.
type Policy struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	SubjectType   SubjectType       `json:"subject_type"`
	SubjectID     string            `json:"subject_id,omitempty"`
	ResourceType  ResourceType      `json:"resource_type"`
	ResourceValue string            `json:"resource_value"`
	Action        PolicyAction      `json:"action"`
	Priority      int               `json:"priority"`
	Enabled       bool              `json:"enabled"`
	Conditions    *PolicyConditions `json:"conditions,omitempty"`
	ValidFrom     *time.Time        `json:"valid_from,omitempty"`
	ValidUntil    *time.Time        `json:"valid_until,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ACLRule is the legacy role-pair firewall rule compiled into per-node
// packet filter entries. DstRole may be "*".
type ACLRule struct {
	ID          int64     `json:"id"`
	SrcRole     string    `json:"src_role"`
	DstRole     string    `json:"dst_role"`
	Port        int       `json:"port,omitempty"`
	Protocol    string    `json:"protocol"`
	Action      string    `json:"action"`
	Priority    int       `json:"priority"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeviceStatus mirrors node lifecycle for client devices.
type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "active"
	DeviceRevoked DeviceStatus = "revoked"
)

// ClientDevice is a user-owned device holding an overlay lease.
type ClientDevice struct {
	DeviceID   string       `json:"device_id"`
	UserID     string       `json:"user_id"`
	Name       string       `json:"name"`
	DeviceType string       `json:"device_type,omitempty"`
	PublicKey  string       `json:"public_key,omitempty"`
	OverlayIP  string       `json:"overlay_ip"`
	Status     DeviceStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Actor identifies who performed a mutation, for the audit trail.
type Actor struct {
	Type string // "admin", "agent", "system"
	ID   string
	IP   string
}

// SystemActor is used for mutations the control plane makes on its own
// behalf (integrity transitions, seeding).
var SystemActor = Actor{Type: "system", ID: "control-plane"}

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID         int64          `json:"id"`
	Action     string         `json:"action"`
	ActorType  string         `json:"actor_type"`
	ActorID    string         `json:"actor_id"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Severity   string         `json:"severity"`
	SourceIP   string         `json:"source_ip,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// StoredEvent is one persisted domain event.
type StoredEvent struct {
	ID            int64          `json:"id"`
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	AggregateType string         `json:"aggregate_type,omitempty"`
	AggregateID   string         `json:"aggregate_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Source        string         `json:"source,omitempty"`
	Version       int            `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
}
