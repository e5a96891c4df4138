// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"context"
	"sort"
	"strings"
	"time"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/events"
)

// AppendEvent persists a bus event into the event store. Wired as the
// high-priority persistence subscriber so every domain event lands on
// disk before lower-priority handlers run.
func (s *Store) AppendEvent(ctx context.Context, e events.Event) error {
	aggType, aggID := e.Aggregate()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_store (event_id, event_type, aggregate_type, aggregate_id, payload, source, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		e.ID, string(e.Type), aggType, aggID, marshalJSON(e.Payload), e.Source, e.Version, e.Timestamp.Unix())
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to persist event")
	}
	return nil
}

// EventFilter narrows QueryEvents.
type EventFilter struct {
	Type          string
	AggregateType string
	AggregateID   string
	Limit         int
}

// QueryEvents returns persisted events, newest first.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]*StoredEvent, error) {
	q := `SELECT id, event_id, event_type, aggregate_type, aggregate_id, payload, source, version, created_at
	      FROM event_store`
	var conds []string
	var args []any
	if f.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.Type)
	}
	if f.AggregateType != "" {
		conds = append(conds, "aggregate_type = ?")
		args = append(args, f.AggregateType)
	}
	if f.AggregateID != "" {
		conds = append(conds, "aggregate_id = ?")
		args = append(args, f.AggregateID)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	q += " LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to query events")
	}
	defer rows.Close()

	var out []*StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var payload string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.EventType, &ev.AggregateType, &ev.AggregateID,
			&payload, &ev.Source, &ev.Version, &created); err != nil {
			return nil, err
		}
		ev.Payload = unmarshalJSON(payload)
		ev.CreatedAt = time.Unix(created, 0)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// AuditFilter narrows QueryAudit.
type AuditFilter struct {
	Action   string
	ActorID  string
	TargetID string
	Severity string
	Since    time.Time
	Limit    int
}

// QueryAudit returns audit rows, newest first.
func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT id, action, actor_type, actor_id, target_type, target_id, details, severity, source_ip, created_at
	      FROM audit_log`
	var conds []string
	var args []any
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.Unix())
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	q += " LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to query audit log")
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var a AuditEntry
		var details string
		var created int64
		if err := rows.Scan(&a.ID, &a.Action, &a.ActorType, &a.ActorID, &a.TargetType, &a.TargetID,
			&details, &a.Severity, &a.SourceIP, &created); err != nil {
			return nil, err
		}
		a.Details = unmarshalJSON(details)
		a.CreatedAt = time.Unix(created, 0)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// NetworkStats summarizes pool utilization for the admin API.
type NetworkStats struct {
	CIDR               string         `json:"cidr"`
	Gateway            string         `json:"gateway"`
	TotalAddresses     int            `json:"total_addresses"`
	UsedAddresses      int            `json:"used_addresses"`
	FreeAddresses      int            `json:"free_addresses"`
	UtilizationPercent float64        `json:"utilization_percent"`
	NodesByStatus      map[string]int `json:"nodes_by_status"`
	NodesByRole        map[string]int `json:"nodes_by_role"`
	ClientDevices      int            `json:"client_devices"`
}

// NetworkStats reports pool and fleet counts.
func (s *Store) NetworkStats(ctx context.Context) (*NetworkStats, error) {
	stats := &NetworkStats{
		CIDR:          s.pool.CIDR(),
		Gateway:       s.pool.Gateway(),
		NodesByStatus: map[string]int{},
		NodesByRole:   map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, role, COUNT(*) FROM nodes GROUP BY status, role`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to count nodes")
	}
	defer rows.Close()
	nodes := 0
	for rows.Next() {
		var status, role string
		var n int
		if err := rows.Scan(&status, &role, &n); err != nil {
			return nil, err
		}
		stats.NodesByStatus[status] += n
		stats.NodesByRole[role] += n
		nodes += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM client_devices`).Scan(&stats.ClientDevices); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to count devices")
	}

	stats.TotalAddresses = s.pool.Capacity()
	stats.UsedAddresses = nodes + stats.ClientDevices
	stats.FreeAddresses = stats.TotalAddresses - stats.UsedAddresses
	if stats.TotalAddresses > 0 {
		stats.UtilizationPercent = float64(stats.UsedAddresses) / float64(stats.TotalAddresses) * 100
	}
	return stats, nil
}

// Allocation is one leased overlay address and its owner.
type Allocation struct {
	IP     string `json:"ip"`
	Kind   string `json:"kind"` // "gateway", "node", "client_device"
	Owner  string `json:"owner"`
	Status string `json:"status,omitempty"`
}

// Allocations lists every leased address including the reserved hub
// gateway, sorted by address.
func (s *Store) Allocations(ctx context.Context) ([]*Allocation, error) {
	out := []*Allocation{{IP: s.pool.Gateway(), Kind: "gateway", Owner: "hub"}}

	rows, err := s.db.QueryContext(ctx, `SELECT overlay_ip, hostname, status FROM nodes`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list node leases")
	}
	defer rows.Close()
	for rows.Next() {
		a := Allocation{Kind: "node"}
		if err := rows.Scan(&a.IP, &a.Owner, &a.Status); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	drows, err := s.db.QueryContext(ctx, `SELECT overlay_ip, device_id, status FROM client_devices`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list device leases")
	}
	defer drows.Close()
	for drows.Next() {
		a := Allocation{Kind: "client_device"}
		if err := drows.Scan(&a.IP, &a.Owner, &a.Status); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	if err := drows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return ipKey(out[i].IP) < ipKey(out[j].IP) })
	return out, nil
}

// ipKey maps a dotted quad onto a sortable integer. Unparseable
// strings sort last.
func ipKey(ip string) uint64 {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ^uint64(0)
	}
	var key uint64
	for _, p := range parts {
		var octet uint64
		for _, c := range p {
			if c < '0' || c > '9' {
				return ^uint64(0)
			}
			octet = octet*10 + uint64(c-'0')
		}
		if octet > 255 {
			return ^uint64(0)
		}
		key = key<<8 | octet
	}
	return key
}
