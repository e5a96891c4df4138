// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/events"
)

const nodeColumns = `id, hostname, public_key, overlay_ip, real_ip, role, status,
	agent_hash, last_reported_hash, hash_verified, hash_mismatch_count, agent_version,
	os_info, metrics, last_seen, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var verified int
	var metrics string
	var lastSeen sql.NullInt64
	var created, updated int64

	err := row.Scan(&n.ID, &n.Hostname, &n.PublicKey, &n.OverlayIP, &n.RealIP, &n.Role, &n.Status,
		&n.AgentHash, &n.LastReportedHash, &verified, &n.HashMismatchCount, &n.AgentVersion,
		&n.OSInfo, &metrics, &lastSeen, &created, &updated)
	if err != nil {
		return nil, err
	}

	n.HashVerified = verified != 0
	n.Metrics = unmarshalJSON(metrics)
	n.LastSeen = unixOrNil(lastSeen)
	n.CreatedAt = time.Unix(created, 0)
	n.UpdatedAt = time.Unix(updated, 0)
	return &n, nil
}

// usedIPs returns every overlay address currently leased to a node or
// client device, keyed for the pool scan.
func usedIPs(tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.Query(`SELECT overlay_ip FROM nodes UNION SELECT overlay_ip FROM client_devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	used := make(map[string]bool)
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		used[ip] = true
	}
	return used, rows.Err()
}

// RegisterNodeParams carries the fields an agent submits on first
// contact.
type RegisterNodeParams struct {
	Hostname     string
	PublicKey    string
	Role         NodeRole
	RealIP       string
	OSInfo       string
	AgentVersion string
}

func (p RegisterNodeParams) validate() error {
	if strings.TrimSpace(p.Hostname) == "" {
		return errors.New(errors.KindValidation, "hostname is required")
	}
	if strings.TrimSpace(p.PublicKey) == "" {
		return errors.New(errors.KindValidation, "public_key is required")
	}
	if !p.Role.Valid() {
		return errors.Errorf(errors.KindValidation, "invalid role %q", p.Role)
	}
	return nil
}

// RegisterNode creates a pending node with a freshly leased overlay
// address. Registration is idempotent on (hostname, public_key): the
// same pair returns the existing node untouched except for liveness
// fields. A hostname or key already bound elsewhere is a conflict.
func (s *Store) RegisterNode(ctx context.Context, p RegisterNodeParams, actor Actor) (*Node, []events.Event, error) {
	if err := p.validate(); err != nil {
		return nil, nil, err
	}

	var node *Node
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		byHost, err := scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE hostname = ?`, p.Hostname))
		if err != nil && err != sql.ErrNoRows {
			return errors.Wrap(err, errors.KindInternal, "failed to look up node")
		}
		if byHost != nil {
			if byHost.PublicKey != p.PublicKey {
				return errors.WithCode(
					errors.Errorf(errors.KindConflict, "hostname %q is already registered with a different public key", p.Hostname),
					"NODE_EXISTS")
			}
			// Same identity re-registering. Refresh what the agent
			// told us and hand back the existing lease.
			now := time.Now().Unix()
			_, err := tx.Exec(`UPDATE nodes SET real_ip = ?, os_info = ?, agent_version = ?, updated_at = ? WHERE id = ?`,
				coalesce(p.RealIP, byHost.RealIP), coalesce(p.OSInfo, byHost.OSInfo),
				coalesce(p.AgentVersion, byHost.AgentVersion), now, byHost.ID)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "failed to refresh node")
			}
			node, err = scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, byHost.ID))
			return err
		}

		byKey, err := scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE public_key = ?`, p.PublicKey))
		if err != nil && err != sql.ErrNoRows {
			return errors.Wrap(err, errors.KindInternal, "failed to look up node")
		}
		if byKey != nil {
			return errors.WithCode(
				errors.Errorf(errors.KindConflict, "public key is already registered to node %q", byKey.Hostname),
				"NODE_EXISTS")
		}

		used, err := usedIPs(tx)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to scan leases")
		}
		ip, err := s.pool.FirstFree(used)
		if err != nil {
			return err
		}

		now := time.Now().Unix()
		res, err := tx.Exec(
			`INSERT INTO nodes (hostname, public_key, overlay_ip, real_ip, role, status, os_info, agent_version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Hostname, p.PublicKey, ip, p.RealIP, p.Role, StatusPending, p.OSInfo, p.AgentVersion, now, now)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to insert node")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if err := appendAudit(tx, actor, "NODE_REGISTERED", "node", p.Hostname, "info", map[string]any{
			"node_id":    id,
			"role":       string(p.Role),
			"overlay_ip": ip,
		}); err != nil {
			return err
		}

		node, err = scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
		if err != nil {
			return err
		}

		total := s.pool.Capacity()
		free := total - len(used) - 1
		evts = append(evts,
			events.New(events.NodeRegistered, map[string]any{
				"node_id":    id,
				"hostname":   p.Hostname,
				"role":       string(p.Role),
				"overlay_ip": ip,
				"public_key": p.PublicKey,
				"status":     string(StatusPending),
			}, "registry"),
			events.New(events.IPAllocated, map[string]any{
				"node_id":   id,
				"hostname":  p.Hostname,
				"ip":        ip,
				"available": free,
				"total":     total,
			}, "registry"),
		)
		if s.LowWater > 0 && free <= s.LowWater {
			evts = append(evts, events.New(events.IPPoolLow, map[string]any{
				"available":           free,
				"total":               total,
				"utilization_percent": (total - free) * 100 / total,
			}, "registry"))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return node, evts, nil
}

func coalesce(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// GetNode fetches a node by id.
func (s *Store) GetNode(ctx context.Context, id int64) (*Node, error) {
	node, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nodeNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to get node")
	}
	return node, nil
}

// GetNodeByHostname fetches a node by its unique hostname.
func (s *Store) GetNodeByHostname(ctx context.Context, hostname string) (*Node, error) {
	node, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE hostname = ?`, hostname))
	if err == sql.ErrNoRows {
		return nil, errors.WithCode(
			errors.Errorf(errors.KindNotFound, "node %q not found", hostname),
			"NODE_NOT_FOUND")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to get node")
	}
	return node, nil
}

func nodeNotFound(id int64) error {
	return errors.WithCode(
		errors.Errorf(errors.KindNotFound, "node with id %d not found", id),
		"NODE_NOT_FOUND")
}

// NodeFilter narrows ListNodes. Zero values match everything.
type NodeFilter struct {
	Status NodeStatus
	Role   NodeRole
}

// ListNodes returns nodes matching the filter, oldest first.
func (s *Store) ListNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	q := `SELECT ` + nodeColumns + ` FROM nodes`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, f.Role)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list nodes")
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ActiveNodes returns every node in active status.
func (s *Store) ActiveNodes(ctx context.Context) ([]*Node, error) {
	return s.ListNodes(ctx, NodeFilter{Status: StatusActive})
}

// ApproveNode moves a pending or suspended node to active, bumps the
// config version and emits the mesh-join event downstream handlers key
// on. Approving an already-active node is a no-op.
func (s *Store) ApproveNode(ctx context.Context, id int64, actor Actor) (*Node, []events.Event, error) {
	var node *Node
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := lockNode(tx, id)
		if err != nil {
			return err
		}
		if n.Status == StatusActive {
			node = n
			return nil
		}
		if n.Status == StatusRevoked {
			return errors.WithCode(
				errors.Errorf(errors.KindValidation, "node %q is revoked and cannot be approved", n.Hostname),
				"NODE_REVOKED")
		}

		if err := setStatus(tx, id, StatusActive); err != nil {
			return err
		}
		version, err := bumpVersion(tx)
		if err != nil {
			return err
		}
		if err := appendAudit(tx, actor, "NODE_APPROVED", "node", n.Hostname, "info", map[string]any{
			"node_id":     id,
			"from_status": string(n.Status),
		}); err != nil {
			return err
		}

		node, err = scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(events.NodeRegistered, map[string]any{
			"node_id":        id,
			"hostname":       n.Hostname,
			"role":           string(n.Role),
			"overlay_ip":     n.OverlayIP,
			"public_key":     n.PublicKey,
			"status":         string(StatusActive),
			"config_version": version,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return node, evts, nil
}

// SuspendNode moves an active node to suspended. The node keeps its
// lease; its entries drop out of compiled output, so the version bumps.
func (s *Store) SuspendNode(ctx context.Context, id int64, reason string, actor Actor) (*Node, []events.Event, error) {
	var node *Node
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := lockNode(tx, id)
		if err != nil {
			return err
		}
		if n.Status == StatusSuspended {
			node = n
			return nil
		}
		if n.Status != StatusActive {
			return errors.WithCode(
				errors.Errorf(errors.KindValidation, "node %q is %s, only active nodes can be suspended", n.Hostname, n.Status),
				"INVALID_STATUS")
		}

		if err := setStatus(tx, id, StatusSuspended); err != nil {
			return err
		}
		version, err := bumpVersion(tx)
		if err != nil {
			return err
		}
		if err := appendAudit(tx, actor, "NODE_SUSPENDED", "node", n.Hostname, "warning", map[string]any{
			"node_id": id,
			"reason":  reason,
		}); err != nil {
			return err
		}

		node, err = scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(events.NodeSuspended, map[string]any{
			"node_id":        id,
			"hostname":       n.Hostname,
			"new_status":     string(StatusSuspended),
			"reason":         reason,
			"config_version": version,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return node, evts, nil
}

// RevokeNode permanently bars a node from the mesh. The lease is held
// until deletion so the address cannot be reused while revoked state
// is still visible.
func (s *Store) RevokeNode(ctx context.Context, id int64, reason string, actor Actor) (*Node, []events.Event, error) {
	var node *Node
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := lockNode(tx, id)
		if err != nil {
			return err
		}
		if n.Status == StatusRevoked {
			node = n
			return nil
		}

		if err := setStatus(tx, id, StatusRevoked); err != nil {
			return err
		}
		version, err := bumpVersion(tx)
		if err != nil {
			return err
		}
		if err := appendAudit(tx, actor, "NODE_REVOKED", "node", n.Hostname, "warning", map[string]any{
			"node_id": id,
			"reason":  reason,
		}); err != nil {
			return err
		}

		node, err = scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(events.NodeRevoked, map[string]any{
			"node_id":        id,
			"hostname":       n.Hostname,
			"public_key":     n.PublicKey,
			"new_status":     string(StatusRevoked),
			"reason":         reason,
			"config_version": version,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return node, evts, nil
}

// DeleteNode removes the node and releases its overlay address.
func (s *Store) DeleteNode(ctx context.Context, id int64, actor Actor) ([]events.Event, error) {
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := lockNode(tx, id)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM nodes WHERE id = ?`, id); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to delete node")
		}
		version, err := bumpVersion(tx)
		if err != nil {
			return err
		}
		if err := appendAudit(tx, actor, "NODE_DELETED", "node", n.Hostname, "warning", map[string]any{
			"node_id":    id,
			"overlay_ip": n.OverlayIP,
		}); err != nil {
			return err
		}

		evts = append(evts,
			events.New(events.NodeDeleted, map[string]any{
				"node_id":        id,
				"hostname":       n.Hostname,
				"public_key":     n.PublicKey,
				"config_version": version,
			}, "registry"),
			events.New(events.IPReleased, map[string]any{
				"node_id":  id,
				"hostname": n.Hostname,
				"ip":       n.OverlayIP,
			}, "registry"),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evts, nil
}

func lockNode(tx *sql.Tx, id int64) (*Node, error) {
	n, err := scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nodeNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to get node")
	}
	return n, nil
}

func setStatus(tx *sql.Tx, id int64, status NodeStatus) error {
	_, err := tx.Exec(`UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().Unix(), id)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to update node status")
	}
	return nil
}

// HeartbeatParams is one liveness report from a node agent.
type HeartbeatParams struct {
	Hostname      string
	PublicKey     string
	RealIP        string
	AgentVersion  string
	Metrics       map[string]any
	ConfigVersion int64 // last version the agent applied, 0 if unknown
}

// Heartbeat updates liveness fields for the reporting node and tells
// the agent whether a newer config version is waiting. The caller is
// responsible for passing any reported integrity hash to the verifier.
func (s *Store) Heartbeat(ctx context.Context, p HeartbeatParams) (*Node, bool, error) {
	node, err := s.GetNodeByHostname(ctx, p.Hostname)
	if err != nil {
		return nil, false, err
	}
	if node.PublicKey != p.PublicKey {
		return nil, false, errors.WithCode(
			errors.New(errors.KindUnauthorized, "public key does not match registered node"),
			"UNAUTHORIZED")
	}

	now := time.Now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE nodes SET last_seen = ?, real_ip = ?, agent_version = ?, metrics = ?, updated_at = ? WHERE id = ?`,
			now.Unix(), coalesce(p.RealIP, node.RealIP), coalesce(p.AgentVersion, node.AgentVersion),
			marshalJSON(p.Metrics), now.Unix(), node.ID)
		return err
	})
	if err != nil {
		return nil, false, errors.Wrap(err, errors.KindInternal, "failed to record heartbeat")
	}

	version, err := s.ConfigVersion(ctx)
	if err != nil {
		return nil, false, err
	}
	node.LastSeen = &now
	if p.RealIP != "" {
		node.RealIP = p.RealIP
	}
	return node, version > p.ConfigVersion, nil
}
