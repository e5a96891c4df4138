// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"context"
	"database/sql"
	"time"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/events"
)

// IntegrityVerdict is the outcome of one hash verification, computed
// by the verifier and applied here in a single transaction.
type IntegrityVerdict struct {
	ReportedHash  string
	Verified      bool
	MismatchCount int
	NewStatus     NodeStatus // empty when the status is unchanged
	AuditAction   string
	Severity      string
	Details       map[string]any
}

// ApplyIntegrityVerdict records the hash report outcome on the node.
// A status transition bumps the config version and yields the matching
// lifecycle event.
func (s *Store) ApplyIntegrityVerdict(ctx context.Context, nodeID int64, v IntegrityVerdict, actor Actor) (*Node, []events.Event, error) {
	var node *Node
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := lockNode(tx, nodeID)
		if err != nil {
			return err
		}

		verified := 0
		if v.Verified {
			verified = 1
		}
		_, err = tx.Exec(
			`UPDATE nodes SET last_reported_hash = ?, hash_verified = ?, hash_mismatch_count = ?, updated_at = ? WHERE id = ?`,
			v.ReportedHash, verified, v.MismatchCount, time.Now().Unix(), nodeID)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to record hash report")
		}

		if v.NewStatus != "" && v.NewStatus != n.Status {
			if err := setStatus(tx, nodeID, v.NewStatus); err != nil {
				return err
			}
			version, err := bumpVersion(tx)
			if err != nil {
				return err
			}
			switch v.NewStatus {
			case StatusSuspended:
				evts = append(evts, events.New(events.NodeSuspended, map[string]any{
					"node_id":        nodeID,
					"hostname":       n.Hostname,
					"new_status":     string(StatusSuspended),
					"reason":         "integrity hash mismatch",
					"config_version": version,
				}, "integrity"))
			case StatusRevoked:
				evts = append(evts, events.New(events.NodeRevoked, map[string]any{
					"node_id":        nodeID,
					"hostname":       n.Hostname,
					"public_key":     n.PublicKey,
					"new_status":     string(StatusRevoked),
					"reason":         "integrity hash mismatch",
					"config_version": version,
				}, "integrity"))
			}
		}

		if v.AuditAction != "" {
			if err := appendAudit(tx, actor, v.AuditAction, "node", n.Hostname, v.Severity, v.Details); err != nil {
				return err
			}
		}

		node, err = scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, nodeID))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return node, evts, nil
}

// ApproveReportedHash blesses the node's most recent reported hash as
// its expected hash and resets the mismatch counter. Fails when the
// agent has never reported one.
func (s *Store) ApproveReportedHash(ctx context.Context, nodeID int64, actor Actor) (*Node, error) {
	var node *Node

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := lockNode(tx, nodeID)
		if err != nil {
			return err
		}
		if n.LastReportedHash == "" {
			return errors.WithCode(
				errors.New(errors.KindValidation, "no hash reported by agent yet, wait for a heartbeat"),
				"NO_HASH_REPORTED")
		}

		_, err = tx.Exec(
			`UPDATE nodes SET agent_hash = last_reported_hash, hash_verified = 1, hash_mismatch_count = 0, updated_at = ? WHERE id = ?`,
			time.Now().Unix(), nodeID)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to approve hash")
		}

		if err := appendAudit(tx, actor, "INTEGRITY_APPROVED", "node", n.Hostname, "info", map[string]any{
			"node_id":       nodeID,
			"approved_hash": n.LastReportedHash,
		}); err != nil {
			return err
		}

		node, err = scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, nodeID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// SetExpectedHash pins the expected agent hash for one node and resets
// the mismatch counter. Verified state follows whether the last report
// already matches.
func (s *Store) SetExpectedHash(ctx context.Context, nodeID int64, hash string, actor Actor) (*Node, error) {
	var node *Node

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := lockNode(tx, nodeID)
		if err != nil {
			return err
		}

		verified := 0
		if n.LastReportedHash == hash {
			verified = 1
		}
		_, err = tx.Exec(
			`UPDATE nodes SET agent_hash = ?, hash_verified = ?, hash_mismatch_count = 0, updated_at = ? WHERE id = ?`,
			hash, verified, time.Now().Unix(), nodeID)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to set expected hash")
		}

		if err := appendAudit(tx, actor, "INTEGRITY_HASH_SET", "node", n.Hostname, "info", map[string]any{
			"node_id":       nodeID,
			"expected_hash": hash,
		}); err != nil {
			return err
		}

		node, err = scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, nodeID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}
