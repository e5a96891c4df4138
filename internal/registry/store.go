// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/ipam"
	"grimm.is/flymesh/internal/logging"
)

// Store handles persistence of the overlay registry to SQLite.
type Store struct {
	db     *sql.DB
	pool   *ipam.Pool
	logger *logging.Logger

	// LowWater is the free-address count at or below which lease
	// operations emit a pool-low event. Zero disables the check.
	LowWater int
}

// Open opens or creates the registry database. The pool defines the
// overlay subnet node and device leases come from.
func Open(path string, pool *ipam.Pool) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to open registry db")
	}
	// One connection serializes writers; lease allocation scans the
	// whole table inside its transaction and depends on it.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		pool:   pool,
		logger: logging.WithComponent("registry"),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to init registry schema")
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Pool returns the overlay pool the store allocates from.
func (s *Store) Pool() *ipam.Pool { return s.pool }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hostname TEXT NOT NULL UNIQUE,
		public_key TEXT NOT NULL UNIQUE,
		overlay_ip TEXT NOT NULL UNIQUE,
		real_ip TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		agent_hash TEXT NOT NULL DEFAULT '',
		last_reported_hash TEXT NOT NULL DEFAULT '',
		hash_verified INTEGER NOT NULL DEFAULT 0,
		hash_mismatch_count INTEGER NOT NULL DEFAULT 0,
		agent_version TEXT NOT NULL DEFAULT '',
		os_info TEXT NOT NULL DEFAULT '',
		metrics TEXT NOT NULL DEFAULT '',
		last_seen INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
	CREATE INDEX IF NOT EXISTS idx_nodes_role ON nodes(role);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		suspended INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		parent_group_id INTEGER REFERENCES user_groups(id),
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memberships (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		group_id INTEGER NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		created_at INTEGER NOT NULL,
		UNIQUE(user_id, group_id)
	);

	CREATE TABLE IF NOT EXISTS policies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL,
		resource_value TEXT NOT NULL,
		action TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 500,
		enabled INTEGER NOT NULL DEFAULT 1,
		conditions TEXT NOT NULL DEFAULT '',
		valid_from INTEGER,
		valid_until INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS acl_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		src_role TEXT NOT NULL,
		dst_role TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		protocol TEXT NOT NULL DEFAULT 'tcp',
		action TEXT NOT NULL DEFAULT 'allow',
		priority INTEGER NOT NULL DEFAULT 500,
		enabled INTEGER NOT NULL DEFAULT 1,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(src_role, dst_role, port, protocol)
	);

	CREATE TABLE IF NOT EXISTS client_devices (
		device_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		device_type TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL DEFAULT '',
		overlay_ip TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS config_version (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		actor_type TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		target_type TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT 'info',
		source_ip TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);

	CREATE TABLE IF NOT EXISTS event_store (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL DEFAULT '',
		aggregate_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_event_store_aggregate ON event_store(aggregate_type, aggregate_id);
	CREATE INDEX IF NOT EXISTS idx_event_store_type ON event_store(event_type);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// The version row always exists so increments are plain UPDATEs.
	_, err := s.db.Exec(
		`INSERT INTO config_version (id, version, updated_at) VALUES (1, 0, ?)
		 ON CONFLICT(id) DO NOTHING`, time.Now().Unix())
	return err
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// appendAudit writes one audit row inside the caller's transaction.
func appendAudit(tx *sql.Tx, actor Actor, action, targetType, targetID, severity string, details map[string]any) error {
	if severity == "" {
		severity = "info"
	}
	_, err := tx.Exec(
		`INSERT INTO audit_log (action, actor_type, actor_id, target_type, target_id, details, severity, source_ip, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action, actor.Type, actor.ID, targetType, targetID, marshalJSON(details), severity, actor.IP, time.Now().Unix())
	return err
}

// bumpVersion increments the monotone config version inside the
// caller's transaction and returns the new value.
func bumpVersion(tx *sql.Tx) (int64, error) {
	_, err := tx.Exec(`UPDATE config_version SET version = version + 1, updated_at = ? WHERE id = 1`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	var v int64
	if err := tx.QueryRow(`SELECT version FROM config_version WHERE id = 1`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// ConfigVersion returns the current monotone version.
func (s *Store) ConfigVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM config_version WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "failed to read config version")
	}
	return v, nil
}

// IncrementVersion bumps the version outside any entity mutation, for
// callers batching a recompute.
func (s *Store) IncrementVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		v, err = bumpVersion(tx)
		return err
	})
	return v, err
}

func marshalJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalJSON(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func unixOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func timePtrUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
