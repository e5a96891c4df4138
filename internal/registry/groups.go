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

const groupColumns = `id, name, description, parent_group_id, created_at, updated_at`

func scanGroup(row rowScanner) (*Group, error) {
	var g Group
	var parent sql.NullInt64
	var created, updated int64
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &parent, &created, &updated); err != nil {
		return nil, err
	}
	if parent.Valid {
		g.ParentID = &parent.Int64
	}
	g.CreatedAt = time.Unix(created, 0)
	g.UpdatedAt = time.Unix(updated, 0)
	return &g, nil
}

// CreateGroupParams carries the fields of a new group.
type CreateGroupParams struct {
	Name        string
	Description string
	ParentID    *int64
}

// CreateGroup creates a group, optionally nested under a parent. The
// parent chain must already be acyclic so a new leaf cannot close a
// cycle, but the parent must exist.
func (s *Store) CreateGroup(ctx context.Context, p CreateGroupParams, actor Actor) (*Group, []events.Event, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, nil, errors.New(errors.KindValidation, "group name is required")
	}

	var group *Group
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM user_groups WHERE name = ?`, p.Name).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return errors.WithCode(
				errors.Errorf(errors.KindConflict, "group %q already exists", p.Name),
				"GROUP_EXISTS")
		}
		if p.ParentID != nil {
			if _, err := groupByID(tx, *p.ParentID); err != nil {
				return err
			}
		}

		now := time.Now().Unix()
		res, err := tx.Exec(`INSERT INTO user_groups (name, description, parent_group_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			p.Name, p.Description, nullableID(p.ParentID), now, now)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to insert group")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if err := appendAudit(tx, actor, "GROUP_CREATED", "group", p.Name, "info", nil); err != nil {
			return err
		}

		group, err = scanGroup(tx.QueryRow(`SELECT `+groupColumns+` FROM user_groups WHERE id = ?`, id))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(events.GroupCreated, map[string]any{
			"group_id": id,
			"name":     p.Name,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return group, evts, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func groupByID(tx *sql.Tx, id int64) (*Group, error) {
	g, err := scanGroup(tx.QueryRow(`SELECT `+groupColumns+` FROM user_groups WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.WithCode(
			errors.Errorf(errors.KindNotFound, "group with id %d not found", id),
			"GROUP_NOT_FOUND")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to get group")
	}
	return g, nil
}

// GetGroup fetches a group by its unique name.
func (s *Store) GetGroup(ctx context.Context, name string) (*Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM user_groups WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, errors.WithCode(
			errors.Errorf(errors.KindNotFound, "group %q not found", name),
			"GROUP_NOT_FOUND")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to get group")
	}
	return g, nil
}

// ListGroups returns every group, oldest first.
func (s *Store) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM user_groups ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list groups")
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateGroupParams holds optional group changes. SetParent
// distinguishes "leave alone" from "clear the parent".
type UpdateGroupParams struct {
	Description *string
	ParentID    *int64
	SetParent   bool
}

// UpdateGroup applies changes to a group. Re-parenting walks the new
// ancestor chain and rejects anything that would close a cycle.
func (s *Store) UpdateGroup(ctx context.Context, name string, p UpdateGroupParams, actor Actor) (*Group, []events.Event, error) {
	var group *Group
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		g, err := scanGroup(tx.QueryRow(`SELECT `+groupColumns+` FROM user_groups WHERE name = ?`, name))
		if err == sql.ErrNoRows {
			return errors.WithCode(
				errors.Errorf(errors.KindNotFound, "group %q not found", name),
				"GROUP_NOT_FOUND")
		}
		if err != nil {
			return err
		}

		description := g.Description
		if p.Description != nil {
			description = *p.Description
		}
		parent := g.ParentID
		if p.SetParent {
			parent = p.ParentID
		}
		if parent != nil {
			if *parent == g.ID {
				return errors.WithCode(
					errors.New(errors.KindValidation, "group cannot be its own parent"),
					"GROUP_CYCLE")
			}
			if _, err := groupByID(tx, *parent); err != nil {
				return err
			}
			cyclic, err := wouldCycle(tx, g.ID, *parent)
			if err != nil {
				return err
			}
			if cyclic {
				return errors.WithCode(
					errors.Errorf(errors.KindValidation, "re-parenting %q under group %d would create a cycle", name, *parent),
					"GROUP_CYCLE")
			}
		}

		_, err = tx.Exec(`UPDATE user_groups SET description = ?, parent_group_id = ?, updated_at = ? WHERE id = ?`,
			description, nullableID(parent), time.Now().Unix(), g.ID)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to update group")
		}

		if err := appendAudit(tx, actor, "GROUP_UPDATED", "group", name, "info", nil); err != nil {
			return err
		}

		group, err = scanGroup(tx.QueryRow(`SELECT `+groupColumns+` FROM user_groups WHERE id = ?`, g.ID))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(events.GroupUpdated, map[string]any{
			"group_id": g.ID,
			"name":     name,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return group, evts, nil
}

// wouldCycle walks up from candidate's ancestors and reports whether
// groupID appears. The visited set bounds the walk even against
// corrupt data.
func wouldCycle(tx *sql.Tx, groupID, candidate int64) (bool, error) {
	visited := map[int64]bool{}
	current := candidate
	for {
		if current == groupID {
			return true, nil
		}
		if visited[current] {
			return true, nil
		}
		visited[current] = true

		var parent sql.NullInt64
		err := tx.QueryRow(`SELECT parent_group_id FROM user_groups WHERE id = ?`, current).Scan(&parent)
		if err == sql.ErrNoRows || (err == nil && !parent.Valid) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		current = parent.Int64
	}
}

// DeleteGroup removes a group, detaches its children and drops its
// memberships.
func (s *Store) DeleteGroup(ctx context.Context, name string, actor Actor) ([]events.Event, error) {
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		g, err := scanGroup(tx.QueryRow(`SELECT `+groupColumns+` FROM user_groups WHERE name = ?`, name))
		if err == sql.ErrNoRows {
			return errors.WithCode(
				errors.Errorf(errors.KindNotFound, "group %q not found", name),
				"GROUP_NOT_FOUND")
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`UPDATE user_groups SET parent_group_id = NULL WHERE parent_group_id = ?`, g.ID); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to detach child groups")
		}
		if _, err := tx.Exec(`DELETE FROM memberships WHERE group_id = ?`, g.ID); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to delete memberships")
		}
		if _, err := tx.Exec(`DELETE FROM user_groups WHERE id = ?`, g.ID); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to delete group")
		}

		if err := appendAudit(tx, actor, "GROUP_DELETED", "group", name, "info", nil); err != nil {
			return err
		}
		evts = append(evts, events.New(events.GroupDeleted, map[string]any{
			"group_id": g.ID,
			"name":     name,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evts, nil
}

// AddMember links a user to a group. Adding an existing member updates
// the membership role in place.
func (s *Store) AddMember(ctx context.Context, userID, groupName string, role MembershipRole, actor Actor) ([]events.Event, error) {
	if role == "" {
		role = MemberRoleMember
	}
	if !role.Valid() {
		return nil, errors.Errorf(errors.KindValidation, "invalid membership role %q", role)
	}

	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE user_id = ?`, userID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return errors.WithCode(
				errors.Errorf(errors.KindNotFound, "user %q not found", userID),
				"USER_NOT_FOUND")
		}
		g, err := scanGroup(tx.QueryRow(`SELECT `+groupColumns+` FROM user_groups WHERE name = ?`, groupName))
		if err == sql.ErrNoRows {
			return errors.WithCode(
				errors.Errorf(errors.KindNotFound, "group %q not found", groupName),
				"GROUP_NOT_FOUND")
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(
			`INSERT INTO memberships (user_id, group_id, role, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(user_id, group_id) DO UPDATE SET role = excluded.role`,
			userID, g.ID, role, time.Now().Unix())
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to add member")
		}

		if err := appendAudit(tx, actor, "USER_ADDED_TO_GROUP", "group", groupName, "info", map[string]any{
			"user_id": userID,
			"role":    string(role),
		}); err != nil {
			return err
		}
		evts = append(evts, events.New(events.UserAddedToGroup, map[string]any{
			"user_id":    userID,
			"group_id":   g.ID,
			"group_name": groupName,
			"role":       string(role),
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evts, nil
}

// RemoveMember unlinks a user from a group.
func (s *Store) RemoveMember(ctx context.Context, userID, groupName string, actor Actor) ([]events.Event, error) {
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		g, err := scanGroup(tx.QueryRow(`SELECT `+groupColumns+` FROM user_groups WHERE name = ?`, groupName))
		if err == sql.ErrNoRows {
			return errors.WithCode(
				errors.Errorf(errors.KindNotFound, "group %q not found", groupName),
				"GROUP_NOT_FOUND")
		}
		if err != nil {
			return err
		}

		res, err := tx.Exec(`DELETE FROM memberships WHERE user_id = ? AND group_id = ?`, userID, g.ID)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to remove member")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errors.WithCode(
				errors.Errorf(errors.KindNotFound, "user %q is not a member of %q", userID, groupName),
				"MEMBERSHIP_NOT_FOUND")
		}

		if err := appendAudit(tx, actor, "USER_REMOVED_FROM_GROUP", "group", groupName, "info", map[string]any{
			"user_id": userID,
		}); err != nil {
			return err
		}
		evts = append(evts, events.New(events.UserRemovedFromGroup, map[string]any{
			"user_id":    userID,
			"group_id":   g.ID,
			"group_name": groupName,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evts, nil
}

// GroupMembers lists the memberships of one group.
func (s *Store) GroupMembers(ctx context.Context, groupName string) ([]*Membership, error) {
	g, err := s.GetGroup(ctx, groupName)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, group_id, role, created_at FROM memberships WHERE group_id = ? ORDER BY id`, g.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list members")
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		var m Membership
		var created int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.GroupID, &m.Role, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(created, 0)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UserGroupClosure returns the groups a user belongs to, directly or
// through any chain of parent groups. The walk is breadth-first with a
// visited set so a malformed graph cannot loop it.
func (s *Store) UserGroupClosure(ctx context.Context, userID string) ([]*Group, error) {
	all, err := s.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*Group, len(all))
	for _, g := range all {
		byID[g.ID] = g
	}

	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM memberships WHERE user_id = ?`, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to read memberships")
	}
	defer rows.Close()

	var frontier []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		frontier = append(frontier, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	visited := map[int64]bool{}
	var out []*Group
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		g, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, g)
		if g.ParentID != nil {
			frontier = append(frontier, *g.ParentID)
		}
	}
	return out, nil
}
