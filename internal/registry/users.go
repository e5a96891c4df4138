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

const userColumns = `id, user_id, display_name, email, suspended, created_at, updated_at`

func scanUser(row rowScanner) (*User, error) {
	var u User
	var suspended int
	var created, updated int64
	if err := row.Scan(&u.ID, &u.UserID, &u.DisplayName, &u.Email, &suspended, &created, &updated); err != nil {
		return nil, err
	}
	u.Suspended = suspended != 0
	u.CreatedAt = time.Unix(created, 0)
	u.UpdatedAt = time.Unix(updated, 0)
	return &u, nil
}

// CreateUserParams carries the fields of a new user identity.
type CreateUserParams struct {
	UserID      string
	DisplayName string
	Email       string
}

// CreateUser registers a new user identity for the rich policy model.
func (s *Store) CreateUser(ctx context.Context, p CreateUserParams, actor Actor) (*User, []events.Event, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return nil, nil, errors.New(errors.KindValidation, "user_id is required")
	}

	var user *User
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE user_id = ?`, p.UserID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return errors.WithCode(
				errors.Errorf(errors.KindConflict, "user %q already exists", p.UserID),
				"USER_EXISTS")
		}

		now := time.Now().Unix()
		res, err := tx.Exec(`INSERT INTO users (user_id, display_name, email, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			p.UserID, p.DisplayName, p.Email, now, now)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to insert user")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if err := appendAudit(tx, actor, "USER_CREATED", "user", p.UserID, "info", nil); err != nil {
			return err
		}

		user, err = scanUser(tx.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(events.UserCreated, map[string]any{
			"user_id":      p.UserID,
			"display_name": p.DisplayName,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return user, evts, nil
}

// GetUser fetches a user by its stable user_id.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID))
	if err == sql.ErrNoRows {
		return nil, errors.WithCode(
			errors.Errorf(errors.KindNotFound, "user %q not found", userID),
			"USER_NOT_FOUND")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to get user")
	}
	return u, nil
}

// ListUsers returns every user, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list users")
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateUserParams holds optional field updates; nil means unchanged.
type UpdateUserParams struct {
	DisplayName *string
	Email       *string
	Suspended   *bool
}

// UpdateUser applies the provided field changes to a user.
func (s *Store) UpdateUser(ctx context.Context, userID string, p UpdateUserParams, actor Actor) (*User, []events.Event, error) {
	var user *User
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := scanUser(tx.QueryRow(`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID))
		if err == sql.ErrNoRows {
			return errors.WithCode(
				errors.Errorf(errors.KindNotFound, "user %q not found", userID),
				"USER_NOT_FOUND")
		}
		if err != nil {
			return err
		}

		display := u.DisplayName
		email := u.Email
		suspended := u.Suspended
		if p.DisplayName != nil {
			display = *p.DisplayName
		}
		if p.Email != nil {
			email = *p.Email
		}
		if p.Suspended != nil {
			suspended = *p.Suspended
		}

		suspInt := 0
		if suspended {
			suspInt = 1
		}
		_, err = tx.Exec(`UPDATE users SET display_name = ?, email = ?, suspended = ?, updated_at = ? WHERE id = ?`,
			display, email, suspInt, time.Now().Unix(), u.ID)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to update user")
		}

		action := "USER_UPDATED"
		evtType := events.UserUpdated
		if p.Suspended != nil && *p.Suspended && !u.Suspended {
			action = "USER_SUSPENDED"
			evtType = events.UserSuspended
		}
		if err := appendAudit(tx, actor, action, "user", userID, "info", nil); err != nil {
			return err
		}

		user, err = scanUser(tx.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, u.ID))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(evtType, map[string]any{"user_id": userID}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return user, evts, nil
}

// DeleteUser removes a user and its group memberships.
func (s *Store) DeleteUser(ctx context.Context, userID string, actor Actor) ([]events.Event, error) {
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM users WHERE user_id = ?`, userID)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to delete user")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errors.WithCode(
				errors.Errorf(errors.KindNotFound, "user %q not found", userID),
				"USER_NOT_FOUND")
		}

		if _, err := tx.Exec(`DELETE FROM memberships WHERE user_id = ?`, userID); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to delete memberships")
		}
		if err := appendAudit(tx, actor, "USER_DELETED", "user", userID, "info", nil); err != nil {
			return err
		}
		evts = append(evts, events.New(events.UserDeleted, map[string]any{"user_id": userID}, "registry"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evts, nil
}
