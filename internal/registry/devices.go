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

const deviceColumns = `device_id, user_id, name, device_type, public_key, overlay_ip, status, created_at, updated_at`

func scanDevice(row rowScanner) (*ClientDevice, error) {
	var d ClientDevice
	var created, updated int64
	if err := row.Scan(&d.DeviceID, &d.UserID, &d.Name, &d.DeviceType, &d.PublicKey,
		&d.OverlayIP, &d.Status, &created, &updated); err != nil {
		return nil, err
	}
	d.CreatedAt = time.Unix(created, 0)
	d.UpdatedAt = time.Unix(updated, 0)
	return &d, nil
}

// RegisterDeviceParams carries a client device enrollment.
type RegisterDeviceParams struct {
	DeviceID   string
	UserID     string
	Name       string
	DeviceType string
	PublicKey  string
}

func (p *RegisterDeviceParams) validate() error {
	if strings.TrimSpace(p.DeviceID) == "" {
		return errors.WithCode(errors.New(errors.KindValidation, "device_id is required"), "INVALID_DEVICE")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.WithCode(errors.New(errors.KindValidation, "user_id is required"), "INVALID_DEVICE")
	}
	if strings.TrimSpace(p.PublicKey) == "" {
		return errors.WithCode(errors.New(errors.KindValidation, "public_key is required"), "INVALID_DEVICE")
	}
	if p.Name == "" {
		p.Name = p.DeviceID
	}
	return nil
}

// RegisterDevice enrolls a user device and leases it an overlay
// address from the same pool nodes draw from. Devices come up active
// immediately; the hub peer handler picks them up from the emitted
// event.
func (s *Store) RegisterDevice(ctx context.Context, p RegisterDeviceParams, actor Actor) (*ClientDevice, []events.Event, error) {
	if err := p.validate(); err != nil {
		return nil, nil, err
	}

	var device *ClientDevice
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM client_devices WHERE device_id = ?`, p.DeviceID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return errors.WithCode(
				errors.Errorf(errors.KindConflict, "device %q already registered", p.DeviceID),
				"DEVICE_EXISTS")
		}
		var userCount int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE user_id = ?`, p.UserID).Scan(&userCount); err != nil {
			return err
		}
		if userCount == 0 {
			return errors.WithCode(
				errors.Errorf(errors.KindNotFound, "user %q not found", p.UserID),
				"USER_NOT_FOUND")
		}

		used, err := usedIPs(tx)
		if err != nil {
			return err
		}
		ip, err := s.pool.FirstFree(used)
		if err != nil {
			return err
		}

		now := time.Now().Unix()
		_, err = tx.Exec(
			`INSERT INTO client_devices (device_id, user_id, name, device_type, public_key, overlay_ip, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.DeviceID, p.UserID, p.Name, p.DeviceType, p.PublicKey, ip, DeviceActive, now, now)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to insert device")
		}

		if err := appendAudit(tx, actor, "DEVICE_REGISTERED", "client_device", p.DeviceID, "info", map[string]any{
			"user_id":     p.UserID,
			"device_name": p.Name,
			"overlay_ip":  ip,
		}); err != nil {
			return err
		}

		device, err = scanDevice(tx.QueryRow(`SELECT `+deviceColumns+` FROM client_devices WHERE device_id = ?`, p.DeviceID))
		if err != nil {
			return err
		}

		total := s.pool.Capacity()
		free := total - len(used) - 1
		evts = append(evts, events.New(events.ClientDeviceRegistered, map[string]any{
			"device_id":   p.DeviceID,
			"user_id":     p.UserID,
			"device_name": p.Name,
			"public_key":  p.PublicKey,
			"ip":          ip,
		}, "registry"))
		evts = append(evts, events.New(events.IPAllocated, map[string]any{
			"device_id": p.DeviceID,
			"ip":        ip,
			"available": free,
			"total":     total,
		}, "registry"))
		if s.LowWater > 0 && free <= s.LowWater {
			evts = append(evts, events.New(events.IPPoolLow, map[string]any{
				"available":           free,
				"total":               total,
				"utilization_percent": float64(total-free) / float64(total) * 100,
			}, "registry"))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return device, evts, nil
}

func deviceNotFound(id string) error {
	return errors.WithCode(
		errors.Errorf(errors.KindNotFound, "device %q not found", id),
		"DEVICE_NOT_FOUND")
}

// GetDevice fetches one client device.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*ClientDevice, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM client_devices WHERE device_id = ?`, deviceID))
	if err == sql.ErrNoRows {
		return nil, deviceNotFound(deviceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to get device")
	}
	return d, nil
}

// ListDevices returns client devices, optionally one user's.
func (s *Store) ListDevices(ctx context.Context, userID string) ([]*ClientDevice, error) {
	q := `SELECT ` + deviceColumns + ` FROM client_devices`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at, device_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list devices")
	}
	defer rows.Close()

	var out []*ClientDevice
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RevokeDevice marks a device revoked. The lease is kept so the
// address cannot be reissued while the device key may still be cached
// on the hub.
func (s *Store) RevokeDevice(ctx context.Context, deviceID, reason string, actor Actor) (*ClientDevice, []events.Event, error) {
	var device *ClientDevice
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanDevice(tx.QueryRow(`SELECT `+deviceColumns+` FROM client_devices WHERE device_id = ?`, deviceID))
		if err == sql.ErrNoRows {
			return deviceNotFound(deviceID)
		}
		if err != nil {
			return err
		}
		if cur.Status == DeviceRevoked {
			device = cur
			return nil
		}

		_, err = tx.Exec(`UPDATE client_devices SET status = ?, updated_at = ? WHERE device_id = ?`,
			DeviceRevoked, time.Now().Unix(), deviceID)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to revoke device")
		}

		if err := appendAudit(tx, actor, "DEVICE_REVOKED", "client_device", deviceID, "warning", map[string]any{
			"user_id": cur.UserID,
			"reason":  reason,
		}); err != nil {
			return err
		}

		device, err = scanDevice(tx.QueryRow(`SELECT `+deviceColumns+` FROM client_devices WHERE device_id = ?`, deviceID))
		if err != nil {
			return err
		}
		evts = append(evts, events.New(events.ClientDeviceRevoked, map[string]any{
			"device_id":  deviceID,
			"user_id":    cur.UserID,
			"public_key": cur.PublicKey,
			"ip":         cur.OverlayIP,
			"reason":     reason,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return device, evts, nil
}

// DeleteDevice removes the row entirely, releasing the lease. A still
// active device also gets a revocation event so the hub drops its
// peer.
func (s *Store) DeleteDevice(ctx context.Context, deviceID string, actor Actor) ([]events.Event, error) {
	var evts []events.Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanDevice(tx.QueryRow(`SELECT `+deviceColumns+` FROM client_devices WHERE device_id = ?`, deviceID))
		if err == sql.ErrNoRows {
			return deviceNotFound(deviceID)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM client_devices WHERE device_id = ?`, deviceID); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to delete device")
		}

		if err := appendAudit(tx, actor, "DEVICE_DELETED", "client_device", deviceID, "info", map[string]any{
			"user_id":    cur.UserID,
			"overlay_ip": cur.OverlayIP,
		}); err != nil {
			return err
		}

		if cur.Status == DeviceActive {
			evts = append(evts, events.New(events.ClientDeviceRevoked, map[string]any{
				"device_id":  deviceID,
				"user_id":    cur.UserID,
				"public_key": cur.PublicKey,
				"ip":         cur.OverlayIP,
				"reason":     "device deleted",
			}, "registry"))
		}
		evts = append(evts, events.New(events.IPReleased, map[string]any{
			"device_id": deviceID,
			"ip":        cur.OverlayIP,
		}, "registry"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evts, nil
}
