package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/scarecrow-farm/scarecrow-server/internal/models"
)

// ========== Device Methods ==========

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (
            id, created_at, updated_at, name, location, is_disabled,
            last_seen_at, battery_level, battery_level_updated_at, token_hash
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.CreatedAt, device.UpdatedAt, device.Name,
		device.Location, device.IsDisabled, device.LastSeenAt,
		device.BatteryLevel, device.BatteryLevelUpdatedAt, device.TokenHash,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDevice gets a device by ID
func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	query := `
        SELECT id, created_at, updated_at, name, location, is_disabled,
               last_seen_at, battery_level, battery_level_updated_at, token_hash
        FROM devices
        WHERE id = $1`

	device := &models.Device{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.Name,
		&device.Location, &device.IsDisabled, &device.LastSeenAt,
		&device.BatteryLevel, &device.BatteryLevelUpdatedAt, &device.TokenHash,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return device, nil
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	query := `
        UPDATE devices
        SET updated_at = $2, name = $3, location = $4, is_disabled = $5,
            last_seen_at = $6, battery_level = $7,
            battery_level_updated_at = $8, token_hash = $9
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.UpdatedAt, device.Name, device.Location,
		device.IsDisabled, device.LastSeenAt, device.BatteryLevel,
		device.BatteryLevelUpdatedAt, device.TokenHash,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDevices lists devices, optionally including deactivated ones
func (s *PostgresStore) ListDevices(ctx context.Context, includeDisabled bool) ([]*models.Device, error) {
	query := `
        SELECT id, created_at, updated_at, name, location, is_disabled,
               last_seen_at, battery_level, battery_level_updated_at, token_hash
        FROM devices`
	if !includeDisabled {
		query += ` WHERE is_disabled = false`
	}
	query += ` ORDER BY id`

	rows, err := s.getDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device := &models.Device{}
		err := rows.Scan(
			&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.Name,
			&device.Location, &device.IsDisabled, &device.LastSeenAt,
			&device.BatteryLevel, &device.BatteryLevelUpdatedAt, &device.TokenHash,
		)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// TouchDevice records a heartbeat for a device
func (s *PostgresStore) TouchDevice(ctx context.Context, id string, seenAt time.Time, battery *float64) error {
	query := `
        UPDATE devices
        SET updated_at = $2, last_seen_at = $2, battery_level = COALESCE($3, battery_level),
            battery_level_updated_at = CASE WHEN $3 IS NULL THEN battery_level_updated_at ELSE $2 END
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query, id, seenAt, battery)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
