package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/scarecrow-farm/scarecrow-server/internal/models"
)

// ========== Alert Methods ==========

// CreateAlert records a fired alert
func (s *PostgresStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}

	if alert.FiredAt.IsZero() {
		alert.FiredAt = time.Now()
	}

	query := `
        INSERT INTO alerts (id, device_id, rule, message, fired_at, details)
        VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.getDB().ExecContext(ctx, query,
		alert.ID, alert.DeviceID, alert.Rule, alert.Message,
		alert.FiredAt, alert.Details,
	)

	return err
}

// ListAlerts lists fired alerts, newest first
func (s *PostgresStore) ListAlerts(ctx context.Context, deviceID string, limit, offset int) ([]*models.Alert, int64, error) {
	countQuery := "SELECT COUNT(*) FROM alerts"
	query := "SELECT id, device_id, rule, message, fired_at, details FROM alerts"
	args := []interface{}{}

	if deviceID != "" {
		countQuery += " WHERE device_id = $1"
		query += " WHERE device_id = $1"
		args = append(args, deviceID)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query += " ORDER BY fired_at DESC"
	if limit > 0 {
		args = append(args, limit)
		if deviceID != "" {
			query += " LIMIT $2"
		} else {
			query += " LIMIT $1"
		}
		if offset > 0 {
			args = append(args, offset)
			if deviceID != "" {
				query += " OFFSET $3"
			} else {
				query += " OFFSET $2"
			}
		}
	}

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert := &models.Alert{}
		err := rows.Scan(
			&alert.ID, &alert.DeviceID, &alert.Rule, &alert.Message,
			&alert.FiredAt, &alert.Details,
		)
		if err != nil {
			return nil, 0, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, count, rows.Err()
}
