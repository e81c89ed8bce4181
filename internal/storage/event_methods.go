package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/scarecrow-farm/scarecrow-server/internal/models"
)

// ========== Event Log Methods ==========

// AppendEvent appends an event to the log. The insertion sequence is
// assigned by the database and written back into the event. Failures
// are reported as ErrStorageUnavailable so callers retry with backoff.
func (s *PostgresStore) AppendEvent(ctx context.Context, event *models.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
        INSERT INTO event_logs (
            id, device_id, category, severity, timestamp, day, description, payload
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING seq`

	day := event.Timestamp.UTC().Truncate(24 * time.Hour)

	err := s.getDB().QueryRowContext(ctx, query,
		event.ID, event.DeviceID, event.Category, event.Severity,
		event.Timestamp, day, event.Description, event.Payload,
	).Scan(&event.Seq)

	if err != nil {
		return fmt.Errorf("%w: append event: %v", ErrStorageUnavailable, err)
	}

	return nil
}

// QueryEvents lists events matching the filter
func (s *PostgresStore) QueryEvents(ctx context.Context, filter EventFilter) ([]*models.Event, int64, error) {
	query := "SELECT COUNT(*) FROM event_logs WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filter.DeviceID != "" {
		argCount++
		query += fmt.Sprintf(" AND device_id = $%d", argCount)
		args = append(args, filter.DeviceID)
	}

	if len(filter.DeviceIDs) > 0 {
		argCount++
		query += fmt.Sprintf(" AND device_id = ANY($%d)", argCount)
		args = append(args, pq.Array(filter.DeviceIDs))
	}

	if len(filter.Categories) > 0 {
		cats := make([]string, len(filter.Categories))
		for i, c := range filter.Categories {
			cats[i] = string(c)
		}
		argCount++
		query += fmt.Sprintf(" AND category = ANY($%d)", argCount)
		args = append(args, pq.Array(cats))
	}

	if filter.Severity != nil {
		argCount++
		query += fmt.Sprintf(" AND severity = $%d", argCount)
		args = append(args, *filter.Severity)
	}

	// Range predicates also constrain the day column so bucket queries
	// stay on the (day, device_id) index.
	if filter.Start != nil {
		argCount++
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.Start)

		argCount++
		query += fmt.Sprintf(" AND day >= $%d", argCount)
		args = append(args, filter.Start.UTC().Truncate(24*time.Hour))
	}

	if filter.End != nil {
		argCount++
		query += fmt.Sprintf(" AND timestamp < $%d", argCount)
		args = append(args, *filter.End)

		argCount++
		query += fmt.Sprintf(" AND day <= $%d", argCount)
		args = append(args, filter.End.UTC().Truncate(24*time.Hour))
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, device_id, category, severity, timestamp, seq, description, payload", 1)

	if filter.Order == OrderAsc {
		selectQuery += " ORDER BY timestamp ASC, seq ASC"
	} else {
		selectQuery += " ORDER BY timestamp DESC, seq DESC"
	}

	if filter.Limit > 0 {
		argCount++
		selectQuery += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}

	if filter.Offset > 0 {
		argCount++
		selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event := &models.Event{}
		err := rows.Scan(
			&event.ID, &event.DeviceID, &event.Category, &event.Severity,
			&event.Timestamp, &event.Seq, &event.Description, &event.Payload,
		)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}

	return events, count, rows.Err()
}
