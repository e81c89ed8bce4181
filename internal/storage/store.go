package storage

import (
	"context"
	"errors"
	"time"

	"github.com/scarecrow-farm/scarecrow-server/internal/models"
)

// Common errors
var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Order represents query result ordering
type Order int

const (
	// OrderDesc returns newest-first pages for UI consumption
	OrderDesc Order = iota
	// OrderAsc returns oldest-first sequences for aggregation replay
	OrderAsc
)

// EventFilter represents filters for event log queries
type EventFilter struct {
	DeviceID   string
	DeviceIDs  []string
	Categories []models.EventCategory
	Severity   *models.Severity
	Start      *time.Time
	End        *time.Time
	Order      Order
	Limit      int
	Offset     int
}

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	ListDevices(ctx context.Context, includeDisabled bool) ([]*models.Device, error)
	// TouchDevice records a heartbeat: last-seen timestamp and, when
	// non-nil, the reported battery level.
	TouchDevice(ctx context.Context, id string, seenAt time.Time, battery *float64) error

	// Event log methods. AppendEvent assigns the insertion sequence;
	// events are immutable after commit.
	AppendEvent(ctx context.Context, event *models.Event) error
	QueryEvents(ctx context.Context, filter EventFilter) ([]*models.Event, int64, error)

	// Alert methods
	CreateAlert(ctx context.Context, alert *models.Alert) error
	ListAlerts(ctx context.Context, deviceID string, limit, offset int) ([]*models.Alert, int64, error)

	// Close the store
	Close() error
}
