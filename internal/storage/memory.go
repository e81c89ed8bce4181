package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarecrow-farm/scarecrow-server/internal/models"
)

const dayFormat = "2006-01-02"

// MemoryStore implements Store in memory. It backs standalone mode
// (no database configured) and the test suite. Events are bucketed by
// UTC day so range queries touch only the buckets in the window,
// mirroring the day partitioning of the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
	days    map[string][]*models.Event
	alerts  []*models.Alert
	seq     uint64
	fail    bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*models.Device),
		days:    make(map[string][]*models.Event),
	}
}

// FailWrites toggles simulated storage unavailability
func (s *MemoryStore) FailWrites(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

// Close implements Store
func (s *MemoryStore) Close() error { return nil }

// ========== Transactions ==========

// memTx buffers writes and applies them atomically on Commit
type memTx struct {
	*MemoryStore
	ops []func() error
}

// BeginTx starts a buffered transaction
func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) {
	return &memTx{MemoryStore: s}, nil
}

// Commit implements Store (no-op outside a transaction)
func (s *MemoryStore) Commit() error { return nil }

// Rollback implements Store (no-op outside a transaction)
func (s *MemoryStore) Rollback() error { return nil }

func (t *memTx) BeginTx(ctx context.Context) (Store, error) { return t, nil }

func (t *memTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fail {
		t.ops = nil
		return ErrStorageUnavailable
	}

	for _, op := range t.ops {
		if err := op(); err != nil {
			return err
		}
	}
	t.ops = nil
	return nil
}

func (t *memTx) Rollback() error {
	t.ops = nil
	return nil
}

func (t *memTx) CreateDevice(ctx context.Context, device *models.Device) error {
	t.ops = append(t.ops, func() error { return t.createDeviceLocked(device) })
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, event *models.Event) error {
	t.ops = append(t.ops, func() error { return t.appendEventLocked(event) })
	return nil
}

func (t *memTx) TouchDevice(ctx context.Context, id string, seenAt time.Time, battery *float64) error {
	t.ops = append(t.ops, func() error { return t.touchDeviceLocked(id, seenAt, battery) })
	return nil
}

// ========== Device Methods ==========

func (s *MemoryStore) createDeviceLocked(device *models.Device) error {
	if _, ok := s.devices[device.ID]; ok {
		return ErrDuplicateKey
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	cp := *device
	s.devices[device.ID] = &cp
	return nil
}

// CreateDevice creates a new device
func (s *MemoryStore) CreateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return ErrStorageUnavailable
	}
	return s.createDeviceLocked(device)
}

// GetDevice gets a device by ID
func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *device
	return &cp, nil
}

// UpdateDevice updates a device
func (s *MemoryStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return ErrStorageUnavailable
	}

	if _, ok := s.devices[device.ID]; !ok {
		return ErrNotFound
	}

	device.UpdatedAt = time.Now()
	cp := *device
	s.devices[device.ID] = &cp
	return nil
}

// ListDevices lists devices ordered by ID
func (s *MemoryStore) ListDevices(ctx context.Context, includeDisabled bool) ([]*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var devices []*models.Device
	for _, device := range s.devices {
		if device.IsDisabled && !includeDisabled {
			continue
		}
		cp := *device
		devices = append(devices, &cp)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (s *MemoryStore) touchDeviceLocked(id string, seenAt time.Time, battery *float64) error {
	device, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}

	device.UpdatedAt = seenAt
	device.LastSeenAt = &seenAt
	if battery != nil {
		device.BatteryLevel = battery
		device.BatteryLevelUpdatedAt = &seenAt
	}
	return nil
}

// TouchDevice records a heartbeat for a device
func (s *MemoryStore) TouchDevice(ctx context.Context, id string, seenAt time.Time, battery *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return ErrStorageUnavailable
	}
	return s.touchDeviceLocked(id, seenAt, battery)
}

// ========== Event Log Methods ==========

func (s *MemoryStore) appendEventLocked(event *models.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.seq++
	event.Seq = s.seq

	day := event.Timestamp.UTC().Format(dayFormat)
	bucket := s.days[day]

	cp := *event
	// Keep the bucket ordered by (timestamp, seq); device clocks within
	// the skew window may deliver slightly out of order.
	i := sort.Search(len(bucket), func(i int) bool {
		if bucket[i].Timestamp.Equal(cp.Timestamp) {
			return bucket[i].Seq > cp.Seq
		}
		return bucket[i].Timestamp.After(cp.Timestamp)
	})
	bucket = append(bucket, nil)
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = &cp
	s.days[day] = bucket

	return nil
}

// AppendEvent appends an event to the log
func (s *MemoryStore) AppendEvent(ctx context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return ErrStorageUnavailable
	}
	return s.appendEventLocked(event)
}

func matchesFilter(event *models.Event, filter EventFilter) bool {
	if filter.DeviceID != "" && event.DeviceID != filter.DeviceID {
		return false
	}
	if len(filter.DeviceIDs) > 0 {
		found := false
		for _, id := range filter.DeviceIDs {
			if event.DeviceID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Categories) > 0 {
		found := false
		for _, c := range filter.Categories {
			if event.Category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Severity != nil && event.Severity != *filter.Severity {
		return false
	}
	if filter.Start != nil && event.Timestamp.Before(*filter.Start) {
		return false
	}
	if filter.End != nil && !event.Timestamp.Before(*filter.End) {
		return false
	}
	return true
}

// QueryEvents lists events matching the filter
func (s *MemoryStore) QueryEvents(ctx context.Context, filter EventFilter) ([]*models.Event, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	days := make([]string, 0, len(s.days))
	for day := range s.days {
		if filter.Start != nil && day < filter.Start.UTC().Format(dayFormat) {
			continue
		}
		if filter.End != nil && day > filter.End.UTC().Format(dayFormat) {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)

	var matched []*models.Event
	for _, day := range days {
		for _, event := range s.days[day] {
			if matchesFilter(event, filter) {
				cp := *event
				matched = append(matched, &cp)
			}
		}
	}

	count := int64(len(matched))

	if filter.Order == OrderDesc {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, count, nil
}

// ========== Alert Methods ==========

// CreateAlert records a fired alert
func (s *MemoryStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return ErrStorageUnavailable
	}

	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.FiredAt.IsZero() {
		alert.FiredAt = time.Now()
	}

	cp := *alert
	s.alerts = append(s.alerts, &cp)
	return nil
}

// ListAlerts lists fired alerts, newest first
func (s *MemoryStore) ListAlerts(ctx context.Context, deviceID string, limit, offset int) ([]*models.Alert, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Alert
	for _, alert := range s.alerts {
		if deviceID != "" && alert.DeviceID != deviceID {
			continue
		}
		cp := *alert
		matched = append(matched, &cp)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].FiredAt.After(matched[j].FiredAt)
	})

	count := int64(len(matched))

	if offset > 0 {
		if offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[offset:]
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, count, nil
}
