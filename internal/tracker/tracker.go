package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scarecrow-farm/scarecrow-server/internal/models"
	"github.com/scarecrow-farm/scarecrow-server/internal/storage"
)

// ErrUnknownDevice is returned for status queries on devices that have
// never registered.
var ErrUnknownDevice = errors.New("unknown device")

// TransitionFunc is invoked after a connectivity state change has been
// recorded in the event log.
type TransitionFunc func(deviceID string, from, to models.ConnState, at time.Time)

type deviceState struct {
	state    models.ConnState
	lastSeen time.Time
}

// Tracker maintains per-device liveness state. Heartbeats flip devices
// Online immediately; the periodic sweep flips silent devices Offline.
// State changes happen at most once per heartbeat or sweep evaluation,
// which debounces heartbeat flicker.
type Tracker struct {
	store            storage.Store
	offlineThreshold time.Duration
	checkInterval    time.Duration

	mu      sync.RWMutex
	devices map[string]*deviceState

	onTransition TransitionFunc
	now          func() time.Time
}

// New creates a tracker
func New(store storage.Store, offlineThreshold, checkInterval time.Duration) *Tracker {
	return &Tracker{
		store:            store,
		offlineThreshold: offlineThreshold,
		checkInterval:    checkInterval,
		devices:          make(map[string]*deviceState),
		now:              time.Now,
	}
}

// OnTransition registers the transition callback. Must be called
// before Run.
func (t *Tracker) OnTransition(fn TransitionFunc) {
	t.onTransition = fn
}

// Hydrate loads known devices from the store. Devices seen within the
// offline threshold start Online, devices seen before it start Offline,
// never-seen devices start Unknown.
func (t *Tracker) Hydrate(ctx context.Context) error {
	devices, err := t.store.ListDevices(ctx, false)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, device := range devices {
		st := &deviceState{state: models.ConnStateUnknown}
		if device.LastSeenAt != nil {
			st.lastSeen = *device.LastSeenAt
			if now.Sub(st.lastSeen) > t.offlineThreshold {
				st.state = models.ConnStateOffline
			} else {
				st.state = models.ConnStateOnline
			}
		}
		t.devices[device.ID] = st
	}

	log.Info().Int("devices", len(devices)).Msg("Tracker hydrated")
	return nil
}

// RecordHeartbeat registers a valid heartbeat for a device. Transitions
// Unknown->Online on first heartbeat and Offline->Online on recovery.
func (t *Tracker) RecordHeartbeat(deviceID string, at time.Time) {
	t.mu.Lock()

	st, ok := t.devices[deviceID]
	if !ok {
		st = &deviceState{state: models.ConnStateUnknown}
		t.devices[deviceID] = st
	}

	from := st.state
	if at.After(st.lastSeen) {
		st.lastSeen = at
	}
	st.state = models.ConnStateOnline

	t.mu.Unlock()

	if from != models.ConnStateOnline && t.onTransition != nil {
		t.onTransition(deviceID, from, models.ConnStateOnline, at)
	}
}

// Status returns the current liveness state of a device
func (t *Tracker) Status(deviceID string) (models.DeviceStatus, error) {
	t.mu.RLock()
	st, ok := t.devices[deviceID]
	if !ok {
		t.mu.RUnlock()
		return models.DeviceStatus{}, ErrUnknownDevice
	}

	status := models.DeviceStatus{
		DeviceID: deviceID,
		State:    st.state,
	}
	if !st.lastSeen.IsZero() {
		seen := st.lastSeen
		status.LastSeenAt = &seen
	}
	t.mu.RUnlock()

	return status, nil
}

// Run executes the periodic liveness check until ctx is cancelled.
// The in-flight sweep is drained before returning.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", t.checkInterval).
		Dur("threshold", t.offlineThreshold).
		Msg("Liveness checker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Liveness checker stopped")
			return ctx.Err()
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep evaluates all devices once and transitions silent ones to
// Offline. It snapshots the device set first so ingestion is never
// blocked behind a full-table lock.
func (t *Tracker) Sweep(ctx context.Context) {
	now := t.now()

	t.mu.RLock()
	stale := make([]string, 0)
	for id, st := range t.devices {
		if st.state == models.ConnStateOnline && now.Sub(st.lastSeen) > t.offlineThreshold {
			stale = append(stale, id)
		}
	}
	t.mu.RUnlock()

	for _, id := range stale {
		t.mu.Lock()
		st := t.devices[id]
		// Re-check under the lock: a heartbeat may have arrived since
		// the snapshot.
		if st == nil || st.state != models.ConnStateOnline || now.Sub(st.lastSeen) <= t.offlineThreshold {
			t.mu.Unlock()
			continue
		}
		st.state = models.ConnStateOffline
		lastSeen := st.lastSeen
		t.mu.Unlock()

		t.recordOffline(ctx, id, lastSeen, now)
	}
}

// recordOffline appends the connectivity change to the event log and
// notifies the transition callback.
func (t *Tracker) recordOffline(ctx context.Context, deviceID string, lastSeen, at time.Time) {
	event := &models.Event{
		DeviceID:    deviceID,
		Category:    models.CategoryConnectivityChange,
		Severity:    models.SeverityAlert,
		Timestamp:   at,
		Description: fmt.Sprintf("Device offline, last seen %s", lastSeen.Format(time.RFC3339)),
		Payload: models.Payload{
			models.PayloadState: string(models.ConnStateOffline),
		},
	}

	if err := t.store.AppendEvent(ctx, event); err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("Failed to record offline event")
	}

	log.Warn().
		Str("device", deviceID).
		Time("lastSeen", lastSeen).
		Msg("Device transitioned offline")

	if t.onTransition != nil {
		t.onTransition(deviceID, models.ConnStateOnline, models.ConnStateOffline, at)
	}
}
