package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scarecrow-farm/scarecrow-server/internal/config"
	"github.com/scarecrow-farm/scarecrow-server/internal/models"
	"github.com/scarecrow-farm/scarecrow-server/internal/storage"
)

// Rule kinds accepted from configuration
const (
	KindDeviceOffline  = "device_offline"
	KindBatteryLow     = "battery_low"
	KindDetectionSurge = "detection_surge"
)

// Publisher delivers fired alerts to subscribers
type Publisher interface {
	PublishAlert(alert *models.Alert) error
}

// Dispatcher evaluates alert rules against committed events and state
// transitions. A (device, rule) pair fires at most once per cooldown
// window; delivery to subscribers is fire-and-forget with bounded
// retry and never blocks the caller.
type Dispatcher struct {
	store storage.Store
	rules []config.AlertRule
	pub   Publisher

	mu        sync.Mutex
	lastFired map[string]time.Time

	maxRetries int
	retryWait  time.Duration
	now        func() time.Time

	// pending tracks in-flight deliveries for graceful shutdown
	pending sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given static rules
func NewDispatcher(store storage.Store, rules []config.AlertRule, pub Publisher) *Dispatcher {
	return &Dispatcher{
		store:      store,
		rules:      rules,
		pub:        pub,
		lastFired:  make(map[string]time.Time),
		maxRetries: 3,
		retryWait:  time.Second,
		now:        time.Now,
	}
}

// HandleEvent evaluates rules triggered by a committed event
func (d *Dispatcher) HandleEvent(ctx context.Context, event *models.Event) {
	for _, rule := range d.rules {
		switch rule.Kind {
		case KindBatteryLow:
			level, ok := reportedBattery(event)
			if !ok || level > rule.Threshold {
				continue
			}
			d.fire(ctx, rule, event.DeviceID,
				fmt.Sprintf("Battery at %.0f%%, below %.0f%%", level, rule.Threshold),
				models.Payload{models.PayloadBattery: level},
				event.Timestamp)

		case KindDetectionSurge:
			if event.Category != models.CategoryBirdDetection {
				continue
			}
			count := event.BirdCount()
			if float64(count) < rule.Threshold {
				continue
			}
			d.fire(ctx, rule, event.DeviceID,
				fmt.Sprintf("%d birds detected (%s)", count, event.Species()),
				models.Payload{
					models.PayloadSpecies: event.Species(),
					models.PayloadCount:   count,
				},
				event.Timestamp)
		}
	}
}

// HandleTransition evaluates rules triggered by connectivity changes.
// Offline rules fire on the transition into Offline only, so a device
// that stays offline produces exactly one alert per outage (subject to
// cooldown on flapping recoveries).
func (d *Dispatcher) HandleTransition(ctx context.Context, deviceID string, from, to models.ConnState, at time.Time) {
	if to != models.ConnStateOffline {
		return
	}

	for _, rule := range d.rules {
		if rule.Kind != KindDeviceOffline {
			continue
		}
		d.fire(ctx, rule, deviceID, "Device offline",
			models.Payload{models.PayloadState: string(to)}, at)
	}
}

// Drain waits for in-flight deliveries to finish
func (d *Dispatcher) Drain() {
	d.pending.Wait()
}

// fire emits an alert unless the (device, rule) cooldown is still open
func (d *Dispatcher) fire(ctx context.Context, rule config.AlertRule, deviceID, message string, details models.Payload, at time.Time) {
	key := deviceID + "|" + rule.Name

	d.mu.Lock()
	prev, fired := d.lastFired[key]
	if fired && at.Sub(prev) < rule.Cooldown {
		d.mu.Unlock()
		return
	}
	d.lastFired[key] = at
	d.mu.Unlock()

	alert := &models.Alert{
		DeviceID: deviceID,
		Rule:     rule.Name,
		Message:  message,
		FiredAt:  at,
		Details:  details,
	}

	if err := d.store.CreateAlert(ctx, alert); err != nil {
		log.Error().Err(err).Str("rule", rule.Name).Str("device", deviceID).
			Msg("Failed to persist alert")

		// Give the cooldown back so the next triggering event can fire
		// the alert instead of losing it for the whole window.
		d.mu.Lock()
		if d.lastFired[key] == at {
			if fired {
				d.lastFired[key] = prev
			} else {
				delete(d.lastFired, key)
			}
		}
		d.mu.Unlock()
		return
	}

	log.Warn().
		Str("rule", rule.Name).
		Str("device", deviceID).
		Str("message", message).
		Msg("Alert fired")

	if d.pub == nil {
		return
	}

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		d.deliver(alert)
	}()
}

// deliver publishes the alert with bounded retry, then drops it
func (d *Dispatcher) deliver(alert *models.Alert) {
	var err error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(d.retryWait * time.Duration(attempt))
		}
		if err = d.pub.PublishAlert(alert); err == nil {
			return
		}
	}

	log.Error().Err(err).
		Str("rule", alert.Rule).
		Str("device", alert.DeviceID).
		Int("attempts", d.maxRetries+1).
		Msg("Alert delivery failed, dropping")
}

// reportedBattery extracts a battery level from heartbeat or battery
// events
func reportedBattery(event *models.Event) (float64, bool) {
	switch event.Category {
	case models.CategoryHeartbeat, models.CategoryBatteryLow:
	default:
		return 0, false
	}
	if event.Payload == nil {
		return 0, false
	}
	if _, ok := event.Payload[models.PayloadBattery]; !ok {
		return 0, false
	}
	return float64(event.Payload.Int(models.PayloadBattery)), true
}
