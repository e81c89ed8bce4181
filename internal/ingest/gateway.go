package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scarecrow-farm/scarecrow-server/internal/config"
	"github.com/scarecrow-farm/scarecrow-server/internal/models"
	"github.com/scarecrow-farm/scarecrow-server/internal/storage"
)

// Ingestion errors
var (
	// ErrInvalidMessage marks malformed input. Not retryable.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownDevice marks messages from unregistered devices when
	// auto-registration is disabled.
	ErrUnknownDevice = errors.New("unknown device")
)

// Envelope is the transport-agnostic telemetry message submitted by
// devices, over MQTT or the HTTPS webhook alike.
type Envelope struct {
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
	Payload   models.Payload `json:"payload,omitempty"`
}

// Heartbeats carry liveness to the tracker
type Heartbeats interface {
	RecordHeartbeat(deviceID string, at time.Time)
}

// Evaluator receives committed events for alert rule evaluation
type Evaluator interface {
	HandleEvent(ctx context.Context, event *models.Event)
}

// Publisher fans committed events out to live subscribers
type Publisher interface {
	PublishEvent(event *models.Event)
}

// Invalidator drops cached aggregation windows touched by an append
type Invalidator interface {
	Invalidate(deviceID string, at time.Time)
}

const submitShards = 64

// Gateway validates and normalizes telemetry messages. The event
// append and the device heartbeat commit in one transaction; alert
// evaluation and live fan-out run after commit. Submissions for the
// same device are serialized through a mutex shard so per-device event
// order is stable while different devices never contend.
type Gateway struct {
	store   storage.Store
	tracker Heartbeats
	cfg     config.MonitorConfig

	alerts      Evaluator
	publisher   Publisher
	invalidator Invalidator

	shards [submitShards]sync.Mutex
	now    func() time.Time
}

// NewGateway creates an ingestion gateway
func NewGateway(store storage.Store, tracker Heartbeats, cfg config.MonitorConfig) *Gateway {
	return &Gateway{
		store:   store,
		tracker: tracker,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetEvaluator wires the alert dispatcher
func (g *Gateway) SetEvaluator(e Evaluator) { g.alerts = e }

// SetPublisher wires the live event bus
func (g *Gateway) SetPublisher(p Publisher) { g.publisher = p }

// SetInvalidator wires the aggregation cache
func (g *Gateway) SetInvalidator(i Invalidator) { g.invalidator = i }

func (g *Gateway) shard(deviceID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return &g.shards[h.Sum32()%submitShards]
}

// Submit accepts one telemetry message for a device. On success the
// normalized event has been committed to the log and the device
// heartbeat recorded; the returned event carries its assigned sequence.
func (g *Gateway) Submit(ctx context.Context, deviceID string, env Envelope) (*models.Event, error) {
	event, err := g.normalize(deviceID, env)
	if err != nil {
		log.Debug().Err(err).Str("device", deviceID).Msg("Rejected telemetry message")
		return nil, err
	}

	mu := g.shard(deviceID)
	mu.Lock()
	defer mu.Unlock()

	registered, err := g.ensureDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	battery := batteryLevel(env)

	tx, err := g.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}

	if !registered {
		device := &models.Device{
			ID:   deviceID,
			Name: deviceID,
		}
		if err := tx.CreateDevice(ctx, device); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.AppendEvent(ctx, event); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.TouchDevice(ctx, deviceID, event.Timestamp, battery); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", storage.ErrStorageUnavailable, err)
	}

	g.tracker.RecordHeartbeat(deviceID, event.Timestamp)

	if g.invalidator != nil {
		g.invalidator.Invalidate(deviceID, event.Timestamp)
	}
	if g.alerts != nil {
		g.alerts.HandleEvent(ctx, event)
	}
	if g.publisher != nil {
		g.publisher.PublishEvent(event)
	}

	log.Debug().
		Str("device", deviceID).
		Str("category", string(event.Category)).
		Uint64("seq", event.Seq).
		Msg("Telemetry accepted")

	return event, nil
}

// ensureDevice reports whether the device already exists, rejecting
// unknown devices unless auto-registration is enabled.
func (g *Gateway) ensureDevice(ctx context.Context, deviceID string) (bool, error) {
	device, err := g.store.GetDevice(ctx, deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		if !g.cfg.AutoRegister {
			return false, ErrUnknownDevice
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if device.IsDisabled {
		return false, fmt.Errorf("%w: device deactivated", ErrUnknownDevice)
	}
	return true, nil
}

// normalize validates the envelope and produces the immutable event
func (g *Gateway) normalize(deviceID string, env Envelope) (*models.Event, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", ErrInvalidMessage)
	}

	category := models.EventCategory(strings.ToUpper(env.Category))
	if env.Category == "" {
		return nil, fmt.Errorf("%w: missing category", ErrInvalidMessage)
	}
	if !models.KnownCategory(category) {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidMessage, env.Category)
	}

	if env.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}

	skew := g.now().Sub(env.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.cfg.ClockSkew {
		return nil, fmt.Errorf("%w: timestamp outside clock-skew window", ErrInvalidMessage)
	}

	event := &models.Event{
		DeviceID:  deviceID,
		Category:  category,
		Severity:  models.SeverityInfo,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}

	switch category {
	case models.CategoryBirdDetection:
		species := env.Payload.String(models.PayloadSpecies)
		count := env.Payload.Int(models.PayloadCount)
		if species == "" {
			return nil, fmt.Errorf("%w: bird detection without species", ErrInvalidMessage)
		}
		if count <= 0 {
			return nil, fmt.Errorf("%w: bird detection without count", ErrInvalidMessage)
		}
		event.Description = fmt.Sprintf("%d birds detected (%s)", count, species)

	case models.CategoryBatteryLow:
		event.Severity = models.SeverityAlert
		event.Description = fmt.Sprintf("Battery low: %d%%", env.Payload.Int(models.PayloadBattery))

	case models.CategoryHeartbeat:
		event.Description = "Heartbeat"

	case models.CategoryMotion:
		event.Description = "Motion detected"

	case models.CategoryCameraSnapshot:
		event.Description = "Camera snapshot captured"

	case models.CategorySystemUpdate:
		event.Description = "System update"

	case models.CategoryConnectivityChange:
		// Connectivity changes are derived by the liveness checker, not
		// accepted from the field.
		return nil, fmt.Errorf("%w: connectivity changes are server-derived", ErrInvalidMessage)
	}

	return event, nil
}

// batteryLevel extracts a reported battery level, if present
func batteryLevel(env Envelope) *float64 {
	if env.Payload == nil {
		return nil
	}
	if _, ok := env.Payload[models.PayloadBattery]; !ok {
		return nil
	}
	level := float64(env.Payload.Int(models.PayloadBattery))
	if level < 0 || level > 100 {
		return nil
	}
	return &level
}
