package live

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/scarecrow-farm/scarecrow-server/internal/models"
)

// NATS subjects carrying live updates. The wildcard segment is the
// device ID.
const (
	SubjectEvents = "farm.event.%s"
	SubjectAlerts = "farm.alert.%s"
)

// Bus publishes committed events and fired alerts to NATS for live
// subscribers.
type Bus struct {
	nc *nats.Conn
}

// NewBus creates a bus over an established NATS connection
func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

// PublishEvent publishes a committed event. Failures are logged and
// dropped; the event is already durable in the log.
func (b *Bus) PublishEvent(event *models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	subject := fmt.Sprintf(SubjectEvents, event.DeviceID)
	if err := b.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

// PublishAlert publishes a fired alert. The error is returned so the
// dispatcher can apply its bounded retry.
func (b *Bus) PublishAlert(alert *models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	subject := fmt.Sprintf(SubjectAlerts, alert.DeviceID)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	return nil
}
