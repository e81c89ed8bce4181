package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/scarecrow-farm/scarecrow-server/internal/config"
	"github.com/scarecrow-farm/scarecrow-server/internal/ingest"
)

const submitTimeout = 10 * time.Second

// Bridge subscribes to device telemetry over MQTT and feeds it into
// the ingestion gateway. Topic layout is <prefix>/<deviceID>, one
// envelope per message.
type Bridge struct {
	cfg     config.MQTTConfig
	gateway *ingest.Gateway
	client  mqtt.Client
}

// NewBridge creates an MQTT ingest bridge
func NewBridge(cfg config.MQTTConfig, gateway *ingest.Gateway) *Bridge {
	return &Bridge{cfg: cfg, gateway: gateway}
}

// Start connects to the broker and subscribes until ctx is cancelled
func (b *Bridge) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Info().Str("broker", b.cfg.Broker).Msg("MQTT connected")
		})

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect mqtt broker: %w", token.Error())
	}

	topic := b.cfg.TopicPrefix + "/+"
	if token := b.client.Subscribe(topic, 1, b.handleMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}

	log.Info().Str("topic", topic).Msg("MQTT bridge started")

	<-ctx.Done()

	b.client.Unsubscribe(topic)
	b.client.Disconnect(250)

	return ctx.Err()
}

// handleMessage decodes one telemetry envelope and submits it
func (b *Bridge) handleMessage(client mqtt.Client, msg mqtt.Message) {
	deviceID := deviceFromTopic(msg.Topic())
	if deviceID == "" {
		log.Debug().Str("topic", msg.Topic()).Msg("Ignoring message without device segment")
		return
	}

	var env ingest.Envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		log.Warn().Err(err).Str("device", deviceID).Msg("Failed to unmarshal telemetry envelope")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	if _, err := b.gateway.Submit(ctx, deviceID, env); err != nil {
		log.Warn().Err(err).Str("device", deviceID).Msg("Telemetry rejected")
	}
}

// deviceFromTopic extracts the trailing device ID segment
func deviceFromTopic(topic string) string {
	i := strings.LastIndex(topic, "/")
	if i < 0 || i == len(topic)-1 {
		return ""
	}
	return topic[i+1:]
}
