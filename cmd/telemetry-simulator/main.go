package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var species = []string{"Crow", "Pigeon", "Sparrow", "Starling"}

type envelope struct {
	Timestamp time.Time              `json:"timestamp"`
	Category  string                 `json:"category"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

func main() {
	var (
		broker   string
		prefix   string
		devices  int
		interval time.Duration
	)
	flag.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.StringVar(&prefix, "prefix", "farm/telemetry", "Telemetry topic prefix")
	flag.IntVar(&devices, "devices", 3, "Number of simulated devices")
	flag.DurationVar(&interval, "interval", 10*time.Second, "Heartbeat interval")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("telemetry-simulator").
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("Failed to connect to broker")
	}
	defer client.Disconnect(250)

	log.Info().Str("broker", broker).Int("devices", devices).Msg("Simulator started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	battery := make([]int, devices)
	for i := range battery {
		battery[i] = 60 + rand.Intn(40)
	}

	for {
		select {
		case <-sigChan:
			log.Info().Msg("Simulator stopped")
			return
		case <-ticker.C:
			for i := 0; i < devices; i++ {
				deviceID := fmt.Sprintf("SC-%d", i+1)
				topic := fmt.Sprintf("%s/%s", prefix, deviceID)

				// Slow battery drain
				if battery[i] > 5 && rand.Intn(10) == 0 {
					battery[i]--
				}

				publish(client, topic, envelope{
					Timestamp: time.Now(),
					Category:  "heartbeat",
					Payload:   map[string]interface{}{"battery": battery[i]},
				})

				// Occasional detections
				if rand.Intn(4) == 0 {
					publish(client, topic, envelope{
						Timestamp: time.Now(),
						Category:  "bird_detection",
						Payload: map[string]interface{}{
							"species": species[rand.Intn(len(species))],
							"count":   1 + rand.Intn(8),
						},
					})
				}
			}
		}
	}
}

func publish(client mqtt.Client, topic string, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal envelope")
		return
	}

	if token := client.Publish(topic, 1, false, data); token.Wait() && token.Error() != nil {
		log.Warn().Err(token.Error()).Str("topic", topic).Msg("Publish failed")
	}

	log.Debug().Str("topic", topic).Str("category", env.Category).Msg("Published")
}
