package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration. Loaded once at
// process start; immutable during a run.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Alerts   []AlertRule    `yaml:"alerts"`
}

// ServerConfig represents server identity
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents REST API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig represents database configuration. An empty DSN runs
// the server on the in-memory store (standalone mode).
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents the MQTT telemetry bridge configuration
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// JWTConfig represents verification settings for externally issued tokens
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MonitorConfig represents liveness and ingestion validation settings
type MonitorConfig struct {
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	ClockSkew        time.Duration `yaml:"clock_skew"`
	AutoRegister     bool          `yaml:"auto_register"`
}

// AlertRule represents a static alert rule
type AlertRule struct {
	Name      string        `yaml:"name"`
	Kind      string        `yaml:"kind"` // device_offline | battery_low | detection_surge
	Threshold float64       `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// applyDefaults fills unset values
func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "scarecrow-server"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Monitor.OfflineThreshold == 0 {
		c.Monitor.OfflineThreshold = 15 * time.Minute
	}
	if c.Monitor.CheckInterval == 0 {
		c.Monitor.CheckInterval = time.Minute
	}
	if c.Monitor.ClockSkew == 0 {
		c.Monitor.ClockSkew = 5 * time.Minute
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Server.Name
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "farm/telemetry"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	for i := range c.Alerts {
		if c.Alerts[i].Cooldown == 0 {
			c.Alerts[i].Cooldown = 30 * time.Minute
		}
	}
}

// validate rejects configurations the server cannot run with
func (c *Config) validate() error {
	if c.Monitor.CheckInterval > c.Monitor.OfflineThreshold {
		return fmt.Errorf("check_interval %s exceeds offline_threshold %s",
			c.Monitor.CheckInterval, c.Monitor.OfflineThreshold)
	}

	// Rule names key the per-device cooldown state, so they must be
	// unique.
	names := make(map[string]bool, len(c.Alerts))
	for _, rule := range c.Alerts {
		switch rule.Kind {
		case "device_offline", "battery_low", "detection_surge":
		default:
			return fmt.Errorf("unknown alert rule kind: %s", rule.Kind)
		}
		if rule.Name == "" {
			return fmt.Errorf("alert rule of kind %s has no name", rule.Kind)
		}
		if names[rule.Name] {
			return fmt.Errorf("duplicate alert rule name: %s", rule.Name)
		}
		names[rule.Name] = true
	}

	return nil
}
