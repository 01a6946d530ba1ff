package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/decora-ble/internal/ble"
	"github.com/chaz8081/decora-ble/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the switch and the GATT channels it exposes.
type DeviceConfig struct {
	Address       string `yaml:"address"`
	APIKey        string `yaml:"api_key"` // 10 hex chars, fetched with `decora fetch-key`
	ServiceUUID   string `yaml:"service_uuid"`
	EventCharUUID string `yaml:"event_char_uuid"`
	StateCharUUID string `yaml:"state_char_uuid"`
}

// TimeoutConfig bounds the blocking BLE operations started by the CLI.
type TimeoutConfig struct {
	Scan      time.Duration `yaml:"scan"`
	Connect   time.Duration `yaml:"connect"`
	Operation time.Duration `yaml:"operation"`
}

// MQTTConfig holds settings for the MQTT state bridge.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`    // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id"` // generated when empty
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Channels returns the BLE channel UUIDs from the device section.
func (d DeviceConfig) Channels() ble.Channels {
	return ble.Channels{
		ServiceUUID:   d.ServiceUUID,
		EventCharUUID: d.EventCharUUID,
		StateCharUUID: d.StateCharUUID,
	}
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "decora-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ServiceUUID:   ble.DefaultServiceUUID,
			EventCharUUID: ble.DefaultEventCharUUID,
			StateCharUUID: ble.DefaultStateCharUUID,
		},
		Timeouts: TimeoutConfig{
			Scan:      10 * time.Second,
			Connect:   30 * time.Second,
			Operation: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "decora",
			QoS:         1,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, and an empty MQTT client id gets a generated one.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = NewClientID()
	}

	return cfg, nil
}

// NewClientID returns a unique MQTT client id.
func NewClientID() string {
	return "decora-ble-" + uuid.NewString()
}

// Validate checks the config for invalid values. The device address and key
// are optional here since the CLI accepts them as flags.
func (c *Config) Validate() error {
	if c.Device.APIKey != "" {
		if _, err := protocol.ParseKey(c.Device.APIKey); err != nil {
			return fmt.Errorf("device.api_key: %w", err)
		}
	}

	for name, v := range map[string]string{
		"device.service_uuid":    c.Device.ServiceUUID,
		"device.event_char_uuid": c.Device.EventCharUUID,
		"device.state_char_uuid": c.Device.StateCharUUID,
	} {
		if _, err := uuid.Parse(v); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q", name, v)
		}
	}

	if c.Timeouts.Scan <= 0 {
		return fmt.Errorf("timeouts.scan must be > 0")
	}
	if c.Timeouts.Connect <= 0 {
		return fmt.Errorf("timeouts.connect must be > 0")
	}
	if c.Timeouts.Operation <= 0 {
		return fmt.Errorf("timeouts.operation must be > 0")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty when mqtt is enabled")
		}
		if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
			return fmt.Errorf("mqtt.topic_prefix must not contain wildcards, got %q", c.MQTT.TopicPrefix)
		}
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to slog. Unknown values mean info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# decora-ble configuration
# Run "decora scan" to find your switch and "decora fetch-key --address <addr>"
# with the switch in pairing mode to obtain its api_key.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	// The file may hold an MQTT password.
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
