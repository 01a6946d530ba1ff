package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/decora-ble/internal/ble"
	"github.com/chaz8081/decora-ble/internal/ble/protocol"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.ServiceUUID != ble.DefaultServiceUUID {
		t.Errorf("Device.ServiceUUID = %q, want %q", cfg.Device.ServiceUUID, ble.DefaultServiceUUID)
	}
	if cfg.Device.EventCharUUID != ble.DefaultEventCharUUID {
		t.Errorf("Device.EventCharUUID = %q, want %q", cfg.Device.EventCharUUID, ble.DefaultEventCharUUID)
	}
	if cfg.Device.StateCharUUID != ble.DefaultStateCharUUID {
		t.Errorf("Device.StateCharUUID = %q, want %q", cfg.Device.StateCharUUID, ble.DefaultStateCharUUID)
	}
	if cfg.Timeouts.Scan != 10*time.Second {
		t.Errorf("Timeouts.Scan = %v, want 10s", cfg.Timeouts.Scan)
	}
	if cfg.MQTT.Enabled {
		t.Error("MQTT.Enabled should default to false")
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT.QoS = %d, want 1", cfg.MQTT.QoS)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
device:
  address: "AA:BB:CC:DD:EE:FF"
  api_key: "1122334455"
timeouts:
  scan: 5s
  connect: 1m
mqtt:
  enabled: true
  broker: tcp://broker.local:1883
  client_id: hallway
  topic_prefix: home/hallway
  qos: 0
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Device.Address = %q, want %q", cfg.Device.Address, "AA:BB:CC:DD:EE:FF")
	}
	if cfg.Device.APIKey != "1122334455" {
		t.Errorf("Device.APIKey = %q, want %q", cfg.Device.APIKey, "1122334455")
	}
	if cfg.Timeouts.Scan != 5*time.Second {
		t.Errorf("Timeouts.Scan = %v, want 5s", cfg.Timeouts.Scan)
	}
	if cfg.Timeouts.Connect != time.Minute {
		t.Errorf("Timeouts.Connect = %v, want 1m", cfg.Timeouts.Connect)
	}
	if cfg.Timeouts.Operation != 10*time.Second {
		t.Errorf("Timeouts.Operation = %v, want default 10s", cfg.Timeouts.Operation)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker.local:1883" {
		t.Errorf("MQTT = %+v, want enabled with broker.local", cfg.MQTT)
	}
	if cfg.MQTT.ClientID != "hallway" {
		t.Errorf("MQTT.ClientID = %q, want %q", cfg.MQTT.ClientID, "hallway")
	}
	if cfg.MQTT.TopicPrefix != "home/hallway" {
		t.Errorf("MQTT.TopicPrefix = %q, want %q", cfg.MQTT.TopicPrefix, "home/hallway")
	}
	if cfg.MQTT.QoS != 0 {
		t.Errorf("MQTT.QoS = %d, want 0", cfg.MQTT.QoS)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	// Unset UUIDs keep their defaults.
	if cfg.Device.StateCharUUID != ble.DefaultStateCharUUID {
		t.Errorf("Device.StateCharUUID = %q, want default", cfg.Device.StateCharUUID)
	}
}

func TestLoadGeneratesClientID(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	a, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	b, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !strings.HasPrefix(a.MQTT.ClientID, "decora-ble-") {
		t.Errorf("MQTT.ClientID = %q, want decora-ble- prefix", a.MQTT.ClientID)
	}
	if a.MQTT.ClientID == b.MQTT.ClientID {
		t.Error("generated client ids should differ between loads")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("device: [unterminated"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "valid api key",
			modify:  func(c *Config) { c.Device.APIKey = "a1b2c3d4e5" },
			wantErr: false,
		},
		{
			name:    "api key not hex",
			modify:  func(c *Config) { c.Device.APIKey = "zzzzzzzzzz" },
			wantErr: true,
		},
		{
			name:    "api key too short",
			modify:  func(c *Config) { c.Device.APIKey = "112233" },
			wantErr: true,
		},
		{
			name:    "bad service uuid",
			modify:  func(c *Config) { c.Device.ServiceUUID = "not-a-uuid" },
			wantErr: true,
		},
		{
			name:    "empty state uuid",
			modify:  func(c *Config) { c.Device.StateCharUUID = "" },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Timeouts.Scan = 0 },
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.Timeouts.Connect = 0 },
			wantErr: true,
		},
		{
			name:    "negative operation timeout",
			modify:  func(c *Config) { c.Timeouts.Operation = -time.Second },
			wantErr: true,
		},
		{
			name:    "mqtt enabled without broker",
			modify:  func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" },
			wantErr: true,
		},
		{
			name:    "mqtt wildcard prefix",
			modify:  func(c *Config) { c.MQTT.Enabled = true; c.MQTT.TopicPrefix = "decora/#" },
			wantErr: true,
		},
		{
			name:    "mqtt invalid qos",
			modify:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAPIKeyMatchesProtocol(t *testing.T) {
	for _, key := range []string{"zzzzzzzzzz", "112233", "112233445566"} {
		cfg := Default()
		cfg.Device.APIKey = key
		err := cfg.Validate()
		if !errors.Is(err, protocol.ErrInvalidKeyFormat) {
			t.Errorf("Validate() with api_key %q error = %v, want ErrInvalidKeyFormat", key, err)
		}
	}

	cfg := Default()
	cfg.Device.APIKey = "A1B2C3D4E5"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with uppercase api_key error = %v, want nil", err)
	}
}

func TestDeviceChannels(t *testing.T) {
	d := DeviceConfig{ServiceUUID: "s", EventCharUUID: "e", StateCharUUID: "st"}
	got := d.Channels()
	want := ble.Channels{ServiceUUID: "s", EventCharUUID: "e", StateCharUUID: "st"}
	if got != want {
		t.Errorf("Channels() = %+v, want %+v", got, want)
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "decora-ble", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# decora-ble") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Timeouts.Scan != 10*time.Second {
		t.Errorf("written config Timeouts.Scan = %v, want 10s", cfg.Timeouts.Scan)
	}
	if cfg.Device.ServiceUUID != ble.DefaultServiceUUID {
		t.Errorf("written config Device.ServiceUUID = %q, want default", cfg.Device.ServiceUUID)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "decora-ble")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
