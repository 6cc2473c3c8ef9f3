package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for pmlog.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Poll   PollConfig   `yaml:"poll"`
	OTA    OTAConfig    `yaml:"ota"`
	Store  StoreConfig  `yaml:"store"`
	Export ExportConfig `yaml:"export"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// DeviceConfig selects the peripheral and its GATT layout.
type DeviceConfig struct {
	// NameFilter is matched case-insensitively against advertised names.
	NameFilter  string        `yaml:"name_filter"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	ServiceUUID    string `yaml:"service_uuid"`
	StatusUUID     string `yaml:"status_uuid"`
	LogUUID        string `yaml:"log_uuid"`
	CommandUUID    string `yaml:"command_uuid"`
	// The firmware's OTA service has no published UUIDs. Firmware updates
	// stay unavailable until all three are set.
	OTAServiceUUID string `yaml:"ota_service_uuid"`
	OTADataUUID    string `yaml:"ota_data_uuid"`
	OTACommandUUID string `yaml:"ota_command_uuid"`
}

// HasOTA reports whether the OTA UUIDs are configured.
func (d DeviceConfig) HasOTA() bool {
	return d.OTAServiceUUID != "" && d.OTADataUUID != "" && d.OTACommandUUID != ""
}

// PollConfig controls the telemetry poller.
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	// PlatformLoadMax is the full-scale value of the PlatformLoad gauge.
	PlatformLoadMax float64 `yaml:"platform_load_max"`
}

// OTAConfig hardens the firmware transfer.
type OTAConfig struct {
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	SectorAck   bool          `yaml:"sector_ack"`
	PacketDelay time.Duration `yaml:"packet_delay"`
}

// StoreConfig locates the local log archive and firmware cache.
type StoreConfig struct {
	Path          string `yaml:"path"`
	FirmwareCache string `yaml:"firmware_cache"`
}

// ExportConfig enables telemetry sinks. Empty addresses disable a sink.
type ExportConfig struct {
	NATS    NATSConfig  `yaml:"nats"`
	MQTT    MQTTConfig  `yaml:"mqtt"`
	Kafka   KafkaConfig `yaml:"kafka"`
	Metrics bool        `yaml:"metrics"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ServerConfig configures the HTTP bridge.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			NameFilter:     "logger",
			ScanTimeout:    15 * time.Second,
			ServiceUUID:    "4fafc201-1fb5-459e-8fcc-c5c9c331914b",
			StatusUUID:     "beb5483e-36e1-4688-b7f5-ea07361b26a8",
			LogUUID:        "a7e3c4d8-974f-464a-b275-cf3f0e6a433f",
			CommandUUID:    "c1e45678-9012-3456-7890-123456789012",
		},
		Poll: PollConfig{
			Interval:        500 * time.Millisecond,
			PlatformLoadMax: 100,
		},
		OTA: OTAConfig{
			AckTimeout: 10 * time.Second,
		},
		Export: ExportConfig{
			NATS:  NATSConfig{Subject: "pmlog.telemetry"},
			MQTT:  MQTTConfig{Topic: "pmlog/telemetry", ClientID: "pmlog"},
			Kafka: KafkaConfig{Topic: "pmlog.telemetry"},
		},
		Server: ServerConfig{Listen: "127.0.0.1:8088"},
		Log:    LogConfig{Level: "info"},
	}
}

// DefaultPath returns the default config path (~/.pmlog/config.yaml).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pmlog", "config.yaml"), nil
}

// Load reads the config file at path on top of Default. A missing file
// is not an error; the defaults are returned with environment overrides
// applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			Debugf("No config file at %s, using defaults", path)
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PMLOG_DEVICE"); v != "" {
		c.Device.NameFilter = v
	}
	if v := os.Getenv("PMLOG_NATS_URL"); v != "" {
		c.Export.NATS.URL = v
	}
	if v := os.Getenv("PMLOG_MQTT_BROKER"); v != "" {
		c.Export.MQTT.Broker = v
	}
	if v := os.Getenv("PMLOG_KAFKA_BROKERS"); v != "" {
		c.Export.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("PMLOG_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks values that would otherwise break the protocol loops.
func (c *Config) Validate() error {
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.PlatformLoadMax < 0 {
		return fmt.Errorf("poll.platform_load_max must not be negative")
	}
	if c.OTA.AckTimeout <= 0 {
		return fmt.Errorf("ota.ack_timeout must be positive, got %s", c.OTA.AckTimeout)
	}
	if c.OTA.PacketDelay < 0 {
		return fmt.Errorf("ota.packet_delay must not be negative")
	}
	if c.Export.MQTT.QoS > 2 {
		return fmt.Errorf("export.mqtt.qos must be 0, 1 or 2")
	}
	for name, id := range map[string]string{
		"service_uuid": c.Device.ServiceUUID,
		"status_uuid":  c.Device.StatusUUID,
		"log_uuid":     c.Device.LogUUID,
		"command_uuid": c.Device.CommandUUID,
	} {
		if id == "" {
			return fmt.Errorf("device.%s must be set", name)
		}
	}
	d := c.Device
	if !d.HasOTA() && (d.OTAServiceUUID != "" || d.OTADataUUID != "" || d.OTACommandUUID != "") {
		return fmt.Errorf("device.ota_service_uuid, ota_data_uuid and ota_command_uuid must be set together")
	}
	return nil
}

// Marshal renders the config as YAML, used by `config show`.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
