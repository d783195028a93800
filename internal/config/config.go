package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	SchemaVersion                = 1
	DefaultPath                  = "/etc/ducohome/config.json"
	DefaultGRPCAddr              = "0.0.0.0:9000"
	DefaultHTTPAddr              = "0.0.0.0:8080"
	DefaultDashboardDir          = "/var/lib/ducohome/dashboards"
	DefaultLogLevel              = "info"
	DefaultPollIntervalSeconds   = 30
	DefaultRequestTimeoutSeconds = 10
	DefaultStateOptions          = "device"
	DefaultDiscoveryPrefix       = "homeassistant"
	DefaultTopicPrefix           = "ducohome"
)

// Config is the daemon configuration file.
type Config struct {
	SchemaVersion int            `json:"schema_version"`
	Core          *CoreConfig    `json:"core,omitempty"`
	Logging       *LoggingConfig `json:"logging,omitempty"`
	Ducobox       *DucoboxConfig `json:"ducobox,omitempty"`
	MQTT          *MQTTConfig    `json:"mqtt,omitempty"`
}

type CoreConfig struct {
	GRPCAddr     string `json:"grpc_addr"`
	HTTPAddr     string `json:"http_addr"`
	DashboardDir string `json:"dashboard_dir"`
}

type LoggingConfig struct {
	Level string         `json:"level"`
	File  *LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Filename   string `json:"filename"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Compress   bool   `json:"compress"`
}

type DucoboxConfig struct {
	PollIntervalSeconds   int                   `json:"poll_interval_seconds"`
	RequestTimeoutSeconds int                   `json:"request_timeout_seconds"`
	StateOptions          string                `json:"state_options"`
	Devices               []DucoboxDeviceConfig `json:"devices"`
}

// DucoboxDeviceConfig has one required field: host.
type DucoboxDeviceConfig struct {
	Name string `json:"name,omitempty"`
	Host string `json:"host"`
}

type MQTTConfig struct {
	Broker          string `json:"broker"`
	Username        string `json:"username,omitempty"`
	PasswordFile    string `json:"password_file,omitempty"`
	DiscoveryPrefix string `json:"discovery_prefix"`
	TopicPrefix     string `json:"topic_prefix"`
	QoS             int    `json:"qos"`
}

// Load parses the JSON config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Core == nil {
		cfg.Core = &CoreConfig{}
	}
	if cfg.Core.GRPCAddr == "" {
		cfg.Core.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Core.HTTPAddr == "" {
		cfg.Core.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Core.DashboardDir == "" {
		cfg.Core.DashboardDir = DefaultDashboardDir
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}

	if cfg.Ducobox != nil {
		if cfg.Ducobox.PollIntervalSeconds == 0 {
			cfg.Ducobox.PollIntervalSeconds = DefaultPollIntervalSeconds
		}
		if cfg.Ducobox.RequestTimeoutSeconds == 0 {
			cfg.Ducobox.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
		}
		if cfg.Ducobox.StateOptions == "" {
			cfg.Ducobox.StateOptions = DefaultStateOptions
		}
		for i := range cfg.Ducobox.Devices {
			device := &cfg.Ducobox.Devices[i]
			device.Host = strings.TrimSpace(device.Host)
			if device.Name == "" {
				device.Name = device.Host
			}
		}
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.DiscoveryPrefix == "" {
			cfg.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = DefaultTopicPrefix
		}
	}
}

// Validate enforces required invariants beyond JSON typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	if cfg.Core == nil {
		return fmt.Errorf("core config is required")
	}
	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}

	if cfg.Ducobox != nil {
		if len(cfg.Ducobox.Devices) == 0 {
			return fmt.Errorf("ducobox.devices must not be empty")
		}
		if cfg.Ducobox.PollIntervalSeconds < 0 {
			return fmt.Errorf("ducobox.poll_interval_seconds must be positive")
		}
		if cfg.Ducobox.RequestTimeoutSeconds < 0 {
			return fmt.Errorf("ducobox.request_timeout_seconds must be positive")
		}
		switch cfg.Ducobox.StateOptions {
		case "device", "static":
		default:
			return fmt.Errorf("ducobox.state_options must be device or static")
		}
		names := make(map[string]bool)
		for i, device := range cfg.Ducobox.Devices {
			if device.Host == "" {
				return fmt.Errorf("ducobox.devices[%d].host is required", i)
			}
			if names[device.Name] {
				return fmt.Errorf("ducobox.devices[%d].name %q is duplicated", i, device.Name)
			}
			names[device.Name] = true
		}
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	return nil
}

// EnabledPlugins maps enabled plugin IDs based on config presence.
func EnabledPlugins(cfg *Config) map[string]bool {
	enabled := make(map[string]bool)
	if cfg == nil {
		return enabled
	}
	if cfg.Ducobox != nil {
		enabled["ducobox"] = true
	}
	return enabled
}

// ReadSecretFile returns the trimmed contents of a secret file.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
