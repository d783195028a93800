package ducobox

import (
	"fmt"
	"strings"
	"time"

	"github.com/joshp123/ducohome/internal/config"
)

// Config defines runtime configuration for the DucoBox plugin.
type Config struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	StateOptions   StateOptionsSource
	Devices        []DeviceConfig
}

// DeviceConfig is one configured box. Name defaults to Host.
type DeviceConfig struct {
	Name string
	Host string
}

func ConfigFromFile(cfg *config.DucoboxConfig) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("ducobox config is required")
	}
	if len(cfg.Devices) == 0 {
		return Config{}, fmt.Errorf("ducobox devices are required")
	}

	out := Config{
		PollInterval:   time.Duration(cfg.PollIntervalSeconds) * time.Second,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		StateOptions:   StateOptionsSource(cfg.StateOptions),
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	switch out.StateOptions {
	case "":
		out.StateOptions = StateOptionsDevice
	case StateOptionsDevice, StateOptionsStatic:
	default:
		return Config{}, fmt.Errorf("ducobox state_options %q is not device or static", cfg.StateOptions)
	}

	for i, device := range cfg.Devices {
		host := strings.TrimSpace(device.Host)
		if host == "" {
			return Config{}, fmt.Errorf("ducobox device %d host is required", i)
		}
		name := strings.TrimSpace(device.Name)
		if name == "" {
			name = host
		}
		out.Devices = append(out.Devices, DeviceConfig{Name: name, Host: host})
	}
	return out, nil
}

// BridgeConfigFromFile resolves the MQTT settings, reading the password
// file when one is set.
func BridgeConfigFromFile(cfg *config.MQTTConfig) (BridgeConfig, error) {
	if cfg == nil {
		return BridgeConfig{}, fmt.Errorf("mqtt config is required")
	}
	out := BridgeConfig{
		Broker:          cfg.Broker,
		Username:        cfg.Username,
		DiscoveryPrefix: cfg.DiscoveryPrefix,
		TopicPrefix:     cfg.TopicPrefix,
		QoS:             byte(cfg.QoS),
	}
	if out.DiscoveryPrefix == "" {
		out.DiscoveryPrefix = config.DefaultDiscoveryPrefix
	}
	if out.TopicPrefix == "" {
		out.TopicPrefix = config.DefaultTopicPrefix
	}
	if cfg.PasswordFile != "" {
		password, err := config.ReadSecretFile(cfg.PasswordFile)
		if err != nil {
			return BridgeConfig{}, fmt.Errorf("read mqtt password: %w", err)
		}
		out.Password = password
	}
	return out, nil
}
