package ducobox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Publisher is the broker connection the bridge writes through.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error
}

// BridgeConfig holds the MQTT topic layout.
type BridgeConfig struct {
	Broker          string
	Username        string
	Password        string
	DiscoveryPrefix string
	TopicPrefix     string
	QoS             byte
}

// Bridge exposes devices to Home Assistant through MQTT discovery and
// routes command topics back to the coordinators.
type Bridge struct {
	pub Publisher
	cfg BridgeConfig
	log logwrap.Logger

	mu      sync.Mutex
	devices map[string]*Device
}

func NewBridge(pub Publisher, cfg BridgeConfig, logger *logwrap.Logger) *Bridge {
	l := logwrap.New(discard.Discard())
	if logger != nil {
		l = *logger
	}
	return &Bridge{pub: pub, cfg: cfg, log: l, devices: make(map[string]*Device)}
}

// Start subscribes to the command topics of every device.
func (b *Bridge) Start(ctx context.Context) error {
	topic := b.cfg.TopicPrefix + "/+/+/set"
	return b.pub.Subscribe(ctx, topic, func(topic string, payload []byte) {
		if err := b.HandleCommand(context.Background(), topic, payload); err != nil {
			b.log.LogWarn(ctx, "MQTT command failed.", logwrap.Datum("topic", topic), logwrap.Err(err))
		}
	})
}

func (b *Bridge) stateTopic(serial string) string {
	return b.cfg.TopicPrefix + "/" + serial + "/state"
}

func (b *Bridge) availabilityTopic(serial string) string {
	return b.cfg.TopicPrefix + "/" + serial + "/availability"
}

func (b *Bridge) commandTopic(serial, kind string) string {
	return b.cfg.TopicPrefix + "/" + serial + "/" + kind + "/set"
}

func (b *Bridge) discoveryTopic(component, serial, key string) string {
	return b.cfg.DiscoveryPrefix + "/" + component + "/" + serial + "/" + key + "/config"
}

// Attach announces a ready device and keeps its state topic current. The
// returned func marks the device offline and stops publishing.
func (b *Bridge) Attach(ctx context.Context, d *Device) (func(), error) {
	if d.Coordinator == nil {
		return nil, ErrNotReady
	}
	entities, err := NewEntities(d.Coordinator, d.Host)
	if err != nil {
		return nil, err
	}
	serial := d.Coordinator.DeviceInfo().SerialNumber

	for topic, payload := range b.discoveryPayloads(serial, entities) {
		if err := b.publishJSON(ctx, topic, payload, true); err != nil {
			return nil, fmt.Errorf("publish discovery: %w", err)
		}
	}

	b.mu.Lock()
	b.devices[serial] = d
	b.mu.Unlock()

	cancel := d.Coordinator.Listen(func(u Update) {
		b.publishUpdate(ctx, serial, u)
	})
	if snapshot, ok := d.Coordinator.Snapshot(); ok {
		b.publishUpdate(ctx, serial, Update{Snapshot: snapshot, Err: d.Coordinator.LastError()})
	}

	return func() {
		cancel()
		b.mu.Lock()
		delete(b.devices, serial)
		b.mu.Unlock()
		if err := b.pub.Publish(ctx, b.availabilityTopic(serial), []byte(payloadOffline), true); err != nil {
			b.log.LogWarn(ctx, "Failed to publish availability.", logwrap.Datum("serial", serial), logwrap.Err(err))
		}
	}, nil
}

func (b *Bridge) publishUpdate(ctx context.Context, serial string, u Update) {
	availability := payloadOnline
	if u.Err != nil {
		availability = payloadOffline
	}
	if u.Err == nil {
		if err := b.publishJSON(ctx, b.stateTopic(serial), StateDocument(u.Snapshot), true); err != nil {
			b.log.LogWarn(ctx, "Failed to publish state.", logwrap.Datum("serial", serial), logwrap.Err(err))
		}
	}
	if err := b.pub.Publish(ctx, b.availabilityTopic(serial), []byte(availability), true); err != nil {
		b.log.LogWarn(ctx, "Failed to publish availability.", logwrap.Datum("serial", serial), logwrap.Err(err))
	}
}

// HandleCommand applies a message from <topic_prefix>/<serial>/<kind>/set.
func (b *Bridge) HandleCommand(ctx context.Context, topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return fmt.Errorf("topic %q outside prefix %q", topic, b.cfg.TopicPrefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return fmt.Errorf("unexpected command topic %q", topic)
	}
	serial, kind := parts[0], parts[1]

	b.mu.Lock()
	d := b.devices[serial]
	b.mu.Unlock()
	if d == nil {
		return fmt.Errorf("unknown device %q", serial)
	}

	value := strings.TrimSpace(string(payload))
	switch kind {
	case "preset_mode", "ventilation_state":
		b.log.LogInfo(ctx, "Setting ventilation state.", logwrap.Datum("serial", serial), logwrap.Datum("state", value))
		return d.Coordinator.SetVentilationState(ctx, value)
	case "fan":
		// The box cannot be switched off.
		b.log.LogDebug(ctx, "Ignoring fan power command.", logwrap.Datum("serial", serial), logwrap.Datum("payload", value))
		return nil
	default:
		return errors.New("unsupported command " + kind)
	}
}

func (b *Bridge) publishJSON(ctx context.Context, topic string, payload any, retained bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	return b.pub.Publish(ctx, topic, data, retained)
}

func (b *Bridge) discoveryPayloads(serial string, entities Entities) map[string]map[string]any {
	device := discoveryDevice(entities.Device)
	base := func(uniqueID, name string) map[string]any {
		return map[string]any{
			"uniq_id": uniqueID,
			"obj_id":  uniqueID,
			"name":    name,
			"stat_t":  b.stateTopic(serial),
			"avty_t":  b.availabilityTopic(serial),
			"dev":     device,
		}
	}

	out := make(map[string]map[string]any)

	fan := base(entities.Fan.UniqueID(), "Ventilation")
	fan["cmd_t"] = b.commandTopic(serial, "fan")
	fan["stat_val_tpl"] = "ON"
	fan["pr_mode_cmd_t"] = b.commandTopic(serial, "preset_mode")
	fan["pr_mode_stat_t"] = b.stateTopic(serial)
	fan["pr_mode_val_tpl"] = "{{ value_json.state }}"
	fan["pr_modes"] = entities.Fan.PresetModes()
	out[b.discoveryTopic("fan", serial, "fan")] = fan

	sel := base(entities.Select.UniqueID(), "Ventilation state")
	sel["cmd_t"] = b.commandTopic(serial, "ventilation_state")
	sel["val_tpl"] = "{{ value_json.state }}"
	sel["ops"] = entities.Select.Options()
	out[b.discoveryTopic("select", serial, "ventilation_state")] = sel

	for _, sensor := range entities.Sensors {
		payload := base(sensor.UniqueID(), sensor.Desc.Name)
		payload["val_tpl"] = "{{ value_json." + sensor.Desc.Key + " }}"
		if sensor.Desc.DeviceClass != "" {
			payload["dev_cla"] = sensor.Desc.DeviceClass
		}
		if sensor.Desc.Unit != "" {
			payload["unit_of_meas"] = sensor.Desc.Unit
		}
		if sensor.Desc.StateClass != "" {
			payload["stat_cla"] = sensor.Desc.StateClass
		}
		if options := sensor.Options(); options != nil {
			payload["ops"] = options
		}
		out[b.discoveryTopic("sensor", serial, sensor.Desc.Key)] = payload
	}
	return out
}

func discoveryDevice(desc DeviceDescriptor) map[string]any {
	device := map[string]any{
		"ids":  desc.Identifiers,
		"mf":   desc.Manufacturer,
		"name": desc.Name,
		"mdl":  desc.Model,
		"sw":   desc.SWVersion,
		"cu":   desc.ConfigurationURL,
	}
	if desc.MACAddress != "" {
		device["cns"] = [][]string{{"mac", desc.MACAddress}}
	}
	return device
}
