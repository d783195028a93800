package ducobox

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Unknown is rendered for values the device did not report.
const Unknown = "unknown"

const (
	manufacturer = "Duco"
	deviceName   = "DucoBox"
)

// DeviceDescriptor groups entities under one physical device.
type DeviceDescriptor struct {
	Identifiers      []string
	Manufacturer     string
	Name             string
	Model            string
	SWVersion        string
	MACAddress       string
	ConfigurationURL string
}

func Describe(info DeviceInfo, host string) DeviceDescriptor {
	return DeviceDescriptor{
		Identifiers:      []string{info.SerialNumber},
		Manufacturer:     manufacturer,
		Name:             deviceName,
		Model:            info.Model,
		SWVersion:        info.APIVersion,
		MACAddress:       info.MACAddress,
		ConfigurationURL: "http://" + host,
	}
}

// Fan is the always-on ventilation fan. Its preset modes are the
// ventilation states.
type Fan struct {
	c *Coordinator
}

func (f Fan) UniqueID() string { return f.c.DeviceInfo().SerialNumber + "_fan" }

func (f Fan) IsOn() bool { return true }

func (f Fan) Available() bool { return f.c.Available() }

func (f Fan) PresetModes() []string { return f.c.ValidStates() }

func (f Fan) PresetMode() string { return currentState(f.c) }

func (f Fan) SetPresetMode(ctx context.Context, mode string) error {
	return f.c.SetVentilationState(ctx, mode)
}

// Select exposes the ventilation state as a pick list.
type Select struct {
	c *Coordinator
}

func (s Select) UniqueID() string { return s.c.DeviceInfo().SerialNumber + "_ventilation_state" }

func (s Select) Available() bool { return s.c.Available() }

func (s Select) Options() []string { return s.c.ValidStates() }

func (s Select) CurrentOption() string { return currentState(s.c) }

func (s Select) SelectOption(ctx context.Context, option string) error {
	return s.c.SetVentilationState(ctx, option)
}

func currentState(c *Coordinator) string {
	snapshot, ok := c.Snapshot()
	if !ok || snapshot.VentilationState == nil {
		return Unknown
	}
	return *snapshot.VentilationState
}

// SensorDescription is one read-only projection of a snapshot. Options is
// set for enum sensors and receives the coordinator's valid states.
type SensorDescription struct {
	Key         string
	Name        string
	DeviceClass string
	Unit        string
	StateClass  string
	Options     func(validStates []string) []string
	Value       func(StateSnapshot) (any, bool)
}

var Sensors = []SensorDescription{
	{
		Key:         "time_state_remain",
		Name:        "Time remaining",
		DeviceClass: "duration",
		Unit:        "s",
		Value: func(s StateSnapshot) (any, bool) {
			if s.TimeRemainingSeconds == nil || *s.TimeRemainingSeconds <= 0 {
				return nil, false
			}
			return *s.TimeRemainingSeconds, true
		},
	},
	{
		Key:         "time_state_end",
		Name:        "State end",
		DeviceClass: "timestamp",
		Value: func(s StateSnapshot) (any, bool) {
			end, ok := s.StateEnd()
			if !ok {
				return nil, false
			}
			return end, true
		},
	},
	{
		Key:         "mode",
		Name:        "Mode",
		DeviceClass: "enum",
		Options:     func([]string) []string { return slices.Clone(VentilationModes) },
		Value: func(s StateSnapshot) (any, bool) {
			return deref(s.Mode)
		},
	},
	{
		Key:         "state",
		Name:        "State",
		DeviceClass: "enum",
		Options:     func(states []string) []string { return states },
		Value: func(s StateSnapshot) (any, bool) {
			return deref(s.VentilationState)
		},
	},
	{
		Key:        "flow_lvl_tgt",
		Name:       "Target flow level",
		Unit:       "%",
		StateClass: "measurement",
		Value: func(s StateSnapshot) (any, bool) {
			return deref(s.TargetFlowPercent)
		},
	},
	{
		Key:         "iaq_rh",
		Name:        "Relative humidity",
		DeviceClass: "humidity",
		Unit:        "%",
		StateClass:  "measurement",
		Value: func(s StateSnapshot) (any, bool) {
			return deref(s.RelativeHumidityPercent)
		},
	},
}

func deref[T any](p *T) (any, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Sensor binds a description to a coordinator.
type Sensor struct {
	c    *Coordinator
	Desc SensorDescription
}

func (s Sensor) UniqueID() string { return s.c.DeviceInfo().SerialNumber + "_" + s.Desc.Key }

func (s Sensor) Available() bool { return s.c.Available() }

func (s Sensor) Options() []string {
	if s.Desc.Options == nil {
		return nil
	}
	return s.Desc.Options(s.c.ValidStates())
}

// Value is the typed reading; ok is false when unknown.
func (s Sensor) Value() (any, bool) {
	snapshot, ok := s.c.Snapshot()
	if !ok {
		return nil, false
	}
	return s.Desc.Value(snapshot)
}

// State renders Value, or Unknown.
func (s Sensor) State() string {
	value, ok := s.Value()
	if !ok {
		return Unknown
	}
	return formatValue(value)
}

// Entities is the full entity set of one device.
type Entities struct {
	Device  DeviceDescriptor
	Fan     Fan
	Select  Select
	Sensors []Sensor
}

// NewEntities builds the entity set. A coordinator that is not ready has no
// entities.
func NewEntities(c *Coordinator, host string) (Entities, error) {
	if c.Phase() != PhaseReady {
		return Entities{}, ErrNotReady
	}
	sensors := make([]Sensor, 0, len(Sensors))
	for _, desc := range Sensors {
		sensors = append(sensors, Sensor{c: c, Desc: desc})
	}
	return Entities{
		Device:  Describe(c.DeviceInfo(), host),
		Fan:     Fan{c: c},
		Select:  Select{c: c},
		Sensors: sensors,
	}, nil
}

// StateDocument maps every sensor key to its value, nil when unknown. Times
// are RFC 3339 in UTC.
func StateDocument(s StateSnapshot) map[string]any {
	doc := make(map[string]any, len(Sensors))
	for _, desc := range Sensors {
		value, ok := desc.Value(s)
		if !ok {
			doc[desc.Key] = nil
			continue
		}
		if ts, isTime := value.(time.Time); isTime {
			doc[desc.Key] = ts.Format(time.RFC3339)
			continue
		}
		doc[desc.Key] = value
	}
	return doc
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}
