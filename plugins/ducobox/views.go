package ducobox

import (
	"time"
)

// Plain map views shared by the gRPC and REST surfaces. Values are limited to
// what structpb.NewValue accepts.

func deviceView(d *Device) map[string]any {
	view := map[string]any{
		"name":      d.Name,
		"host":      d.Host,
		"phase":     PhaseUninitialized.String(),
		"available": false,
	}
	if d.Coordinator == nil {
		if d.Err != nil {
			view["error"] = d.Err.Error()
		}
		return view
	}

	c := d.Coordinator
	view["phase"] = c.Phase().String()
	view["available"] = c.Available()
	if err := c.LastError(); err != nil {
		view["error"] = err.Error()
	}
	if c.Phase() != PhaseReady {
		return view
	}

	desc := Describe(c.DeviceInfo(), d.Host)
	view["serial"] = c.DeviceInfo().SerialNumber
	view["device"] = map[string]any{
		"identifiers":       stringsAny(desc.Identifiers),
		"manufacturer":      desc.Manufacturer,
		"name":              desc.Name,
		"model":             desc.Model,
		"sw_version":        desc.SWVersion,
		"mac":               desc.MACAddress,
		"configuration_url": desc.ConfigurationURL,
	}
	view["valid_states"] = stringsAny(c.ValidStates())
	view["poll_interval_seconds"] = c.Interval().Seconds()
	return view
}

func stateView(d *Device) map[string]any {
	view := map[string]any{
		"name":      d.Name,
		"available": false,
		"state":     nil,
	}
	if d.Coordinator == nil {
		return view
	}
	c := d.Coordinator
	view["serial"] = c.DeviceInfo().SerialNumber
	view["available"] = c.Available()
	if err := c.LastError(); err != nil {
		view["error"] = err.Error()
	}
	if last := c.LastSuccess(); !last.IsZero() {
		view["last_success"] = last.UTC().Format(time.RFC3339)
	}
	if snapshot, ok := c.Snapshot(); ok {
		view["state"] = StateDocument(snapshot)
	}
	return view
}

func stringsAny(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}
