package ducobox

import (
	"strings"
	"time"
)

// DeviceInfo is the identity block read once at setup.
type DeviceInfo struct {
	Model        string
	APIVersion   string
	SerialNumber string
	MACAddress   string
}

// StateSnapshot is one poll of node 1. Nil fields were missing or unreadable.
type StateSnapshot struct {
	VentilationState        *string
	TimeRemainingSeconds    *int
	StateEndEpoch           *int64
	Mode                    *string
	TargetFlowPercent       *int
	RelativeHumidityPercent *int
}

// StateEnd reports when the current timed state ends. Epochs <= 0 mean no
// timer is running.
func (s StateSnapshot) StateEnd() (time.Time, bool) {
	if s.StateEndEpoch == nil || *s.StateEndEpoch <= 0 {
		return time.Time{}, false
	}
	return time.Unix(*s.StateEndEpoch, 0).UTC(), true
}

// Equal compares field values, not pointers.
func (s StateSnapshot) Equal(other StateSnapshot) bool {
	return eqPtr(s.VentilationState, other.VentilationState) &&
		eqPtr(s.TimeRemainingSeconds, other.TimeRemainingSeconds) &&
		eqPtr(s.StateEndEpoch, other.StateEndEpoch) &&
		eqPtr(s.Mode, other.Mode) &&
		eqPtr(s.TargetFlowPercent, other.TargetFlowPercent) &&
		eqPtr(s.RelativeHumidityPercent, other.RelativeHumidityPercent)
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

var boxNames = map[string]string{
	"SILENT_CONNECT": "Silent Connect",
}

// ModelName maps a board BoxName code to its marketing name. Unknown codes
// pass through unchanged.
func ModelName(code string) string {
	if name, ok := boxNames[code]; ok {
		return name
	}
	return code
}

// StaticVentilationStates is used when the device cannot be asked for its
// accepted states.
var StaticVentilationStates = []string{
	"auto", "aut1", "aut2", "aut3",
	"man1", "man2", "man3",
	"empt",
	"cnt1", "cnt2", "cnt3",
}

// VentilationModes are the values the Mode field takes.
var VentilationModes = []string{"auto", "manu"}

func normalizeStates(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, value := range raw {
		state := strings.ToLower(strings.TrimSpace(value))
		if state == "" || seen[state] {
			continue
		}
		seen[state] = true
		out = append(out, state)
	}
	return out
}
