package ducobox

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDevices []*Device

func (s staticDevices) Devices() []*Device { return s }

func gather(t *testing.T, source deviceSource) map[string][]*dto.Metric {
	t.Helper()
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(NewMetricsCollector(source)))
	families, err := registry.Gather()
	require.NoError(t, err)

	out := make(map[string][]*dto.Metric)
	for _, family := range families {
		out[family.GetName()] = family.GetMetric()
	}
	return out
}

func metricValue(t *testing.T, metrics map[string][]*dto.Metric, name string, labels map[string]string) float64 {
	t.Helper()
	for _, m := range metrics[name] {
		if matchLabels(m, labels) {
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, pair := range m.GetLabel() {
		if want, ok := labels[pair.GetName()]; ok {
			if want != pair.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}

func TestMetricsCollector(t *testing.T) {
	api := newStubAPI()
	api.snapshot = StateSnapshot{
		VentilationState:        ptr("man2"),
		Mode:                    ptr("manu"),
		TimeRemainingSeconds:    ptr(600),
		StateEndEpoch:           ptr(int64(1700000000)),
		TargetFlowPercent:       ptr(65),
		RelativeHumidityPercent: ptr(52),
	}
	c := readyCoordinator(t, api, CoordinatorConfig{})

	broken := NewCoordinator(newStubAPI(), CoordinatorConfig{})
	metrics := gather(t, staticDevices{
		{Name: "hall", Coordinator: c},
		{Name: "attic", Coordinator: broken},
		{Name: "garage", Err: errors.New("bad host")},
	})

	hall := map[string]string{"device": "hall"}
	assert.Equal(t, 1.0, metricValue(t, metrics, "ducohome_ducobox_up", hall))
	assert.Equal(t, 1.0, metricValue(t, metrics, "ducohome_ducobox_poll_success", hall))
	assert.Equal(t, 600.0, metricValue(t, metrics, "ducohome_ducobox_time_state_remain_seconds", hall))
	assert.Equal(t, 1700000000.0, metricValue(t, metrics, "ducohome_ducobox_time_state_end_timestamp_seconds", hall))
	assert.Equal(t, 65.0, metricValue(t, metrics, "ducohome_ducobox_target_flow_percent", hall))
	assert.Equal(t, 52.0, metricValue(t, metrics, "ducohome_ducobox_relative_humidity_percent", hall))
	assert.Equal(t, 1.0, metricValue(t, metrics, "ducohome_ducobox_ventilation_state", map[string]string{"device": "hall", "state": "man2"}))
	assert.Equal(t, 0.0, metricValue(t, metrics, "ducohome_ducobox_ventilation_state", map[string]string{"device": "hall", "state": "auto"}))
	assert.Equal(t, 1.0, metricValue(t, metrics, "ducohome_ducobox_mode", map[string]string{"device": "hall", "mode": "manu"}))
	assert.Equal(t, 1.0, metricValue(t, metrics, "ducohome_ducobox_info", map[string]string{"device": "hall", "serial": "S1", "model": "Silent Connect"}))
	assert.Equal(t, 1.0, metricValue(t, metrics, "ducohome_ducobox_polls_total", hall))
	assert.Equal(t, 0.0, metricValue(t, metrics, "ducohome_ducobox_poll_failures_total", hall))

	assert.Equal(t, 0.0, metricValue(t, metrics, "ducohome_ducobox_up", map[string]string{"device": "attic"}))
	assert.Equal(t, 0.0, metricValue(t, metrics, "ducohome_ducobox_up", map[string]string{"device": "garage"}))
	assert.Len(t, metrics["ducohome_ducobox_polls_total"], 1)
}

func TestMetricsCollectorAfterFailedPoll(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{})

	api.mu.Lock()
	api.stateErr = errors.New("timeout")
	api.mu.Unlock()
	require.Error(t, c.Refresh(context.Background()))

	metrics := gather(t, staticDevices{{Name: "hall", Coordinator: c}})
	hall := map[string]string{"device": "hall"}
	assert.Equal(t, 1.0, metricValue(t, metrics, "ducohome_ducobox_up", hall))
	assert.Equal(t, 0.0, metricValue(t, metrics, "ducohome_ducobox_poll_success", hall))
	assert.Equal(t, 2.0, metricValue(t, metrics, "ducohome_ducobox_polls_total", hall))
	assert.Equal(t, 1.0, metricValue(t, metrics, "ducohome_ducobox_poll_failures_total", hall))
	assert.Equal(t, 1.0, metricValue(t, metrics, "ducohome_ducobox_ventilation_state", map[string]string{"device": "hall", "state": "auto"}))
}
