package ducobox

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type deviceSource interface {
	Devices() []*Device
}

// MetricsCollector projects coordinator state. Scrapes never touch the
// device.
type MetricsCollector struct {
	source deviceSource

	mu sync.Mutex

	up                *prometheus.GaugeVec
	pollSuccess       *prometheus.GaugeVec
	lastSuccess       *prometheus.GaugeVec
	info              *prometheus.GaugeVec
	timeRemaining     *prometheus.GaugeVec
	stateEnd          *prometheus.GaugeVec
	targetFlow        *prometheus.GaugeVec
	humidity          *prometheus.GaugeVec
	ventilationState  *prometheus.GaugeVec
	mode              *prometheus.GaugeVec
	pollsTotal        *prometheus.Desc
	pollFailuresTotal *prometheus.Desc
	skippedPollsTotal *prometheus.Desc
}

func NewMetricsCollector(source deviceSource) *MetricsCollector {
	labels := []string{"device"}
	return &MetricsCollector{
		source: source,
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ducohome_ducobox_up",
			Help: "1 if device setup completed, 0 if it failed",
		}, labels),
		pollSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ducohome_ducobox_poll_success",
			Help: "Last poll success (1=ok, 0=error)",
		}, labels),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ducohome_ducobox_last_success_timestamp_seconds",
			Help: "Last successful poll timestamp (epoch seconds)",
		}, labels),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ducohome_ducobox_info",
			Help: "DucoBox device info",
		}, []string{"device", "serial", "model", "api_version", "mac"}),
		timeRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ducohome_ducobox_time_state_remain_seconds",
			Help: "Seconds left in the current timed ventilation state",
		}, labels),
		stateEnd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ducohome_ducobox_time_state_end_timestamp_seconds",
			Help: "End of the current timed ventilation state (epoch seconds)",
		}, labels),
		targetFlow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ducohome_ducobox_target_flow_percent",
			Help: "Target ventilation flow level (%)",
		}, labels),
		humidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ducohome_ducobox_relative_humidity_percent",
			Help: "Indoor relative humidity (%)",
		}, labels),
		ventilationState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ducohome_ducobox_ventilation_state",
			Help: "Current ventilation state (1 for the active state)",
		}, []string{"device", "state"}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ducohome_ducobox_mode",
			Help: "Current ventilation mode (1 for the active mode)",
		}, []string{"device", "mode"}),
		pollsTotal: prometheus.NewDesc(
			"ducohome_ducobox_polls_total",
			"Poll attempts since setup",
			labels, nil,
		),
		pollFailuresTotal: prometheus.NewDesc(
			"ducohome_ducobox_poll_failures_total",
			"Failed poll attempts since setup",
			labels, nil,
		),
		skippedPollsTotal: prometheus.NewDesc(
			"ducohome_ducobox_skipped_polls_total",
			"Poll ticks skipped because a refresh was in flight",
			labels, nil,
		),
	}
}

func (c *MetricsCollector) gauges() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		c.up,
		c.pollSuccess,
		c.lastSuccess,
		c.info,
		c.timeRemaining,
		c.stateEnd,
		c.targetFlow,
		c.humidity,
		c.ventilationState,
		c.mode,
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, gauge := range c.gauges() {
		gauge.Describe(ch)
	}
	ch <- c.pollsTotal
	ch <- c.pollFailuresTotal
	ch <- c.skippedPollsTotal
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, gauge := range c.gauges() {
		gauge.Reset()
	}

	for _, device := range c.source.Devices() {
		c.collectDevice(ch, device)
	}

	for _, gauge := range c.gauges() {
		gauge.Collect(ch)
	}
}

func (c *MetricsCollector) collectDevice(ch chan<- prometheus.Metric, device *Device) {
	name := device.Name
	coord := device.Coordinator
	if coord == nil || coord.Phase() != PhaseReady {
		c.up.WithLabelValues(name).Set(0)
		c.pollSuccess.WithLabelValues(name).Set(0)
		return
	}
	c.up.WithLabelValues(name).Set(1)

	info := coord.DeviceInfo()
	c.info.WithLabelValues(name, info.SerialNumber, info.Model, info.APIVersion, info.MACAddress).Set(1)

	if coord.Available() {
		c.pollSuccess.WithLabelValues(name).Set(1)
	} else {
		c.pollSuccess.WithLabelValues(name).Set(0)
	}
	if last := coord.LastSuccess(); !last.IsZero() {
		c.lastSuccess.WithLabelValues(name).Set(float64(last.Unix()))
	}

	stats := coord.Stats()
	ch <- prometheus.MustNewConstMetric(c.pollsTotal, prometheus.CounterValue, float64(stats.Polls), name)
	ch <- prometheus.MustNewConstMetric(c.pollFailuresTotal, prometheus.CounterValue, float64(stats.Failures), name)
	ch <- prometheus.MustNewConstMetric(c.skippedPollsTotal, prometheus.CounterValue, float64(stats.SkippedTicks), name)

	snapshot, ok := coord.Snapshot()
	if !ok {
		return
	}
	setGaugeVec(c.timeRemaining, name, snapshot.TimeRemainingSeconds)
	if end, ok := snapshot.StateEnd(); ok {
		c.stateEnd.WithLabelValues(name).Set(float64(end.Unix()))
	}
	setGaugeVec(c.targetFlow, name, snapshot.TargetFlowPercent)
	setGaugeVec(c.humidity, name, snapshot.RelativeHumidityPercent)

	if snapshot.VentilationState != nil {
		for _, state := range coord.ValidStates() {
			c.ventilationState.WithLabelValues(name, state).Set(boolFloat(state == *snapshot.VentilationState))
		}
		c.ventilationState.WithLabelValues(name, *snapshot.VentilationState).Set(1)
	}
	if snapshot.Mode != nil {
		for _, mode := range VentilationModes {
			c.mode.WithLabelValues(name, mode).Set(boolFloat(mode == *snapshot.Mode))
		}
		c.mode.WithLabelValues(name, *snapshot.Mode).Set(1)
	}
}

func setGaugeVec(gauge *prometheus.GaugeVec, device string, value *int) {
	if value == nil {
		return
	}
	gauge.WithLabelValues(device).Set(float64(*value))
}

func boolFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
