package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsRegistry builds a registry from plugin collectors.
func MetricsRegistry(plugins []Plugin) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, plugin := range plugins {
		plugin := plugin
		for _, collector := range plugin.Collectors() {
			registry.MustRegister(collector)
		}
	}

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ducohome_plugins",
		Help: "Number of active plugins",
	}, func() float64 { return float64(len(plugins)) }))

	for _, plugin := range plugins {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "ducohome_plugin_healthy",
			Help:        "1 when the plugin reports HEALTHY",
			ConstLabels: prometheus.Labels{"plugin": plugin.ID()},
		}, func() float64 {
			if plugin.Health() == HealthHealthy {
				return 1
			}
			return 0
		}))
	}

	return registry
}
