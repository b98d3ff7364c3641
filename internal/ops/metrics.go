package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Prometheus gauges the ops surface registers and
// RunMetricsSampler keeps current from the Battle Manager's Describe.
type Metrics struct {
	QueueDepth     prometheus.Gauge
	WorkersRunning prometheus.Gauge
	WorkersDesired prometheus.Gauge
}

// NewMetrics registers every collector against the default registry. Called
// once at process start.
func NewMetrics() *Metrics {
	return &Metrics{
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "matchcore_queue_depth",
			Help: "Number of battles waiting in the submit queue.",
		}),
		WorkersRunning: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "matchcore_workers_running",
			Help: "Number of currently running battle worker goroutines.",
		}),
		WorkersDesired: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "matchcore_workers_desired",
			Help: "Target worker count chosen by the adaptive pool monitor.",
		}),
	}
}
