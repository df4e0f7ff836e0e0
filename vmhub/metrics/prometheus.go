package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus metrics
type PrometheusCollector struct {
	launches   *prometheus.CounterVec
	deletes    *prometheus.CounterVec
	recoveries *prometheus.CounterVec

	stopDuration *prometheus.HistogramVec
	portAttempts prometheus.Histogram

	instances prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "vmhub"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Total number of instance launches",
		},
		[]string{"result"},
	)

	pc.deletes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "Total number of instance deletions",
		},
		[]string{"result"},
	)

	pc.recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Total number of instances processed by startup recovery",
		},
		[]string{"result"},
	)

	pc.stopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stop_duration_seconds",
			Help:      "Duration of emulator termination",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"outcome"},
	)

	pc.portAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "port_allocation_attempts",
			Help:      "Candidates drawn per SSH port allocation",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	pc.instances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Number of registered instances",
		},
	)

	pc.registry.MustRegister(
		pc.launches,
		pc.deletes,
		pc.recoveries,
		pc.stopDuration,
		pc.portAttempts,
		pc.instances,
	)

	return pc
}

// Launch records the outcome of a launch
func (pc *PrometheusCollector) Launch(result string) {
	pc.launches.WithLabelValues(result).Inc()
}

// Delete records the outcome of a delete
func (pc *PrometheusCollector) Delete(result string) {
	pc.deletes.WithLabelValues(result).Inc()
}

// Recovery records the outcome of recovering one instance
func (pc *PrometheusCollector) Recovery(result string) {
	pc.recoveries.WithLabelValues(result).Inc()
}

// StopDuration records the duration of an emulator termination
func (pc *PrometheusCollector) StopDuration(outcome string, duration time.Duration) {
	pc.stopDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// PortAllocationAttempts records the candidates drawn for one allocation
func (pc *PrometheusCollector) PortAllocationAttempts(attempts int) {
	pc.portAttempts.Observe(float64(attempts))
}

// Instances records the number of registered instances
func (pc *PrometheusCollector) Instances(count int) {
	pc.instances.Set(float64(count))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{Registry: pc.registry})
}

// Compile-time interface compliance check
var _ Collector = (*PrometheusCollector)(nil)
