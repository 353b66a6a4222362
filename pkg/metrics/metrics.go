// Package metrics exposes supervisor counters on a private prometheus registry.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hsu_supervisor"

type Metrics struct {
	registry      *prometheus.Registry
	launches      *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	crashes       *prometheus.CounterVec
	probeFailures *prometheus.CounterVec
	running       prometheus.Gauge
	operations    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Processes spawned, including crash restarts.",
		}, []string{"name"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Crash restarts performed by a unit.",
		}, []string{"name"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crashes_total",
			Help:      "Managed process exits not requested by the supervisor.",
		}, []string{"name"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Launches refused by the port or environment probe.",
		}, []string{"name", "reason"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_units",
			Help:      "Managed processes currently believed alive.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_operations_total",
			Help:      "Control operations handled, by kind and result.",
		}, []string{"kind", "result"}),
	}

	m.registry.MustRegister(m.launches, m.restarts, m.crashes, m.probeFailures, m.running, m.operations)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Launched(name string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(name).Inc()
}

func (m *Metrics) Restarted(name string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(name).Inc()
}

func (m *Metrics) Crashed(name string) {
	if m == nil {
		return
	}
	m.crashes.WithLabelValues(name).Inc()
}

func (m *Metrics) ProbeFailed(name, reason string) {
	if m == nil {
		return
	}
	m.probeFailures.WithLabelValues(name, reason).Inc()
}

func (m *Metrics) SetRunning(count int) {
	if m == nil {
		return
	}
	m.running.Set(float64(count))
}

func (m *Metrics) Operation(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(kind, result).Inc()
}
