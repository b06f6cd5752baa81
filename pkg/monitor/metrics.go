// Package monitor exposes Prometheus metrics for incubator sessions and drivers.
package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	commands  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	busy      *prometheus.GaugeVec
	remaining *prometheus.GaugeVec
}

// NewMetrics creates the metrics on their own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incubator_commands_total",
				Help: "Commands sent to incubators by operation and result",
			},
			[]string{"port", "operation", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "incubator_command_duration_seconds",
				Help:    "Time from send to sanitized response, settle delay included",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 7, 10},
			},
			[]string{"port", "operation"},
		),
		busy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "incubator_session_busy",
				Help: "1 while a command is in flight on the port",
			},
			[]string{"port"},
		),
		remaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "incubator_incubation_seconds_remaining",
				Help: "Seconds left of the running incubation per stack floor",
			},
			[]string{"stack_floor"},
		),
	}

	m.registry.MustRegister(m.commands, m.duration, m.busy, m.remaining)
	return m
}

func (m *Metrics) ObserveCommand(port string, op string, elapsed time.Duration, result string) {
	m.commands.WithLabelValues(port, op, result).Inc()
	m.duration.WithLabelValues(port, op).Observe(elapsed.Seconds())
}

func (m *Metrics) SetBusy(port string, busy bool) {
	v := 0.0
	if busy {
		v = 1
	}
	m.busy.WithLabelValues(port).Set(v)
}

func (m *Metrics) SetIncubationRemaining(floor int, seconds int) {
	m.remaining.WithLabelValues(strconv.Itoa(floor)).Set(float64(seconds))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
