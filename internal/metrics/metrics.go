// Package metrics holds the scheduler's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "watering"

type Metrics struct {
	registry *prometheus.Registry

	ticks          prometheus.Counter
	tickDuration   prometheus.Histogram
	intents        *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	actuation      prometheus.Histogram
	inFlight       prometheus.Gauge
	sensorMessages prometheus.Counter
	disabled       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Scheduler evaluation ticks.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Time spent evaluating schedules in one tick.",
			Buckets: prometheus.DefBuckets,
		}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_total",
			Help: "Watering intents emitted, by reason.",
		}, []string{"reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outcomes_total",
			Help: "Resolved waterings, by outcome.",
		}, []string{"outcome"}),
		actuation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "actuation_seconds",
			Help:    "Time until a device confirmed or the actuation timed out.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "actuations_in_flight",
			Help: "Actuations currently holding a device lock.",
		}),
		sensorMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sensor_messages_total",
			Help: "Sensor snapshots ingested.",
		}),
		disabled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "schedules_disabled_total",
			Help: "Schedules deactivated after consecutive device failures.",
		}),
	}
	m.registry.MustRegister(
		m.ticks, m.tickDuration, m.intents, m.outcomes, m.actuation,
		m.inFlight, m.sensorMessages, m.disabled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Tick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) Intent(reason string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(reason).Inc()
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ActuationStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) ActuationDone(d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.actuation.Observe(d.Seconds())
}

func (m *Metrics) SensorMessage() {
	if m == nil {
		return
	}
	m.sensorMessages.Inc()
}

func (m *Metrics) ScheduleDisabled() {
	if m == nil {
		return
	}
	m.disabled.Inc()
}
