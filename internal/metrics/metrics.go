// Package metrics exposes the agent's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "provider_agent"

// Metrics holds the agent collectors on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	provisionsTotal   *prometheus.CounterVec
	provisionDuration *prometheus.HistogramVec
	healthChecksTotal *prometheus.CounterVec
	reportErrorsTotal *prometheus.CounterVec
	heartbeatsTotal   *prometheus.CounterVec
	ticksTotal        *prometheus.CounterVec
	lastTick          *prometheus.GaugeVec
	inFlight          prometheus.Gauge
	orphansTracked    prometheus.Gauge
	orphansPruned     prometheus.Counter
}

// New creates and registers the agent collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		provisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provisioner",
				Name:      "provisions_total",
				Help:      "Provision attempts by backend and result",
			},
			[]string{"backend", "result"},
		),
		provisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provisioner",
				Name:      "provision_duration_seconds",
				Help:      "Duration of provision calls in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5min
			},
			[]string{"backend"},
		),
		healthChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provisioner",
				Name:      "health_checks_total",
				Help:      "Health checks by resulting state",
			},
			[]string{"status"},
		),
		reportErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "marketplace",
				Name:      "report_errors_total",
				Help:      "Marketplace calls that failed, by call",
			},
			[]string{"call"},
		),
		heartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "marketplace",
				Name:      "heartbeats_total",
				Help:      "Heartbeats sent by result",
			},
			[]string{"result"},
		),
		ticksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Completed loop ticks by loop",
			},
			[]string{"loop"},
		),
		lastTick: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_tick_timestamp_seconds",
				Help:      "Unix time of the last completed tick by loop",
			},
			[]string{"loop"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_in_flight",
			Help:      "Provision and terminate calls currently running",
		}),
		orphansTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orphans",
			Name:      "tracked",
			Help:      "Agent-owned instances without an active contract",
		}),
		orphansPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orphans",
			Name:      "pruned_total",
			Help:      "Orphaned instances terminated after the grace period",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.provisionsTotal,
		m.provisionDuration,
		m.healthChecksTotal,
		m.reportErrorsTotal,
		m.heartbeatsTotal,
		m.ticksTotal,
		m.lastTick,
		m.inFlight,
		m.orphansTracked,
		m.orphansPruned,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveProvision records one provision attempt.
func (m *Metrics) ObserveProvision(backend, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.provisionsTotal.WithLabelValues(backend, result).Inc()
	m.provisionDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveHealthCheck records one health check result.
func (m *Metrics) ObserveHealthCheck(status string) {
	if m == nil {
		return
	}
	m.healthChecksTotal.WithLabelValues(status).Inc()
}

// ReportFailed records a failed marketplace call.
func (m *Metrics) ReportFailed(call string) {
	if m == nil {
		return
	}
	m.reportErrorsTotal.WithLabelValues(call).Inc()
}

// ObserveHeartbeat records a heartbeat outcome.
func (m *Metrics) ObserveHeartbeat(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.heartbeatsTotal.WithLabelValues(result).Inc()
}

// TickCompleted records the end of a loop tick.
func (m *Metrics) TickCompleted(loop string, at time.Time) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(loop).Inc()
	m.lastTick.WithLabelValues(loop).Set(float64(at.Unix()))
}

// InFlight adjusts the in-flight operations gauge by delta.
func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

// SetOrphansTracked sets the tracked orphan gauge.
func (m *Metrics) SetOrphansTracked(n int) {
	if m == nil {
		return
	}
	m.orphansTracked.Set(float64(n))
}

// OrphanPruned counts a terminated orphan.
func (m *Metrics) OrphanPruned() {
	if m == nil {
		return
	}
	m.orphansPruned.Inc()
}
