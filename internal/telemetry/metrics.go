package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "machine_tending"

// Metrics are the control loop's Prometheus collectors. All recorders are
// nil-safe so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	watchdogTicks   prometheus.Counter
	watchdogLatency prometheus.Histogram
	reconnects      *prometheus.CounterVec
	cyclesCompleted prometheus.Counter
	jobCount        prometheus.Gauge
	cycleDuration   prometheus.Histogram
	phaseDuration   *prometheus.HistogramVec
	printerPhase    prometheus.Gauge
	robotPhase      prometheus.Gauge
	linkUp          prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		watchdogTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_ticks_total",
			Help:      "Watchdog iterations that polled and published successfully.",
		}),
		watchdogLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "watchdog_exchange_seconds",
			Help:      "Duration of one poll and publish exchange with the cobot.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_reconnects_total",
			Help:      "Reconnect attempts after a broken link.",
		}, []string{"result"}),
		cyclesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_completed_total",
			Help:      "Completed print, cool and pick cycles.",
		}),
		jobCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "print_job_count",
			Help:      "Job counter of the current run.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time from print start to pick complete.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time spent per cycle phase.",
			Buckets:   prometheus.ExponentialBuckets(1, 3, 10),
		}, []string{"phase"}),
		printerPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "printer_phase",
			Help:      "Printer phase register relayed to the cobot (0 initialized, 1 idle, 2 printing).",
		}),
		robotPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "robot_phase",
			Help:      "Last polled cobot phase (0 initialized, 1 idle, 2 picking).",
		}),
		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "robot_link_up",
			Help:      "1 while the RTDE link is synchronized.",
		}),
	}

	m.registry.MustRegister(
		m.watchdogTicks, m.watchdogLatency, m.reconnects,
		m.cyclesCompleted, m.jobCount, m.cycleDuration, m.phaseDuration,
		m.printerPhase, m.robotPhase, m.linkUp,
	)
	return m
}

// Registry exposes the collectors for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) WatchdogTick(d time.Duration, robotPhase int32) {
	if m == nil {
		return
	}
	m.watchdogTicks.Inc()
	m.watchdogLatency.Observe(d.Seconds())
	m.robotPhase.Set(float64(robotPhase))
}

func (m *Metrics) Reconnect(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) LinkUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.linkUp.Set(1)
	} else {
		m.linkUp.Set(0)
	}
}

func (m *Metrics) PrinterPhase(phase int32) {
	if m == nil {
		return
	}
	m.printerPhase.Set(float64(phase))
}

func (m *Metrics) Phase(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) CycleCompleted(jobCount int, d time.Duration) {
	if m == nil {
		return
	}
	m.cyclesCompleted.Inc()
	m.jobCount.Set(float64(jobCount))
	m.cycleDuration.Observe(d.Seconds())
}
