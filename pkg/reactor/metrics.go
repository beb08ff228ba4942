package reactor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for reactor metrics.
const (
	labelCore = "core"
)

// Metrics provides the in-process Prometheus gauges for the reactor
// runtime: per-reactor queue depth and off-reactor blocking-pool
// occupancy. This is the local `/debug` registry for operator inspection,
// not a control-plane metrics surface.
type Metrics struct {
	queueDepth       *prometheus.GaugeVec
	blockingActive   prometheus.Gauge
	blockingQueued   prometheus.Gauge
	tasksDispatched  *prometheus.CounterVec
	blockingRejected prometheus.Counter

	registered bool
}

// NewMetrics creates reactor metrics, registering them with registry if
// non-nil (useful for testing: pass nil to get a working, unregistered
// Metrics whose methods are still safe to call).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nexusd",
				Subsystem: "reactor",
				Name:      "queue_depth",
				Help:      "Number of futures currently queued on a reactor",
			},
			[]string{labelCore},
		),
		blockingActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nexusd",
				Subsystem: "reactor",
				Name:      "blocking_active",
				Help:      "Number of spawn_blocking tasks currently executing off-reactor",
			},
		),
		blockingQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nexusd",
				Subsystem: "reactor",
				Name:      "blocking_queued",
				Help:      "Number of spawn_blocking tasks admitted but not yet executing",
			},
		),
		tasksDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexusd",
				Subsystem: "reactor",
				Name:      "tasks_dispatched_total",
				Help:      "Total futures dispatched per reactor",
			},
			[]string{labelCore},
		),
		blockingRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nexusd",
				Subsystem: "reactor",
				Name:      "blocking_rejected_total",
				Help:      "Total spawn_blocking calls rejected because the admission gate's context expired",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.queueDepth,
			m.blockingActive,
			m.blockingQueued,
			m.tasksDispatched,
			m.blockingRejected,
		)
		m.registered = true
	}

	return m
}

func (m *Metrics) setQueueDepth(core int, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(coreLabel(core)).Set(float64(depth))
}

func (m *Metrics) incDispatched(core int) {
	if m == nil {
		return
	}
	m.tasksDispatched.WithLabelValues(coreLabel(core)).Inc()
}

func (m *Metrics) setBlockingActive(n int) {
	if m == nil {
		return
	}
	m.blockingActive.Set(float64(n))
}

func (m *Metrics) setBlockingQueued(n int) {
	if m == nil {
		return
	}
	m.blockingQueued.Set(float64(n))
}

func (m *Metrics) incBlockingRejected() {
	if m == nil {
		return
	}
	m.blockingRejected.Inc()
}

func coreLabel(core int) string {
	// Small, fixed cardinality (one label value per configured core), so a
	// plain decimal string is fine as a label value.
	return strconv.Itoa(core)
}
