package manager

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/entrhq/pagebrowse/pkg/engine"
	"github.com/entrhq/pagebrowse/pkg/protocol"
)

// Metrics exposes pool state to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	slots       prometheus.Gauge
	assigned    prometheus.Gauge
	waiting     prometheus.Gauge
	pending     prometheus.Gauge
	requests    *prometheus.CounterVec
	events      *prometheus.CounterVec
	frameErrors *prometheus.CounterVec
}

// NewMetrics creates the pool metrics and registers them with r.
func NewMetrics(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		slots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagebrowse_pool_slots",
			Help: "Number of windows in the pool",
		}),
		assigned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagebrowse_pool_assigned_windows",
			Help: "Number of windows currently leased to a client",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagebrowse_pool_waiting_requests",
			Help: "Number of NewWindow requests waiting for a free window",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagebrowse_pending_completions",
			Help: "Number of responses waiting on a page load event",
		}),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagebrowse_requests_total",
				Help: "Number of requests handled",
			},
			[]string{"request", "outcome"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagebrowse_engine_events_total",
				Help: "Number of engine page load events received",
			},
			[]string{"kind"},
		),
		frameErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagebrowse_frame_errors_total",
				Help: "Number of inbound frames that could not be decoded",
			},
			[]string{"kind"},
		),
	}
	r.MustRegister(m.slots, m.assigned, m.waiting, m.pending, m.requests, m.events, m.frameErrors)
	return m
}

// observePool records the pool's current occupancy.
func (m *Metrics) observePool(p *Pool) {
	if m == nil || p == nil {
		return
	}
	m.slots.Set(float64(len(p.slots)))
	m.assigned.Set(float64(len(p.assignments)))
	m.waiting.Set(float64(len(p.waiting)))

	pending := 0
	for _, s := range p.slots {
		for _, responses := range s.pending {
			pending += len(responses)
		}
	}
	m.pending.Set(float64(pending))
}

// recordRequest counts a handled request. outcome is "ok", "error" or
// "deferred".
func (m *Metrics) recordRequest(payload protocol.RequestPayload, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(protocol.RequestName(payload), outcome).Inc()
}

func (m *Metrics) recordEvent(kind engine.EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) recordFrameError(kind protocol.FrameErrorKind) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(kind.String()).Inc()
}
