package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the host's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Buffer broker
	BufferRequestsTotal     *prometheus.CounterVec
	BufferAllocationsTotal  prometheus.Counter
	FramesFinalizedTotal    prometheus.Counter
	ProtocolViolationsTotal *prometheus.CounterVec
	LeasesDiscardedTotal    prometheus.Counter
	SlotsInUse              prometheus.Gauge

	// Host
	TransitionsTotal *prometheus.CounterVec
	FramesDelivered  *prometheus.CounterVec
	SinkErrorsTotal  *prometheus.CounterVec
	InstancesActive  prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers all metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		BufferRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inputhost_buffer_requests_total",
				Help: "Buffer requests by outcome (granted or deny reason)",
			},
			[]string{"result"},
		),
		BufferAllocationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inputhost_buffer_allocations_total",
			Help: "Frame buffers allocated because the pool had none large enough",
		}),
		FramesFinalizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inputhost_frames_finalized_total",
			Help: "Buffers finalized into frames",
		}),
		ProtocolViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inputhost_protocol_violations_total",
				Help: "Rejected finalize calls by kind",
			},
			[]string{"kind"},
		),
		LeasesDiscardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inputhost_leases_discarded_total",
			Help: "Outstanding leases discarded on stop or release",
		}),
		SlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inputhost_buffer_slots_in_use",
			Help: "Slots held by leases or queued frames",
		}),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inputhost_lifecycle_transitions_total",
				Help: "Lifecycle calls by transition and outcome",
			},
			[]string{"transition", "status"},
		),
		FramesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inputhost_frames_delivered_total",
				Help: "Frames delivered to sinks per instance",
			},
			[]string{"instance"},
		),
		SinkErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inputhost_sink_errors_total",
				Help: "Sink write failures",
			},
			[]string{"sink"},
		),
		InstancesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inputhost_instances_started",
			Help: "Instances currently started",
		}),
		gatherer: registry,
	}

	registry.MustRegister(
		m.BufferRequestsTotal,
		m.BufferAllocationsTotal,
		m.FramesFinalizedTotal,
		m.ProtocolViolationsTotal,
		m.LeasesDiscardedTotal,
		m.SlotsInUse,
		m.TransitionsTotal,
		m.FramesDelivered,
		m.SinkErrorsTotal,
		m.InstancesActive,
	)

	return m
}

// Handler returns the /metrics handler for the registry the metrics live in
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// BufferRequest records the outcome of one buffer request
func (m *Metrics) BufferRequest(result string) {
	if m == nil {
		return
	}
	m.BufferRequestsTotal.WithLabelValues(result).Inc()
}

// BufferAllocated records a fresh buffer allocation
func (m *Metrics) BufferAllocated() {
	if m == nil {
		return
	}
	m.BufferAllocationsTotal.Inc()
}

// FrameFinalized records an accepted finalize
func (m *Metrics) FrameFinalized() {
	if m == nil {
		return
	}
	m.FramesFinalizedTotal.Inc()
}

// ProtocolViolation records a rejected finalize
func (m *Metrics) ProtocolViolation(kind string) {
	if m == nil {
		return
	}
	m.ProtocolViolationsTotal.WithLabelValues(kind).Inc()
}

// LeasesDiscarded records leases dropped without finalize
func (m *Metrics) LeasesDiscarded(n int) {
	if m == nil || n == 0 {
		return
	}
	m.LeasesDiscardedTotal.Add(float64(n))
}

// SetSlotsInUse updates the slot gauge
func (m *Metrics) SetSlotsInUse(n int) {
	if m == nil {
		return
	}
	m.SlotsInUse.Set(float64(n))
}

// Transition records a lifecycle call
func (m *Metrics) Transition(transition string, success bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !success {
		status = "failed"
	}
	m.TransitionsTotal.WithLabelValues(transition, status).Inc()
}

// FrameDelivered records a frame handed to sinks
func (m *Metrics) FrameDelivered(instanceID int) {
	if m == nil {
		return
	}
	m.FramesDelivered.WithLabelValues(strconv.Itoa(instanceID)).Inc()
}

// SinkError records a failed sink write
func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrorsTotal.WithLabelValues(sink).Inc()
}

// SetInstancesStarted updates the started-instances gauge
func (m *Metrics) SetInstancesStarted(n int) {
	if m == nil {
		return
	}
	m.InstancesActive.Set(float64(n))
}
