// Package metrics provides Prometheus metrics for the pose pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as the frames_dropped_total label.
const (
	ReasonBusy     = "busy"
	ReasonThrottle = "throttle"
)

// Event kinds used as the events_delivered_total label.
const (
	KindResult = "result"
	KindError  = "error"
)

// Manager owns the pipeline metrics. A nil *Manager is valid and records
// nothing, so components can run without metrics in tests.
type Manager struct {
	namespace      string
	latencyBuckets []float64
	registry       *prometheus.Registry

	framesSubmitted  prometheus.Counter
	framesAdmitted   prometheus.Counter
	framesDropped    *prometheus.CounterVec
	framesRejected   prometheus.Counter
	eventsDelivered  *prometheus.CounterVec
	eventsDiscarded  prometheus.Counter
	activeSessions   prometheus.Gauge
	inferenceLatency prometheus.Histogram
}

// NewManager creates a metrics manager. Without WithPrometheusRegistry a
// fresh registry is used so Go runtime collectors are not exported.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:      "posekit",
		latencyBuckets: []float64{0.005, 0.01, 0.02, 0.033, 0.05, 0.066, 0.1, 0.2, 0.5, 1},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.framesSubmitted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "frames_submitted_total",
		Help:      "Total number of frames offered to the pipeline",
	})
	m.framesAdmitted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "frames_admitted_total",
		Help:      "Total number of frames dispatched for inference",
	})
	m.framesDropped = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "frames_dropped_total",
		Help:      "Total number of frames dropped by the admission gates",
	}, []string{"reason"})
	m.framesRejected = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "frames_rejected_total",
		Help:      "Total number of frames offered for unknown or released handles",
	})
	m.eventsDelivered = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "events_delivered_total",
		Help:      "Total number of events handed to consumers",
	}, []string{"kind"})
	m.eventsDiscarded = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "events_discarded_total",
		Help:      "Total number of events discarded after release or without a consumer",
	})
	m.activeSessions = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "active_sessions",
		Help:      "Number of registered detector sessions",
	})
	m.inferenceLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "inference_latency_seconds",
		Help:      "Histogram of detector inference latency",
		Buckets:   m.latencyBuckets,
	})
}

// Registry returns the registry metrics are registered on.
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) FrameSubmitted() {
	if m != nil {
		m.framesSubmitted.Inc()
	}
}

func (m *Manager) FrameAdmitted() {
	if m != nil {
		m.framesAdmitted.Inc()
	}
}

// FrameDropped records a gate drop; reason is ReasonBusy or ReasonThrottle.
func (m *Manager) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Manager) FrameRejected() {
	if m != nil {
		m.framesRejected.Inc()
	}
}

// EventDelivered records a delivery; kind is KindResult or KindError.
func (m *Manager) EventDelivered(kind string) {
	if m != nil {
		m.eventsDelivered.WithLabelValues(kind).Inc()
	}
}

func (m *Manager) EventDiscarded() {
	if m != nil {
		m.eventsDiscarded.Inc()
	}
}

// SetActiveSessions sets the registered session gauge.
func (m *Manager) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

// ObserveInference records one inference duration.
func (m *Manager) ObserveInference(d time.Duration) {
	if m != nil {
		m.inferenceLatency.Observe(d.Seconds())
	}
}
