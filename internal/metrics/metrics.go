// Package metrics provides Prometheus metrics for vmtunnel.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "vmtunnel"

// OverflowTarget is used as the target label when the number of unique
// targets exceeds MaxTargets.
const OverflowTarget = "__other__"

const (
	ReasonDialFailed   = "dial_failed"
	ReasonDialTimeout  = "dial_timeout"
	ReasonTunnelFailed = "tunnel_failed"
	ReasonAuthFailed   = "auth_failed"
)

// Metrics holds all Prometheus metrics for vmtunnel.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxTargets is the maximum number of unique target label values.
	// Once exceeded, new targets are recorded as OverflowTarget.
	// Zero means unlimited.
	MaxTargets int

	streamsTotal    *prometheus.CounterVec
	streamErrors    *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	activeStreams   *prometheus.GaugeVec
	streamDuration  *prometheus.HistogramVec
	sessionResumes  *prometheus.CounterVec
	unackedBytes    *prometheus.GaugeVec
	dialDuration    prometheus.Histogram
	dialErrorsTotal *prometheus.CounterVec

	targetCount atomic.Int64
	targets     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		streamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total relay streams that completed, by outcome.",
		}, []string{"target", "status"}),

		streamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total number of stream setup failures, by reason.",
		}, []string{"reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes relayed through the tunnel.",
		}, []string{"target", "direction"}),

		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of currently open relay streams.",
		}, []string{"target"}),

		streamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of completed relay streams in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"target"}),

		sessionResumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_resumes_total",
			Help:      "Total mid-stream session resumes after transport breakage.",
		}, []string{"target"}),

		unackedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unacknowledged_bytes",
			Help:      "Payload bytes sent but not yet acknowledged, per stream at completion sampling.",
		}, []string{"target"}),

		dialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time spent dialing the tunneling endpoint, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		dialErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Total number of endpoint dial failures, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.streamsTotal,
		m.streamErrors,
		m.bytesTotal,
		m.activeStreams,
		m.streamDuration,
		m.sessionResumes,
		m.unackedBytes,
		m.dialDuration,
		m.dialErrorsTotal,
	)

	return m
}

// SanitizeTarget returns target if it is within the cardinality budget,
// or OverflowTarget if the cap has been reached. Targets that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeTarget(target string) string {
	if m == nil {
		return target
	}
	if m.MaxTargets <= 0 {
		return target
	}

	for {
		// Fast path: already-known target.
		if _, ok := m.targets.Load(target); ok {
			return target
		}

		cur := m.targetCount.Load()
		if cur >= int64(m.MaxTargets) {
			// Re-check: another goroutine may have stored this target
			// between our Load and this cap check.
			if _, ok := m.targets.Load(target); ok {
				return target
			}
			return OverflowTarget
		}

		// Try to reserve a slot atomically.
		if !m.targetCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		// Slot reserved. Store the target, undoing the increment if
		// another goroutine stored it first.
		if _, loaded := m.targets.LoadOrStore(target, struct{}{}); loaded {
			m.targetCount.Add(-1)
		}

		return target
	}
}

// StreamOpened increments the active stream gauge and returns a
// StreamTracker to record the outcome when the stream ends. The target
// is sanitized through the cardinality guard. Safe on a nil receiver.
func (m *Metrics) StreamOpened(target string) *StreamTracker {
	if m == nil {
		return nil
	}
	target = m.SanitizeTarget(target)
	m.activeStreams.WithLabelValues(target).Inc()
	return &StreamTracker{m: m, target: target}
}

// StreamError records a stream that failed before any data moved.
func (m *Metrics) StreamError(reason string) {
	if m == nil {
		return
	}
	m.streamErrors.WithLabelValues(reason).Inc()
}

// ObserveDialDuration records how long an endpoint dial took.
func (m *Metrics) ObserveDialDuration(seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.Observe(seconds)
}

// DialError records an endpoint dial failure.
func (m *Metrics) DialError(reason string) {
	if m == nil {
		return
	}
	m.dialErrorsTotal.WithLabelValues(reason).Inc()
}

// DialReason returns "dial_timeout" if err is a network timeout,
// otherwise returns fallback.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// StreamTracker records the outcome of a single relay stream.
type StreamTracker struct {
	m      *Metrics
	target string
}

// Done records the completion of a stream. toTunnelBytes is payload sent
// into the tunnel; fromTunnelBytes is payload received from it. resumes
// is the stream's resume count and unacked its unacknowledged bytes at
// completion.
func (t *StreamTracker) Done(durationSec float64, toTunnelBytes, fromTunnelBytes int64, resumes int, unacked uint64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeStreams.WithLabelValues(t.target).Dec()
	t.m.streamsTotal.WithLabelValues(t.target, status).Inc()
	t.m.streamDuration.WithLabelValues(t.target).Observe(durationSec)
	t.m.bytesTotal.WithLabelValues(t.target, "to_tunnel").Add(float64(toTunnelBytes))
	t.m.bytesTotal.WithLabelValues(t.target, "from_tunnel").Add(float64(fromTunnelBytes))
	t.m.sessionResumes.WithLabelValues(t.target).Add(float64(resumes))
	t.m.unackedBytes.WithLabelValues(t.target).Set(float64(unacked))
}
