// Package metrics provides Prometheus metrics for icmptun.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "icmptun"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Relay state
	Running prometheus.Gauge

	// Frame metrics
	FramesSent      *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	FramesDiscarded *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	PayloadSize     *prometheus.HistogramVec

	// Data transfer metrics
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	// Session metrics
	PeerChanges prometheus.Counter

	// Error handling
	IOErrors      *prometheus.CounterVec
	Reopens       *prometheus.CounterVec
	ConfigureRuns *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_running",
			Help:      "1 while the relay loop is running",
		}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total ICMP frames sent by echo kind",
		}, []string{"kind"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total ICMP frames accepted by echo kind",
		}, []string{"kind"}),
		FramesDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_discarded_total",
			Help:      "Inbound ICMP datagrams discarded by reason",
		}, []string{"reason"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Packets dropped without being relayed, by reason",
		}, []string{"reason"}),
		PayloadSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_size_bytes",
			Help:      "Histogram of relayed payload sizes",
			Buckets:   []float64{64, 128, 256, 512, 1024, 1280, 1472, 1500, 9000},
		}, []string{"direction"}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent over ICMP",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received over ICMP",
		}),

		PeerChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_changes_total",
			Help:      "Number of times the learned peer address changed",
		}),

		IOErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "io_errors_total",
			Help:      "I/O errors by operation and error class",
		}, []string{"op", "class"}),
		Reopens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reopens_total",
			Help:      "Resource re-open attempts by resource and result",
		}, []string{"resource", "result"}),
		ConfigureRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "configure_runs_total",
			Help:      "Network configuration runs by result",
		}, []string{"result"}),
	}
}

// RecordSend records a frame sent over ICMP.
func (m *Metrics) RecordSend(kind string, bytes int) {
	m.FramesSent.WithLabelValues(kind).Inc()
	m.BytesSent.Add(float64(bytes))
	m.PayloadSize.WithLabelValues("out").Observe(float64(bytes))
}

// RecordReceive records a frame accepted from ICMP.
func (m *Metrics) RecordReceive(kind string, bytes int) {
	m.FramesReceived.WithLabelValues(kind).Inc()
	m.BytesReceived.Add(float64(bytes))
	m.PayloadSize.WithLabelValues("in").Observe(float64(bytes))
}

// RecordDiscard records an inbound datagram rejected by the codec.
func (m *Metrics) RecordDiscard(reason string) {
	m.FramesDiscarded.WithLabelValues(reason).Inc()
}

// RecordDrop records a packet dropped before it could be relayed.
func (m *Metrics) RecordDrop(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordPeerChange records a change of the learned peer address.
func (m *Metrics) RecordPeerChange() {
	m.PeerChanges.Inc()
}

// RecordIOError records an I/O error.
func (m *Metrics) RecordIOError(op, class string) {
	m.IOErrors.WithLabelValues(op, class).Inc()
}

// RecordReopen records a re-open attempt.
func (m *Metrics) RecordReopen(resource string, ok bool) {
	m.Reopens.WithLabelValues(resource, result(ok)).Inc()
}

// RecordConfigure records a network configuration run.
func (m *Metrics) RecordConfigure(ok bool) {
	m.ConfigureRuns.WithLabelValues(result(ok)).Inc()
}

// SetRunning sets the relay running gauge.
func (m *Metrics) SetRunning(running bool) {
	if running {
		m.Running.Set(1)
	} else {
		m.Running.Set(0)
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
