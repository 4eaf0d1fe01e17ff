package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the extraction service
type Metrics struct {
	// Ingest metrics
	ChunksReceived prometheus.Counter
	BytesReceived  prometheus.Counter
	DemuxErrors    *prometheus.CounterVec

	// Stream metrics
	ActiveStreams    prometheus.Gauge
	StreamsCreated   prometheus.Counter
	StreamsDestroyed prometheus.Counter
	StreamDuration   prometheus.Histogram

	// Frame metrics
	FramesEmitted prometheus.Counter
	FrameSize     prometheus.Histogram

	// Forwarding metrics
	ForwardBatches   prometheus.Counter
	ForwardSuccesses prometheus.Counter
	ForwardFailures  prometheus.Counter
	ForwardDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Ingest metrics
		ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prism_chunks_received_total",
			Help: "Total number of ingest chunks received",
		}),
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prism_bytes_received_total",
			Help: "Total number of container bytes received",
		}),
		DemuxErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_demux_errors_total",
			Help: "Total number of terminal demuxing errors by kind",
		}, []string{"kind"}),

		// Stream metrics
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "prism_active_streams",
			Help: "Current number of active ingest streams",
		}),
		StreamsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prism_streams_created_total",
			Help: "Total number of streams created",
		}),
		StreamsDestroyed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prism_streams_destroyed_total",
			Help: "Total number of streams destroyed",
		}),
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "prism_stream_duration_seconds",
			Help:    "Duration of ingest streams in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Frame metrics
		FramesEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prism_frames_emitted_total",
			Help: "Total number of Opus frames extracted",
		}),
		FrameSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "prism_frame_size_bytes",
			Help:    "Size of extracted Opus frames in bytes",
			Buckets: prometheus.ExponentialBuckets(16, 2, 10), // 16B to ~8KB
		}),

		// Forwarding metrics
		ForwardBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prism_forward_batches_total",
			Help: "Total number of frame batches sent downstream",
		}),
		ForwardSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prism_forward_successes_total",
			Help: "Total number of successful batch uploads",
		}),
		ForwardFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "prism_forward_failures_total",
			Help: "Total number of failed batch uploads",
		}),
		ForwardDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "prism_forward_duration_seconds",
			Help:    "Duration of batch uploads",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prism_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordChunk records one received ingest chunk
func (m *Metrics) RecordChunk(sizeBytes int) {
	m.ChunksReceived.Inc()
	m.BytesReceived.Add(float64(sizeBytes))
}

// RecordDemuxError increments the error counter for the given kind
func (m *Metrics) RecordDemuxError(kind string) {
	m.DemuxErrors.WithLabelValues(kind).Inc()
}

// SetActiveStreams sets the current number of active streams
func (m *Metrics) SetActiveStreams(count int) {
	m.ActiveStreams.Set(float64(count))
}

// RecordStreamCreated increments the streams created counter
func (m *Metrics) RecordStreamCreated() {
	m.StreamsCreated.Inc()
}

// RecordStreamDestroyed increments the streams destroyed counter and records duration
func (m *Metrics) RecordStreamDestroyed(durationSeconds float64) {
	m.StreamsDestroyed.Inc()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordFrame records one extracted Opus frame
func (m *Metrics) RecordFrame(sizeBytes int) {
	m.FramesEmitted.Inc()
	m.FrameSize.Observe(float64(sizeBytes))
}

// RecordForward records the outcome of one batch upload
func (m *Metrics) RecordForward(success bool, durationSeconds float64) {
	m.ForwardBatches.Inc()
	if success {
		m.ForwardSuccesses.Inc()
	} else {
		m.ForwardFailures.Inc()
	}
	m.ForwardDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
