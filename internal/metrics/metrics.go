package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"camstream/pkg/models"
)

// Drop reasons for PacketsDropped
const (
	DropQueueFull        = "queue_full"
	DropNoClient         = "no_client"
	DropAwaitingKeyframe = "awaiting_keyframe"
	DropSendError        = "send_error"
	DropShutdown         = "shutdown"
)

// Metrics holds all Prometheus metrics.
// Record methods are no-ops on a nil *Metrics so components can run without one.
type Metrics struct {
	reg prometheus.Registerer

	// Encoder metrics
	FramesEncoded     prometheus.Counter
	KeyFrames         prometheus.Counter
	EncodeErrors      *prometheus.CounterVec
	EncodeDuration    prometheus.Histogram
	PacketSize        prometheus.Histogram
	FrameWaitTimeouts prometheus.Counter

	// Transport metrics
	PacketsEnqueued prometheus.Counter
	PacketsDropped  *prometheus.CounterVec
	PacketsSent     prometheus.Counter
	BytesSent       prometheus.Counter
	ClientConnected prometheus.Gauge
	ClientSessions  prometheus.Counter

	// Link metrics
	LinkUp         prometheus.Gauge
	LinkReconnects prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,

		// Encoder metrics
		FramesEncoded: f.NewCounter(prometheus.CounterOpts{
			Name: "camstream_frames_encoded_total",
			Help: "Total number of frames encoded",
		}),
		KeyFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "camstream_keyframes_total",
			Help: "Total number of keyframes produced",
		}),
		EncodeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camstream_encode_errors_total",
				Help: "Total number of failed encode calls",
			},
			[]string{"reason"},
		),
		EncodeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "camstream_encode_duration_seconds",
			Help:    "Time spent in the hardware encoder per frame",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10), // 0.5ms to ~256ms
		}),
		PacketSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "camstream_packet_size_bytes",
			Help:    "Size of encoded packets in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to ~512KB
		}),
		FrameWaitTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "camstream_frame_wait_timeouts_total",
			Help: "Times the pipeline waited a full interval without a ready frame",
		}),

		// Transport metrics
		PacketsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "camstream_packets_enqueued_total",
			Help: "Total number of packets accepted by the transport queue",
		}),
		PacketsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camstream_packets_dropped_total",
				Help: "Total number of packets dropped by the transport",
			},
			[]string{"reason"},
		),
		PacketsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "camstream_packets_sent_total",
			Help: "Total number of packets written to the client",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "camstream_bytes_sent_total",
			Help: "Total bytes written to the client",
		}),
		ClientConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "camstream_client_connected",
			Help: "1 while a streaming client is attached",
		}),
		ClientSessions: f.NewCounter(prometheus.CounterOpts{
			Name: "camstream_client_sessions_total",
			Help: "Total number of client sessions accepted",
		}),

		// Link metrics
		LinkUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "camstream_link_up",
			Help: "1 while the network link is up",
		}),
		LinkReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "camstream_link_reconnects_total",
			Help: "Total number of link reconnect attempts",
		}),

		// HTTP metrics
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camstream_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "camstream_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// RegisterPool exports frame pool occupancy and capture counters.
// stats is called at scrape time, so the capture path itself only touches atomics.
func (m *Metrics) RegisterPool(stats func() models.PoolStats) {
	if m == nil {
		return
	}
	f := promauto.With(m.reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "camstream_pool_free_buffers",
		Help: "Frame buffers available for capture",
	}, func() float64 { return float64(stats().Free) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "camstream_pool_ready_buffers",
		Help: "Captured frames waiting for the encoder",
	}, func() float64 { return float64(stats().Ready) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "camstream_pool_checked_out_buffers",
		Help: "Frame buffers held by the encoder",
	}, func() float64 { return float64(stats().CheckedOut) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "camstream_frames_captured_total",
		Help: "Total number of frames handed off by the sensor",
	}, func() float64 { return float64(stats().Captured) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "camstream_frames_declined_total",
		Help: "Total number of sensor frames declined for lack of a free buffer",
	}, func() float64 { return float64(stats().Dropped) })
}

// RecordEncode records a successful encode
func (m *Metrics) RecordEncode(durationSeconds float64, size int, keyframe bool) {
	if m == nil {
		return
	}
	m.FramesEncoded.Inc()
	m.EncodeDuration.Observe(durationSeconds)
	m.PacketSize.Observe(float64(size))
	if keyframe {
		m.KeyFrames.Inc()
	}
}

// RecordEncodeError records a failed encode
func (m *Metrics) RecordEncodeError(reason string) {
	if m == nil {
		return
	}
	m.EncodeErrors.WithLabelValues(reason).Inc()
}

// RecordFrameTimeout records a ready-frame wait that timed out
func (m *Metrics) RecordFrameTimeout() {
	if m == nil {
		return
	}
	m.FrameWaitTimeouts.Inc()
}

// RecordPacketEnqueued records a packet accepted by the transport queue
func (m *Metrics) RecordPacketEnqueued() {
	if m == nil {
		return
	}
	m.PacketsEnqueued.Inc()
}

// RecordPacketDropped records a dropped packet
func (m *Metrics) RecordPacketDropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordPacketSent records a packet written to the client
func (m *Metrics) RecordPacketSent(bytes int) {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordClientConnected records a client session starting
func (m *Metrics) RecordClientConnected() {
	if m == nil {
		return
	}
	m.ClientConnected.Set(1)
	m.ClientSessions.Inc()
}

// RecordClientDisconnected records a client session ending
func (m *Metrics) RecordClientDisconnected() {
	if m == nil {
		return
	}
	m.ClientConnected.Set(0)
}

// RecordLinkState records the link going up or down
func (m *Metrics) RecordLinkState(up bool) {
	if m == nil {
		return
	}
	if up {
		m.LinkUp.Set(1)
	} else {
		m.LinkUp.Set(0)
	}
}

// RecordReconnect records a link reconnect attempt
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.LinkReconnects.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusCodeToString converts an HTTP status code to a string
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
