package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pcicrec",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pcicrec",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pcicrec",
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Complete frames produced per source.",
		},
		[]string{"source"},
	)
	sessionBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pcicrec",
			Subsystem: "session",
			Name:      "bytes_total",
			Help:      "Frame payload bytes produced per source.",
		},
		[]string{"source"},
	)
	sessionChunksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pcicrec",
			Subsystem: "session",
			Name:      "chunks_dropped_total",
			Help:      "Channel splits dropped by the reassembler per source.",
		},
		[]string{"source"},
	)
	sessionReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pcicrec",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Automatic reconnects per source.",
		},
		[]string{"source"},
	)
	recorderQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pcicrec",
			Subsystem: "recorder",
			Name:      "queue_depth",
			Help:      "Items waiting in the recorder merge queue.",
		},
	)
	recorderPushRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pcicrec",
			Subsystem: "recorder",
			Name:      "push_retries_total",
			Help:      "Merge queue push timeouts that were retried.",
		},
		[]string{"source"},
	)
	containerFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pcicrec",
			Subsystem: "container",
			Name:      "frames_written_total",
			Help:      "Frames appended to the container per stream.",
		},
		[]string{"stream"},
	)
	containerBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pcicrec",
			Subsystem: "container",
			Name:      "bytes_written_total",
			Help:      "Bytes appended to the container file.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionFrames, sessionBytes, sessionChunksDropped, sessionReconnects,
			recorderQueueDepth, recorderPushRetries,
			containerFrames, containerBytes,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionFrame(source string, bytes int) {
	RegisterMetrics()
	sessionFrames.WithLabelValues(source).Inc()
	sessionBytes.WithLabelValues(source).Add(float64(bytes))
}

func RecordChunksDropped(source string, n uint64) {
	if n == 0 {
		return
	}
	RegisterMetrics()
	sessionChunksDropped.WithLabelValues(source).Add(float64(n))
}

func RecordReconnect(source string) {
	RegisterMetrics()
	sessionReconnects.WithLabelValues(source).Inc()
}

func SetQueueDepth(n int) {
	RegisterMetrics()
	recorderQueueDepth.Set(float64(n))
}

func RecordPushRetry(source string) {
	RegisterMetrics()
	recorderPushRetries.WithLabelValues(source).Inc()
}

func RecordContainerWrite(stream string, bytes int) {
	RegisterMetrics()
	containerFrames.WithLabelValues(stream).Inc()
	containerBytes.Add(float64(bytes))
}
