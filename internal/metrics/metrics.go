// Package metrics exposes the recorder's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recorder"

// Metrics holds every recorder instrument.
type Metrics struct {
	registry *prometheus.Registry

	// Segmentation
	FramesClassified prometheus.Counter
	ClassifyErrors   prometheus.Counter
	ChunksCut        *prometheus.CounterVec
	ChunkDuration    prometheus.Histogram

	// Encoding
	EncodeFailures *prometheus.CounterVec
	EncodeDuration prometheus.Histogram

	// Upload
	UploadAttempts *prometheus.CounterVec
	UploadResults  *prometheus.CounterVec
	UploadDuration prometheus.Histogram
	PendingChunks  prometheus.Gauge

	// Sessions
	ActiveSessions prometheus.Gauge
	SweepRuns      *prometheus.CounterVec

	// HTTP API
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesClassified: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_classified_total",
			Help:      "Classifier sub-frames processed",
		}),
		ClassifyErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_errors_total",
			Help:      "Sub-frames whose classification failed and fell back to the missing-frame policy",
		}),
		ChunksCut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_cut_total",
			Help:      "Chunks emitted by cut reason",
		}, []string{"reason"}),
		ChunkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Audio length of emitted chunks",
			Buckets:   []float64{1, 5, 10, 15, 20, 25, 30},
		}),

		EncodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encode_failures_total",
			Help:      "Chunks that failed to encode",
		}, []string{"codec"}),
		EncodeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encode_duration_seconds",
			Help:      "Time spent encoding one chunk",
			Buckets:   prometheus.DefBuckets,
		}),

		UploadAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Individual store put attempts",
		}, []string{"outcome"}),
		UploadResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Final upload results after retries",
		}, []string{"result"}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "End-to-end upload time including retries",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		PendingChunks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_chunks",
			Help:      "Chunks of the current session not yet uploaded",
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Recording sessions in progress",
		}),
		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Leftover spool items handled by the sweep",
		}, []string{"action"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordCut counts an emitted chunk.
func (m *Metrics) RecordCut(reason string, seconds float64) {
	m.ChunksCut.WithLabelValues(reason).Inc()
	m.ChunkDuration.Observe(seconds)
}

// RecordEncode records one encode, successful or not.
func (m *Metrics) RecordEncode(codec string, d time.Duration, err error) {
	m.EncodeDuration.Observe(d.Seconds())
	if err != nil {
		m.EncodeFailures.WithLabelValues(codec).Inc()
	}
}

// RecordAttempt counts a single put attempt.
func (m *Metrics) RecordAttempt(err error) {
	if err != nil {
		m.UploadAttempts.WithLabelValues("error").Inc()
		return
	}
	m.UploadAttempts.WithLabelValues("ok").Inc()
}

// RecordUpload records the final outcome of an upload.
func (m *Metrics) RecordUpload(d time.Duration, err error) {
	m.UploadDuration.Observe(d.Seconds())
	if err != nil {
		m.UploadResults.WithLabelValues("failed").Inc()
		return
	}
	m.UploadResults.WithLabelValues("uploaded").Inc()
}

// RecordSweep adds a sweep's per-action counts.
func (m *Metrics) RecordSweep(action string, n int) {
	if n > 0 {
		m.SweepRuns.WithLabelValues(action).Add(float64(n))
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
