package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a recognition service
type Metrics struct {
	// Inference metrics
	InferenceTotal    *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	InferenceFailures *prometheus.CounterVec

	// Pipeline metrics
	FramesTotal      *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	ActiveWorkflows  prometheus.Gauge

	// Event metrics
	EventsTotal    *prometheus.CounterVec
	CallbacksTotal *prometheus.CounterVec

	// Cache metrics
	CacheRefreshFailures *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(service string) *Metrics {
	labels := prometheus.Labels{"service": service}

	return &Metrics{
		// Inference Call Counter
		InferenceTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "recognition_inference_total",
				Help:        "Total number of model server inference calls",
				ConstLabels: labels,
			},
			[]string{"model", "stream"},
		),

		// Inference Duration Histogram
		InferenceDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "recognition_inference_duration_seconds",
				Help:        "Duration of model server inference calls",
				Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
				ConstLabels: labels,
			},
			[]string{"model"},
		),

		// Inference Failure Counter
		InferenceFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "recognition_inference_failures_total",
				Help:        "Total number of failed inference calls",
				ConstLabels: labels,
			},
			[]string{"model"},
		),

		// Frame Counter
		FramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "recognition_frames_total",
				Help:        "Total number of frames pulled from camera streams",
				ConstLabels: labels,
			},
			[]string{"stream", "status"}, // status: ok, capture_error, decode_error
		),

		// Pipeline Duration Histogram
		PipelineDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "recognition_pipeline_duration_seconds",
				Help:        "Duration of one full frame processing pass",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"stream"},
		),

		// Active Workflow Gauge
		ActiveWorkflows: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "recognition_active_workflows",
				Help:        "Number of camera streams with a running workflow",
				ConstLabels: labels,
			},
		),

		// Event Counter
		EventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "recognition_events_total",
				Help:        "Total number of recognition events emitted",
				ConstLabels: labels,
			},
			[]string{"stream", "kind"}, // kind: face, special_group, plate
		),

		// Callback Counter
		CallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "recognition_callbacks_total",
				Help:        "Total number of callback deliveries attempted",
				ConstLabels: labels,
			},
			[]string{"status"}, // status: ok, failed
		),

		// Cache Refresh Failure Counter
		CacheRefreshFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "recognition_cache_refresh_failures_total",
				Help:        "Total number of failed cache refresh passes",
				ConstLabels: labels,
			},
			[]string{"cache"},
		),
	}
}

// RecordInference records one inference call outcome
func (m *Metrics) RecordInference(model, stream string, seconds float64, err error) {
	m.InferenceTotal.WithLabelValues(model, stream).Inc()
	m.InferenceDuration.WithLabelValues(model).Observe(seconds)
	if err != nil {
		m.InferenceFailures.WithLabelValues(model).Inc()
	}
}

// RecordFrame records a frame acquisition outcome
func (m *Metrics) RecordFrame(stream, status string) {
	m.FramesTotal.WithLabelValues(stream, status).Inc()
}

// RecordPipeline records one full processing pass
func (m *Metrics) RecordPipeline(stream string, seconds float64) {
	m.PipelineDuration.WithLabelValues(stream).Observe(seconds)
}

// RecordEvent records an emitted event
func (m *Metrics) RecordEvent(stream, kind string) {
	m.EventsTotal.WithLabelValues(stream, kind).Inc()
}

// RecordCallback records a callback delivery attempt
func (m *Metrics) RecordCallback(ok bool) {
	status := "failed"
	if ok {
		status = "ok"
	}
	m.CallbacksTotal.WithLabelValues(status).Inc()
}

// RecordCacheFailure records a failed cache refresh pass
func (m *Metrics) RecordCacheFailure(cache string) {
	m.CacheRefreshFailures.WithLabelValues(cache).Inc()
}
