package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Error categories for transcription_errors_total.
const (
	ErrorInvalidFileType     = "invalid_file_type"
	ErrorInvalidTask         = "invalid_task"
	ErrorEmptyFile           = "empty_file"
	ErrorTranscriptionFailed = "transcription_failed"
	ErrorFileTooLarge        = "file_too_large"
	ErrorMissingFile         = "missing_file"
	ErrorNotReady            = "not_ready"
	ErrorTimeout             = "timeout"
)

var errorTypes = []string{
	ErrorInvalidFileType,
	ErrorInvalidTask,
	ErrorEmptyFile,
	ErrorTranscriptionFailed,
	ErrorFileTooLarge,
	ErrorMissingFile,
	ErrorNotReady,
	ErrorTimeout,
}

// Recorder owns the service metric families on a dedicated registry.
type Recorder struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// New registers the families plus Go and process collectors. ready backs the
// whisper_model_ready gauge and may be nil.
func New(ready func() bool) *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	r := &Recorder{
		registry: registry,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_requests_total",
				Help: "Total number of transcription requests",
			},
			[]string{"model_size", "compute_type"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transcription_duration_seconds",
				Help:    "Time spent on transcription",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"model_size", "compute_type"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_errors_total",
				Help: "Total number of transcription errors",
			},
			[]string{"error_type"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "transcription_in_flight",
				Help: "Transcriptions currently being processed",
			},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "whisper_model_ready",
			Help: "Model readiness (0=not ready, 1=ready)",
		},
		func() float64 {
			if ready != nil && ready() {
				return 1
			}
			return 0
		},
	)

	// Zero series so every error category is scrapeable before it first occurs.
	for _, errorType := range errorTypes {
		r.errors.WithLabelValues(errorType)
	}
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Prime creates the request and duration series for the configured model.
func (r *Recorder) Prime(modelSize, computeType string) {
	r.requests.WithLabelValues(modelSize, computeType)
	r.duration.WithLabelValues(modelSize, computeType)
}

func (r *Recorder) RecordRequest(modelSize, computeType string) {
	r.requests.WithLabelValues(modelSize, computeType).Inc()
}

func (r *Recorder) ObserveDuration(modelSize, computeType string, elapsed time.Duration) {
	r.duration.WithLabelValues(modelSize, computeType).Observe(elapsed.Seconds())
}

func (r *Recorder) RecordError(errorType string) {
	r.errors.WithLabelValues(errorType).Inc()
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (r *Recorder) TrackInFlight() func() {
	r.inFlight.Inc()
	return r.inFlight.Dec
}
