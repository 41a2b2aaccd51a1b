package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capture metrics
	activeCaptures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriber_active_captures",
		Help: "Number of capture engines currently running",
	})

	framesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_frames_captured_total",
		Help: "Total audio frames delivered by capture devices",
	})

	captureWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_capture_write_errors_total",
		Help: "Frames that could not be written to the recording file",
	})

	inputLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriber_input_level_rms",
		Help: "RMS level of the most recently captured frame",
	})

	// Conversion metrics
	framesConverted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_frames_converted_total",
		Help: "Frames handed to the recognizer, by conversion outcome",
	}, []string{"outcome"}) // outcome: "passthrough", "converted", "error"

	// Recognition metrics
	recognitionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_recognition_results_total",
		Help: "Recognition results received from the engine",
	}, []string{"kind"}) // kind: "volatile" or "final"

	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_session_transitions_total",
		Help: "Transcription session state transitions",
	}, []string{"state"})

	modelDownloadProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcriber_model_download_progress",
		Help: "Fraction of the recognizer model downloaded (0..1)",
	}, []string{"locale"})

	// Sync metrics
	syncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_sync_attempts_total",
		Help: "Knowledge base sync attempts by outcome",
	}, []string{"status"})

	syncLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriber_sync_latency_seconds",
		Help:    "Knowledge base submission latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	syncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriber_sync_queue_depth",
		Help: "Segments waiting for a sync attempt across all recordings",
	})

	// Playback metrics
	activePlaybacks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriber_active_playbacks",
		Help: "Number of playback engines currently playing",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcriber_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordCaptureStart records a capture engine starting
func RecordCaptureStart() {
	activeCaptures.Inc()
}

// RecordCaptureEnd records a capture engine stopping
func RecordCaptureEnd() {
	activeCaptures.Dec()
}

// RecordFrameCaptured records a frame arriving from the device
func RecordFrameCaptured(rms float64) {
	framesCaptured.Inc()
	inputLevel.Set(rms)
}

// RecordCaptureWriteError records a failed disk write
func RecordCaptureWriteError() {
	captureWriteErrors.Inc()
}

// RecordConversion records the outcome of converting one frame
func RecordConversion(outcome string) {
	framesConverted.WithLabelValues(outcome).Inc()
}

// RecordRecognitionResult records one recognizer result
func RecordRecognitionResult(final bool) {
	kind := "volatile"
	if final {
		kind = "final"
	}
	recognitionResults.WithLabelValues(kind).Inc()
}

// RecordSessionState records a transcription session entering a state
func RecordSessionState(state string) {
	sessionTransitions.WithLabelValues(state).Inc()
}

// RecordModelDownloadProgress updates the model download gauge
func RecordModelDownloadProgress(locale string, fraction float64) {
	modelDownloadProgress.WithLabelValues(locale).Set(fraction)
}

// RecordSyncAttempt records a finished sync attempt and its latency
func RecordSyncAttempt(success bool, seconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	syncAttempts.WithLabelValues(status).Inc()
	syncLatency.Observe(seconds)
}

// AddSyncQueueDepth moves the sync queue gauge by delta
func AddSyncQueueDepth(delta int) {
	syncQueueDepth.Add(float64(delta))
}

// RecordPlaybackStart records a playback engine starting
func RecordPlaybackStart() {
	activePlaybacks.Inc()
}

// RecordPlaybackEnd records a playback engine stopping
func RecordPlaybackEnd() {
	activePlaybacks.Dec()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
