// Package metrics exposes Prometheus instrumentation for the message fabric
// and the stage workers. Registration is optional: when InitRegistry has not
// been called the collectors are nil and every record call is a no-op, so
// tests and one-shot tools pay nothing.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry

	messagesConsumed  *prometheus.CounterVec
	messagesPublished *prometheus.CounterVec
	messagesFailed    *prometheus.CounterVec
	messagesRetried   *prometheus.CounterVec
	callbackDuration  *prometheus.HistogramVec
	bytesStreamed     *prometheus.CounterVec
	filesProcessed    *prometheus.CounterVec
)

// InitRegistry creates the registry and collectors. Call once at startup.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())

	messagesConsumed = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "nlds_messages_consumed_total",
		Help: "Messages consumed per queue",
	}, []string{"queue"})
	messagesPublished = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "nlds_messages_published_total",
		Help: "Messages published per worker and state segment",
	}, []string{"worker", "state"})
	messagesFailed = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "nlds_messages_failed_total",
		Help: "Callback failures per queue",
	}, []string{"queue"})
	messagesRetried = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "nlds_messages_retried_total",
		Help: "Delayed retry publications per queue",
	}, []string{"queue"})
	callbackDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nlds_callback_duration_milliseconds",
		Help:    "Stage callback duration in milliseconds",
		Buckets: []float64{10, 50, 100, 500, 1000, 5000, 30000, 120000},
	}, []string{"queue"})
	bytesStreamed = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "nlds_bytes_streamed_total",
		Help: "Bytes streamed per direction (put, get, archive-put, archive-get)",
	}, []string{"direction"})
	filesProcessed = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "nlds_files_processed_total",
		Help: "Files processed per stage and outcome",
	}, []string{"stage", "outcome"})
}

// Handler returns the /metrics HTTP handler for the admin port.
func Handler() http.Handler {
	mu.RLock()
	defer mu.RUnlock()
	if registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Consumed records a consumed message.
func Consumed(queue string) {
	if messagesConsumed != nil {
		messagesConsumed.WithLabelValues(queue).Inc()
	}
}

// Published records an outbound message.
func Published(worker, state string) {
	if messagesPublished != nil {
		messagesPublished.WithLabelValues(worker, state).Inc()
	}
}

// Failed records a callback failure.
func Failed(queue string) {
	if messagesFailed != nil {
		messagesFailed.WithLabelValues(queue).Inc()
	}
}

// Retried records a delayed retry publication.
func Retried(queue string) {
	if messagesRetried != nil {
		messagesRetried.WithLabelValues(queue).Inc()
	}
}

// ObserveCallback records callback duration.
func ObserveCallback(queue string, start time.Time) {
	if callbackDuration != nil {
		callbackDuration.WithLabelValues(queue).
			Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}
}

// Streamed records bytes moved through a transfer stage.
func Streamed(direction string, n int64) {
	if bytesStreamed != nil && n > 0 {
		bytesStreamed.WithLabelValues(direction).Add(float64(n))
	}
}

// File records a per-file outcome ("complete", "failed", "retry").
func File(stage, outcome string) {
	if filesProcessed != nil {
		filesProcessed.WithLabelValues(stage, outcome).Inc()
	}
}
