// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sleepstars/unigate/internal/models"
)

// Request outcomes.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Recorder owns a private registry so tests and multiple gateways in one
// process do not collide. A nil *Recorder discards every observation.
type Recorder struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	selections  *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
	localModels prometheus.Gauge
}

// New registers all instruments on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Total inference requests",
		}, []string{"backend", "model", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inference_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "model"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_tokens_total",
			Help: "Total tokens used",
		}, []string{"backend", "model", "type"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backend_selection_total",
			Help: "Backend selection count",
		}, []string{"backend", "method"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backend_fallback_total",
			Help: "Backend fallback count",
		}, []string{"from_backend", "to_backend"}),
		localModels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ollama_models_available",
			Help: "Number of available local models",
		}),
	}

	r.registry.MustRegister(
		r.requests, r.duration, r.tokens, r.selections, r.fallbacks, r.localModels,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveRequest records one finished request.
func (r *Recorder) ObserveRequest(backend models.Backend, model, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(string(backend), model, status).Inc()
	if status == StatusSuccess {
		r.duration.WithLabelValues(string(backend), model).Observe(elapsed.Seconds())
	}
}

// ObserveTokens adds prompt and completion token counts.
func (r *Recorder) ObserveTokens(backend models.Backend, model string, u models.Usage) {
	if r == nil {
		return
	}
	if u.PromptTokens > 0 {
		r.tokens.WithLabelValues(string(backend), model, "prompt").Add(float64(u.PromptTokens))
	}
	if u.CompletionTokens > 0 {
		r.tokens.WithLabelValues(string(backend), model, "completion").Add(float64(u.CompletionTokens))
	}
}

// ObserveSelection counts a backend decision.
func (r *Recorder) ObserveSelection(backend models.Backend, method string) {
	if r == nil {
		return
	}
	r.selections.WithLabelValues(string(backend), method).Inc()
}

// ObserveFallback counts a fallback transition.
func (r *Recorder) ObserveFallback(from, to models.Backend) {
	if r == nil {
		return
	}
	r.fallbacks.WithLabelValues(string(from), string(to)).Inc()
}

// SetLocalModels publishes the number of installed local models.
func (r *Recorder) SetLocalModels(n int) {
	if r == nil {
		return
	}
	r.localModels.Set(float64(n))
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
