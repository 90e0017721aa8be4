package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "http_rate_limited_total", Help: "Requests rejected by the rate limiter."},
	)

	// SolveRuns counts optimize runs by outcome (completed, timed_out, failed, invalid).
	SolveRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimizer_runs_total", Help: "Optimize runs by outcome."},
		[]string{"outcome"},
	)
	SolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "optimizer_run_duration_seconds", Help: "Wall time of optimize runs.", Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}},
	)
	DroppedNodes = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "optimizer_dropped_nodes", Help: "Dropped nodes per optimize run.", Buckets: []float64{0, 1, 2, 5, 10, 25, 50}},
	)
	Reoptimizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reoptimize_checks_total", Help: "Re-optimization checks by decision."},
		[]string{"decision"},
	)

	// MatrixRequests counts matrix fetches by provider and status
	MatrixRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "matrix_requests_total", Help: "Travel matrix fetches by provider and status."},
		[]string{"provider", "status"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration, RateLimited)
		Registry.MustRegister(SolveRuns, SolveDuration, DroppedNodes, Reoptimizations)
		Registry.MustRegister(MatrixRequests)
		Registry.MustRegister(WebhookDeliveries, WebhookLatency)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
