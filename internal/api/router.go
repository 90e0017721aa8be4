package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lastmile/internal/metrics"
)

// Routes returns the full handler chain: request ids, access logging and
// per-tenant rate limiting around the mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/optimize", s.OptimizeHandler)
	mux.HandleFunc("/v1/runs", s.RunsHandler)
	mux.HandleFunc("/v1/runs/", s.RunByIDHandler)
	mux.HandleFunc("/v1/reoptimize/check", s.ReoptimizeCheckHandler)
	mux.HandleFunc("/v1/optimizer/config", s.OptimizerConfigHandler)
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)

	mux.HandleFunc("/v1/admin/optimizer/config", s.AdminOptimizerConfigHandler)
	mux.HandleFunc("/v1/admin/plan-metrics", s.PlanMetricsHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)
	mux.HandleFunc("/debug/info", s.DebugJSON)

	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return requestIDMiddleware(loggingMiddleware(s.rateLimitMiddleware(mux)))
}
