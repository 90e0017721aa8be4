package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"lastmile/internal/auth"
	"lastmile/internal/metrics"
	"lastmile/internal/model"
	"lastmile/internal/opt"
	"lastmile/internal/platform/obs"
	"lastmile/internal/render"
	"lastmile/internal/store"
	"lastmile/internal/stops"
	"lastmile/internal/trigger"
)

// OptimizeHandler handles POST /v1/optimize. With ?async=true the solve
// runs in the background and the response is 202 with the run id.
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := s.authorize(w, r, auth.RoleAdmin, auth.RoleDispatcher)
	if !ok {
		return
	}
	var req model.OptimizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	oc, err := s.optimizerConfig(r.Context(), p.Tenant)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load optimizer config failed", err.Error(), r.URL.Path)
		return
	}
	prob, o, err := s.buildProblem(r.Context(), &req, oc)
	if err != nil {
		s.writeSolveError(w, r, err)
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create run failed", err.Error(), r.URL.Path)
		return
	}
	now := time.Now().UTC()
	run := model.Run{ID: id.String(), TenantID: p.Tenant, Status: model.RunRunning, Request: req, CreatedAt: now, UpdatedAt: now}
	if err := s.Store.CreateRun(r.Context(), run); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create run failed", err.Error(), r.URL.Path)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		ctx := obs.WithRequestID(context.Background(), obs.RequestID(r.Context()))
		s.jobs.Add(1)
		go func() {
			defer s.jobs.Done()
			_, _ = s.runSolve(ctx, run, prob, o)
		}()
		w.Header().Set("Location", "/v1/runs/"+run.ID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"runId":  run.ID,
			"status": model.RunRunning,
			"stream": "/v1/runs/" + run.ID + "/ws",
		})
		return
	}

	resp, err := s.runSolve(r.Context(), run, prob, o)
	if err != nil {
		s.writeSolveError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeSolveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, opt.ErrMalformedInput):
		metrics.SolveRuns.WithLabelValues("invalid").Inc()
		writeProblem(w, http.StatusBadRequest, "Invalid optimize request", err.Error(), r.URL.Path)
	case errors.Is(err, errMatrixUnavailable):
		writeProblem(w, http.StatusBadGateway, "Travel matrix unavailable", err.Error(), r.URL.Path)
	case errors.Is(err, opt.ErrSolverFailure):
		writeProblem(w, http.StatusUnprocessableEntity, "Solver failure", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Optimize failed", err.Error(), r.URL.Path)
	}
}

// runSolve solves p, publishes progress on the run's stream, persists the
// outcome and notifies webhook subscribers.
func (s *Server) runSolve(ctx context.Context, run model.Run, p *opt.Problem, o opt.Options) (resp model.OptimizeResponse, err error) {
	defer obs.Time(ctx, "optimize run="+run.ID)(&err)
	// the outcome is persisted even when the caller goes away
	ctx = context.WithoutCancel(ctx)

	s.Broker.Publish(run.ID, newRunEvent(model.EventRunStarted, run.ID, map[string]any{
		"nodes":       p.Len(),
		"vehicles":    p.Vehicles(),
		"timeLimitMs": o.TimeLimit.Milliseconds(),
		"attempts":    o.Attempts,
	}))
	o.OnImprove = func(pr opt.Progress) {
		s.Broker.Publish(run.ID, newRunEvent(model.EventRunImproved, run.ID, map[string]any{
			"attempt":   pr.Attempt,
			"phase":     pr.Phase,
			"objective": pr.Objective,
			"dropped":   pr.Dropped,
			"elapsedMs": pr.Elapsed.Milliseconds(),
		}))
	}

	start := time.Now()
	res, err := opt.Solve(p, o)
	elapsed := time.Since(start)
	metrics.SolveDuration.Observe(elapsed.Seconds())
	run.UpdatedAt = time.Now().UTC()

	if err != nil {
		metrics.SolveRuns.WithLabelValues("failed").Inc()
		run.Status = model.RunFailed
		run.Error = err.Error()
		s.saveRun(ctx, run)
		data := map[string]any{"runId": run.ID, "error": run.Error}
		s.Broker.Publish(run.ID, newRunEvent(model.EventRunFailed, run.ID, data))
		s.Pub.Emit(ctx, run.TenantID, model.EventRunFailed, data)
		return model.OptimizeResponse{}, err
	}

	dropped := res.Dropped
	if dropped == nil {
		dropped = []int{}
	}
	resp = model.OptimizeResponse{
		RunID:          run.ID,
		Routes:         res.Routes,
		DroppedNodes:   dropped,
		ObjectiveValue: res.Objective,
		LocallyOptimal: res.LocallyOptimal,
		ElapsedMs:      elapsed.Milliseconds(),
	}
	outcome := "completed"
	if res.Metrics.TimedOut {
		outcome = "timed_out"
	}
	metrics.SolveRuns.WithLabelValues(outcome).Inc()
	metrics.DroppedNodes.Observe(float64(len(dropped)))
	opt.RecordMetrics(run.ID, res.Metrics)

	m := res.Metrics
	run.Status = model.RunCompleted
	run.Result = &resp
	run.Metrics = &m
	s.saveRun(ctx, run)

	data := completedData(resp)
	s.Broker.Publish(run.ID, newRunEvent(model.EventRunCompleted, run.ID, data))
	s.Pub.Emit(ctx, run.TenantID, model.EventRunCompleted, data)
	return resp, nil
}

func (s *Server) saveRun(ctx context.Context, run model.Run) {
	if err := s.Store.UpdateRun(ctx, run); err != nil {
		log.Printf("req_id=%s op=store.update_run run=%s err=%v", obs.RequestID(ctx), run.ID, err)
	}
}

func completedData(resp model.OptimizeResponse) map[string]any {
	used := 0
	for _, rt := range resp.Routes {
		if len(rt.Sequence) > 2 {
			used++
		}
	}
	return map[string]any{
		"runId":          resp.RunID,
		"objectiveValue": resp.ObjectiveValue,
		"droppedNodes":   resp.DroppedNodes,
		"routesUsed":     used,
		"locallyOptimal": resp.LocallyOptimal,
		"elapsedMs":      resp.ElapsedMs,
	}
}

// RunsHandler handles GET /v1/runs.
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := s.authorize(w, r)
	if !ok {
		return
	}
	cursor, limit := pageParams(r)
	items, next, err := s.Store.ListRuns(r.Context(), p.Tenant, cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List runs failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// RunByIDHandler handles GET /v1/runs/{id}, /v1/runs/{id}/geojson and the
// /v1/runs/{id}/ws event stream.
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := s.authorize(w, r)
	if !ok {
		return
	}
	run, err := s.Store.GetRun(r.Context(), p.Tenant, id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Run not found", id, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get run failed", err.Error(), r.URL.Path)
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch sub {
	case "":
		writeJSON(w, http.StatusOK, run)
	case "geojson":
		s.writeRunGeoJSON(w, r, run)
	case "ws":
		s.RunStream(w, r, run)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) writeRunGeoJSON(w http.ResponseWriter, r *http.Request, run model.Run) {
	if run.Result == nil {
		writeProblem(w, http.StatusConflict, "Run has no result", "status "+run.Status, r.URL.Path)
		return
	}
	if !run.Request.HasCoordinates() {
		writeProblem(w, http.StatusUnprocessableEntity, "Run has no coordinates", "every node needs lat/lng to render a map", r.URL.Path)
		return
	}
	list := make([]stops.Stop, len(run.Request.Nodes))
	for i, n := range run.Request.Nodes {
		list[i] = stops.Stop{ID: n.ID, Lat: *n.Lat, Lon: *n.Lng, Demand: n.Demand, Priority: n.Priority, Service: n.Service}
	}
	fc, err := render.GeoJSON(list, run.Result.Routes, run.Result.DroppedNodes, run.Request.Vehicles.DepotIndex)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Render failed", err.Error(), r.URL.Path)
		return
	}
	b, err := fc.MarshalJSON()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Render failed", err.Error(), r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// ReoptimizeCheckHandler handles POST /v1/reoptimize/check.
func (s *Server) ReoptimizeCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req model.ReoptimizeCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	oc, err := s.optimizerConfig(r.Context(), p.Tenant)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load optimizer config failed", err.Error(), r.URL.Path)
		return
	}

	vehicle := 0
	if req.VehicleID != nil {
		vehicle = *req.VehicleID
	}
	var predicted float64
	switch {
	case req.RunID != "":
		run, err := s.Store.GetRun(r.Context(), p.Tenant, req.RunID)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Run not found", req.RunID, r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get run failed", err.Error(), r.URL.Path)
			return
		}
		if run.Result == nil {
			writeProblem(w, http.StatusConflict, "Run has no result", "status "+run.Status, r.URL.Path)
			return
		}
		idx := slices.IndexFunc(run.Result.Routes, func(rt opt.RouteResult) bool { return rt.VehicleID == vehicle })
		if idx < 0 {
			writeProblem(w, http.StatusNotFound, "Vehicle not found", "run has no route for that vehicle", r.URL.Path)
			return
		}
		predicted = run.Result.Routes[idx].TotalTime
		if req.PredictedSec != nil {
			predicted = *req.PredictedSec
		}
	case req.PredictedSec != nil:
		predicted = *req.PredictedSec
	default:
		writeProblem(w, http.StatusBadRequest, "Invalid reoptimize check", "runId or predictedSec is required", r.URL.Path)
		return
	}

	threshold := oc.VarianceThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	d, err := trigger.Check(req.ObservedSec, predicted, threshold)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid reoptimize check", err.Error(), r.URL.Path)
		return
	}

	decision := "keep"
	if d.Reoptimize {
		decision = "reoptimize"
		data := map[string]any{
			"runId":        req.RunID,
			"vehicleId":    vehicle,
			"predictedSec": d.PredictedSec,
			"observedSec":  d.ObservedSec,
			"variance":     d.Variance,
			"threshold":    d.Threshold,
		}
		if req.RunID != "" {
			s.Broker.Publish(req.RunID, newRunEvent(model.EventReoptimizeRequested, req.RunID, data))
		}
		s.Pub.Emit(r.Context(), p.Tenant, model.EventReoptimizeRequested, data)
	}
	metrics.Reoptimizations.WithLabelValues(decision).Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":     req.RunID,
		"vehicleId": vehicle,
		"decision":  d,
	})
}

// OptimizerConfigHandler returns the effective optimizer configuration.
func (s *Server) OptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := s.authorize(w, r)
	if !ok {
		return
	}
	oc, err := s.optimizerConfig(r.Context(), p.Tenant)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load optimizer config failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"defaults": oc.AsMap()})
}

// AdminOptimizerConfigHandler gets or replaces the tenant's stored overrides.
func (s *Server) AdminOptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.Store.GetOptimizerConfig(r.Context(), p.Tenant)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Load optimizer config failed", err.Error(), r.URL.Path)
			return
		}
		if cfg == nil {
			cfg = map[string]any{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
	case http.MethodPut:
		var body struct {
			Config map[string]any `json:"config"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if body.Config == nil {
			writeProblem(w, http.StatusBadRequest, "Missing config", "", r.URL.Path)
			return
		}
		merged, err := s.Cfg.Optimizer.Merge(body.Config)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid config", err.Error(), r.URL.Path)
			return
		}
		if _, err := merged.SolveOptions(); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid config", err.Error(), r.URL.Path)
			return
		}
		if err := s.Store.SaveOptimizerConfig(r.Context(), p.Tenant, body.Config); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"config": body.Config, "effective": merged.AsMap()})
	default:
		methodNotAllowed(w, r, "GET, PUT")
	}
}

// PlanMetricsHandler handles GET /v1/admin/plan-metrics?runId=.
func (s *Server) PlanMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		writeProblem(w, http.StatusBadRequest, "Missing runId", "", r.URL.Path)
		return
	}
	run, err := s.Store.GetRun(r.Context(), p.Tenant, runID)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Run not found", runID, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get run failed", err.Error(), r.URL.Path)
		return
	}
	m, ok := opt.GetMetrics(runID)
	if !ok {
		if run.Metrics == nil {
			writeProblem(w, http.StatusNotFound, "No metrics for run", "status "+run.Status, r.URL.Path)
			return
		}
		m = *run.Metrics
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": runID, "metrics": m})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions.
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p, ok := s.authorize(w, r, auth.RoleAdmin, auth.RoleDispatcher)
		if !ok {
			return
		}
		var req model.SubscriptionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		req.TenantID = p.Tenant
		if err := validateSubscription(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		p, ok := s.authorize(w, r)
		if !ok {
			return
		}
		cursor, limit := pageParams(r)
		items, next, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		for i := range items {
			items[i].Secret = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func validateSubscription(req *model.SubscriptionRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be an absolute http(s) URL")
	}
	if len(req.Events) == 0 {
		req.Events = append([]string(nil), model.WebhookEvents...)
	}
	for _, e := range req.Events {
		if !slices.Contains(model.WebhookEvents, e) {
			return errors.New("unknown event " + e + " (allowed: " + strings.Join(model.WebhookEvents, ", ") + ")")
		}
	}
	return nil
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}.
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	p, ok := s.authorize(w, r, auth.RoleAdmin, auth.RoleDispatcher)
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	err := s.Store.DeleteSubscription(r.Context(), p.Tenant, id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Subscription not found", id, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Delete subscription failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries.
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	cursor, limit := pageParams(r)
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, r.URL.Query().Get("status"), cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry.
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "retry" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	err := s.Store.RetryWebhookDelivery(r.Context(), p.Tenant, id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Delivery not found", id, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Retry failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": store.DeliveryPending})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler checks the store and, when configured, Redis.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store not ready", err.Error(), r.URL.Path)
		return
	}
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Redis not ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
