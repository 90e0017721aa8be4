package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lastmile/internal/config"
	"lastmile/internal/model"
)

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// do sends a request through the full handler chain. hdr holds key/value pairs.
func do(t *testing.T, h http.Handler, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func f(v float64) *float64 { return &v }

// matrixRequest is a depot and three customers on a line, 100m apart.
func matrixRequest() model.OptimizeRequest {
	pos := []float64{0, 100, 200, 300}
	n := len(pos)
	dist := make([][]*float64, n)
	dur := make([][]*float64, n)
	for i := range pos {
		dist[i] = make([]*float64, n)
		dur[i] = make([]*float64, n)
		for j := range pos {
			d := pos[i] - pos[j]
			if d < 0 {
				d = -d
			}
			dist[i][j] = f(d)
			dur[i][j] = f(d / 10)
		}
	}
	return model.OptimizeRequest{
		Nodes: []model.NodeIn{
			{ID: "depot"},
			{ID: "a", Demand: 3, Priority: 1},
			{ID: "b", Demand: 3, Priority: 2},
			{ID: "c", Demand: 3, Priority: 3},
		},
		Distances: dist,
		Durations: dur,
		Vehicles:  model.Vehicles{Capacity: 10, Count: 2},
		Weights:   model.Weights{SearchTimeLimitSeconds: f(2)},
	}
}

func coordRequest() model.OptimizeRequest {
	return model.OptimizeRequest{
		Nodes: []model.NodeIn{
			{ID: "depot", Lat: f(52.5200), Lng: f(13.4050)},
			{ID: "a", Demand: 1, Priority: 1, Lat: f(52.5300), Lng: f(13.4100)},
			{ID: "b", Demand: 1, Priority: 2, Lat: f(52.5100), Lng: f(13.3900)},
		},
		Vehicles: model.Vehicles{Capacity: 5, Count: 1},
		Weights:  model.Weights{SearchTimeLimitSeconds: f(2)},
	}
}

func TestHealthReady(t *testing.T) {
	h := newTestServer(t).Routes()
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/readyz", nil); rr.Code != http.StatusOK {
		t.Fatalf("ready: got %d", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/healthz", nil)
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id")
	}
}

func TestOptimizeSync(t *testing.T) {
	h := newTestServer(t).Routes()

	rr := do(t, h, http.MethodPost, "/v1/optimize", matrixRequest())
	if rr.Code != http.StatusOK {
		t.Fatalf("optimize: %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[model.OptimizeResponse](t, rr)
	if resp.RunID == "" {
		t.Fatal("missing runId")
	}
	if len(resp.Routes) != 2 {
		t.Fatalf("want a route per vehicle, got %d", len(resp.Routes))
	}
	if len(resp.DroppedNodes) != 0 {
		t.Fatalf("nothing should be dropped: %v", resp.DroppedNodes)
	}
	visited := map[int]bool{}
	for _, rt := range resp.Routes {
		if rt.Sequence[0] != 0 || rt.Sequence[len(rt.Sequence)-1] != 0 {
			t.Fatalf("route must start and end at the depot: %v", rt.Sequence)
		}
		if rt.Load > 10 {
			t.Fatalf("capacity exceeded: %+v", rt)
		}
		for _, n := range rt.Sequence[1 : len(rt.Sequence)-1] {
			visited[n] = true
		}
	}
	if len(visited) != 3 {
		t.Fatalf("every customer should be visited once: %v", visited)
	}

	rr = do(t, h, http.MethodGet, "/v1/runs/"+resp.RunID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get run: %d", rr.Code)
	}
	run := decode[model.Run](t, rr)
	if run.Status != model.RunCompleted || run.Result == nil {
		t.Fatalf("stored run: %+v", run)
	}

	rr = do(t, h, http.MethodGet, "/v1/runs?limit=10", nil)
	list := decode[struct {
		Items []model.RunSummary `json:"items"`
	}](t, rr)
	if len(list.Items) != 1 || list.Items[0].ID != resp.RunID {
		t.Fatalf("list: %+v", list)
	}

	rr = do(t, h, http.MethodGet, "/v1/admin/plan-metrics?runId="+resp.RunID, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"finalObjective"`) {
		t.Fatalf("plan metrics: %d %s", rr.Code, rr.Body.String())
	}

	// other tenants cannot see the run
	rr = do(t, h, http.MethodGet, "/v1/runs/"+resp.RunID, nil, "X-Tenant-Id", "t_other")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant get: %d", rr.Code)
	}
}

func TestOptimizeInvalid(t *testing.T) {
	h := newTestServer(t).Routes()

	cases := map[string]any{
		"malformed json": `{"nodes":`,
		"empty nodes":    model.OptimizeRequest{},
		"no matrix or coordinates": model.OptimizeRequest{
			Nodes: []model.NodeIn{{ID: "depot"}, {ID: "a"}},
		},
		"bad window": model.OptimizeRequest{
			Nodes:    []model.NodeIn{{ID: "depot", Lat: f(1), Lng: f(1)}, {ID: "a", Lat: f(1), Lng: f(1.1), Window: []float64{5}}},
			Vehicles: model.Vehicles{Capacity: 1, Count: 1},
		},
		"unknown policy": func() model.OptimizeRequest {
			r := coordRequest()
			r.Search.Policy = "random"
			return r
		}(),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/v1/optimize", body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("got %d %s", rr.Code, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Fatalf("content type %q", ct)
			}
		})
	}

	if rr := do(t, h, http.MethodGet, "/v1/optimize", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET optimize: %d", rr.Code)
	}
}

func TestOptimizeAsync(t *testing.T) {
	h := newTestServer(t).Routes()

	rr := do(t, h, http.MethodPost, "/v1/optimize?async=true", matrixRequest())
	if rr.Code != http.StatusAccepted {
		t.Fatalf("async optimize: %d %s", rr.Code, rr.Body.String())
	}
	acc := decode[map[string]string](t, rr)
	id := acc["runId"]
	if id == "" || rr.Header().Get("Location") != "/v1/runs/"+id {
		t.Fatalf("accepted body %v location %q", acc, rr.Header().Get("Location"))
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		run := decode[model.Run](t, do(t, h, http.MethodGet, "/v1/runs/"+id, nil))
		if run.Status == model.RunCompleted {
			break
		}
		if run.Status == model.RunFailed || time.Now().After(deadline) {
			t.Fatalf("run did not complete: %+v", run)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestRunGeoJSON(t *testing.T) {
	h := newTestServer(t).Routes()

	withCoords := decode[model.OptimizeResponse](t, do(t, h, http.MethodPost, "/v1/optimize", coordRequest()))
	rr := do(t, h, http.MethodGet, "/v1/runs/"+withCoords.RunID+"/geojson", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("geojson: %d %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Fatalf("content type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"LineString"`) {
		t.Fatalf("expected a route line: %s", rr.Body.String())
	}

	matrixOnly := decode[model.OptimizeResponse](t, do(t, h, http.MethodPost, "/v1/optimize", matrixRequest()))
	rr = do(t, h, http.MethodGet, "/v1/runs/"+matrixOnly.RunID+"/geojson", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("geojson without coordinates: %d", rr.Code)
	}
}

func TestAuthRoles(t *testing.T) {
	h := newTestServer(t).Routes()
	rr := do(t, h, http.MethodPost, "/v1/optimize", matrixRequest(), "X-Role", "viewer")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer optimize: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/runs", nil, "X-Role", "viewer")
	if rr.Code != http.StatusOK {
		t.Fatalf("viewer list: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/admin/optimizer/config", nil, "X-Role", "dispatcher")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("dispatcher admin: %d", rr.Code)
	}

	strict := newTestServer(t, func(c *config.Config) {
		c.Auth = config.AuthConfig{Mode: "hmac", HMACSecret: "s3cret"}
	}).Routes()
	if rr := do(t, strict, http.MethodGet, "/v1/runs", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rr.Code)
	}
	if rr := do(t, strict, http.MethodGet, "/v1/runs", nil, "Authorization", "Bearer not.a.jwt"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rr.Code)
	}
}

func TestReoptimizeCheck(t *testing.T) {
	h := newTestServer(t).Routes()

	rr := do(t, h, http.MethodPost, "/v1/reoptimize/check", map[string]any{"predictedSec": 1000, "observedSec": 1300})
	if rr.Code != http.StatusOK {
		t.Fatalf("check: %d %s", rr.Code, rr.Body.String())
	}
	got := decode[struct {
		Decision struct {
			Reoptimize bool    `json:"reoptimize"`
			Threshold  float64 `json:"threshold"`
		} `json:"decision"`
	}](t, rr)
	if !got.Decision.Reoptimize || got.Decision.Threshold != 0.15 {
		t.Fatalf("decision: %+v", got)
	}

	rr = do(t, h, http.MethodPost, "/v1/reoptimize/check", map[string]any{"predictedSec": 1000, "observedSec": 1300, "threshold": 0.5})
	if decode[map[string]any](t, rr)["decision"].(map[string]any)["reoptimize"] != false {
		t.Fatalf("custom threshold ignored: %s", rr.Body.String())
	}

	run := decode[model.OptimizeResponse](t, do(t, h, http.MethodPost, "/v1/optimize", matrixRequest()))
	rr = do(t, h, http.MethodPost, "/v1/reoptimize/check", map[string]any{"runId": run.RunID, "vehicleId": 0, "observedSec": 0})
	if rr.Code != http.StatusOK {
		t.Fatalf("check by run: %d %s", rr.Code, rr.Body.String())
	}

	for name, body := range map[string]any{
		"negative":   map[string]any{"predictedSec": 10, "observedSec": -1},
		"no subject": map[string]any{"observedSec": 10},
	} {
		if rr := do(t, h, http.MethodPost, "/v1/reoptimize/check", body); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: %d", name, rr.Code)
		}
	}
	rr = do(t, h, http.MethodPost, "/v1/reoptimize/check", map[string]any{"runId": "missing", "observedSec": 1})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown run: %d", rr.Code)
	}
}

func TestOptimizerConfig(t *testing.T) {
	h := newTestServer(t).Routes()

	rr := do(t, h, http.MethodPut, "/v1/admin/optimizer/config", map[string]any{"config": map[string]any{"policy": "sideways"}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid policy accepted: %d", rr.Code)
	}
	rr = do(t, h, http.MethodPut, "/v1/admin/optimizer/config", map[string]any{"config": map[string]any{"policy": "best", "numVehicles": 3}})
	if rr.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/v1/optimizer/config", nil)
	eff := decode[map[string]map[string]any](t, rr)["defaults"]
	if eff["policy"] != "best" || eff["numVehicles"] != float64(3) {
		t.Fatalf("effective config: %v", eff)
	}
	// untouched keys keep their defaults
	if eff["varianceThreshold"] != 0.15 {
		t.Fatalf("varianceThreshold: %v", eff["varianceThreshold"])
	}

	other := decode[map[string]map[string]any](t, do(t, h, http.MethodGet, "/v1/optimizer/config", nil, "X-Tenant-Id", "t_other"))["defaults"]
	if other["numVehicles"] != float64(1) {
		t.Fatalf("override leaked across tenants: %v", other)
	}

	// the stored fleet size is used when the request leaves count out
	req := coordRequest()
	req.Vehicles.Count = 0
	resp := decode[model.OptimizeResponse](t, do(t, h, http.MethodPost, "/v1/optimize", req))
	if len(resp.Routes) != 3 {
		t.Fatalf("want 3 routes from stored config, got %d", len(resp.Routes))
	}
}

func TestSubscriptionsAndDeliveries(t *testing.T) {
	h := newTestServer(t).Routes()

	rr := do(t, h, http.MethodPost, "/v1/subscriptions", map[string]any{"url": "https://example.test/hook", "events": []string{"route.updated"}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown event accepted: %d", rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/v1/subscriptions", map[string]any{"url": "ftp://example.test"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad url accepted: %d", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/v1/subscriptions", map[string]any{"url": "https://example.test/hook", "events": []string{model.EventRunCompleted}, "secret": "k"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	sub := decode[model.Subscription](t, rr)

	list := decode[struct {
		Items []model.Subscription `json:"items"`
	}](t, do(t, h, http.MethodGet, "/v1/subscriptions", nil))
	if len(list.Items) != 1 || list.Items[0].Secret != "" {
		t.Fatalf("list: %+v", list.Items)
	}

	if rr := do(t, h, http.MethodPost, "/v1/optimize", matrixRequest()); rr.Code != http.StatusOK {
		t.Fatalf("optimize: %d", rr.Code)
	}
	deliveries := decode[struct {
		Items []map[string]any `json:"items"`
	}](t, do(t, h, http.MethodGet, "/v1/admin/webhook-deliveries?status=pending", nil))
	if len(deliveries.Items) != 1 || deliveries.Items[0]["eventType"] != model.EventRunCompleted {
		t.Fatalf("deliveries: %+v", deliveries.Items)
	}
	if _, leaked := deliveries.Items[0]["secret"]; leaked {
		t.Fatal("delivery listing exposes the secret")
	}
	id, _ := deliveries.Items[0]["id"].(string)
	if rr := do(t, h, http.MethodPost, "/v1/admin/webhook-deliveries/"+id+"/retry", nil); rr.Code != http.StatusAccepted {
		t.Fatalf("retry: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/admin/webhook-deliveries/nope/retry", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("retry unknown: %d", rr.Code)
	}

	if rr := do(t, h, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("delete twice: %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) {
		c.Rate = config.RateConfig{RPS: 0.001, Burst: 1}
	}).Routes()

	if rr := do(t, h, http.MethodGet, "/v1/runs", nil); rr.Code != http.StatusOK {
		t.Fatalf("first: %d", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/v1/runs", nil)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("second: %d", rr.Code)
	}
	// buckets are per tenant
	if rr := do(t, h, http.MethodGet, "/v1/runs", nil, "X-Tenant-Id", "t_other"); rr.Code != http.StatusOK {
		t.Fatalf("other tenant: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz limited: %d", rr.Code)
	}
}

func TestRunStream(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Routes())
	defer ts.Close()

	body, _ := json.Marshal(matrixRequest())
	res, err := http.Post(ts.URL+"/v1/optimize", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	var run model.OptimizeResponse
	_ = json.NewDecoder(res.Body).Decode(&run)
	res.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/runs/"+run.RunID+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() (string, RunEvent) {
		t.Helper()
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		var evt RunEvent
		if msg.Type == "event" {
			_ = json.Unmarshal(msg.Payload, &evt)
		}
		return msg.Type, evt
	}

	if typ, _ := read(); typ != "snapshot" {
		t.Fatalf("first frame %q", typ)
	}
	if typ, evt := read(); typ != "event" || evt.Type != model.EventRunCompleted {
		t.Fatalf("want completed event, got %q %+v", typ, evt)
	}

	chk, _ := json.Marshal(map[string]any{"runId": run.RunID, "predictedSec": 100, "observedSec": 200})
	res, err = http.Post(ts.URL+"/v1/reoptimize/check", "application/json", bytes.NewReader(chk))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	res.Body.Close()
	if typ, evt := read(); typ != "event" || evt.Type != model.EventReoptimizeRequested {
		t.Fatalf("want reoptimize event, got %q %+v", typ, evt)
	}
}
