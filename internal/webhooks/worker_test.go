package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"lastmile/internal/config"
	"lastmile/internal/model"
	"lastmile/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []MarkRec
	fails []FailRec
}
type MarkRec struct {
	ID            string
	Success       bool
	Code, Latency int
	LastErr       string
	Next          *time.Time
}
type FailRec struct {
	ID            string
	Code, Latency int
	LastErr       string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, MarkRec{ID: id, Success: success, Code: responseCode, Latency: latencyMs, LastErr: lastError, Next: nextAttemptAt})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}
func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, FailRec{ID: id, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotType = r.Header.Get(HeaderEventType)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 3}
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "t1", "", model.EventRunCompleted, srv.URL, "secret", []byte(`{"id":"evt1"}`))
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.processOnce()

	if gotType != model.EventRunCompleted {
		t.Fatalf("missing event type header: %q", gotType)
	}
	if !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("signature %q does not verify", gotSig)
	}
	if len(rs.marks) != 1 || !rs.marks[0].Success || rs.marks[0].Code != 200 {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
}

func TestWorkerProcessOnce_RetryThenFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 2}
	id, _ := rs.Memory.EnqueueWebhook(context.Background(), "t1", "", model.EventRunFailed, srv.URL, "", []byte(`{}`))

	w.processOnce()
	if len(rs.marks) != 1 || rs.marks[0].Success || rs.marks[0].Code != 500 {
		t.Fatalf("expected a retry mark, got %+v", rs.marks)
	}
	if rs.marks[0].Next == nil || time.Until(*rs.marks[0].Next) <= 0 {
		t.Fatalf("retry must be scheduled in the future: %+v", rs.marks[0])
	}

	// Make it due again and exhaust the attempts.
	if err := rs.Memory.RetryWebhookDelivery(context.Background(), "t1", id); err != nil {
		t.Fatal(err)
	}
	w.processOnce()
	if len(rs.fails) != 1 || rs.fails[0].ID != id {
		t.Fatalf("expected fail recorded, got %+v", rs.fails)
	}
	list, _, _ := rs.Memory.ListWebhookDeliveries(context.Background(), "t1", store.DeliveryFailed, "", 10)
	if len(list) != 1 || list[0].Attempts != 2 {
		t.Fatalf("unexpected failed list: %+v", list)
	}
}

func TestNewWorkerDefaults(t *testing.T) {
	w := NewWorker(store.NewMemory(), config.WebhookConfig{})
	if w.MaxAttempts != 10 || w.PollInterval != time.Second {
		t.Fatalf("defaults not applied: %+v", w)
	}
}

func TestNextBackoff(t *testing.T) {
	cases := map[int]time.Duration{-1: time.Second, 0: time.Second, 3: 8 * time.Second, 20: time.Hour}
	for attempts, want := range cases {
		if got := nextBackoff(attempts); got != want {
			t.Fatalf("nextBackoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestPublisherEmit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	_, _ = s.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "t1", URL: "http://a", Events: []string{model.EventRunCompleted}})
	_, _ = s.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "t1", URL: "http://b", Events: []string{model.EventRunFailed}})

	p := NewPublisher(s)
	if n := p.Emit(ctx, "t1", model.EventRunCompleted, map[string]any{"runId": "r1"}); n != 1 {
		t.Fatalf("queued %d, want 1", n)
	}
	if n := p.Emit(ctx, "t2", model.EventRunCompleted, nil); n != 0 {
		t.Fatalf("other tenant queued %d", n)
	}

	due, _ := s.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 || due[0].URL != "http://a" {
		t.Fatalf("unexpected deliveries: %+v", due)
	}
	var ev Event
	if err := json.Unmarshal(due[0].Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != model.EventRunCompleted || ev.TenantID != "t1" || ev.ID == "" {
		t.Fatalf("unexpected envelope: %+v", ev)
	}
}

func TestSignatureRejectsTampering(t *testing.T) {
	sig := SignHMAC("k", []byte("body"))
	if !VerifyHMAC("k", []byte("body"), sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifyHMAC("k", []byte("body!"), sig) || VerifyHMAC("other", []byte("body"), sig) || VerifyHMAC("k", []byte("body"), "zz") {
		t.Fatal("invalid signature accepted")
	}
}
