package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"lastmile/internal/config"
	"lastmile/internal/metrics"
	"lastmile/internal/store"
)

const batchSize = 50

// Worker polls the store for due deliveries and POSTs them.
type Worker struct {
	Store        store.Store
	HTTP         *http.Client
	Stop         chan struct{}
	MaxAttempts  int
	PollInterval time.Duration
}

func NewWorker(s store.Store, cfg config.WebhookConfig) *Worker {
	w := &Worker{
		Store:        s,
		HTTP:         &http.Client{Timeout: 5 * time.Second},
		Stop:         make(chan struct{}),
		MaxAttempts:  cfg.MaxAttempts,
		PollInterval: cfg.PollInterval,
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 10
	}
	if w.PollInterval <= 0 {
		w.PollInterval = time.Second
	}
	return w
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(w.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, batchSize)
	if err != nil {
		log.Printf("webhooks: fetch due: %v", err)
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	code, latency, err := w.post(ctx, it)
	success := err == nil
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	}

	status := store.DeliveryDelivered
	switch {
	case success:
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
	case it.Attempts+1 >= w.MaxAttempts:
		status = store.DeliveryFailed
		err = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
	default:
		status = store.DeliveryRetry
		next := time.Now().Add(nextBackoff(it.Attempts))
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, latency)
	}
	if err != nil {
		log.Printf("webhooks: record delivery %s: %v", it.ID, err)
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
}

// post returns an error for transport failures and non-2xx responses.
func (w *Worker) post(ctx context.Context, it store.WebhookDelivery) (code, latencyMs int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, it.EventType)
	req.Header.Set(HeaderDelivery, it.ID)
	if it.Secret != "" {
		req.Header.Set(HeaderSignature, SignHMAC(it.Secret, it.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latencyMs = int(time.Since(start).Milliseconds())
	if err != nil {
		return 0, latencyMs, err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, latencyMs, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, latencyMs, nil
}

// nextBackoff doubles from one second and caps at an hour.
func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		attempts = 12
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
