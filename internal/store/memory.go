package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"lastmile/internal/model"
)

// Memory is an in-memory store used when no database is configured.
type Memory struct {
	mu         sync.Mutex
	runs       map[string]model.Run            // id -> run
	runsByTen  map[string][]string             // tenant -> run ids, creation order
	subs       map[string][]model.Subscription // tenant -> subscriptions
	deliveries map[string]*WebhookDelivery     // id -> delivery
	order      []string                        // delivery ids, enqueue order
	dedup      map[string]string               // tenant|event|url|key -> delivery id
	optCfg     map[string]map[string]any       // tenant -> config
}

func NewMemory() *Memory {
	return &Memory{
		runs:       map[string]model.Run{},
		runsByTen:  map[string][]string{},
		subs:       map[string][]model.Subscription{},
		deliveries: map[string]*WebhookDelivery{},
		dedup:      map[string]string{},
		optCfg:     map[string]map[string]any{},
	}
}

// Runs

func (m *Memory) CreateRun(ctx context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		run.ID = id.String()
	}
	m.runs[run.ID] = run
	m.runsByTen[run.TenantID] = append(m.runsByTen[run.TenantID], run.ID)
	return nil
}

func (m *Memory) UpdateRun(ctx context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok || cur.TenantID != run.TenantID {
		return ErrNotFound
	}
	run.CreatedAt = cur.CreatedAt
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetRun(ctx context.Context, tenantID, id string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return model.Run{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRuns(ctx context.Context, tenantID, cursor string, limit int) ([]model.RunSummary, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.runsByTen[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	limit = clampLimit(limit)
	out := []model.RunSummary{}
	next := ""
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, m.runs[ids[i]].Summary())
		if len(out) == limit && i+1 < len(ids) {
			next = ids[i]
		}
	}
	return out, next, nil
}

// Optimizer config

func (m *Memory) GetOptimizerConfig(ctx context.Context, tenantID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.optCfg[tenantID]; ok {
		return cfg, nil
	}
	return nil, nil
}

func (m *Memory) SaveOptimizerConfig(ctx context.Context, tenantID string, cfg map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optCfg[tenantID] = cfg
	return nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: append([]string(nil), req.Events...), Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		if hasEvent(s.Events, eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[tenantID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	limit = clampLimit(limit)
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.Subscription{}, list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	for _, s := range arr {
		if s.ID != id {
			out = append(out, s)
		}
	}
	if len(out) == len(arr) {
		return ErrNotFound
	}
	m.subs[tenantID] = out
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "|" + eventType + "|" + url + "|" + computeDedupKey(payload)
	if id, ok := m.dedup[key]; ok {
		return id, nil
	}
	id := uuid.New().String()
	now := time.Now()
	m.deliveries[id] = &WebhookDelivery{
		ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType,
		URL: url, Secret: secret, Payload: append([]byte(nil), payload...),
		Status: DeliveryPending, NextAttemptAt: &now,
	}
	m.order = append(m.order, id)
	m.dedup[key] = id
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if d.Status != DeliveryPending && d.Status != DeliveryRetry {
			continue
		}
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		d.NextAttemptAt = nil
		d.LastError = ""
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	d.NextAttemptAt = &next
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.NextAttemptAt = nil
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range m.order {
		d := m.deliveries[id]
		if d.TenantID == tenantID && (status == "" || d.Status == status) {
			ids = append(ids, id)
		}
	}
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	limit = clampLimit(limit)
	out := []WebhookDelivery{}
	next := ""
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, *m.deliveries[ids[i]])
		if len(out) == limit && i+1 < len(ids) {
			next = ids[i]
		}
	}
	return out, next, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil || d.TenantID != tenantID {
		return ErrNotFound
	}
	now := time.Now()
	d.Status = DeliveryPending
	d.NextAttemptAt = &now
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

func hasEvent(events []string, eventType string) bool {
	for _, e := range events {
		if e == eventType {
			return true
		}
	}
	return false
}
