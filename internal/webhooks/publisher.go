// Package webhooks fans run events out to tenant subscriptions and delivers
// them with signed, retried HTTP POSTs.
package webhooks

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"lastmile/internal/store"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Event is the envelope POSTed to subscribers.
type Event struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TenantID string `json:"tenantId"`
	TS       string `json:"ts"`
	Data     any    `json:"data"`
}

// Emit enqueues one delivery per subscription of the tenant to eventType
// and returns how many were queued.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) int {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil {
		log.Printf("webhooks: subscriptions for %s/%s: %v", tenantID, eventType, err)
		return 0
	}
	if len(subs) == 0 {
		return 0
	}
	body, err := json.Marshal(Event{
		ID:       "evt_" + uuid.New().String(),
		Type:     eventType,
		TenantID: tenantID,
		TS:       time.Now().UTC().Format(time.RFC3339),
		Data:     data,
	})
	if err != nil {
		log.Printf("webhooks: encode %s: %v", eventType, err)
		return 0
	}
	n := 0
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, tenantID, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			log.Printf("webhooks: enqueue %s to %s: %v", eventType, s.URL, err)
			continue
		}
		n++
	}
	return n
}
