// Package events publishes the order-state events consumed by the
// notification and analytics services. Delivery is at-least-once, so
// consumers must deduplicate on event ID.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the fulfillment engine.
const (
	TypeOrderCreated              = "order.created"
	TypeOrderConfirmed            = "order.confirmed"
	TypeOrderCancelled            = "order.cancelled"
	TypePaymentFailed             = "payment.failed"
	TypeReconciliationDiscrepancy = "payment.reconciliation.discrepancy"
	TypeSagaRecheckRequested      = "saga.recheck.requested"
)

// Event is the envelope around every emitted payload.
type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id"`
	OrderID  string          `json:"order_id"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// New builds an event envelope. payload may be any JSON-marshalable value;
// a marshal failure degrades to an empty payload rather than dropping the
// event entirely.
func New(eventType, tenantID, orderID string, payload any) Event {
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	return Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		TenantID: tenantID,
		OrderID:  orderID,
		At:       time.Now().UTC(),
		Payload:  raw,
	}
}

// Publisher is the port for emitting events downstream.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
