package payment

import (
	"encoding/json"
	"time"

	"github.com/wakala/fulfillment/internal/payment/gateway"
)

// IntentStatus mirrors gateway.Status for the persisted ledger row.
type IntentStatus string

const (
	IntentPending    IntentStatus = "PENDING"
	IntentAuthorized IntentStatus = "AUTHORIZED"
	IntentCaptured   IntentStatus = "CAPTURED"
	IntentDeclined   IntentStatus = "DECLINED"
	IntentFailed     IntentStatus = "FAILED"
	IntentRefunded   IntentStatus = "REFUNDED"
)

// Terminal reports whether the intent can no longer change on the
// synchronous path. PENDING and AUTHORIZED still await webhook confirmation.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentCaptured, IntentDeclined, IntentFailed, IntentRefunded:
		return true
	}
	return false
}

// Intent is one attempted-or-completed charge for an order. Exactly one
// intent per idempotency key is ever executed against a gateway.
type Intent struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	TenantID       string          `json:"tenant_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Gateway        string          `json:"gateway"`
	ProviderRef    string          `json:"provider_ref,omitempty"`
	AmountCents    int64           `json:"amount_cents"`
	Currency       string          `json:"currency"`
	Status         IntentStatus    `json:"status"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func intentStatusFrom(s gateway.Status) IntentStatus {
	switch s {
	case gateway.StatusAuthorized:
		return IntentAuthorized
	case gateway.StatusCaptured:
		return IntentCaptured
	case gateway.StatusDeclined:
		return IntentDeclined
	case gateway.StatusRefunded:
		return IntentRefunded
	case gateway.StatusFailed:
		return IntentFailed
	default:
		return IntentPending
	}
}
