// Package gateway defines the uniform payment-provider capability
// {charge, verify, refund} and its concrete adapters. Adapters are
// stateless besides provider credentials and a static priority weight.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Method is a customer-facing payment method.
type Method string

const (
	MethodCard Method = "card"
	MethodEFT  Method = "eft"
	MethodCOD  Method = "cod"
)

// Status is the provider-side state of a charge.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusCaptured   Status = "CAPTURED"
	StatusDeclined   Status = "DECLINED"
	StatusRefunded   Status = "REFUNDED"
	StatusFailed     Status = "FAILED"
)

// ChargeRequest is one charge attempt against a provider.
type ChargeRequest struct {
	AmountCents    int64
	Currency       string
	CustomerRef    string
	IdempotencyKey string
}

// ChargeResponse is the normalised provider answer. A business decline is a
// successful call with StatusDeclined, not an error: only transport-level
// problems surface as errors.
type ChargeResponse struct {
	Status        Status
	ProviderRef   string
	DeclineReason string
	Raw           json.RawMessage
}

// RefundResponse reports the outcome of a refund request.
type RefundResponse struct {
	Status Status
	Raw    json.RawMessage
}

// VerifyResponse reports the provider's current view of a charge.
type VerifyResponse struct {
	Status Status
	Raw    json.RawMessage
}

// Gateway is the adapter contract every provider implements.
type Gateway interface {
	Name() string
	Supports(m Method) bool

	// Priority is a static routing weight in [0,1] fed into gateway scoring.
	Priority() float64

	Charge(ctx context.Context, req ChargeRequest) (ChargeResponse, error)
	Refund(ctx context.Context, providerRef string, amountCents int64) (RefundResponse, error)
	Verify(ctx context.Context, providerRef string) (VerifyResponse, error)
}

// Transaction is one row of a provider's settlement report, consumed by the
// reconciliation engine.
type Transaction struct {
	ProviderRef string    `json:"provider_ref"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Status      Status    `json:"status"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// TransactionLister is implemented by gateways that expose a daily
// transaction list. The cash-on-delivery adapter has nothing to list.
type TransactionLister interface {
	ListTransactions(ctx context.Context, day time.Time) ([]Transaction, error)
}

// TransientError marks a failure worth retrying: timeouts, connection
// errors, provider 5xx. Business declines are never wrapped in it.
type TransientError struct {
	Gateway string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("gateway %s unavailable: %v", e.Gateway, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff and
// gateway fallback.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}
