package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// cardChargePayload is the wire format of the card processor's charge API.
type cardChargePayload struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	CustomerRef string `json:"customer_ref"`
}

type cardChargeResult struct {
	Reference     string `json:"reference"`
	Status        string `json:"status"` // "captured" | "declined"
	DeclineReason string `json:"decline_reason,omitempty"`
}

type cardTransaction struct {
	Reference   string    `json:"reference"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CardGateway charges cards synchronously through an HTTP card processor.
type CardGateway struct {
	name     string
	client   *resty.Client
	priority float64
}

// NewCardGateway builds the adapter. baseURL and apiKey identify the
// processor account; timeout bounds every provider round-trip.
func NewCardGateway(name, baseURL, apiKey string, priority float64, timeout time.Duration) *CardGateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")
	return &CardGateway{name: name, client: client, priority: priority}
}

func (g *CardGateway) Name() string           { return g.name }
func (g *CardGateway) Supports(m Method) bool { return m == MethodCard }
func (g *CardGateway) Priority() float64      { return g.priority }

func (g *CardGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResponse, error) {
	var result cardChargeResult
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(cardChargePayload{
			AmountCents: req.AmountCents,
			Currency:    req.Currency,
			CustomerRef: req.CustomerRef,
		}).
		SetResult(&result).
		Post("/v1/charges")
	if err != nil {
		return ChargeResponse{Status: StatusFailed}, &TransientError{Gateway: g.name, Err: err}
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return ChargeResponse{Status: StatusFailed}, &TransientError{
			Gateway: g.name,
			Err:     fmt.Errorf("charge returned %d", resp.StatusCode()),
		}
	}

	switch {
	case resp.StatusCode() == http.StatusPaymentRequired || result.Status == "declined":
		return ChargeResponse{
			Status:        StatusDeclined,
			ProviderRef:   result.Reference,
			DeclineReason: result.DeclineReason,
			Raw:           resp.Body(),
		}, nil
	case resp.IsSuccess():
		return ChargeResponse{
			Status:      StatusCaptured,
			ProviderRef: result.Reference,
			Raw:         resp.Body(),
		}, nil
	default:
		return ChargeResponse{Status: StatusFailed}, fmt.Errorf("gateway %s: unexpected charge response %d", g.name, resp.StatusCode())
	}
}

func (g *CardGateway) Refund(ctx context.Context, providerRef string, amountCents int64) (RefundResponse, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"amount_cents": amountCents}).
		Post(fmt.Sprintf("/v1/charges/%s/refund", providerRef))
	if err != nil {
		return RefundResponse{Status: StatusFailed}, &TransientError{Gateway: g.name, Err: err}
	}
	if !resp.IsSuccess() {
		return RefundResponse{Status: StatusFailed}, fmt.Errorf("gateway %s: refund %s returned %d", g.name, providerRef, resp.StatusCode())
	}
	return RefundResponse{Status: StatusRefunded, Raw: resp.Body()}, nil
}

func (g *CardGateway) Verify(ctx context.Context, providerRef string) (VerifyResponse, error) {
	var result cardChargeResult
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/v1/charges/%s", providerRef))
	if err != nil {
		return VerifyResponse{}, &TransientError{Gateway: g.name, Err: err}
	}
	if !resp.IsSuccess() {
		return VerifyResponse{}, fmt.Errorf("gateway %s: verify %s returned %d", g.name, providerRef, resp.StatusCode())
	}
	status := StatusCaptured
	if result.Status == "declined" {
		status = StatusDeclined
	}
	return VerifyResponse{Status: status, Raw: resp.Body()}, nil
}

// ListTransactions fetches the processor's settlement report for one day.
func (g *CardGateway) ListTransactions(ctx context.Context, day time.Time) ([]Transaction, error) {
	var rows []cardTransaction
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("date", day.UTC().Format("2006-01-02")).
		SetResult(&rows).
		Get("/v1/transactions")
	if err != nil {
		return nil, &TransientError{Gateway: g.name, Err: err}
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("gateway %s: list transactions returned %d", g.name, resp.StatusCode())
	}

	out := make([]Transaction, 0, len(rows))
	for _, row := range rows {
		status := StatusCaptured
		switch row.Status {
		case "declined":
			status = StatusDeclined
		case "refunded":
			status = StatusRefunded
		}
		out = append(out, Transaction{
			ProviderRef: row.Reference,
			AmountCents: row.AmountCents,
			Currency:    row.Currency,
			Status:      status,
			OccurredAt:  row.OccurredAt,
		})
	}
	return out, nil
}
