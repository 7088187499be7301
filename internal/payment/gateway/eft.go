package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// EFTGateway initiates instant-EFT payments. The processor answers the
// charge call with an authorization only; the final CAPTURED/DECLINED
// arrives asynchronously on the webhook endpoint.
type EFTGateway struct {
	name     string
	client   *resty.Client
	priority float64
}

func NewEFTGateway(name, baseURL, apiKey string, priority float64, timeout time.Duration) *EFTGateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")
	return &EFTGateway{name: name, client: client, priority: priority}
}

func (g *EFTGateway) Name() string           { return g.name }
func (g *EFTGateway) Supports(m Method) bool { return m == MethodEFT }
func (g *EFTGateway) Priority() float64      { return g.priority }

type eftResult struct {
	Reference     string `json:"reference"`
	Status        string `json:"status"` // "authorized" | "declined"
	DeclineReason string `json:"decline_reason,omitempty"`
}

func (g *EFTGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResponse, error) {
	var result eftResult
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(map[string]any{
			"amount_cents": req.AmountCents,
			"currency":     req.Currency,
			"customer_ref": req.CustomerRef,
		}).
		SetResult(&result).
		Post("/v1/payments")
	if err != nil {
		return ChargeResponse{Status: StatusFailed}, &TransientError{Gateway: g.name, Err: err}
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return ChargeResponse{Status: StatusFailed}, &TransientError{
			Gateway: g.name,
			Err:     fmt.Errorf("charge returned %d", resp.StatusCode()),
		}
	}
	if result.Status == "declined" {
		return ChargeResponse{
			Status:        StatusDeclined,
			ProviderRef:   result.Reference,
			DeclineReason: result.DeclineReason,
			Raw:           resp.Body(),
		}, nil
	}
	if !resp.IsSuccess() {
		return ChargeResponse{Status: StatusFailed}, fmt.Errorf("gateway %s: unexpected charge response %d", g.name, resp.StatusCode())
	}
	return ChargeResponse{
		Status:      StatusAuthorized,
		ProviderRef: result.Reference,
		Raw:         resp.Body(),
	}, nil
}

func (g *EFTGateway) Refund(ctx context.Context, providerRef string, amountCents int64) (RefundResponse, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"amount_cents": amountCents}).
		Post(fmt.Sprintf("/v1/payments/%s/reversal", providerRef))
	if err != nil {
		return RefundResponse{Status: StatusFailed}, &TransientError{Gateway: g.name, Err: err}
	}
	if !resp.IsSuccess() {
		return RefundResponse{Status: StatusFailed}, fmt.Errorf("gateway %s: reversal of %s returned %d", g.name, providerRef, resp.StatusCode())
	}
	return RefundResponse{Status: StatusRefunded, Raw: resp.Body()}, nil
}

type eftStatementRow struct {
	Reference   string    `json:"reference"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	SettledAt   time.Time `json:"settled_at"`
}

// ListTransactions fetches the provider's daily statement.
func (g *EFTGateway) ListTransactions(ctx context.Context, day time.Time) ([]Transaction, error) {
	var rows []eftStatementRow
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("date", day.UTC().Format("2006-01-02")).
		SetResult(&rows).
		Get("/v1/statements")
	if err != nil {
		return nil, &TransientError{Gateway: g.name, Err: err}
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("gateway %s: list statements returned %d", g.name, resp.StatusCode())
	}

	out := make([]Transaction, 0, len(rows))
	for _, row := range rows {
		status := StatusCaptured
		switch row.Status {
		case "declined", "failed", "expired":
			status = StatusDeclined
		case "reversed":
			status = StatusRefunded
		case "pending":
			status = StatusAuthorized
		}
		out = append(out, Transaction{
			ProviderRef: row.Reference,
			AmountCents: row.AmountCents,
			Currency:    row.Currency,
			Status:      status,
			OccurredAt:  row.SettledAt,
		})
	}
	return out, nil
}

func (g *EFTGateway) Verify(ctx context.Context, providerRef string) (VerifyResponse, error) {
	var result eftResult
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/v1/payments/%s", providerRef))
	if err != nil {
		return VerifyResponse{}, &TransientError{Gateway: g.name, Err: err}
	}
	if !resp.IsSuccess() {
		return VerifyResponse{}, fmt.Errorf("gateway %s: verify %s returned %d", g.name, providerRef, resp.StatusCode())
	}
	var status Status
	switch result.Status {
	case "authorized":
		status = StatusAuthorized
	case "captured":
		status = StatusCaptured
	case "declined":
		status = StatusDeclined
	default:
		status = StatusPending
	}
	return VerifyResponse{Status: status, Raw: resp.Body()}, nil
}
