package inventory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPClient talks to the external inventory service over its REST API.
type HTTPClient struct {
	client *resty.Client
}

// NewHTTPClient builds the client. The timeout bounds every call; the saga
// treats a timed-out reserve as a failed step.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

type reserveRequest struct {
	OrderID string `json:"order_id"`
	Items   []Item `json:"items"`
}

type reserveResponse struct {
	ReservationIDs []string `json:"reservation_ids"`
	Shortfall      *struct {
		ProductID string `json:"product_id"`
		Requested int    `json:"requested"`
		Available int    `json:"available"`
	} `json:"shortfall,omitempty"`
}

func (c *HTTPClient) Reserve(ctx context.Context, items []Item, orderID string) ([]string, error) {
	var out reserveResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(reserveRequest{OrderID: orderID, Items: items}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/reservations")
	if err != nil {
		return nil, fmt.Errorf("inventory reserve for order %s: %w", orderID, err)
	}
	if resp.StatusCode() == http.StatusConflict && out.Shortfall != nil {
		return nil, &InsufficientStockError{
			ProductID: out.Shortfall.ProductID,
			Requested: out.Shortfall.Requested,
			Available: out.Shortfall.Available,
		}
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("inventory reserve for order %s: status %d", orderID, resp.StatusCode())
	}
	return out.ReservationIDs, nil
}

func (c *HTTPClient) Commit(ctx context.Context, reservationIDs []string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"reservation_ids": reservationIDs}).
		Post("/v1/reservations/commit")
	if err != nil {
		return fmt.Errorf("inventory commit: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("inventory commit: status %d", resp.StatusCode())
	}
	return nil
}

func (c *HTTPClient) Release(ctx context.Context, reservationIDs []string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"reservation_ids": reservationIDs}).
		Post("/v1/reservations/release")
	if err != nil {
		return fmt.Errorf("inventory release: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("inventory release: status %d", resp.StatusCode())
	}
	return nil
}
