package httpx

import (
	"time"

	"github.com/wakala/fulfillment/internal/order"
	"github.com/wakala/fulfillment/internal/saga/sagalog"
)

type CreateOrderRequest struct {
	CustomerID       string               `json:"customer_id"`
	Currency         string               `json:"currency"`
	Items            []CreateOrderItemDTO `json:"items"`
	TaxCents         int64                `json:"tax_cents"`
	DeliveryFeeCents int64                `json:"delivery_fee_cents"`
	DiscountCents    int64                `json:"discount_cents"`
	PaymentMethod    string               `json:"payment_method"`
	TotalCents       int64                `json:"total_cents"`
}

type CreateOrderItemDTO struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type OrderResponse struct {
	ID         string              `json:"id"`
	TenantID   string              `json:"tenant_id"`
	CustomerID string              `json:"customer_id"`
	Status     string              `json:"status"`
	Currency   string              `json:"currency"`
	TotalCents int64               `json:"total_cents"`
	Items      []OrderItemResponse `json:"items"`
	History    []TransitionDTO     `json:"history,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

type OrderItemResponse struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type TransitionDTO struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

type SagaStatusResponse struct {
	SagaID      string    `json:"saga_id"`
	Status      string    `json:"status"`
	CurrentStep string    `json:"current_step,omitempty"`
	Errors      string    `json:"errors,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

func mapOrderToResponse(o *order.Order, withHistory bool) OrderResponse {
	resp := OrderResponse{
		ID:         o.ID,
		TenantID:   o.TenantID,
		CustomerID: o.CustomerID,
		Status:     string(o.Status),
		Currency:   o.Currency,
		TotalCents: o.Totals.TotalCents,
		Items:      make([]OrderItemResponse, len(o.Items)),
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
	for i, it := range o.Items {
		resp.Items[i] = OrderItemResponse{
			ProductID:      it.ProductID,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
		}
	}
	if withHistory {
		resp.History = make([]TransitionDTO, len(o.History))
		for i, tr := range o.History {
			resp.History[i] = TransitionDTO{From: string(tr.From), To: string(tr.To), Event: tr.Event, At: tr.At}
		}
	}
	return resp
}

func mapSagaEntry(e *sagalog.Entry) SagaStatusResponse {
	return SagaStatusResponse{
		SagaID:      e.SagaID,
		Status:      string(e.Status),
		CurrentStep: e.CurrentStep,
		Errors:      e.ErrorMessages,
		TraceID:     e.TraceID,
		UpdatedAt:   e.UpdatedAt,
	}
}
