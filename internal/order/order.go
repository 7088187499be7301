package order

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an order. Transitions are driven
// exclusively by the saga coordinator; see Legal for the allowed graph.
type Status string

const (
	StatusCreated           Status = "CREATED"
	StatusInventoryReserved Status = "INVENTORY_RESERVED"
	StatusPaymentPending    Status = "PAYMENT_PENDING"
	StatusPaymentConfirmed  Status = "PAYMENT_CONFIRMED"
	StatusConfirmed         Status = "CONFIRMED"
	StatusFulfilling        Status = "FULFILLING"
	StatusCompleted         Status = "COMPLETED"
	StatusCancelled         Status = "CANCELLED"
	StatusFailedCompensated Status = "FAILED_COMPENSATED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailedCompensated:
		return true
	}
	return false
}

// legal maps each status to the set of statuses reachable from it.
// CANCELLED and FAILED_COMPENSATED are reachable from every non-terminal
// state, so they are listed explicitly on each.
var legal = map[Status][]Status{
	StatusCreated:           {StatusInventoryReserved, StatusCancelled, StatusFailedCompensated},
	StatusInventoryReserved: {StatusPaymentPending, StatusCancelled, StatusFailedCompensated},
	StatusPaymentPending:    {StatusPaymentConfirmed, StatusCancelled, StatusFailedCompensated},
	StatusPaymentConfirmed:  {StatusConfirmed, StatusCancelled, StatusFailedCompensated},
	StatusConfirmed:         {StatusFulfilling, StatusCancelled, StatusFailedCompensated},
	StatusFulfilling:        {StatusCompleted, StatusCancelled, StatusFailedCompensated},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LineItem is one ordered product. UnitPriceCents is a snapshot taken at
// order creation; catalog price changes never affect an existing order.
type LineItem struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// SubtotalCents returns quantity * unit price for this line.
func (li LineItem) SubtotalCents() int64 {
	return int64(li.Quantity) * li.UnitPriceCents
}

// Totals holds the computed money amounts of an order, in integer cents.
type Totals struct {
	SubtotalCents    int64 `json:"subtotal_cents"`
	TaxCents         int64 `json:"tax_cents"`
	DeliveryFeeCents int64 `json:"delivery_fee_cents"`
	DiscountCents    int64 `json:"discount_cents"`
	TotalCents       int64 `json:"total_cents"`
}

// Reconciles reports whether total == subtotal + tax + delivery − discount.
func (t Totals) Reconciles() bool {
	return t.TotalCents == t.SubtotalCents+t.TaxCents+t.DeliveryFeeCents-t.DiscountCents
}

// Transition is one entry in an order's append-only status history.
type Transition struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
	Actor string    `json:"actor"`
}

// Order is a customer purchase. It is created by the saga coordinator and
// mutated only through Apply; the history is append-only for audit, and the
// totals are frozen once the order reaches CONFIRMED.
type Order struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	CustomerID      string       `json:"customer_id"`
	Items           []LineItem   `json:"items"`
	Totals          Totals       `json:"totals"`
	Currency        string       `json:"currency"`
	Status          Status       `json:"status"`
	PaymentIntentID string       `json:"payment_intent_id,omitempty"`
	ReservationIDs  []string     `json:"reservation_ids,omitempty"`
	History         []Transition `json:"history"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// New builds an order in CREATED with recomputed totals. Call Validate on
// the request first; New assumes the input already passed validation.
func New(tenantID, customerID, currency string, items []LineItem, tax, deliveryFee, discount int64) *Order {
	now := time.Now().UTC()
	var subtotal int64
	for _, it := range items {
		subtotal += it.SubtotalCents()
	}
	return &Order{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		CustomerID: customerID,
		Items:      items,
		Totals: Totals{
			SubtotalCents:    subtotal,
			TaxCents:         tax,
			DeliveryFeeCents: deliveryFee,
			DiscountCents:    discount,
			TotalCents:       subtotal + tax + deliveryFee - discount,
		},
		Currency:  currency,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Apply advances the order to the given status, appending a history entry.
// It returns an *IllegalTransitionError if the move is not in the legal
// graph, leaving the order untouched.
func (o *Order) Apply(to Status, event, actor string) error {
	if !CanTransition(o.Status, to) {
		return &IllegalTransitionError{From: o.Status, To: to, Event: event}
	}
	now := time.Now().UTC()
	o.History = append(o.History, Transition{
		From:  o.Status,
		To:    to,
		Event: event,
		At:    now,
		Actor: actor,
	})
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// Cancellable reports whether a customer-initiated cancel is still honoured
// as a saga abort. Past PAYMENT_PENDING a cancel becomes a refund flow.
func (o *Order) Cancellable() bool {
	switch o.Status {
	case StatusCreated, StatusInventoryReserved, StatusPaymentPending:
		return true
	}
	return false
}
