package order

import "fmt"

// ValidationError rejects a malformed or inconsistent order request before
// any side effect occurs. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s: %s", e.Field, e.Reason)
}

// Code returns the stable machine-readable error code.
func (e *ValidationError) Code() string { return "validation_error" }

// IllegalTransitionError is returned by Apply for a move outside the legal
// status graph. It indicates a coordinator bug, not a business condition.
type IllegalTransitionError struct {
	From  Status
	To    Status
	Event string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal order transition %s -> %s (event %q)", e.From, e.To, e.Event)
}

// CreateRequest is the validated input to the saga coordinator.
type CreateRequest struct {
	RequestID        string
	TenantID         string
	CustomerID       string
	Currency         string
	Items            []LineItem
	TaxCents         int64
	DeliveryFeeCents int64
	DiscountCents    int64
	PaymentMethod    string

	// TotalCents is the total the caller believes it is paying. It must
	// reconcile with the recomputed totals or the request is rejected.
	TotalCents int64
}

// Validate checks the request without touching any external state.
func (r CreateRequest) Validate() error {
	if r.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if r.CustomerID == "" {
		return &ValidationError{Field: "customer_id", Reason: "required"}
	}
	if r.Currency == "" {
		return &ValidationError{Field: "currency", Reason: "required"}
	}
	if len(r.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one line item required"}
	}
	var subtotal int64
	for i, it := range r.Items {
		if it.ProductID == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].product_id", i), Reason: "required"}
		}
		if it.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be positive"}
		}
		if it.UnitPriceCents < 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].unit_price_cents", i), Reason: "must not be negative"}
		}
		subtotal += it.SubtotalCents()
	}
	if r.TaxCents < 0 || r.DeliveryFeeCents < 0 || r.DiscountCents < 0 {
		return &ValidationError{Field: "totals", Reason: "tax, delivery fee and discount must not be negative"}
	}
	if want := subtotal + r.TaxCents + r.DeliveryFeeCents - r.DiscountCents; r.TotalCents != want {
		return &ValidationError{
			Field:  "total_cents",
			Reason: fmt.Sprintf("does not reconcile: got %d, computed %d", r.TotalCents, want),
		}
	}
	return nil
}
