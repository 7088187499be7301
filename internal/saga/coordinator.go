// Package saga coordinates order fulfillment as a sequence of local steps
// with explicit compensations: reserve inventory, charge payment, commit —
// and on any failure, undo in reverse order.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wakala/fulfillment/internal/events"
	"github.com/wakala/fulfillment/internal/idempotency"
	"github.com/wakala/fulfillment/internal/inventory"
	"github.com/wakala/fulfillment/internal/ledger"
	"github.com/wakala/fulfillment/internal/order"
	"github.com/wakala/fulfillment/internal/payment"
	"github.com/wakala/fulfillment/internal/payment/gateway"
	"github.com/wakala/fulfillment/internal/saga/sagalog"
)

// ErrSagaInProgress rejects a concurrent execution for the same order. The
// caller may retry shortly; the saga is never silently interleaved.
var ErrSagaInProgress = errors.New("saga: another execution for this order is in progress")

// ErrOrderTerminal rejects operations on orders that already reached a
// terminal status.
var ErrOrderTerminal = errors.New("saga: order is in a terminal status")

const leaseTTL = 30 * time.Second

// PaymentService is the slice of the payment orchestrator the saga uses.
type PaymentService interface {
	Charge(ctx context.Context, o *order.Order, method gateway.Method, epoch int) (payment.Result, error)
	Refund(ctx context.Context, in *payment.Intent) error
}

// Coordinator is the top-level saga state machine.
type Coordinator struct {
	inventory inventory.Client
	payments  PaymentService
	ledger    ledger.Store
	events    events.Publisher
	lease     Lease
	idem      idempotency.Store
	log       sagalog.Repository
}

// NewCoordinator wires the coordinator's collaborators.
func NewCoordinator(
	inv inventory.Client,
	payments PaymentService,
	store ledger.Store,
	pub events.Publisher,
	lease Lease,
	idem idempotency.Store,
	log sagalog.Repository,
) *Coordinator {
	return &Coordinator{
		inventory: inv,
		payments:  payments,
		ledger:    store,
		events:    pub,
		lease:     lease,
		idem:      idem,
		log:       log,
	}
}

// StartSaga validates the request and drives reserve → charge → confirm.
// A duplicate external request ID returns the existing order instead of
// starting a second saga. On business failure the order is compensated to
// CANCELLED and the typed cause is returned alongside the order.
func (c *Coordinator) StartSaga(ctx context.Context, req order.CreateRequest) (*order.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	o := order.New(req.TenantID, req.CustomerID, req.Currency, req.Items,
		req.TaxCents, req.DeliveryFeeCents, req.DiscountCents)

	// Request-level idempotency: first caller wins the key, everyone else
	// gets the winner's order.
	reqKey := idempotency.Namespaced("request", req.TenantID+":"+req.RequestID)
	won, err := c.idem.PutIfAbsent(ctx, reqKey, []byte(o.ID), idempotency.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("saga: request dedupe: %w", err)
	}
	if !won {
		return c.existingOrder(ctx, reqKey)
	}

	if err := c.ledger.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("saga: persist order: %w", err)
	}
	c.publish(ctx, events.TypeOrderCreated, o, nil)

	locked, err := c.lease.Acquire(ctx, o.ID, leaseTTL)
	if err != nil {
		return o, fmt.Errorf("saga: acquire lease for %s: %w", o.ID, err)
	}
	if !locked {
		return o, ErrSagaInProgress
	}
	defer func() {
		if err := c.lease.Release(context.WithoutCancel(ctx), o.ID); err != nil {
			slog.ErrorContext(ctx, "failed to release saga lease", "order_id", o.ID, "error", err)
		}
	}()

	st := &sagaState{
		order:  o,
		method: gateway.Method(req.PaymentMethod),
		epoch:  paymentEpoch(o),
	}
	payload, _ := json.Marshal(req)
	r := &runner{
		sagaID:   o.ID,
		tenantID: o.TenantID,
		payload:  string(payload),
		steps: []Step{
			&reserveInventoryStep{c: c, st: st},
			&chargePaymentStep{c: c, st: st},
			&commitReservationStep{c: c, st: st},
		},
		log: c.log,
	}

	switch err := r.run(ctx); {
	case err == nil:
		return o, nil
	case errors.Is(err, ErrPause):
		// Waiting for the provider's webhook; the order stays PAYMENT_PENDING.
		return o, nil
	default:
		return o, c.failSaga(ctx, o, err)
	}
}

// existingOrder resolves a duplicate request to the first caller's order.
func (c *Coordinator) existingOrder(ctx context.Context, reqKey string) (*order.Order, error) {
	raw, ok, err := c.idem.Get(ctx, reqKey)
	if err != nil || !ok {
		return nil, ErrSagaInProgress
	}
	o, err := c.ledger.GetOrder(ctx, string(raw))
	if errors.Is(err, ledger.ErrNotFound) {
		// The winner has the key but hasn't persisted yet.
		return nil, ErrSagaInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("saga: load duplicate order: %w", err)
	}
	slog.InfoContext(ctx, "duplicate create request, returning existing order", "order_id", o.ID)
	return o, nil
}

// failSaga records the terminal failure status. Compensations already ran
// inside the runner; here we only classify and emit.
func (c *Coordinator) failSaga(ctx context.Context, o *order.Order, cause error) error {
	var compErr *CompensationError
	if errors.As(cause, &compErr) {
		if err := c.transition(ctx, o, order.StatusFailedCompensated, "saga.compensation_failed"); err != nil {
			slog.ErrorContext(ctx, "CRITICAL: cannot record FAILED_COMPENSATED", "order_id", o.ID, "error", err)
		}
		c.publish(ctx, events.TypePaymentFailed, o, map[string]string{
			"reason": "compensation_failed",
			"detail": cause.Error(),
		})
		return cause
	}

	if err := c.transition(ctx, o, order.StatusCancelled, failureEvent(cause)); err != nil {
		slog.ErrorContext(ctx, "CRITICAL: cannot cancel order after saga failure", "order_id", o.ID, "error", err)
	}

	reason := errorCode(cause)
	var declined *payment.DeclinedError
	var noGW *payment.NoAvailableGatewayError
	if errors.As(cause, &declined) || errors.As(cause, &noGW) {
		c.publish(ctx, events.TypePaymentFailed, o, map[string]string{"reason": reason, "detail": cause.Error()})
	}
	c.publish(ctx, events.TypeOrderCancelled, o, map[string]string{"reason": reason})
	return cause
}

// Cancel handles a customer-initiated cancel. While the order is CREATED,
// INVENTORY_RESERVED or PAYMENT_PENDING it aborts the saga; once CONFIRMED
// it becomes a refund-and-release compensation flow.
func (c *Coordinator) Cancel(ctx context.Context, orderID, actor string) (*order.Order, error) {
	locked, err := c.lease.Acquire(ctx, orderID, leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("saga: acquire lease for %s: %w", orderID, err)
	}
	if !locked {
		return nil, ErrSagaInProgress
	}
	defer func() { _ = c.lease.Release(context.WithoutCancel(ctx), orderID) }()

	o, err := c.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return o, ErrOrderTerminal
	}

	if !o.Cancellable() {
		// Refund-and-release: money back first, then the stock.
		if in, err := c.ledger.GetIntentByOrderID(ctx, orderID); err == nil {
			if in.Status == payment.IntentCaptured || in.Status == payment.IntentAuthorized {
				if err := c.payments.Refund(ctx, in); err != nil {
					return o, fmt.Errorf("saga: refund on cancel of %s: %w", orderID, err)
				}
			}
		}
	}
	if len(o.ReservationIDs) > 0 {
		if err := c.inventory.Release(ctx, o.ReservationIDs); err != nil {
			return o, fmt.Errorf("saga: release on cancel of %s: %w", orderID, err)
		}
		c.markReservations(ctx, o.ReservationIDs, inventory.ReservationReleased)
	}

	if err := c.transition(ctx, o, order.StatusCancelled, "cancel.requested"); err != nil {
		return o, err
	}
	c.publish(ctx, events.TypeOrderCancelled, o, map[string]string{"reason": "cancel_requested", "actor": actor})
	return o, nil
}

// HandlePaymentUpdate applies an asynchronous provider callback to the
// intent and, when relevant, resumes or compensates the saga. Callers must
// have deduplicated the delivery already (webhook package). A non-empty
// tenantID must match the intent's tenant; a delivery authenticated under
// one tenant never mutates another tenant's payment state.
func (c *Coordinator) HandlePaymentUpdate(ctx context.Context, tenantID, providerRef string, status gateway.Status, raw []byte) error {
	in, err := c.ledger.GetIntentByProviderRef(ctx, providerRef)
	if err != nil {
		return fmt.Errorf("saga: webhook for unknown provider ref %q: %w", providerRef, err)
	}
	if tenantID != "" && in.TenantID != tenantID {
		return fmt.Errorf("saga: webhook tenant %q does not own provider ref %q", tenantID, providerRef)
	}

	locked, err := c.lease.Acquire(ctx, in.OrderID, leaseTTL)
	if err != nil {
		return fmt.Errorf("saga: acquire lease for %s: %w", in.OrderID, err)
	}
	if !locked {
		return ErrSagaInProgress
	}
	defer func() { _ = c.lease.Release(context.WithoutCancel(ctx), in.OrderID) }()

	o, err := c.ledger.GetOrder(ctx, in.OrderID)
	if err != nil {
		return err
	}

	switch {
	case status == gateway.StatusCaptured && o.Status == order.StatusPaymentPending:
		c.updateIntent(ctx, in, payment.IntentCaptured, raw)
		if err := c.transition(ctx, o, order.StatusPaymentConfirmed, "payment.confirmed"); err != nil {
			return err
		}
		if err := c.inventory.Commit(ctx, o.ReservationIDs); err != nil {
			return fmt.Errorf("saga: commit reservations for %s: %w", o.ID, err)
		}
		c.markReservations(ctx, o.ReservationIDs, inventory.ReservationCommitted)
		if err := c.confirm(ctx, o); err != nil {
			return err
		}
		c.record(ctx, o, sagalog.StatusCompleted, "webhook_confirm", nil)
		return nil

	case status == gateway.StatusDeclined && o.Status == order.StatusPaymentPending:
		c.updateIntent(ctx, in, payment.IntentDeclined, raw)
		if len(o.ReservationIDs) > 0 {
			if err := c.inventory.Release(ctx, o.ReservationIDs); err != nil {
				c.record(ctx, o, sagalog.StatusFailed, "webhook_decline", []string{err.Error()})
				return fmt.Errorf("saga: release reservations for %s: %w", o.ID, err)
			}
			c.markReservations(ctx, o.ReservationIDs, inventory.ReservationReleased)
		}
		if err := c.transition(ctx, o, order.StatusCancelled, "payment.declined"); err != nil {
			return err
		}
		c.publish(ctx, events.TypePaymentFailed, o, map[string]string{"reason": "payment_declined"})
		c.publish(ctx, events.TypeOrderCancelled, o, map[string]string{"reason": "payment_declined"})
		c.record(ctx, o, sagalog.StatusCompensated, "webhook_decline", nil)
		return nil

	case status == gateway.StatusCaptured && o.Status == order.StatusCancelled:
		// Late capture after compensation: money moved for a dead order.
		// Refund it and alert an operator; never apply a forward transition.
		c.updateIntent(ctx, in, payment.IntentCaptured, raw)
		if err := c.payments.Refund(ctx, in); err != nil {
			return fmt.Errorf("saga: refund late capture for %s: %w", o.ID, err)
		}
		c.publish(ctx, events.TypeReconciliationDiscrepancy, o, map[string]string{
			"reason":       "late_capture_refunded",
			"provider_ref": providerRef,
		})
		slog.WarnContext(ctx, "late capture for cancelled order refunded",
			"order_id", o.ID, "provider_ref", providerRef)
		return nil

	default:
		slog.InfoContext(ctx, "webhook ignored for current order status",
			"order_id", o.ID, "order_status", o.Status, "payment_status", status)
		return nil
	}
}

// StartFulfillment moves a confirmed order into FULFILLING when the
// dispatch collaborator picks it up.
func (c *Coordinator) StartFulfillment(ctx context.Context, orderID string) (*order.Order, error) {
	return c.simpleTransition(ctx, orderID, order.StatusFulfilling, "fulfillment.started")
}

// CompleteFulfillment closes the saga on the fulfillment.completed event.
func (c *Coordinator) CompleteFulfillment(ctx context.Context, orderID string) (*order.Order, error) {
	return c.simpleTransition(ctx, orderID, order.StatusCompleted, "fulfillment.completed")
}

func (c *Coordinator) simpleTransition(ctx context.Context, orderID string, to order.Status, event string) (*order.Order, error) {
	locked, err := c.lease.Acquire(ctx, orderID, leaseTTL)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrSagaInProgress
	}
	defer func() { _ = c.lease.Release(context.WithoutCancel(ctx), orderID) }()

	o, err := c.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := c.transition(ctx, o, to, event); err != nil {
		return o, err
	}
	return o, nil
}

// SweepExpiredReservations releases every mirrored reservation past its
// expiry. Run on a timer; returns the number released.
func (c *Coordinator) SweepExpiredReservations(ctx context.Context) (int, error) {
	expired, err := c.ledger.ListExpiredActiveReservations(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	released := 0
	for _, r := range expired {
		if err := c.inventory.Release(ctx, []string{r.ID}); err != nil {
			slog.ErrorContext(ctx, "failed to release expired reservation",
				"reservation_id", r.ID, "order_id", r.OrderID, "error", err)
			continue
		}
		if err := c.ledger.UpdateReservationStatus(ctx, r.ID, inventory.ReservationReleased); err != nil {
			slog.ErrorContext(ctx, "failed to mark expired reservation released",
				"reservation_id", r.ID, "error", err)
			continue
		}
		released++
	}
	if released > 0 {
		slog.InfoContext(ctx, "released expired reservations", "count", released)
	}
	return released, nil
}

// --- helpers ---

// transition applies a status change and persists the order atomically
// from the saga's point of view.
func (c *Coordinator) transition(ctx context.Context, o *order.Order, to order.Status, event string) error {
	if err := o.Apply(to, event, "saga"); err != nil {
		return err
	}
	if err := c.ledger.SaveOrder(ctx, o); err != nil {
		return fmt.Errorf("saga: persist order %s at %s: %w", o.ID, to, err)
	}
	return nil
}

// confirm finishes the forward path: CONFIRMED plus the event downstream
// fulfillment listens for.
func (c *Coordinator) confirm(ctx context.Context, o *order.Order) error {
	if err := c.transition(ctx, o, order.StatusConfirmed, "order.confirmed"); err != nil {
		return err
	}
	c.publish(ctx, events.TypeOrderConfirmed, o, map[string]any{
		"total_cents": o.Totals.TotalCents,
		"currency":    o.Currency,
	})
	return nil
}

func (c *Coordinator) updateIntent(ctx context.Context, in *payment.Intent, status payment.IntentStatus, raw []byte) {
	in.Status = status
	if len(raw) > 0 {
		in.Raw = raw
	}
	in.UpdatedAt = time.Now().UTC()
	if err := c.ledger.SaveIntent(ctx, in); err != nil {
		slog.ErrorContext(ctx, "failed to persist intent update", "intent_id", in.ID, "error", err)
	}
}

func (c *Coordinator) mirrorReservations(ctx context.Context, o *order.Order, ids []string, items []inventory.Item) {
	expiry := time.Now().UTC().Add(inventory.DefaultReservationTTL)
	for i, id := range ids {
		if i >= len(items) {
			break
		}
		err := c.ledger.SaveReservation(ctx, ledger.Reservation{
			Reservation: inventory.Reservation{
				ID:        id,
				ProductID: items[i].ProductID,
				Quantity:  items[i].Quantity,
				OrderID:   o.ID,
				ExpiresAt: expiry,
				Status:    inventory.ReservationActive,
			},
			TenantID: o.TenantID,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to mirror reservation", "reservation_id", id, "error", err)
		}
	}
}

func (c *Coordinator) markReservations(ctx context.Context, ids []string, status inventory.ReservationStatus) {
	for _, id := range ids {
		if err := c.ledger.UpdateReservationStatus(ctx, id, status); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			slog.ErrorContext(ctx, "failed to update mirrored reservation",
				"reservation_id", id, "status", status, "error", err)
		}
	}
}

func (c *Coordinator) publish(ctx context.Context, eventType string, o *order.Order, payload any) {
	ev := events.New(eventType, o.TenantID, o.ID, payload)
	if err := c.events.Publish(ctx, ev); err != nil {
		// At-least-once delivery is the reconciler's safety net; log and go on.
		slog.ErrorContext(ctx, "failed to publish event", "type", eventType, "order_id", o.ID, "error", err)
	}
}

func (c *Coordinator) record(ctx context.Context, o *order.Order, status sagalog.Status, step string, errs []string) {
	if err := c.log.Save(ctx, sagalog.NewEntry(ctx, o.ID, o.TenantID, status, step, "", errs)); err != nil {
		slog.ErrorContext(ctx, "failed to persist saga log entry", "order_id", o.ID, "error", err)
	}
}

// paymentEpoch derives the charge attempt epoch from how many payment
// attempts the order has recorded, so a deliberate later retry gets a new
// idempotency key while a duplicate of the same attempt replays the stored
// result.
func paymentEpoch(o *order.Order) int {
	n := 0
	for _, tr := range o.History {
		if tr.Event == "payment.requested" {
			n++
		}
	}
	return n
}

// failureEvent names the history entry for the compensated transition.
func failureEvent(cause error) string {
	var declined *payment.DeclinedError
	var insufficient *inventory.InsufficientStockError
	var noGW *payment.NoAvailableGatewayError
	switch {
	case errors.As(cause, &declined):
		return "payment.declined"
	case errors.As(cause, &insufficient):
		return "inventory.insufficient"
	case errors.As(cause, &noGW):
		return "payment.no_gateway"
	default:
		return "saga.failed"
	}
}

// errorCode extracts the stable machine-readable code from a typed error.
func errorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "internal_error"
}
