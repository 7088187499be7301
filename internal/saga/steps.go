package saga

import (
	"context"
	"fmt"

	"github.com/wakala/fulfillment/internal/inventory"
	"github.com/wakala/fulfillment/internal/order"
	"github.com/wakala/fulfillment/internal/payment"
	"github.com/wakala/fulfillment/internal/payment/gateway"
)

// sagaState is the mutable context shared by the steps of one execution.
// A single order's saga runs sequentially, so no locking is needed here.
type sagaState struct {
	order  *order.Order
	method gateway.Method
	epoch  int

	reservationIDs []string
	result         payment.Result
}

// --- reserveInventoryStep ---

type reserveInventoryStep struct {
	c  *Coordinator
	st *sagaState
}

func (s *reserveInventoryStep) Name() string { return "inventory_reserve" }

func (s *reserveInventoryStep) Execute(ctx context.Context) error {
	o := s.st.order
	items := make([]inventory.Item, len(o.Items))
	for i, it := range o.Items {
		items[i] = inventory.Item{ProductID: it.ProductID, Quantity: it.Quantity}
	}

	ids, err := s.c.inventory.Reserve(ctx, items, o.ID)
	if err != nil {
		return err // InsufficientStockError aborts the saga immediately
	}
	s.st.reservationIDs = ids
	o.ReservationIDs = ids
	s.c.mirrorReservations(ctx, o, ids, items)

	if err := s.c.transition(ctx, o, order.StatusInventoryReserved, "inventory.reserved"); err != nil {
		return err
	}
	return nil
}

func (s *reserveInventoryStep) Compensate(ctx context.Context) error {
	if len(s.st.reservationIDs) == 0 {
		return nil
	}
	if err := s.c.inventory.Release(ctx, s.st.reservationIDs); err != nil {
		return fmt.Errorf("release reservations for order %s: %w", s.st.order.ID, err)
	}
	s.c.markReservations(ctx, s.st.reservationIDs, inventory.ReservationReleased)
	return nil
}

// --- chargePaymentStep ---

type chargePaymentStep struct {
	c  *Coordinator
	st *sagaState
}

func (s *chargePaymentStep) Name() string { return "payment_charge" }

func (s *chargePaymentStep) Execute(ctx context.Context) error {
	o := s.st.order
	if err := s.c.transition(ctx, o, order.StatusPaymentPending, "payment.requested"); err != nil {
		return err
	}

	res, err := s.c.payments.Charge(ctx, o, s.st.method, s.st.epoch)
	if err != nil {
		return err // NoAvailableGatewayError or infrastructure failure
	}
	s.st.result = res
	if res.Intent != nil {
		o.PaymentIntentID = res.Intent.ID
	}

	switch res.Outcome {
	case payment.OutcomeDeclined:
		return &payment.DeclinedError{Gateway: intentGateway(res.Intent), Reason: res.Reason}
	case payment.OutcomeFailed:
		return fmt.Errorf("payment for order %s failed: %s", o.ID, res.Reason)
	case payment.OutcomeAuthorized:
		// Final CAPTURED/DECLINED arrives on the webhook endpoint. The
		// intent reference must be on disk before we pause, or the
		// callback has nothing to resume.
		if err := s.c.ledger.SaveOrder(ctx, o); err != nil {
			return fmt.Errorf("persist order %s before pause: %w", o.ID, err)
		}
		return ErrPause
	default:
		return s.c.transition(ctx, o, order.StatusPaymentConfirmed, "payment.confirmed")
	}
}

func (s *chargePaymentStep) Compensate(ctx context.Context) error {
	in := s.st.result.Intent
	if in == nil || (in.Status != payment.IntentCaptured && in.Status != payment.IntentAuthorized) {
		return nil
	}
	if err := s.c.payments.Refund(ctx, in); err != nil {
		return fmt.Errorf("refund for order %s: %w", s.st.order.ID, err)
	}
	return nil
}

// --- commitReservationStep ---

type commitReservationStep struct {
	c  *Coordinator
	st *sagaState
}

func (s *commitReservationStep) Name() string { return "inventory_commit" }

func (s *commitReservationStep) Execute(ctx context.Context) error {
	if err := s.c.inventory.Commit(ctx, s.st.reservationIDs); err != nil {
		return fmt.Errorf("commit reservations for order %s: %w", s.st.order.ID, err)
	}
	s.c.markReservations(ctx, s.st.reservationIDs, inventory.ReservationCommitted)
	return s.c.confirm(ctx, s.st.order)
}

// Committed stock cannot be un-committed; a failure after this point is an
// operator problem, not a saga rollback.
func (s *commitReservationStep) Compensate(ctx context.Context) error { return nil }

func intentGateway(in *payment.Intent) string {
	if in == nil {
		return ""
	}
	return in.Gateway
}
