package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakala/fulfillment/internal/events"
	"github.com/wakala/fulfillment/internal/idempotency"
	"github.com/wakala/fulfillment/internal/inventory"
	"github.com/wakala/fulfillment/internal/ledger"
	"github.com/wakala/fulfillment/internal/order"
	"github.com/wakala/fulfillment/internal/payment"
	"github.com/wakala/fulfillment/internal/payment/gateway"
	"github.com/wakala/fulfillment/internal/saga/sagalog"
)

// stubPayments scripts one orchestrator outcome per call, persisting the
// intent the way the real orchestrator does so webhook lookups find it.
type stubPayments struct {
	store   ledger.Store
	results []payment.Result
	errs    []error

	charges int
	refunds []*payment.Intent
}

func (s *stubPayments) Charge(ctx context.Context, o *order.Order, method gateway.Method, epoch int) (payment.Result, error) {
	i := s.charges
	s.charges++
	if i < len(s.errs) && s.errs[i] != nil {
		return payment.Result{}, s.errs[i]
	}
	if i >= len(s.results) {
		return payment.Result{}, fmt.Errorf("unexpected charge call %d", i)
	}
	res := s.results[i]
	if res.Intent != nil {
		in := *res.Intent
		in.ID = uuid.NewString()
		in.OrderID = o.ID
		in.TenantID = o.TenantID
		in.AmountCents = o.Totals.TotalCents
		in.Currency = o.Currency
		in.CreatedAt = time.Now().UTC()
		in.UpdatedAt = in.CreatedAt
		if err := s.store.SaveIntent(ctx, &in); err != nil {
			return payment.Result{}, err
		}
		res.Intent = &in
	}
	return res, nil
}

func (s *stubPayments) Refund(ctx context.Context, in *payment.Intent) error {
	s.refunds = append(s.refunds, in)
	in.Status = payment.IntentRefunded
	return s.store.SaveIntent(ctx, in)
}

// failingSaveStore breaks a single SaveOrder call, counting from one.
type failingSaveStore struct {
	ledger.Store
	calls  int
	failOn int
}

func (s *failingSaveStore) SaveOrder(ctx context.Context, o *order.Order) error {
	s.calls++
	if s.calls == s.failOn {
		return errors.New("ledger unavailable")
	}
	return s.Store.SaveOrder(ctx, o)
}

// failingRelease makes the compensation path itself break.
type failingRelease struct {
	inventory.Client
}

func (f *failingRelease) Release(context.Context, []string) error {
	return errors.New("inventory service unreachable")
}

type fixture struct {
	coord    *Coordinator
	payments *stubPayments
	stock    *inventory.MemoryClient
	store    *ledger.MemoryStore
	pub      *events.MemoryPublisher
	logrepo  *sagalog.MemoryRepository
	lease    Lease
}

func newFixture(t *testing.T, results []payment.Result, errs []error) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	f := &fixture{
		payments: &stubPayments{store: store, results: results, errs: errs},
		stock:    inventory.NewMemoryClient(map[string]int{"sku-maize": 10, "sku-oil": 4}, 0),
		store:    store,
		pub:      events.NewMemoryPublisher(),
		logrepo:  sagalog.NewMemoryRepository(),
		lease:    NewMemoryLease(),
	}
	f.coord = NewCoordinator(f.stock, f.payments, f.store, f.pub, f.lease, idempotency.NewMemoryStore(), f.logrepo)
	return f
}

func createReq(requestID string) order.CreateRequest {
	return order.CreateRequest{
		RequestID:  requestID,
		TenantID:   "spaza-001",
		CustomerID: "cust-777",
		Currency:   "ZAR",
		Items: []order.LineItem{
			{ProductID: "sku-maize", Quantity: 2, UnitPriceCents: 7500},
			{ProductID: "sku-oil", Quantity: 1, UnitPriceCents: 5400},
		},
		TaxCents:         3060,
		DeliveryFeeCents: 1500,
		PaymentMethod:    string(gateway.MethodCard),
		TotalCents:       24960,
	}
}

func capturedResult() payment.Result {
	return payment.Result{
		Outcome: payment.OutcomeCaptured,
		Intent:  &payment.Intent{Gateway: "cardstream", ProviderRef: "ch_" + uuid.NewString()[:8], Status: payment.IntentCaptured},
	}
}

func authorizedResult(providerRef string) payment.Result {
	return payment.Result{
		Outcome: payment.OutcomeAuthorized,
		Intent:  &payment.Intent{Gateway: "instanteft", ProviderRef: providerRef, Status: payment.IntentAuthorized},
	}
}

func TestStartSagaHappyPath(t *testing.T) {
	f := newFixture(t, []payment.Result{capturedResult()}, nil)

	o, err := f.coord.StartSaga(context.Background(), createReq("req-1"))
	require.NoError(t, err)
	require.NotNil(t, o)

	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Equal(t, 1, f.payments.charges)

	// Stock committed, not returned.
	assert.Equal(t, 8, f.stock.Stock("sku-maize"))
	assert.Equal(t, 3, f.stock.Stock("sku-oil"))
	for _, id := range o.ReservationIDs {
		r, ok := f.stock.Get(id)
		require.True(t, ok)
		assert.Equal(t, inventory.ReservationCommitted, r.Status)
	}

	assert.Len(t, f.pub.OfType(events.TypeOrderCreated), 1)
	assert.Len(t, f.pub.OfType(events.TypeOrderConfirmed), 1)
	assert.Empty(t, f.pub.OfType(events.TypeOrderCancelled))

	latest, err := f.logrepo.Latest(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompleted, latest.Status)

	stored, err := f.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, stored.Status)
}

func TestStartSagaDeclinedCancelsAndReleases(t *testing.T) {
	f := newFixture(t, []payment.Result{{
		Outcome: payment.OutcomeDeclined,
		Intent:  &payment.Intent{Gateway: "cardstream", Status: payment.IntentDeclined},
		Reason:  "insufficient_funds",
	}}, nil)

	o, err := f.coord.StartSaga(context.Background(), createReq("req-2"))
	require.Error(t, err)

	var declined *payment.DeclinedError
	require.ErrorAs(t, err, &declined)
	assert.Equal(t, "cardstream", declined.Gateway)

	assert.Equal(t, order.StatusCancelled, o.Status)

	// Every unit of stock came back.
	assert.Equal(t, 10, f.stock.Stock("sku-maize"))
	assert.Equal(t, 4, f.stock.Stock("sku-oil"))
	for _, id := range o.ReservationIDs {
		r, ok := f.stock.Get(id)
		require.True(t, ok)
		assert.Equal(t, inventory.ReservationReleased, r.Status)
	}

	// A declined captured nothing, so nothing to refund.
	assert.Empty(t, f.payments.refunds)

	assert.Len(t, f.pub.OfType(events.TypePaymentFailed), 1)
	assert.Len(t, f.pub.OfType(events.TypeOrderCancelled), 1)
}

func TestStartSagaInsufficientStock(t *testing.T) {
	f := newFixture(t, nil, nil)
	req := createReq("req-3")
	req.Items[0].Quantity = 50
	req.TotalCents = 50*7500 + 5400 + 3060 + 1500

	o, err := f.coord.StartSaga(context.Background(), req)
	require.Error(t, err)

	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Zero(t, f.payments.charges)
	assert.Equal(t, 10, f.stock.Stock("sku-maize"))
}

func TestStartSagaDuplicateRequestReturnsExistingOrder(t *testing.T) {
	f := newFixture(t, []payment.Result{capturedResult()}, nil)
	ctx := context.Background()

	first, err := f.coord.StartSaga(ctx, createReq("req-4"))
	require.NoError(t, err)

	second, err := f.coord.StartSaga(ctx, createReq("req-4"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.payments.charges)
	assert.Len(t, f.pub.OfType(events.TypeOrderCreated), 1)
	assert.Equal(t, 8, f.stock.Stock("sku-maize"))
}

func TestStartSagaRejectsConcurrentExecution(t *testing.T) {
	f := newFixture(t, []payment.Result{capturedResult()}, nil)
	ctx := context.Background()

	// Simulate another worker holding this order's lease. The order ID is
	// not known up front, so hold every acquire by swapping the lease for
	// one that always refuses.
	f.coord.lease = deniedLease{}

	_, err := f.coord.StartSaga(ctx, createReq("req-5"))
	require.ErrorIs(t, err, ErrSagaInProgress)
	assert.Zero(t, f.payments.charges)
}

type deniedLease struct{}

func (deniedLease) Acquire(context.Context, string, time.Duration) (bool, error) { return false, nil }
func (deniedLease) Release(context.Context, string) error                        { return nil }

func TestStartSagaValidationRejectedBeforeSideEffects(t *testing.T) {
	f := newFixture(t, nil, nil)
	req := createReq("req-6")
	req.TotalCents = 1 // does not reconcile

	_, err := f.coord.StartSaga(context.Background(), req)

	var verr *order.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "total_cents", verr.Field)
	assert.Empty(t, f.pub.Events())
	assert.Equal(t, 10, f.stock.Stock("sku-maize"))
}

func TestAsyncPaymentPausesThenWebhookConfirms(t *testing.T) {
	f := newFixture(t, []payment.Result{authorizedResult("eft_abc123")}, nil)
	ctx := context.Background()

	o, err := f.coord.StartSaga(ctx, createReq("req-7"))
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaymentPending, o.Status)

	latest, err := f.logrepo.Latest(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusAwaiting, latest.Status)

	// Stock stays held while we wait.
	assert.Equal(t, 8, f.stock.Stock("sku-maize"))

	require.NoError(t, f.coord.HandlePaymentUpdate(ctx, "spaza-001", "eft_abc123", gateway.StatusCaptured, []byte(`{"status":"COMPLETE"}`)))

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, stored.Status)

	in, err := f.store.GetIntentByProviderRef(ctx, "eft_abc123")
	require.NoError(t, err)
	assert.Equal(t, payment.IntentCaptured, in.Status)

	for _, id := range stored.ReservationIDs {
		r, ok := f.stock.Get(id)
		require.True(t, ok)
		assert.Equal(t, inventory.ReservationCommitted, r.Status)
	}
	assert.Len(t, f.pub.OfType(events.TypeOrderConfirmed), 1)

	// A redelivered capture is a no-op: the order already moved on.
	require.NoError(t, f.coord.HandlePaymentUpdate(ctx, "spaza-001", "eft_abc123", gateway.StatusCaptured, nil))
	assert.Len(t, f.pub.OfType(events.TypeOrderConfirmed), 1)
}

func TestPausePersistFailureCompensates(t *testing.T) {
	f := newFixture(t, []payment.Result{authorizedResult("eft_lost01")}, nil)
	// The fourth write is the persist of the awaiting order just before
	// the saga pauses for the webhook.
	f.coord.ledger = &failingSaveStore{Store: f.store, failOn: 4}

	o, err := f.coord.StartSaga(context.Background(), createReq("req-lost"))
	require.Error(t, err)

	// An order that never reached the ledger cannot be resumed by the
	// callback, so the saga unwinds: money back, stock back.
	require.Len(t, f.payments.refunds, 1)
	assert.Equal(t, "eft_lost01", f.payments.refunds[0].ProviderRef)
	assert.Equal(t, 10, f.stock.Stock("sku-maize"))
	assert.Equal(t, 4, f.stock.Stock("sku-oil"))

	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Len(t, f.pub.OfType(events.TypeOrderCancelled), 1)
}

func TestWebhookForForeignTenantIsRejected(t *testing.T) {
	f := newFixture(t, []payment.Result{authorizedResult("eft_xt001")}, nil)
	ctx := context.Background()

	o, err := f.coord.StartSaga(ctx, createReq("req-xt"))
	require.NoError(t, err)
	require.Equal(t, order.StatusPaymentPending, o.Status)

	// A delivery authenticated under another tenant must not touch this
	// tenant's intent.
	err = f.coord.HandlePaymentUpdate(ctx, "spaza-002", "eft_xt001", gateway.StatusCaptured, nil)
	require.Error(t, err)

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaymentPending, stored.Status)

	in, err := f.store.GetIntentByProviderRef(ctx, "eft_xt001")
	require.NoError(t, err)
	assert.Equal(t, payment.IntentAuthorized, in.Status)

	// The owning tenant's delivery still lands.
	require.NoError(t, f.coord.HandlePaymentUpdate(ctx, "spaza-001", "eft_xt001", gateway.StatusCaptured, nil))
	stored, err = f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, stored.Status)
}

func TestWebhookDeclineReleasesAndCancels(t *testing.T) {
	f := newFixture(t, []payment.Result{authorizedResult("eft_dec001")}, nil)
	ctx := context.Background()

	o, err := f.coord.StartSaga(ctx, createReq("req-8"))
	require.NoError(t, err)
	require.Equal(t, order.StatusPaymentPending, o.Status)

	require.NoError(t, f.coord.HandlePaymentUpdate(ctx, "spaza-001", "eft_dec001", gateway.StatusDeclined, nil))

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, stored.Status)
	assert.Equal(t, 10, f.stock.Stock("sku-maize"))
	assert.Equal(t, 4, f.stock.Stock("sku-oil"))

	in, err := f.store.GetIntentByProviderRef(ctx, "eft_dec001")
	require.NoError(t, err)
	assert.Equal(t, payment.IntentDeclined, in.Status)

	assert.Len(t, f.pub.OfType(events.TypePaymentFailed), 1)
	assert.Len(t, f.pub.OfType(events.TypeOrderCancelled), 1)
}

func TestLateCaptureForCancelledOrderIsRefunded(t *testing.T) {
	f := newFixture(t, []payment.Result{authorizedResult("eft_late01")}, nil)
	ctx := context.Background()

	o, err := f.coord.StartSaga(ctx, createReq("req-9"))
	require.NoError(t, err)

	cancelled, err := f.coord.Cancel(ctx, o.ID, "customer")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Equal(t, 10, f.stock.Stock("sku-maize"))

	// The provider captured anyway. Money must come back, the order must
	// not be resurrected.
	require.NoError(t, f.coord.HandlePaymentUpdate(ctx, "spaza-001", "eft_late01", gateway.StatusCaptured, nil))

	require.Len(t, f.payments.refunds, 1)
	assert.Equal(t, "eft_late01", f.payments.refunds[0].ProviderRef)

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, stored.Status)
	assert.Len(t, f.pub.OfType(events.TypeReconciliationDiscrepancy), 1)
}

func TestCompensationFailureEndsFailedCompensated(t *testing.T) {
	f := newFixture(t, []payment.Result{{
		Outcome: payment.OutcomeDeclined,
		Intent:  &payment.Intent{Gateway: "cardstream", Status: payment.IntentDeclined},
		Reason:  "do_not_honour",
	}}, nil)
	f.coord.inventory = &failingRelease{Client: f.stock}

	o, err := f.coord.StartSaga(context.Background(), createReq("req-10"))
	require.Error(t, err)

	var compErr *CompensationError
	require.ErrorAs(t, err, &compErr)
	assert.NotEmpty(t, compErr.Failures)

	assert.Equal(t, order.StatusFailedCompensated, o.Status)

	latest, lerr := f.logrepo.Latest(context.Background(), o.ID)
	require.NoError(t, lerr)
	assert.Equal(t, sagalog.StatusFailed, latest.Status)
}

func TestCancelConfirmedOrderRefunds(t *testing.T) {
	f := newFixture(t, []payment.Result{capturedResult()}, nil)
	ctx := context.Background()

	o, err := f.coord.StartSaga(ctx, createReq("req-11"))
	require.NoError(t, err)
	require.Equal(t, order.StatusConfirmed, o.Status)

	cancelled, err := f.coord.Cancel(ctx, o.ID, "agent")
	require.NoError(t, err)

	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	require.Len(t, f.payments.refunds, 1)
	assert.Equal(t, payment.IntentRefunded, f.payments.refunds[0].Status)
	assert.Len(t, f.pub.OfType(events.TypeOrderCancelled), 1)
}

func TestCancelTerminalOrderRejected(t *testing.T) {
	f := newFixture(t, []payment.Result{capturedResult()}, nil)
	ctx := context.Background()

	o, err := f.coord.StartSaga(ctx, createReq("req-12"))
	require.NoError(t, err)
	_, err = f.coord.Cancel(ctx, o.ID, "agent")
	require.NoError(t, err)

	_, err = f.coord.Cancel(ctx, o.ID, "agent")
	require.ErrorIs(t, err, ErrOrderTerminal)
}

func TestFulfillmentLifecycle(t *testing.T) {
	f := newFixture(t, []payment.Result{capturedResult()}, nil)
	ctx := context.Background()

	o, err := f.coord.StartSaga(ctx, createReq("req-13"))
	require.NoError(t, err)

	fulfilling, err := f.coord.StartFulfillment(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfilling, fulfilling.Status)

	done, err := f.coord.CompleteFulfillment(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, done.Status)

	// COMPLETED is terminal.
	_, err = f.coord.StartFulfillment(ctx, o.ID)
	var illegal *order.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
}

func TestSweepExpiredReservations(t *testing.T) {
	f := newFixture(t, []payment.Result{authorizedResult("eft_exp001")}, nil)
	ctx := context.Background()

	o, err := f.coord.StartSaga(ctx, createReq("req-14"))
	require.NoError(t, err)
	require.NotEmpty(t, o.ReservationIDs)

	// Force the mirrored rows past their expiry.
	for _, id := range o.ReservationIDs {
		r, ok := f.store.Reservation(id)
		require.True(t, ok)
		r.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		require.NoError(t, f.store.SaveReservation(ctx, r))
	}

	released, err := f.coord.SweepExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(o.ReservationIDs), released)

	assert.Equal(t, 10, f.stock.Stock("sku-maize"))
	for _, id := range o.ReservationIDs {
		r, ok := f.store.Reservation(id)
		require.True(t, ok)
		assert.Equal(t, inventory.ReservationReleased, r.Status)
	}
}

func TestPaymentEpochCountsAttempts(t *testing.T) {
	o := order.New("t1", "c1", "ZAR", []order.LineItem{{ProductID: "p", Quantity: 1, UnitPriceCents: 100}}, 0, 0, 0)
	assert.Equal(t, 0, paymentEpoch(o))

	require.NoError(t, o.Apply(order.StatusInventoryReserved, "inventory.reserved", "saga"))
	require.NoError(t, o.Apply(order.StatusPaymentPending, "payment.requested", "saga"))
	assert.Equal(t, 1, paymentEpoch(o))
}
