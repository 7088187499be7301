package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakala/fulfillment/internal/events"
	"github.com/wakala/fulfillment/internal/payment"
	"github.com/wakala/fulfillment/internal/payment/gateway"
)

type stubLister struct {
	txns []gateway.Transaction
	err  error
}

func (s *stubLister) ListTransactions(context.Context, time.Time) ([]gateway.Transaction, error) {
	return s.txns, s.err
}

type stubIntents struct {
	intents []*payment.Intent
	err     error
}

func (s *stubIntents) ListIntentsByDay(context.Context, string, time.Time) ([]*payment.Intent, error) {
	return s.intents, s.err
}

func intent(id, ref string, amount int64, status payment.IntentStatus) *payment.Intent {
	return &payment.Intent{
		ID:          id,
		OrderID:     "ord-" + id,
		TenantID:    "spaza-001",
		Gateway:     "cardstream",
		ProviderRef: ref,
		AmountCents: amount,
		Currency:    "ZAR",
		Status:      status,
	}
}

func TestRunClassifiesEveryCase(t *testing.T) {
	day := time.Date(2026, time.March, 14, 0, 0, 0, 0, time.UTC)

	ledger := &stubIntents{intents: []*payment.Intent{
		intent("1", "ch_ok", 20000, payment.IntentCaptured),       // matched
		intent("2", "ch_amount", 15000, payment.IntentCaptured),   // amount differs
		intent("3", "ch_status", 9900, payment.IntentAuthorized),  // captured their side
		intent("4", "ch_local", 31000, payment.IntentCaptured),    // unknown to provider
		intent("5", "ch_declined", 5000, payment.IntentDeclined),  // declined both sides
		intent("6", "", 700, payment.IntentFailed),                // never reached a provider
		intent("7", "ch_pending", 800, payment.IntentAuthorized),  // still pending; absence is fine
	}}

	lister := &stubLister{txns: []gateway.Transaction{
		{ProviderRef: "ch_ok", AmountCents: 20000, Status: gateway.StatusCaptured},
		{ProviderRef: "ch_amount", AmountCents: 15500, Status: gateway.StatusCaptured},
		{ProviderRef: "ch_status", AmountCents: 9900, Status: gateway.StatusCaptured},
		{ProviderRef: "ch_declined", AmountCents: 5000, Status: gateway.StatusDeclined},
		{ProviderRef: "ch_ghost", AmountCents: 12345, Status: gateway.StatusCaptured},
	}}

	pub := events.NewMemoryPublisher()
	e := NewEngine(ledger, pub)
	e.Register("cardstream", lister)

	reports, err := e.Run(context.Background(), "spaza-001", day)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	rep := reports[0]
	assert.Equal(t, 2, rep.Matched, "ch_ok and ch_declined agree")

	byClass := map[Classification][]Discrepancy{}
	for _, d := range rep.Discrepancies {
		byClass[d.Classification] = append(byClass[d.Classification], d)
	}

	require.Len(t, byClass[ClassAmountMismatch], 1)
	assert.Equal(t, "ch_amount", byClass[ClassAmountMismatch][0].ProviderRef)
	assert.Equal(t, int64(15000), byClass[ClassAmountMismatch][0].LedgerAmount)
	assert.Equal(t, int64(15500), byClass[ClassAmountMismatch][0].GatewayAmount)

	require.Len(t, byClass[ClassStatusMismatch], 1)
	assert.Equal(t, "ch_status", byClass[ClassStatusMismatch][0].ProviderRef)

	require.Len(t, byClass[ClassMissingInGateway], 1)
	assert.Equal(t, "ch_local", byClass[ClassMissingInGateway][0].ProviderRef)

	require.Len(t, byClass[ClassMissingInLedger], 1)
	assert.Equal(t, "ch_ghost", byClass[ClassMissingInLedger][0].ProviderRef)

	// One event per non-matched row. A settled transaction we have no
	// intent for asks the coordinator to re-check; everything else is an
	// operator-facing discrepancy.
	assert.Len(t, pub.OfType(events.TypeReconciliationDiscrepancy), 3)
	recheck := pub.OfType(events.TypeSagaRecheckRequested)
	require.Len(t, recheck, 1)

	var missing Discrepancy
	require.NoError(t, json.Unmarshal(recheck[0].Payload, &missing))
	assert.Equal(t, ClassMissingInLedger, missing.Classification)
	assert.Equal(t, "ch_ghost", missing.ProviderRef)
}

func TestRunRecheckFiresOnlyForMissingInLedger(t *testing.T) {
	day := time.Date(2026, time.March, 14, 0, 0, 0, 0, time.UTC)

	ledger := &stubIntents{intents: []*payment.Intent{
		intent("1", "ch_amount", 15000, payment.IntentCaptured),
		intent("2", "ch_local", 31000, payment.IntentCaptured),
	}}
	lister := &stubLister{txns: []gateway.Transaction{
		{ProviderRef: "ch_amount", AmountCents: 15500, Status: gateway.StatusCaptured},
	}}

	pub := events.NewMemoryPublisher()
	e := NewEngine(ledger, pub)
	e.Register("cardstream", lister)

	_, err := e.Run(context.Background(), "spaza-001", day)
	require.NoError(t, err)

	assert.Len(t, pub.OfType(events.TypeReconciliationDiscrepancy), 2)
	assert.Empty(t, pub.OfType(events.TypeSagaRecheckRequested))
}

func TestRunFailsWhenProviderReportUnavailable(t *testing.T) {
	e := NewEngine(&stubIntents{}, events.NewMemoryPublisher())
	e.Register("cardstream", &stubLister{err: assert.AnError})

	_, err := e.Run(context.Background(), "spaza-001", time.Now())
	require.Error(t, err)
}

func TestRunCleanDayEmitsNothing(t *testing.T) {
	day := time.Date(2026, time.March, 14, 0, 0, 0, 0, time.UTC)
	ledger := &stubIntents{intents: []*payment.Intent{
		intent("1", "ch_1", 100, payment.IntentCaptured),
	}}
	lister := &stubLister{txns: []gateway.Transaction{
		{ProviderRef: "ch_1", AmountCents: 100, Status: gateway.StatusCaptured},
	}}

	pub := events.NewMemoryPublisher()
	e := NewEngine(ledger, pub)
	e.Register("cardstream", lister)

	reports, err := e.Run(context.Background(), "spaza-001", day)
	require.NoError(t, err)
	assert.Equal(t, 1, reports[0].Matched)
	assert.Empty(t, reports[0].Discrepancies)
	assert.Empty(t, pub.Events())
}
