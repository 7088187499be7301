// Package reconcile compares the local payment intent ledger against each
// provider's settlement report and classifies every difference. It reports
// only; financial state is never mutated here.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wakala/fulfillment/internal/events"
	"github.com/wakala/fulfillment/internal/payment"
	"github.com/wakala/fulfillment/internal/payment/gateway"
)

// Classification names what kind of difference a row represents.
type Classification string

const (
	// ClassMatched: reference, amount and status all agree.
	ClassMatched Classification = "matched"
	// ClassMissingInLedger: the provider settled money we have no intent
	// for. The most serious class; triggers a saga re-check.
	ClassMissingInLedger Classification = "missing_in_ledger"
	// ClassMissingInGateway: we recorded a capture the provider does not
	// report. Money may not have moved.
	ClassMissingInGateway Classification = "missing_in_gateway"
	// ClassAmountMismatch: reference matches, amounts differ.
	ClassAmountMismatch Classification = "amount_mismatch"
	// ClassStatusMismatch: reference matches, terminal statuses differ.
	ClassStatusMismatch Classification = "status_mismatch"
)

// Discrepancy is one non-matching row, with both sides' view attached.
type Discrepancy struct {
	Classification Classification       `json:"classification"`
	Gateway        string               `json:"gateway"`
	ProviderRef    string               `json:"provider_ref"`
	OrderID        string               `json:"order_id,omitempty"`
	IntentID       string               `json:"intent_id,omitempty"`
	LedgerAmount   int64                `json:"ledger_amount_cents,omitempty"`
	GatewayAmount  int64                `json:"gateway_amount_cents,omitempty"`
	LedgerStatus   payment.IntentStatus `json:"ledger_status,omitempty"`
	GatewayStatus  gateway.Status       `json:"gateway_status,omitempty"`
}

// Report is the outcome of reconciling one gateway for one day.
type Report struct {
	Gateway       string        `json:"gateway"`
	Day           time.Time     `json:"day"`
	Matched       int           `json:"matched"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// IntentLister is the slice of the ledger the engine reads.
type IntentLister interface {
	ListIntentsByDay(ctx context.Context, tenantID string, day time.Time) ([]*payment.Intent, error)
}

// Engine reconciles every registered gateway's daily settlement report.
type Engine struct {
	listers map[string]gateway.TransactionLister
	ledger  IntentLister
	events  events.Publisher
}

func NewEngine(ledger IntentLister, pub events.Publisher) *Engine {
	return &Engine{
		listers: make(map[string]gateway.TransactionLister),
		ledger:  ledger,
		events:  pub,
	}
}

// Register adds a gateway's transaction source. Gateways without one (cash
// on delivery) are simply never registered.
func (e *Engine) Register(name string, l gateway.TransactionLister) {
	e.listers[name] = l
}

// Run reconciles one tenant's intents for one day across every registered
// gateway. A gateway whose report cannot be fetched fails the run; a
// partial comparison would misclassify everything as missing.
func (e *Engine) Run(ctx context.Context, tenantID string, day time.Time) ([]Report, error) {
	intents, err := e.ledger.ListIntentsByDay(ctx, tenantID, day)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list intents for %s: %w", day.Format("2006-01-02"), err)
	}

	byGateway := make(map[string]map[string]*payment.Intent)
	for _, in := range intents {
		if in.ProviderRef == "" {
			continue // never reached a provider, nothing to match
		}
		m, ok := byGateway[in.Gateway]
		if !ok {
			m = make(map[string]*payment.Intent)
			byGateway[in.Gateway] = m
		}
		m[in.ProviderRef] = in
	}

	var reports []Report
	for name, lister := range e.listers {
		txns, err := lister.ListTransactions(ctx, day)
		if err != nil {
			return nil, fmt.Errorf("reconcile: fetch %s transactions: %w", name, err)
		}
		rep := e.reconcileGateway(name, day, txns, byGateway[name])
		e.emit(ctx, tenantID, rep)
		reports = append(reports, rep)
	}
	return reports, nil
}

func (e *Engine) reconcileGateway(name string, day time.Time, txns []gateway.Transaction, intents map[string]*payment.Intent) Report {
	rep := Report{Gateway: name, Day: day}
	seen := make(map[string]bool, len(txns))

	for _, tx := range txns {
		seen[tx.ProviderRef] = true
		in, ok := intents[tx.ProviderRef]
		if !ok {
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
				Classification: ClassMissingInLedger,
				Gateway:        name,
				ProviderRef:    tx.ProviderRef,
				GatewayAmount:  tx.AmountCents,
				GatewayStatus:  tx.Status,
			})
			continue
		}
		switch {
		case in.AmountCents != tx.AmountCents:
			rep.Discrepancies = append(rep.Discrepancies, discrepancy(ClassAmountMismatch, name, in, tx))
		case !statusAgrees(in.Status, tx.Status):
			rep.Discrepancies = append(rep.Discrepancies, discrepancy(ClassStatusMismatch, name, in, tx))
		default:
			rep.Matched++
		}
	}

	for ref, in := range intents {
		if seen[ref] {
			continue
		}
		// Only money we believe moved can be missing on their side.
		if in.Status != payment.IntentCaptured && in.Status != payment.IntentRefunded {
			continue
		}
		rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
			Classification: ClassMissingInGateway,
			Gateway:        name,
			ProviderRef:    ref,
			OrderID:        in.OrderID,
			IntentID:       in.ID,
			LedgerAmount:   in.AmountCents,
			LedgerStatus:   in.Status,
		})
	}
	return rep
}

func discrepancy(class Classification, name string, in *payment.Intent, tx gateway.Transaction) Discrepancy {
	return Discrepancy{
		Classification: class,
		Gateway:        name,
		ProviderRef:    tx.ProviderRef,
		OrderID:        in.OrderID,
		IntentID:       in.ID,
		LedgerAmount:   in.AmountCents,
		GatewayAmount:  tx.AmountCents,
		LedgerStatus:   in.Status,
		GatewayStatus:  tx.Status,
	}
}

// statusAgrees maps both sides onto the same terminal axis before
// comparing. An AUTHORIZED intent against a CAPTURED report is a mismatch:
// the webhook that should have captured it never arrived.
func statusAgrees(ledger payment.IntentStatus, provider gateway.Status) bool {
	switch provider {
	case gateway.StatusCaptured:
		return ledger == payment.IntentCaptured
	case gateway.StatusDeclined, gateway.StatusFailed:
		return ledger == payment.IntentDeclined || ledger == payment.IntentFailed
	case gateway.StatusRefunded:
		return ledger == payment.IntentRefunded
	case gateway.StatusAuthorized, gateway.StatusPending:
		return ledger == payment.IntentAuthorized || ledger == payment.IntentPending
	}
	return false
}

func (e *Engine) emit(ctx context.Context, tenantID string, rep Report) {
	for _, d := range rep.Discrepancies {
		// Settled money with no intent behind it means a saga was lost
		// mid-flight; the coordinator has to re-check, not just a human.
		eventType := events.TypeReconciliationDiscrepancy
		if d.Classification == ClassMissingInLedger {
			eventType = events.TypeSagaRecheckRequested
		}
		ev := events.New(eventType, tenantID, d.OrderID, d)
		if err := e.events.Publish(ctx, ev); err != nil {
			slog.ErrorContext(ctx, "failed to publish discrepancy event",
				"gateway", d.Gateway, "provider_ref", d.ProviderRef, "error", err)
		}
	}
	slog.InfoContext(ctx, "reconciliation finished",
		"gateway", rep.Gateway,
		"day", rep.Day.Format("2006-01-02"),
		"matched", rep.Matched,
		"discrepancies", len(rep.Discrepancies))
}
