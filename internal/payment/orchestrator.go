// Package payment selects a gateway, applies idempotency and circuit-breaker
// policy, and executes charges with bounded retries and gateway fallback.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wakala/fulfillment/internal/idempotency"
	"github.com/wakala/fulfillment/internal/order"
	"github.com/wakala/fulfillment/internal/payment/breaker"
	"github.com/wakala/fulfillment/internal/payment/gateway"
)

// Outcome discriminates the terminal result of a charge so callers can
// pattern-match instead of unwinding errors for expected business outcomes.
type Outcome string

const (
	// OutcomeCaptured: money moved, saga proceeds.
	OutcomeCaptured Outcome = "CAPTURED"
	// OutcomeAuthorized: provider accepted, final state arrives by webhook.
	OutcomeAuthorized Outcome = "AUTHORIZED"
	// OutcomeDeclined: business decline, saga compensates, never retried.
	OutcomeDeclined Outcome = "DECLINED"
	// OutcomeFailed: transient failures exhausted every retry and fallback.
	OutcomeFailed Outcome = "FAILED"
)

// Result is the discriminated charge result. It is persisted to the
// idempotency store verbatim, so a duplicate call returns byte-identical
// content.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Intent  *Intent `json:"intent,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// IntentStore is the slice of the ledger the orchestrator needs.
type IntentStore interface {
	SaveIntent(ctx context.Context, in *Intent) error
	GetIntentByKey(ctx context.Context, key string) (*Intent, error)
	GetIntentByProviderRef(ctx context.Context, providerRef string) (*Intent, error)
}

const (
	maxAttempts    = 3
	backoffBase    = 100 * time.Millisecond
	backoffFactor  = 2
	backoffCap     = 5 * time.Second
	attemptTimeout = 10 * time.Second
)

// Orchestrator routes charges across the registered gateways. The gateway
// set is injected at construction and immutable at call time.
type Orchestrator struct {
	gateways []gateway.Gateway
	breakers *breaker.Registry
	idem     idempotency.Store
	intents  IntentStore

	// sleep is swapped in tests to keep backoff instantaneous.
	sleep func(time.Duration)
}

// NewOrchestrator wires the orchestrator. Every gateway is registered with
// the breaker registry under its own name.
func NewOrchestrator(gws []gateway.Gateway, breakers *breaker.Registry, idem idempotency.Store, intents IntentStore) *Orchestrator {
	for _, gw := range gws {
		breakers.Register(gw.Name(), gw.Priority())
	}
	return &Orchestrator{
		gateways: gws,
		breakers: breakers,
		idem:     idem,
		intents:  intents,
		sleep:    time.Sleep,
	}
}

// Charge executes at most one real charge for (order, method, epoch).
// A repeated call with the same attempt epoch returns the stored result
// without touching any gateway.
func (o *Orchestrator) Charge(ctx context.Context, ord *order.Order, method gateway.Method, epoch int) (Result, error) {
	key := idempotency.Key(ord.ID, string(method), strconv.Itoa(epoch))
	storeKey := idempotency.Namespaced("charge", key)

	if stored, ok, err := o.idem.Get(ctx, storeKey); err != nil {
		return Result{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if ok {
		var res Result
		if err := json.Unmarshal(stored, &res); err != nil {
			return Result{}, fmt.Errorf("idempotency entry for %s is corrupt: %w", ord.ID, err)
		}
		slog.InfoContext(ctx, "charge replayed from idempotency store", "order_id", ord.ID, "outcome", res.Outcome)
		return res, nil
	}

	candidates := o.candidates(method)
	if len(candidates) == 0 {
		return Result{}, &NoAvailableGatewayError{Method: string(method)}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		// Prefer an alternate gateway over blindly retrying the one that
		// just failed; with a single candidate we have no choice.
		gw := candidates[attempt%len(candidates)]

		if attempt > 0 {
			o.sleep(backoffFor(attempt))
		}

		resp, err := o.attempt(ctx, gw, ord, key)
		switch {
		case err == nil && resp.Status == gateway.StatusDeclined:
			res := Result{Outcome: OutcomeDeclined, Reason: resp.DeclineReason}
			res.Intent = o.recordIntent(ctx, ord, gw.Name(), key, resp)
			return o.finish(ctx, storeKey, res)

		case err == nil:
			outcome := OutcomeCaptured
			if resp.Status == gateway.StatusAuthorized {
				outcome = OutcomeAuthorized
			}
			res := Result{Outcome: outcome}
			res.Intent = o.recordIntent(ctx, ord, gw.Name(), key, resp)
			return o.finish(ctx, storeKey, res)

		case gateway.IsTransient(err) || errors.Is(err, breaker.ErrOpen):
			slog.WarnContext(ctx, "transient gateway failure, falling back",
				"order_id", ord.ID, "gateway", gw.Name(), "attempt", attempt+1, "error", err)
			lastErr = err

		default:
			return Result{}, fmt.Errorf("charge order %s via %s: %w", ord.ID, gw.Name(), err)
		}
	}

	res := Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("retries exhausted: %v", lastErr)}
	res.Intent = o.recordIntent(ctx, ord, "", key, gateway.ChargeResponse{Status: gateway.StatusFailed})
	return o.finish(ctx, storeKey, res)
}

// Refund reverses a captured or authorized intent and flips it to REFUNDED.
// Idempotent: refunding an already-refunded intent is a no-op.
func (o *Orchestrator) Refund(ctx context.Context, in *Intent) error {
	if in.Status == IntentRefunded {
		return nil
	}
	gw := o.byName(in.Gateway)
	if gw == nil {
		return fmt.Errorf("refund intent %s: gateway %q not registered", in.ID, in.Gateway)
	}
	if _, err := gw.Refund(ctx, in.ProviderRef, in.AmountCents); err != nil {
		return fmt.Errorf("refund intent %s: %w", in.ID, err)
	}
	in.Status = IntentRefunded
	in.UpdatedAt = time.Now().UTC()
	if err := o.intents.SaveIntent(ctx, in); err != nil {
		return fmt.Errorf("persist refunded intent %s: %w", in.ID, err)
	}
	return nil
}

// Gateway returns the registered adapter by name, or nil.
func (o *Orchestrator) Gateway(name string) gateway.Gateway { return o.byName(name) }

func (o *Orchestrator) byName(name string) gateway.Gateway {
	for _, gw := range o.gateways {
		if gw.Name() == name {
			return gw
		}
	}
	return nil
}

// candidates filters gateways by method support and circuit state, ordered
// by health score, best first.
func (o *Orchestrator) candidates(method gateway.Method) []gateway.Gateway {
	var out []gateway.Gateway
	for _, gw := range o.gateways {
		if gw.Supports(method) && o.breakers.Available(gw.Name()) {
			out = append(out, gw)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return o.breakers.Score(out[i].Name()) > o.breakers.Score(out[j].Name())
	})
	return out
}

// attempt runs one gateway call through the circuit breaker with a bounded
// timeout. A business decline counts as breaker success: the gateway is
// healthy, the card is not.
func (o *Orchestrator) attempt(ctx context.Context, gw gateway.Gateway, ord *order.Order, key string) (gateway.ChargeResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	var resp gateway.ChargeResponse
	err := o.breakers.Do(gw.Name(), func() error {
		var callErr error
		resp, callErr = gw.Charge(attemptCtx, gateway.ChargeRequest{
			AmountCents:    ord.Totals.TotalCents,
			Currency:       ord.Currency,
			CustomerRef:    ord.CustomerID,
			IdempotencyKey: key,
		})
		return callErr
	})
	return resp, err
}

func (o *Orchestrator) recordIntent(ctx context.Context, ord *order.Order, gwName, key string, resp gateway.ChargeResponse) *Intent {
	now := time.Now().UTC()
	in := &Intent{
		ID:             uuid.NewString(),
		OrderID:        ord.ID,
		TenantID:       ord.TenantID,
		IdempotencyKey: key,
		Gateway:        gwName,
		ProviderRef:    resp.ProviderRef,
		AmountCents:    ord.Totals.TotalCents,
		Currency:       ord.Currency,
		Status:         intentStatusFrom(resp.Status),
		Raw:            resp.Raw,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.intents.SaveIntent(ctx, in); err != nil {
		slog.ErrorContext(ctx, "failed to persist payment intent", "order_id", ord.ID, "error", err)
	}
	return in
}

// finish writes the terminal result to the idempotency store before
// returning it, so a concurrent duplicate converges to the same bytes.
// If another caller already finished, their stored result wins.
func (o *Orchestrator) finish(ctx context.Context, storeKey string, res Result) (Result, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return Result{}, fmt.Errorf("marshal charge result: %w", err)
	}
	won, err := o.idem.PutIfAbsent(ctx, storeKey, raw, idempotency.DefaultTTL)
	if err != nil {
		return Result{}, fmt.Errorf("store charge result: %w", err)
	}
	if !won {
		stored, ok, err := o.idem.Get(ctx, storeKey)
		if err == nil && ok {
			var winner Result
			if json.Unmarshal(stored, &winner) == nil {
				return winner, nil
			}
		}
	}
	return res, nil
}

func backoffFor(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
