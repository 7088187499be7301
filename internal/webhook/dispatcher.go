package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wakala/fulfillment/internal/idempotency"
	"github.com/wakala/fulfillment/internal/payment/gateway"
	"github.com/wakala/fulfillment/internal/saga"
)

// dedupeTTL bounds how long a delivery's (reference, status) pair is
// remembered. Providers redeliver within hours, not days.
const dedupeTTL = 24 * time.Hour

// Resumer is the slice of the saga coordinator a webhook feeds.
type Resumer interface {
	HandlePaymentUpdate(ctx context.Context, tenantID, providerRef string, status gateway.Status, raw []byte) error
}

// Dispatcher accepts verified deliveries, drops duplicates and processes
// the rest on worker goroutines so the HTTP handler can answer the
// provider immediately.
type Dispatcher struct {
	saga    Resumer
	idem    idempotency.Store
	queue   chan Delivery
	workers int

	wg       sync.WaitGroup
	stopOnce sync.Once

	retries    int
	retryDelay time.Duration
}

// NewDispatcher builds a dispatcher with the given worker count and queue
// depth. Start must be called before Enqueue.
func NewDispatcher(r Resumer, idem idempotency.Store, workers, buffer int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Dispatcher{
		saga:       r,
		idem:       idem,
		queue:      make(chan Delivery, buffer),
		workers:    workers,
		retries:    5,
		retryDelay: 200 * time.Millisecond,
	}
}

// Start launches the workers. They drain the queue until Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for del := range d.queue {
				d.process(ctx, del)
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func dedupeKey(del Delivery) string {
	return idempotency.Namespaced("webhook", fmt.Sprintf("%s:%s:%s", del.Gateway, del.ProviderRef, del.Status))
}

// Enqueue dedupes and queues one delivery. The first return value reports
// whether the delivery was new; a duplicate is acknowledged without work.
// The dedupe claim is released again if processing ultimately fails, so a
// provider redelivery gets another chance instead of being dropped.
func (d *Dispatcher) Enqueue(ctx context.Context, del Delivery) (bool, error) {
	key := dedupeKey(del)
	fresh, err := d.idem.PutIfAbsent(ctx, key, []byte("1"), dedupeTTL)
	if err != nil {
		return false, fmt.Errorf("webhook: dedupe %s: %w", del.ProviderRef, err)
	}
	if !fresh {
		slog.InfoContext(ctx, "duplicate webhook delivery dropped",
			"gateway", del.Gateway, "provider_ref", del.ProviderRef, "status", del.Status)
		return false, nil
	}

	select {
	case d.queue <- del:
		return true, nil
	default:
		// Queue full: process inline rather than lose the delivery.
		d.process(ctx, del)
		return true, nil
	}
}

// process applies the delivery, retrying briefly when the order's saga
// lease is held by another execution. On failure the dedupe claim is
// released: the intent update must not be lost until reconciliation just
// because the first delivery hit a transient storage error.
func (d *Dispatcher) process(ctx context.Context, del Delivery) {
	var err error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				return
			}
		}
		err = d.saga.HandlePaymentUpdate(ctx, del.TenantID, del.ProviderRef, del.Status, del.Raw)
		if err == nil {
			return
		}
		if !errors.Is(err, saga.ErrSagaInProgress) {
			break
		}
	}
	if derr := d.idem.Delete(ctx, dedupeKey(del)); derr != nil {
		slog.ErrorContext(ctx, "failed to release webhook dedupe claim",
			"gateway", del.Gateway, "provider_ref", del.ProviderRef, "status", del.Status, "error", derr)
	}
	slog.ErrorContext(ctx, "failed to process webhook delivery",
		"gateway", del.Gateway, "provider_ref", del.ProviderRef, "status", del.Status, "error", err)
}
