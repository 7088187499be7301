// Package sagalog is the durable audit trail of saga executions — the
// SagaInstance record. Every state transition a saga goes through becomes
// one immutable row, which serves two purposes:
//
//  1. Observability: the latest row per saga shows exactly where an order's
//     saga is (or was), correlated with the distributed trace via trace_id.
//
//  2. Recovery: on restart the coordinator can read the log and resume or
//     compensate sagas that were in flight when the process died.
package sagalog

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Status is the lifecycle state of a saga execution at the time of a row.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusStepDone     Status = "STEP_DONE"
	StatusAwaiting     Status = "AWAITING" // paused for async payment confirmation
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED" // a compensation step itself failed
)

// Entry is one row in the saga log. SagaID is the order ID so rows join
// with business data and with the OTel trace.
type Entry struct {
	SagaID   string
	TenantID string
	Status   Status

	// CurrentStep is the step that just executed (or failed).
	CurrentStep string

	// Payload is the JSON input that started the saga, written once on the
	// STARTED row so the saga can be replayed from the log.
	Payload string

	// ErrorMessages is a JSON array of failure details, one per failed
	// step or compensation.
	ErrorMessages string

	TraceID   string
	SpanID    string
	UpdatedAt time.Time
}

// Repository is the port for persisting entries. The table is append-only;
// Save always inserts.
type Repository interface {
	Save(ctx context.Context, e *Entry) error
	Latest(ctx context.Context, sagaID string) (*Entry, error)
}

// NewEntry builds an entry, pulling trace_id/span_id from the active OTel
// span in ctx. Without an active span (unit tests) both stay empty.
func NewEntry(ctx context.Context, sagaID, tenantID string, status Status, step, payload string, errs []string) *Entry {
	errJSON := "[]"
	if len(errs) > 0 {
		if b, err := json.Marshal(errs); err == nil {
			errJSON = string(b)
		}
	}

	e := &Entry{
		SagaID:        sagaID,
		TenantID:      tenantID,
		Status:        status,
		CurrentStep:   step,
		Payload:       payload,
		ErrorMessages: errJSON,
		UpdatedAt:     time.Now().UTC(),
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		e.TraceID = sc.TraceID().String()
		e.SpanID = sc.SpanID().String()
	}
	return e
}
