package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wakala/fulfillment/internal/saga/sagalog"
)

// Step is a single unit of work in the saga. Every step must have a
// compensating action that semantically undoes its effects.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

// ErrPause is returned by a step whose outcome arrives asynchronously
// (an authorized-but-not-captured payment). The runner stops without
// compensating; a webhook resumes the saga later.
var ErrPause = errors.New("saga: awaiting asynchronous confirmation")

// CompensationError reports that rolling back a failed saga itself failed.
// The order ends FAILED_COMPENSATED and an operator has to intervene.
type CompensationError struct {
	Cause    error
	Failures []string
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga compensation failed (%d step(s)) after: %v", len(e.Failures), e.Cause)
}

func (e *CompensationError) Unwrap() error { return e.Cause }

// runner executes steps sequentially, writing one saga-log row per
// transition. On a step failure it compensates previously successful steps
// in reverse order.
type runner struct {
	sagaID   string
	tenantID string
	payload  string
	steps    []Step
	log      sagalog.Repository
}

func (r *runner) record(ctx context.Context, status sagalog.Status, step string, errs []string) {
	payload := ""
	if status == sagalog.StatusStarted {
		payload = r.payload
	}
	entry := sagalog.NewEntry(ctx, r.sagaID, r.tenantID, status, step, payload, errs)
	if err := r.log.Save(ctx, entry); err != nil {
		slog.ErrorContext(ctx, "failed to persist saga log entry", "saga_id", r.sagaID, "error", err)
	}
}

// run drives the steps. Returned errors:
//   - ErrPause: stopped cleanly, waiting on a webhook;
//   - *CompensationError: the rollback itself failed;
//   - anything else: the step error, with compensation already done.
func (r *runner) run(ctx context.Context) error {
	r.record(ctx, sagalog.StatusStarted, "", nil)

	var done []Step
	for _, step := range r.steps {
		slog.InfoContext(ctx, "executing saga step", "saga_id", r.sagaID, "step", step.Name())
		err := step.Execute(ctx)
		if errors.Is(err, ErrPause) {
			r.record(ctx, sagalog.StatusAwaiting, step.Name(), nil)
			return ErrPause
		}
		if err != nil {
			slog.WarnContext(ctx, "saga step failed, compensating",
				"saga_id", r.sagaID, "step", step.Name(), "error", err)
			r.record(ctx, sagalog.StatusCompensating, step.Name(), []string{err.Error()})

			if failures := r.rollback(ctx, done); len(failures) > 0 {
				r.record(ctx, sagalog.StatusFailed, step.Name(), failures)
				return &CompensationError{Cause: err, Failures: failures}
			}
			r.record(ctx, sagalog.StatusCompensated, step.Name(), []string{err.Error()})
			return err
		}
		r.record(ctx, sagalog.StatusStepDone, step.Name(), nil)
		done = append(done, step)
	}

	r.record(ctx, sagalog.StatusCompleted, "", nil)
	return nil
}

// rollback compensates in LIFO order, collecting failures rather than
// stopping: every compensation that can run, runs.
func (r *runner) rollback(ctx context.Context, done []Step) []string {
	var failures []string
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		slog.InfoContext(ctx, "compensating saga step", "saga_id", r.sagaID, "step", step.Name())
		if err := step.Compensate(ctx); err != nil {
			slog.ErrorContext(ctx, "CRITICAL: failed to compensate saga step",
				"saga_id", r.sagaID, "step", step.Name(), "error", err)
			failures = append(failures, fmt.Sprintf("compensation of %s failed: %v", step.Name(), err))
		}
	}
	return failures
}
