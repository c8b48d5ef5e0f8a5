package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// maxAttempts is the first call plus one retry.
const maxAttempts = 2

// CapabilityError reports an external call that kept failing.
type CapabilityError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// Is lets callers match any CapabilityError with models.ErrCapabilityUnavailable.
func (e *CapabilityError) Is(target error) bool {
	return target == models.ErrCapabilityUnavailable
}

// CallWithRetry runs fn under a per-call timeout and retries it once.
// Schema failures and cancellation of the parent context are returned as-is.
func CallWithRetry[T any](ctx context.Context, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		v, err := fn(callCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, models.ErrSchemaValidation) {
			slog.Warn("flow.CallWithRetry: schema failure, not retrying", "op", op, "error", err)
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
		slog.Warn("flow.CallWithRetry: call failed", "op", op, "attempt", attempt, "error", err)
	}
	return zero, &CapabilityError{Op: op, Attempts: maxAttempts, Err: lastErr}
}
