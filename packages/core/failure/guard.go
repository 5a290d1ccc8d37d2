package failure

import (
	"context"
	"errors"
	"time"
)

// Guard runs fn under an optional timeout and converts a panic into a
// *PanicError. When the timeout elapses first, Guard returns a *TimeoutError
// without waiting for fn; fn observes the cancelled context. A fn that
// returns only after the deadline has passed is also reported as a timeout.
// If the parent context is cancelled, its error is returned instead.
func Guard(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- &PanicError{Value: recovered}
			}
		}()
		done <- fn(runCtx)
	}()

	select {
	case err := <-done:
		if timeout > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Duration: timeout}
		}
		return err
	case <-runCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return &TimeoutError{Duration: timeout}
	}
}
