package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PreconditionTimeoutError is returned when a bounded wait on the
// application state never succeeded.
type PreconditionTimeoutError struct {
	Message string
	Timeout time.Duration
	// LastErr is the last error returned by the condition, if any.
	LastErr error
}

func (e *PreconditionTimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s (waited %s): %v", e.Message, e.Timeout, e.LastErr)
	}
	return fmt.Sprintf("%s (waited %s)", e.Message, e.Timeout)
}

func (e *PreconditionTimeoutError) Unwrap() error {
	return e.LastErr
}

// IsPreconditionTimeout checks if the error is or wraps a PreconditionTimeoutError
func IsPreconditionTimeout(err error) bool {
	var target *PreconditionTimeoutError
	return err != nil && errors.As(err, &target)
}

// WaitFor polls cond every interval until it returns true or timeout
// elapses. The condition is checked once immediately. A non-positive
// interval falls back to DefaultPollInterval. Cancellation of ctx is
// returned as ctx.Err(), not as a *PreconditionTimeoutError.
func WaitFor(ctx context.Context, timeout, interval time.Duration, message string, cond func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := cond(waitCtx)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return &PreconditionTimeoutError{Message: message, Timeout: timeout, LastErr: lastErr}
		case <-ticker.C:
		}
	}
}
