package bus

import (
	"errors"
	"fmt"
)

// SubscriberError is a failure raised by a single subscriber's handler.
type SubscriberError struct {
	Subscriber string
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s: %v", e.Subscriber, e.Err)
}

func (e *SubscriberError) Unwrap() error {
	return e.Err
}

// HandlerFailure aggregates the handler errors of one PostAndWait call. It is
// only returned after every handler for the event has completed.
type HandlerFailure struct {
	Event string
	Err   error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handling %s failed: %v", e.Event, e.Err)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Err
}

// Failures returns the individual subscriber failures.
func (e *HandlerFailure) Failures() []error {
	var joined interface{ Unwrap() []error }
	if errors.As(e.Err, &joined) {
		return joined.Unwrap()
	}
	return []error{e.Err}
}

// WaitTimeoutError is returned by PostAndWait when the caller's context ends
// before every handler finished.
type WaitTimeoutError struct {
	Event    string
	Handlers int
	Err      error
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("waiting for %d handler(s) of %s: %v", e.Handlers, e.Event, e.Err)
}

func (e *WaitTimeoutError) Unwrap() error {
	return e.Err
}

// IsHandlerFailure checks if the error is or wraps a HandlerFailure
func IsHandlerFailure(err error) bool {
	var hf *HandlerFailure
	return err != nil && errors.As(err, &hf)
}

// IsWaitTimeout checks if the error is or wraps a WaitTimeoutError
func IsWaitTimeout(err error) bool {
	var wt *WaitTimeoutError
	return err != nil && errors.As(err, &wt)
}
