package runner

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyRun is returned by Run on a context that already ran.
	ErrAlreadyRun = errors.New("run context has already been run")
	// ErrConfigFrozen is returned when patching after the child was started.
	ErrConfigFrozen = errors.New("launch configuration is frozen once the process is started")
)

// LaunchTimeoutError is returned when the child outlived its timeout and was
// not expected to be killed.
type LaunchTimeoutError struct {
	Context string
	Timeout time.Duration
	CILink  string
}

func (e *LaunchTimeoutError) Error() string {
	return withCILink(fmt.Sprintf("timeout of run '%s' for %s", e.Context, e.Timeout), e.CILink, false)
}

// LaunchFailureError is returned when the child could not be started or
// exited with an unexpected code.
type LaunchFailureError struct {
	Context  string
	ExitCode int
	Message  string
	CILink   string
	Err      error
}

func (e *LaunchFailureError) Error() string {
	return withCILink(e.Message, e.CILink, true)
}

func (e *LaunchFailureError) Unwrap() error {
	return e.Err
}

// UnexpectedError wraps any other failure of a run.
type UnexpectedError struct {
	Context string
	Message string
	CILink  string
	Err     error
}

func (e *UnexpectedError) Error() string {
	return withCILink(e.Message, e.CILink, true)
}

func (e *UnexpectedError) Unwrap() error {
	return e.Err
}

// IsLaunchTimeout checks if the error is or wraps a LaunchTimeoutError
func IsLaunchTimeout(err error) bool {
	var target *LaunchTimeoutError
	return err != nil && errors.As(err, &target)
}

// IsLaunchFailure checks if the error is or wraps a LaunchFailureError
func IsLaunchFailure(err error) bool {
	var target *LaunchFailureError
	return err != nil && errors.As(err, &target)
}

// IsUnexpected checks if the error is or wraps an UnexpectedError
func IsUnexpected(err error) bool {
	var target *UnexpectedError
	return err != nil && errors.As(err, &target)
}

// CILinkOf returns the CI artifacts link carried by a run failure.
func CILinkOf(err error) string {
	var (
		timeout *LaunchTimeoutError
		launch  *LaunchFailureError
		other   *UnexpectedError
	)
	switch {
	case errors.As(err, &timeout):
		return timeout.CILink
	case errors.As(err, &launch):
		return launch.CILink
	case errors.As(err, &other):
		return other.CILink
	}
	return ""
}

func ciDetails(link string) string {
	if link == "" {
		return ""
	}
	return "Link on CI artifacts " + link
}

// withCILink joins the CI details with msg; prefix puts them first.
func withCILink(msg, link string, prefix bool) string {
	details := ciDetails(link)
	switch {
	case details == "":
		return msg
	case msg == "":
		return details
	case prefix:
		return details + "\n" + msg
	default:
		return msg + "\n" + details
	}
}
