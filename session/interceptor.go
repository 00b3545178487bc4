package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-starter/runner"
)

// Interceptor wraps every driver call. next performs the call.
type Interceptor interface {
	Around(ctx context.Context, call string, next func(ctx context.Context) error) error
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx context.Context, call string, next func(ctx context.Context) error) error

func (f InterceptorFunc) Around(ctx context.Context, call string, next func(ctx context.Context) error) error {
	return f(ctx, call, next)
}

// Intercept returns d with interceptors applied to every call that can
// fail. The first interceptor is the outermost.
func Intercept(d Driver, interceptors ...Interceptor) Driver {
	if len(interceptors) == 0 {
		return d
	}
	return &interceptedDriver{Driver: d, interceptors: interceptors}
}

type interceptedDriver struct {
	Driver
	interceptors []Interceptor
}

func (d *interceptedDriver) around(ctx context.Context, call string, fn func(ctx context.Context) error) error {
	next := fn
	for i := len(d.interceptors) - 1; i >= 0; i-- {
		ic, inner := d.interceptors[i], next
		next = func(ctx context.Context) error {
			return ic.Around(ctx, call, inner)
		}
	}
	return next(ctx)
}

func (d *interceptedDriver) ExitApplication(ctx context.Context) error {
	return d.around(ctx, "ExitApplication", d.Driver.ExitApplication)
}

func (d *interceptedDriver) TakeScreenshot(ctx context.Context, name string) (path string, err error) {
	err = d.around(ctx, "TakeScreenshot", func(ctx context.Context) error {
		path, err = d.Driver.TakeScreenshot(ctx, name)
		return err
	})
	return path, err
}

func (d *interceptedDriver) IsProjectOpened(ctx context.Context) (ok bool, err error) {
	err = d.around(ctx, "IsProjectOpened", func(ctx context.Context) error {
		ok, err = d.Driver.IsProjectOpened(ctx)
		return err
	})
	return ok, err
}

func (d *interceptedDriver) IsMainUIRendered(ctx context.Context) (ok bool, err error) {
	err = d.around(ctx, "IsMainUIRendered", func(ctx context.Context) error {
		ok, err = d.Driver.IsMainUIRendered(ctx)
		return err
	})
	return ok, err
}

func (d *interceptedDriver) Close() error {
	return d.around(context.Background(), "Close", func(context.Context) error {
		return d.Driver.Close()
	})
}

// LoggingInterceptor logs every driver call with its duration.
func LoggingInterceptor(logger log.Logger) Interceptor {
	return InterceptorFunc(func(ctx context.Context, call string, next func(ctx context.Context) error) error {
		start := time.Now()
		err := next(ctx)
		if err != nil {
			logger.Warn("Driver call failed", "call", call, "duration", time.Since(start), "err", err)
		} else {
			logger.Debug("Driver call", "call", call, "duration", time.Since(start))
		}
		return err
	})
}

// DriverError is a failed driver call enriched with the state of the
// application at the time of failure.
type DriverError struct {
	Call string
	// Screenshot is the screenshot location, empty if none was taken.
	Screenshot string
	// Artifacts links to the CI artifacts of the run.
	Artifacts string
	Err       error
}

func (e *DriverError) Error() string {
	var sb strings.Builder
	sb.WriteString("----Driver Error----\n")
	fmt.Fprintf(&sb, "%s: %v\n", e.Call, e.Err)
	if e.Screenshot != "" {
		fmt.Fprintf(&sb, "Screenshot: %s\n", e.Screenshot)
	}
	if e.Artifacts != "" {
		fmt.Fprintf(&sb, "Artifacts: %s\n", e.Artifacts)
	}
	sb.WriteString("--------------------")
	return sb.String()
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// DetailedErrorInterceptor turns call failures into *DriverError with a
// screenshot taken through raw. raw must not be the intercepted driver.
// ciLinks may be nil.
func DetailedErrorInterceptor(raw Driver, rc *runner.RunContext, ciLinks runner.CILinkProvider) Interceptor {
	return InterceptorFunc(func(ctx context.Context, call string, next func(ctx context.Context) error) error {
		err := next(ctx)
		if err == nil || call == "Close" || call == "TakeScreenshot" {
			return err
		}
		de := &DriverError{Call: call, Err: err}
		if ciLinks != nil {
			de.Artifacts = ciLinks.LinkToArtifacts(rc)
		}
		if raw.IsConnected() {
			if path, serr := raw.TakeScreenshot(ctx, "driverError"); serr == nil && path != "" {
				de.Screenshot = screenshotLocation(path, de.Artifacts != "")
			}
		}
		return de
	})
}

func screenshotLocation(path string, onCI bool) string {
	if onCI {
		return filepath.Base(path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + abs
}
