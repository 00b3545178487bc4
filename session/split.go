package session

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-starter/runner"
)

const (
	DefaultProjectOpenedTimeout = 30 * time.Second
	DefaultMainUITimeout        = 100 * time.Second
	// DefaultBackendCloseGrace is added to the close timeout of the backend.
	DefaultBackendCloseGrace = 30 * time.Second
)

// SplitRun is a frontend process attached to a backend process. Callers
// drive the frontend.
type SplitRun struct {
	Frontend *BackgroundRun
	Backend  *BackgroundRun

	ProjectOpenedTimeout time.Duration
	MainUITimeout        time.Duration
	BackendCloseGrace    time.Duration

	log log.Logger
}

func NewSplitRun(frontend, backend *BackgroundRun) *SplitRun {
	return &SplitRun{
		Frontend:             frontend,
		Backend:              backend,
		ProjectOpenedTimeout: DefaultProjectOpenedTimeout,
		MainUITimeout:        DefaultMainUITimeout,
		BackendCloseGrace:    DefaultBackendCloseGrace,
		log:                  frontend.log.New("split", "frontend"),
	}
}

// WithLiveHandle waits for the frontend to catch up with the backend, runs
// block against the frontend driver and closes both sides, frontend first.
// The frontend result is returned.
func (s *SplitRun) WithLiveHandle(ctx context.Context, closeTimeout time.Duration, block func(ctx context.Context, d Driver) error) (*runner.Result, error) {
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}
	blockErr := func() error {
		defer func() {
			s.Frontend.CloseAndWait(ctx, closeTimeout, false)
			s.Backend.CloseAndWait(ctx, closeTimeout+s.BackendCloseGrace, false)
		}()
		if err := s.awaitFrontend(ctx); err != nil {
			return err
		}
		return block(ctx, s.Frontend.driver)
	}()

	waitCtx := context.WithoutCancel(ctx)
	_, backendErr := s.Backend.Wait(waitCtx)
	result, frontendErr := s.Frontend.Wait(waitCtx)
	if blockErr != nil {
		return result, blockErr
	}
	return result, errors.Join(backendErr, frontendErr)
}

func (s *SplitRun) awaitFrontend(ctx context.Context) error {
	opened, err := s.Backend.driver.IsProjectOpened(ctx)
	if err != nil {
		return err
	}
	if !opened {
		s.log.Debug("Project is not opened on backend, skipping frontend checks")
		return nil
	}
	fe := s.Frontend.driver
	if err := WaitFor(ctx, s.ProjectOpenedTimeout, s.Frontend.PollInterval, "the project is still not opened on frontend", fe.IsProjectOpened); err != nil {
		return err
	}
	return WaitFor(ctx, s.MainUITimeout, s.Frontend.PollInterval, "the main UI is still not rendered on frontend", fe.IsMainUIRendered)
}
