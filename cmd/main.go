package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	starter "github.com/ethereum-optimism/infra/op-starter"
	"github.com/ethereum-optimism/infra/op-starter/exitcodes"
	"github.com/ethereum-optimism/infra/op-starter/flags"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-starter"
	app.Usage = "Supervised application launcher"
	app.Description = "op-starter launches applications from a run plan, supervises them and collects diagnostics"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			cli.HandleExitCoder(exitErr)
		case starter.IsRuntimeError(err):
			cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
		default:
			cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RunFailure))
		}
	}

	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(log.Handler())
	oplog.SetupDefaults()

	cfg, err := starter.NewConfig(ctx, log)
	if err != nil {
		return nil, starter.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config", "config", cfg)

	s, err := starter.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		return nil, starter.NewRuntimeError(fmt.Errorf("failed to create starter: %w", err))
	}
	return s, nil
}
