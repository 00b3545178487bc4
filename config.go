package starter

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-starter/flags"
	"github.com/ethereum-optimism/infra/op-starter/reporting"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum-optimism/optimism/op-service/oppprof"
)

// Config holds the application configuration
type Config struct {
	PlanFile     string
	TestHome     string
	Concurrency  int
	Verbose      bool
	ArtifactsDir string // Local directory artifacts are copied to, if set
	Minio        reporting.MinioConfig
	DatabaseURL  string // Outcomes are kept in memory when empty
	StatusAddr   string // Status API address, disabled when empty

	MetricsConfig opmetrics.CLIConfig
	PprofConfig   oppprof.CLIConfig
	Log           log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	planFile, err := filepath.Abs(ctx.String(flags.Plan.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan path: %w", err)
	}
	testHome, err := filepath.Abs(ctx.String(flags.TestHome.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve test home: %w", err)
	}

	cfg := &Config{
		PlanFile:     planFile,
		TestHome:     testHome,
		Concurrency:  ctx.Int(flags.Concurrency.Name),
		Verbose:      ctx.Bool(flags.Verbose.Name),
		ArtifactsDir: ctx.String(flags.ArtifactsDir.Name),
		Minio: reporting.MinioConfig{
			Endpoint:  ctx.String(flags.MinioEndpoint.Name),
			Bucket:    ctx.String(flags.MinioBucket.Name),
			AccessKey: ctx.String(flags.MinioAccessKey.Name),
			SecretKey: ctx.String(flags.MinioSecretKey.Name),
			UseSSL:    ctx.Bool(flags.MinioUseSSL.Name),
		},
		DatabaseURL:   ctx.String(flags.DatabaseURL.Name),
		StatusAddr:    ctx.String(flags.StatusAddr.Name),
		MetricsConfig: opmetrics.ReadCLIConfig(ctx),
		PprofConfig:   oppprof.ReadCLIConfig(ctx),
		Log:           log,
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Check() error {
	if c.PlanFile == "" {
		return errors.New("plan file is required")
	}
	if c.TestHome == "" {
		return errors.New("test home is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.ArtifactsDir != "" && c.Minio.Endpoint != "" {
		return errors.New("artifacts dir and minio endpoint are mutually exclusive")
	}
	if c.Minio.Endpoint != "" {
		if err := c.Minio.Check(); err != nil {
			return err
		}
	}
	if err := c.MetricsConfig.Check(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	if err := c.PprofConfig.Check(); err != nil {
		return fmt.Errorf("invalid pprof config: %w", err)
	}
	return nil
}
