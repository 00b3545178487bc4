package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum-optimism/optimism/op-service/oppprof"
)

const EnvVarPrefix = "OP_STARTER"

var (
	Plan = &cli.StringFlag{
		Name:     "plan",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "PLAN"),
		Usage:    "Path to the run plan (eg. 'plan.yaml')",
	}
	TestHome = &cli.StringFlag{
		Name:    "test-home",
		Value:   "out",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_HOME"),
		Usage:   "Directory under which per-launch directories are created",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   1,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONCURRENCY"),
		Usage:   "Number of runs executed in parallel",
	}
	Verbose = &cli.BoolFlag{
		Name:    "verbose",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "VERBOSE"),
		Usage:   "Forward child stdout to the log",
	}
	ArtifactsDir = &cli.StringFlag{
		Name:    "artifacts-dir",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ARTIFACTS_DIR"),
		Usage:   "Directory to publish run artifacts to",
	}
	MinioEndpoint = &cli.StringFlag{
		Name:    "minio.endpoint",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MINIO_ENDPOINT"),
		Usage:   "Object store endpoint to publish run artifacts to (eg. 'localhost:9000')",
	}
	MinioBucket = &cli.StringFlag{
		Name:    "minio.bucket",
		Value:   "op-starter",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MINIO_BUCKET"),
		Usage:   "Object store bucket for run artifacts",
	}
	MinioAccessKey = &cli.StringFlag{
		Name:    "minio.access-key",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MINIO_ACCESS_KEY"),
		Usage:   "Object store access key",
	}
	MinioSecretKey = &cli.StringFlag{
		Name:    "minio.secret-key",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MINIO_SECRET_KEY"),
		Usage:   "Object store secret key",
	}
	MinioUseSSL = &cli.BoolFlag{
		Name:    "minio.ssl",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MINIO_SSL"),
		Usage:   "Use TLS for the object store",
	}
	DatabaseURL = &cli.StringFlag{
		Name:    "database-url",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DATABASE_URL"),
		Usage:   "PostgreSQL URL where run outcomes are stored",
	}
	StatusAddr = &cli.StringFlag{
		Name:    "status.addr",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STATUS_ADDR"),
		Usage:   "Address of the status API (eg. '0.0.0.0:8080'); disabled when empty",
	}
)

var requiredFlags = []cli.Flag{
	Plan,
}

var optionalFlags = []cli.Flag{
	TestHome,
	Concurrency,
	Verbose,
	ArtifactsDir,
	MinioEndpoint,
	MinioBucket,
	MinioAccessKey,
	MinioSecretKey,
	MinioUseSSL,
	DatabaseURL,
	StatusAddr,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, oppprof.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
