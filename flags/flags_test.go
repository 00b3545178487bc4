package flags

import (
	"flag"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestOptionalFlagsDontSetRequired(t *testing.T) {
	for _, f := range optionalFlags {
		reqFlag, ok := f.(cli.RequiredFlag)
		require.True(t, ok)
		require.False(t, reqFlag.IsRequired())
	}
}

func TestUniqueFlags(t *testing.T) {
	seen := make(map[string]struct{})
	for _, f := range Flags {
		for _, name := range f.Names() {
			_, ok := seen[name]
			require.False(t, ok, "duplicate flag %s", name)
			seen[name] = struct{}{}
		}
	}
}

func TestEnvVarPrefix(t *testing.T) {
	for _, f := range Flags {
		envFlag, ok := f.(interface{ GetEnvVars() []string })
		if !ok || len(envFlag.GetEnvVars()) == 0 {
			continue
		}
		for _, env := range envFlag.GetEnvVars() {
			require.True(t, strings.HasPrefix(env, EnvVarPrefix+"_"), "%s has wrong prefix", env)
		}
	}
}

func TestCheckRequired(t *testing.T) {
	app := cli.NewApp()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range Flags {
		require.NoError(t, f.Apply(set))
	}

	require.ErrorContains(t, CheckRequired(cli.NewContext(app, set, nil)), "flag plan is required")

	require.NoError(t, set.Set(Plan.Name, "plan.yaml"))
	require.NoError(t, CheckRequired(cli.NewContext(app, set, nil)))
}
