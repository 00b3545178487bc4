package reporting

import (
	"fmt"
	"net/url"
	"os"

	"github.com/ethereum-optimism/infra/op-starter/runner"
)

const (
	// EnvArtifactsURL is the base URL under which run artifacts are browsable.
	EnvArtifactsURL = "OP_STARTER_ARTIFACTS_URL"
	EnvCircleCI     = "CIRCLECI"
	EnvGitHub       = "GITHUB_ACTIONS"
)

// CILinks builds links to the artifacts of a run from the CI environment.
type CILinks struct {
	Getenv func(string) string
}

var _ runner.CILinkProvider = (*CILinks)(nil)

func NewCILinks() *CILinks {
	return &CILinks{Getenv: os.Getenv}
}

// IsCI reports whether the process runs on a CI server.
func (c *CILinks) IsCI() bool {
	return c.Getenv(EnvArtifactsURL) != "" || c.Getenv(EnvCircleCI) == "true" || c.Getenv(EnvGitHub) == "true" || c.Getenv("CI") == "true"
}

func (c *CILinks) LinkToArtifacts(rc *runner.RunContext) string {
	if base := c.Getenv(EnvArtifactsURL); base != "" {
		link, err := url.JoinPath(base, rc.TestName(), rc.LaunchName())
		if err != nil {
			return ""
		}
		return link
	}
	if c.Getenv(EnvCircleCI) == "true" {
		if build := c.Getenv("CIRCLE_BUILD_URL"); build != "" {
			return build + "/artifacts"
		}
	}
	if c.Getenv(EnvGitHub) == "true" {
		server, repo, id := c.Getenv("GITHUB_SERVER_URL"), c.Getenv("GITHUB_REPOSITORY"), c.Getenv("GITHUB_RUN_ID")
		if server != "" && repo != "" && id != "" {
			return fmt.Sprintf("%s/%s/actions/runs/%s", server, repo, id)
		}
	}
	return ""
}
