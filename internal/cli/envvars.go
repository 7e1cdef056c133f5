package cli

import (
	"os"
	"strings"

	envparse "github.com/caarlos0/env/v11"
)

// runEnv captures SHIPCTL_* inputs for deploy and destroy runs, used as
// fallbacks for flags in CI.
type runEnv struct {
	// AccountID is the target account id from SHIPCTL_ACCOUNT_ID.
	AccountID string `env:"SHIPCTL_ACCOUNT_ID"`
	// Region is the target region from SHIPCTL_REGION.
	Region string `env:"SHIPCTL_REGION"`
	// Cluster is the target cluster name from SHIPCTL_CLUSTER.
	Cluster string `env:"SHIPCTL_CLUSTER"`
	// ImageTag is the tag override from SHIPCTL_IMAGE_TAG.
	ImageTag string `env:"SHIPCTL_IMAGE_TAG"`
	// BuildNumber is the CI build number from SHIPCTL_BUILD_NUMBER.
	BuildNumber int `env:"SHIPCTL_BUILD_NUMBER"`
	// Commit is the triggering commit hash from SHIPCTL_COMMIT.
	Commit string `env:"SHIPCTL_COMMIT"`
	// Source is the source tree path from SHIPCTL_SOURCE.
	Source string `env:"SHIPCTL_SOURCE"`
	// TestPort is the smoke test host port from SHIPCTL_TEST_PORT.
	TestPort int `env:"SHIPCTL_TEST_PORT"`
	// AutoApprove skips the interactive gate from SHIPCTL_AUTO_APPROVE.
	AutoApprove bool `env:"SHIPCTL_AUTO_APPROVE"`
}

// parseEnv fills target from SHIPCTL_* env vars via caarlos0/env.
func parseEnv(target interface{}) error {
	return envparse.Parse(target)
}

// envPresent reports whether a non-empty env var exists.
func envPresent(key string) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return false
	}
	return strings.TrimSpace(val) != ""
}
