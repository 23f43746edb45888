// Package metadata provides the control plane's view of the environment it is
// running in: which deployment tier, whether a database is expected, and the
// build metadata stamped in at link time.
package metadata // import "github.com/helmsmanhq/helmsman/metadata"

import (
	"os"
	"strings"
)

func init() {
	// Note: we use panic here to exit from the `metadata` package, since it is
	// one of the rare packages that does not have access to the global
	// context, or the `logger.Panicf` function. We need to verify that the
	// control plane is running in a valid environment early in the process,
	// before doing any setup/logging.
	if IsRunningInCI() && !IsLocalEnv() {
		// Running in a non-local environment with CI enabled is an invalid
		// configuration.
		panic("Running in non-local environment with CI enabled.")
	}
}

// An AppEnvironment represents either localdev or localdevwithdb (i.e. an
// engineer's development machine), dev, staging, or prod.
type AppEnvironment string

// Constants for the various AppEnvironments. DO NOT CHANGE THESE without
// understanding how any consumers of GetAppEnvironment() are using them!
const (
	EnvLocalDevWithDB AppEnvironment = "localdevwithdb"
	EnvLocalDev       AppEnvironment = "localdev"
	EnvDev            AppEnvironment = "dev"
	EnvStaging        AppEnvironment = "staging"
	EnvProd           AppEnvironment = "prod"
)

// GetAppEnvironment returns the AppEnvironment of the current process.
var GetAppEnvironment func() AppEnvironment = func(unmemoized func() AppEnvironment) func() AppEnvironment {
	// This nested function syntax is used to memoize the result of the first
	// call to GetAppEnvironment() and cache the result for all future calls.

	var isCached = false
	var cache AppEnvironment

	return func() AppEnvironment {
		if isCached {
			return cache
		}
		cache = unmemoized()
		isCached = true
		return cache
	}
}(func() AppEnvironment {
	env := strings.ToLower(os.Getenv("APP_ENV"))
	switch env {
	case "development", "dev":
		return EnvDev
	case "staging":
		return EnvStaging
	case "production", "prod":
		return EnvProd
	case "localdevwithdb", "localdev_with_db", "localdev_with_database":
		return EnvLocalDevWithDB
	default:
		return EnvLocalDev
	}
})

// IsLocalEnv returns true if the control plane is running locally for
// development.
func IsLocalEnv() bool {
	env := GetAppEnvironment()
	return env == EnvLocalDev || env == EnvLocalDevWithDB
}

// IsLocalEnvWithoutDB returns true if the control plane is running locally
// for development but without a relational database available. In this mode
// the in-memory store backs all persistence.
func IsLocalEnvWithoutDB() bool {
	env := GetAppEnvironment()
	return env == EnvLocalDev
}

// IsRunningInCI returns true if the process is running in continuous
// integration.
func IsRunningInCI() bool {
	strCI := strings.ToLower(os.Getenv("CI"))
	return strCI == "1" || strCI == "yes" || strCI == "true" || strCI == "on"
}

// This variable is filled in by the linker.
var gitCommit string

// GetGitCommit returns the git commit hash of this build.
func GetGitCommit() string {
	if gitCommit == "" {
		return "local-dev"
	}
	return gitCommit
}
