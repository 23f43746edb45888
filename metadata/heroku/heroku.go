/*
Package heroku contains code to pull configuration variables from Heroku at
runtime. In deployed environments the control plane's database connection
string lives in the Heroku app config rather than the local environment.
*/
package heroku // import "github.com/helmsmanhq/helmsman/metadata/heroku"

import (
	"github.com/bgentry/heroku-go"

	"github.com/helmsmanhq/helmsman/metadata"
)

// The following variables are filled in by the linker.
var email string
var apiKey string

// This one is optionally filled in by the linker. If set, it overrides the
// default logic used to determine which Heroku app to read config from.
var appNameOverride string

var client heroku.Client = heroku.Client{Username: email, Password: apiKey}

// GetAppName provides the Heroku app name to use based on the app environment
// the control plane is running in, or the override if provided at build time.
// In a local environment, it defaults to the dev app.
func GetAppName() string {
	if appNameOverride != "" {
		return appNameOverride
	}

	switch metadata.GetAppEnvironment() {
	case metadata.EnvDev:
		return "helmsman-dev"
	case metadata.EnvStaging:
		return "helmsman-staging"
	case metadata.EnvProd:
		return "helmsman-prod"
	default:
		return "helmsman-dev"
	}
}

// GetConfig returns the Heroku environment config for the app returned by
// GetAppName.
func GetConfig() (map[string]string, error) {
	return client.ConfigVarInfo(GetAppName())
}
