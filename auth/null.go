package auth

import (
	"context"
	"os"
	"strings"

	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/metadata"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

func init() {
	Register("null", newNullAuthenticator)
}

// nullAuthenticator admits any non-empty username without checking a
// password. It refuses to construct outside local environments.
type nullAuthenticator struct {
	allowedUsers map[types.Username]bool // empty = allow everyone
	adminUsers   map[types.Username]bool
}

func newNullAuthenticator() (Authenticator, error) {
	if !metadata.IsLocalEnv() {
		return nil, utils.MakeError("the null authenticator is only available in local environments, not %s", metadata.GetAppEnvironment())
	}
	hublogger.Warning(utils.MakeError("Using the null authenticator. Anyone can log in as anyone."))

	a := &nullAuthenticator{
		allowedUsers: usernameSet(os.Getenv("HELMSMAN_ALLOWED_USERS")),
		adminUsers:   usernameSet(os.Getenv("HELMSMAN_ADMIN_USERS")),
	}
	return a, nil
}

func usernameSet(spec string) map[types.Username]bool {
	set := map[types.Username]bool{}
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			set[types.Username(name)] = true
		}
	}
	return set
}

func (a *nullAuthenticator) Name() string {
	return "null"
}

func (a *nullAuthenticator) Authenticate(_ context.Context, creds Credentials) (*Identity, error) {
	if creds.Username == "" {
		return nil, ErrAccessDenied
	}
	if len(a.allowedUsers) > 0 && !a.allowedUsers[creds.Username] {
		return nil, ErrAccessDenied
	}
	return &Identity{
		Username: creds.Username,
		Admin:    a.adminUsers[creds.Username],
	}, nil
}

func (a *nullAuthenticator) PreSpawn(context.Context, types.Username, []byte) (map[string]string, error) {
	return nil, nil
}

func (a *nullAuthenticator) PostStop(context.Context, types.Username) error {
	return nil
}
