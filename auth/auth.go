/*
Package auth decides who a login request belongs to. Authenticators are
pluggable: the control plane asks the registry for the implementation named
in its configuration and only ever talks to the Authenticator interface.

Two implementations ship here: a null authenticator that trusts any
username (local development only) and a JWT authenticator that verifies
RS256 access tokens against an issuer's JWKS endpoint.
*/
package auth // import "github.com/helmsmanhq/helmsman/auth"

import (
	"context"
	"sort"
	"strings"

	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// ErrAccessDenied is returned when credentials are well-formed but the
// presenter is not allowed in.
var ErrAccessDenied = utils.MakeError("auth: access denied")

// Credentials carries whatever a login request presented. Which fields an
// authenticator reads depends on the implementation.
type Credentials struct {
	Username types.Username
	Password string
	Token    string // bearer token, e.g. a JWT access token
}

// Identity is the verdict of a successful authentication.
type Identity struct {
	Username types.Username
	Admin    bool
	Groups   []types.GroupName

	// AuthState holds implementation-private state (upstream refresh
	// tokens and the like). The caller seals it before persisting.
	AuthState []byte
}

// Authenticator verifies credentials and hooks the server lifecycle.
type Authenticator interface {
	// Name returns the registry name of this implementation.
	Name() string

	// Authenticate verifies the presented credentials and returns the
	// resulting identity, or ErrAccessDenied.
	Authenticate(ctx context.Context, creds Credentials) (*Identity, error)

	// PreSpawn runs before a user's server starts and may contribute
	// environment variables (e.g. short-lived upstream credentials).
	PreSpawn(ctx context.Context, username types.Username, authState []byte) (map[string]string, error)

	// PostStop runs after a user's server has fully stopped. Errors are
	// logged, not fatal: the server is already gone.
	PostStop(ctx context.Context, username types.Username) error
}

// registry maps authenticator names to constructors.
var registry = map[string]func() (Authenticator, error){}

// Register installs a constructor under a name. Call from package init.
func Register(name string, constructor func() (Authenticator, error)) {
	if _, ok := registry[name]; ok {
		panic(utils.Sprintf("auth: duplicate authenticator %s", name))
	}
	registry[name] = constructor
}

// New builds the authenticator registered under name.
func New(name string) (Authenticator, error) {
	constructor, ok := registry[name]
	if !ok {
		return nil, utils.MakeError("no authenticator named %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return constructor()
}

// Names lists the registered authenticators, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
