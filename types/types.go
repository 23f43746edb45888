// Package types contains the shared identifier types for the control plane.
// We define this package separately so that we can safely pass these types
// around to other packages that the core packages themselves depend on.
package types // import "github.com/helmsmanhq/helmsman/types"

// We define special types for the following string types for all the benefits
// of type safety, including making sure we never mix up a user ID and a
// server name, for instance.

type (
	// A UserID is the stable unique id of a user row. It is assigned by the
	// control plane on first successful authentication or admin
	// pre-registration, not by the authentication provider.
	UserID string

	// A Username is the name the user authenticated as.
	Username string

	// A ServerName distinguishes the named servers belonging to one user. The
	// empty string is the default (unnamed) server.
	ServerName string

	// A GroupName identifies a user group.
	GroupName string

	// A TokenID is the stable id of an API token row. It is safe to log; the
	// token secret itself never is.
	TokenID string

	// An OAuthClientID identifies the OAuth client minted for one running
	// single-user server.
	OAuthClientID string

	// A RouteSpec is the string key identifying one entry in the reverse
	// proxy's routing table: a path prefix like "/user/wash/", or
	// "host.example.com/path/" in host-routing mode.
	RouteSpec string

	// A ServiceName identifies an externally-managed service registered with
	// the control plane (as opposed to a user's single-user server).
	ServiceName string
)

// OwnerKind says whether a token belongs to a user or to a service. Exactly
// one owner is ever set on a token row.
type OwnerKind string

// The two legal token owner kinds.
const (
	OwnerUser    OwnerKind = "user"
	OwnerService OwnerKind = "service"
)
