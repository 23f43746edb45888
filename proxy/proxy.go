/*
Package proxy talks to the front-door reverse proxy's route table. The
proxy is a separate process with a small REST API: each route maps a path
(or host) prefix to a backend target URL, with an arbitrary JSON data blob
stored alongside.

The control plane stamps every route it creates so reconciliation can tell
its own routes from foreign ones. Routes added by other tenants of the same
proxy are never modified or deleted.
*/
package proxy // import "github.com/helmsmanhq/helmsman/proxy"

import (
	"context"
	"time"

	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// ownerKey marks routes this control plane owns in the route's data blob.
const ownerKey = "helmsman"

// ErrRouteNotFound is returned by GetRoute for unknown route specs.
var ErrRouteNotFound = utils.MakeError("proxy: route not found")

// Route is one entry of the proxy's route table.
type Route struct {
	Spec   types.RouteSpec
	Target string
	Data   map[string]interface{}
}

// Owned reports whether this route carries our ownership stamp.
func (r *Route) Owned() bool {
	if r.Data == nil {
		return false
	}
	_, ok := r.Data[ownerKey]
	return ok
}

// User returns the username recorded in the ownership stamp, if any.
func (r *Route) User() types.Username {
	stamp, ok := r.Data[ownerKey].(map[string]interface{})
	if !ok {
		return ""
	}
	user, _ := stamp["user"].(string)
	return types.Username(user)
}

// Stamp builds the data blob for a route owned by this control plane.
// lastActivity rides along so the proxy's own traffic bookkeeping can be
// harvested later.
func Stamp(user types.Username, serverName types.ServerName) map[string]interface{} {
	return map[string]interface{}{
		ownerKey: map[string]interface{}{
			"user":   string(user),
			"server": string(serverName),
		},
	}
}

// ServiceStamp builds the data blob for a registered service's route.
func ServiceStamp(name types.ServiceName) map[string]interface{} {
	return map[string]interface{}{
		ownerKey: map[string]interface{}{
			"service": string(name),
		},
	}
}

// Service returns the service name recorded in the ownership stamp, if
// any.
func (r *Route) Service() types.ServiceName {
	stamp, ok := r.Data[ownerKey].(map[string]interface{})
	if !ok {
		return ""
	}
	service, _ := stamp["service"].(string)
	return types.ServiceName(service)
}

// Client abstracts the proxy's route table.
type Client interface {
	// AddRoute creates or replaces the route for spec.
	AddRoute(ctx context.Context, spec types.RouteSpec, target string, data map[string]interface{}) error

	// GetRoute returns the route for spec, or ErrRouteNotFound.
	GetRoute(ctx context.Context, spec types.RouteSpec) (*Route, error)

	// DeleteRoute removes the route for spec. Deleting an absent route is
	// not an error; the desired end state holds either way.
	DeleteRoute(ctx context.Context, spec types.RouteSpec) error

	// AllRoutes returns the entire route table, foreign routes included.
	AllRoutes(ctx context.Context) (map[types.RouteSpec]*Route, error)

	// LastActivity extracts the proxy-recorded last activity for a route,
	// or the zero time when the proxy doesn't track it.
	LastActivity(route *Route) time.Time
}
