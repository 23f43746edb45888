/*
Package routes defines the Server value type: the network endpoint of one
running single-user server or registered service, and the routespec keys used
to address entries in the reverse proxy's routing table.
*/
package routes // import "github.com/helmsmanhq/helmsman/routes"

import (
	"os"
	"strings"

	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// Server describes a network endpoint: where a single-user server binds, and
// (optionally) a different address the control plane should use to connect to
// it. A Server is immutable once its spawner is running; it is only rebuilt
// during a (re)bind.
type Server struct {
	Scheme   string           `json:"scheme"`
	BindIP   string           `json:"bind_ip"`
	Port     uint16           `json:"port"`
	BasePath string           `json:"base_path"`

	// ConnectIP and ConnectPort, when set, override the bind address for
	// outbound connections from the control plane (e.g. when the backend
	// binds inside a container but is reachable on a mapped address).
	ConnectIP   string `json:"connect_ip,omitempty"`
	ConnectPort uint16 `json:"connect_port,omitempty"`

	Name types.ServerName `json:"name"`
}

// New returns a Server with its base path normalized. Scheme defaults to
// http.
func New(scheme, bindIP string, port uint16, basePath string) Server {
	if scheme == "" {
		scheme = "http"
	}
	return Server{
		Scheme:   scheme,
		BindIP:   bindIP,
		Port:     port,
		BasePath: NormalizePath(basePath),
	}
}

// NormalizePath guarantees the base-path invariant: the path always begins
// and ends with "/".
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p = p + "/"
	}
	return p
}

// isWildcard reports whether ip is an all-interfaces bind address.
func isWildcard(ip string) bool {
	return ip == "" || ip == "0.0.0.0" || ip == "::" || ip == "[::]"
}

// Host returns the scheme://host:port the server binds on.
func (s Server) Host() string {
	ip := s.BindIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	return utils.Sprintf("%s://%s:%d", s.Scheme, wrapIPv6(ip), s.Port)
}

// URL returns the bind URL including the base path.
func (s Server) URL() string {
	return s.Host() + s.BasePath
}

// ConnectHost returns the scheme://host:port the control plane should use to
// reach the server. The connect address defaults to the bind address, unless
// the bind address is a wildcard, in which case it falls back to the local
// hostname.
func (s Server) ConnectHost() string {
	ip := s.ConnectIP
	if ip == "" {
		if isWildcard(s.BindIP) {
			if hostname, err := os.Hostname(); err == nil {
				ip = hostname
			} else {
				ip = "127.0.0.1"
			}
		} else {
			ip = s.BindIP
		}
	}

	port := s.ConnectPort
	if port == 0 {
		port = s.Port
	}

	return utils.Sprintf("%s://%s:%d", s.Scheme, wrapIPv6(ip), port)
}

// ConnectURL returns the connect URL including the base path.
func (s Server) ConnectURL() string {
	return s.ConnectHost() + s.BasePath
}

// RouteSpec returns the routing-table key for this server. In path-routing
// mode (the default) this is just the base path; in host-routing mode it is
// the given hostname followed by the base path.
func (s Server) RouteSpec(hostRouting bool, host string) types.RouteSpec {
	if hostRouting {
		return types.RouteSpec(host + s.BasePath)
	}
	return types.RouteSpec(s.BasePath)
}

// wrapIPv6 brackets a bare IPv6 literal so it can be joined with a port.
func wrapIPv6(ip string) string {
	if strings.Contains(ip, ":") && !strings.HasPrefix(ip, "[") {
		return "[" + ip + "]"
	}
	return ip
}

// UserRouteSpec computes the canonical path-prefix routespec for a user's
// named server under the hub's user base path.
func UserRouteSpec(username types.Username, serverName types.ServerName) types.RouteSpec {
	if serverName == "" {
		return types.RouteSpec(utils.Sprintf("/user/%s/", username))
	}
	return types.RouteSpec(utils.Sprintf("/user/%s/%s/", username, serverName))
}
