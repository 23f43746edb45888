/*
Package spawner starts, watches, and stops single-user backend servers.

A Driver owns one server's underlying resource (an OS process, a container,
or a cloud instance) and knows nothing about users, tokens, or routes. The
orchestrator pairs each driver with a Machine, the lifecycle state machine
that guards which operations are legal when.

Drivers are registered by name so deployments pick one in configuration.
Driver state is a flat string map persisted to the database, which is how a
restarted control plane reattaches to servers that kept running without it.
*/
package spawner // import "github.com/helmsmanhq/helmsman/spawner"

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/helmsmanhq/helmsman/routes"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// State is a phase of the single-user server lifecycle.
type State string

// The lifecycle phases. Unknown only occurs after a control-plane restart,
// before the first poll resolves what actually survived.
const (
	StateStopped  State = "stopped"
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateUnknown  State = "unknown"
)

// transitions lists the legal successor states for each state.
var transitions = map[State][]State{
	StateStopped:  {StateSpawning},
	StateSpawning: {StateRunning, StateStopped},
	StateRunning:  {StateStopping, StateStopped},
	StateStopping: {StateStopped},
	StateUnknown:  {StateRunning, StateStopped},
}

// ErrIllegalTransition is wrapped by Machine.To for forbidden transitions.
var ErrIllegalTransition = utils.MakeError("spawner: illegal state transition")

// Machine guards the lifecycle of one server. Methods are safe for
// concurrent use.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine returns a machine in the given initial state.
func NewMachine(initial State) *Machine {
	return &Machine{state: initial}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To moves the machine to next, or returns ErrIllegalTransition.
func (m *Machine) To(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.state] {
		if next == allowed {
			m.state = next
			return nil
		}
	}
	return utils.MakeError("%s: %s -> %s", ErrIllegalTransition, m.state, next)
}

// ToIf moves the machine to next only when it is currently in from. It
// reports whether the move happened, which lets callers resolve races like
// two concurrent spawn requests without a separate lock.
func (m *Machine) ToIf(from, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	for _, allowed := range transitions[from] {
		if next == allowed {
			m.state = next
			return true
		}
	}
	return false
}

// StartRequest carries everything a driver needs to start one server.
type StartRequest struct {
	UserID   types.UserID
	Username types.Username
	Name     types.ServerName

	// Env is injected into the server verbatim, on top of whatever the
	// driver itself sets. It already includes the server's API token and
	// OAuth credentials.
	Env map[string]string

	// Options are user-supplied spawn options, interpreted per driver.
	Options map[string]string

	// HubURL is the control plane's own API URL, for the server to call
	// home.
	HubURL string
}

// BasePath is the URL path prefix the server must serve under.
func (req StartRequest) BasePath() string {
	return string(routes.UserRouteSpec(req.Username, req.Name))
}

// ServerEnv assembles the environment block every driver injects into its
// server: where to listen, the path prefix to serve under, and how to call
// the hub back, with the request's own credential env layered on top. port
// is driver-specific, so drivers pass their own.
func (req StartRequest) ServerEnv(port string) map[string]string {
	env := map[string]string{
		"HELMSMAN_SERVER_PORT":      port,
		"HELMSMAN_SERVER_BASE_PATH": req.BasePath(),
		"HELMSMAN_HUB_URL":          req.HubURL,
	}
	for k, v := range req.Env {
		env[k] = v
	}
	return env
}

// Status is the result of polling a driver.
type Status struct {
	Running bool
	// ExitCode is meaningful only when Running is false and the driver
	// could observe an exit. -1 means unknown.
	ExitCode int
}

// Driver owns the underlying resource of one single-user server.
type Driver interface {
	// Start brings the resource up and returns the server's address. It
	// must not return before the address is connectable or ctx expires;
	// HTTP-level readiness is the orchestrator's job.
	Start(ctx context.Context, req StartRequest) (*routes.Server, error)

	// Poll reports whether the resource is still alive. It must be cheap;
	// the orchestrator calls it periodically for every tracked server.
	Poll(ctx context.Context) (Status, error)

	// Stop brings the resource down. With now set it skips any graceful
	// path and forces termination immediately.
	Stop(ctx context.Context, now bool) error

	// WillResume reports whether the resource survives a stop in a
	// restartable form. When true, the orchestrator keeps the server's
	// tokens so the resumed server can reuse them.
	WillResume() bool

	// SaveState returns the flat state blob to persist, and LoadState
	// reattaches a fresh driver to a previously persisted one.
	SaveState() map[string]string
	LoadState(state map[string]string) error
}

// PreStarter is an optional driver hook. When a driver implements it, the
// orchestrator calls PreStart right before Start, so the driver can stage
// resources that must exist before the server comes up.
type PreStarter interface {
	PreStart(ctx context.Context, req StartRequest) error
}

// PostStopper is the stop-side counterpart: called after Stop completes,
// whatever the outcome. Failures are logged, never raised.
type PostStopper interface {
	PostStop(ctx context.Context) error
}

// registry maps driver names to factories. Each call builds a fresh driver
// for one server.
var (
	registryMu sync.Mutex
	registry   = map[string]func() (Driver, error){}
)

// Register installs a driver factory under a name. Call from package init.
func Register(name string, factory func() (Driver, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(utils.Sprintf("spawner: duplicate driver %s", name))
	}
	registry[name] = factory
}

// New builds a fresh driver of the named kind.
func New(name string) (Driver, error) {
	registryMu.Lock()
	factory, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, utils.MakeError("no spawner driver named %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return factory()
}

// Names lists the registered drivers, sorted.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnvSlice flattens an environment map into KEY=VALUE form with stable
// ordering.
func EnvSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
