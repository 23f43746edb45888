/*
Package orchestrator is the control plane's heart: it owns the in-memory
tracker of live single-user servers and drives every lifecycle flow —
spawning, stopping, startup reconciliation, and the periodic route sweep.

The tracker mirrors the database: rows are the durable truth, tracker
entries are the live handles (driver, state machine) on top of them. A
control-plane restart rebuilds the tracker from the rows and polls each
driver to learn what actually survived.
*/
package orchestrator // import "github.com/helmsmanhq/helmsman/orchestrator"

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/helmsmanhq/helmsman/auth"
	"github.com/helmsmanhq/helmsman/cryptkeeper"
	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/proxy"
	"github.com/helmsmanhq/helmsman/routes"
	"github.com/helmsmanhq/helmsman/spawner"
	"github.com/helmsmanhq/helmsman/tokens"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// Config tunes the orchestrator. Zero values select the defaults noted on
// each field.
type Config struct {
	// HubURL is the control plane's externally reachable API URL, handed
	// to every server so it can call home.
	HubURL string

	// DriverName picks the spawner driver when NewDriver is unset.
	DriverName string

	// NewDriver builds a fresh driver per server. Defaults to the
	// registered driver named DriverName.
	NewDriver func() (spawner.Driver, error)

	// ConcurrentSpawnLimit caps servers in the spawning phase at once.
	// Default 64.
	ConcurrentSpawnLimit int

	// ActiveServerLimit caps running servers hub-wide. 0 = unlimited.
	ActiveServerLimit int

	// NamedServerLimitPerUser caps each user's named (non-default)
	// servers. 0 = unlimited.
	NamedServerLimitPerUser int

	// StartTimeout bounds the driver start phase. Default 120s.
	StartTimeout time.Duration

	// LivenessTimeout bounds the HTTP readiness wait after the driver
	// reports started. Default 30s.
	LivenessTimeout time.Duration

	// RetryAfterMin/Max bound the randomized retry hint handed out when a
	// spawn is rejected for capacity. Defaults 6s and 28s; randomized so
	// rejected clients don't stampede back in lockstep.
	RetryAfterMin time.Duration
	RetryAfterMax time.Duration

	// ActivityResolution coarsens activity writes: updates closer together
	// than this don't hit the database. Default 30s.
	ActivityResolution time.Duration
}

func (c Config) withDefaults() Config {
	if c.NewDriver == nil {
		name := c.DriverName
		c.NewDriver = func() (spawner.Driver, error) { return spawner.New(name) }
	}
	if c.ConcurrentSpawnLimit == 0 {
		c.ConcurrentSpawnLimit = 64
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = 120 * time.Second
	}
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = 30 * time.Second
	}
	if c.RetryAfterMin == 0 {
		c.RetryAfterMin = 6 * time.Second
	}
	if c.RetryAfterMax == 0 {
		c.RetryAfterMax = 28 * time.Second
	}
	if c.ActivityResolution == 0 {
		c.ActivityResolution = 30 * time.Second
	}
	return c
}

// ErrSpawnPending is returned when an operation collides with an
// in-flight spawn for the same server. The spawn has to finish or fail
// before anything else can happen to that server.
var ErrSpawnPending = utils.MakeError("orchestrator: a spawn for this server is still pending")

// ErrAlreadyRunning is returned by Spawn when the server is already up.
var ErrAlreadyRunning = utils.MakeError("orchestrator: server is already running")

// ErrNotRunning is returned by Stop when there's nothing to stop.
var ErrNotRunning = utils.MakeError("orchestrator: server is not running")

// The three ways a spawn conclusively fails, kept distinguishable (via
// errors.Is) so callers can tell a slow backend from a broken one.
var (
	// ErrStartTimeout: the driver didn't produce a server in time.
	ErrStartTimeout = utils.MakeError("orchestrator: server start timed out")

	// ErrStartFailed: the driver refused or errored outright.
	ErrStartFailed = utils.MakeError("orchestrator: server failed to start")

	// ErrNeverReady: the backend started but never answered HTTP.
	ErrNeverReady = utils.MakeError("orchestrator: server started but never became ready")
)

// ConcurrencyError rejects a spawn for capacity reasons and tells the
// client when to try again.
type ConcurrencyError struct {
	RetryAfter time.Duration
}

func (e *ConcurrencyError) Error() string {
	return utils.Sprintf("too many servers are starting right now, retry in %s", e.RetryAfter.Round(time.Second))
}

// trackerKey identifies one (user, server name) pair.
type trackerKey struct {
	userID types.UserID
	name   types.ServerName
}

// liveServer is the tracker entry for one server: the durable row's live
// counterpart.
type liveServer struct {
	userID types.UserID
	name   types.ServerName

	machine *spawner.Machine
	driver  spawner.Driver
	server  *routes.Server

	tokenID       types.TokenID
	oauthClientID types.OAuthClientID
}

// Orchestrator coordinates spawners, routes, tokens, and rows.
type Orchestrator struct {
	config Config

	db     hubdb.Client
	proxy  proxy.Client
	tokens *tokens.Store
	auth   auth.Authenticator
	keeper *cryptkeeper.Keeper

	trackerLock sync.RWMutex
	tracker     map[trackerKey]*liveServer
	spawning    int // servers currently in the spawning phase

	activity *activityTracker
	events   *broadcaster

	httpClient *http.Client
	rng        *rand.Rand
	rngLock    sync.Mutex
}

// New wires up an orchestrator. The authenticator may be nil when the
// caller handles authentication elsewhere (tests, mostly).
func New(config Config, db hubdb.Client, proxyClient proxy.Client, tokenStore *tokens.Store, authenticator auth.Authenticator, keeper *cryptkeeper.Keeper) *Orchestrator {
	config = config.withDefaults()
	return &Orchestrator{
		config:     config,
		db:         db,
		proxy:      proxyClient,
		tokens:     tokenStore,
		auth:       authenticator,
		keeper:     keeper,
		tracker:    make(map[trackerKey]*liveServer),
		activity:   newActivityTracker(db, config.ActivityResolution),
		events:     newBroadcaster(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// getLive returns the tracker entry for a server, if any.
func (o *Orchestrator) getLive(userID types.UserID, name types.ServerName) (*liveServer, bool) {
	o.trackerLock.RLock()
	defer o.trackerLock.RUnlock()
	live, ok := o.tracker[trackerKey{userID, name}]
	return live, ok
}

// putLive installs a tracker entry, replacing any previous one.
func (o *Orchestrator) putLive(live *liveServer) {
	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()
	o.tracker[trackerKey{live.userID, live.name}] = live
}

// dropLiveIfStopped removes the tracker entry only while it is still the
// given one and still reads stopped, so a respawn that already claimed the
// entry keeps it.
func (o *Orchestrator) dropLiveIfStopped(live *liveServer) {
	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()
	key := trackerKey{live.userID, live.name}
	if o.tracker[key] == live && live.machine.Current() == spawner.StateStopped {
		delete(o.tracker, key)
	}
}

// liveServers snapshots the tracker.
func (o *Orchestrator) liveServers() []*liveServer {
	o.trackerLock.RLock()
	defer o.trackerLock.RUnlock()
	out := make([]*liveServer, 0, len(o.tracker))
	for _, live := range o.tracker {
		out = append(out, live)
	}
	return out
}

// runningCount counts tracker entries in the running state. The caller
// holds trackerLock.
func (o *Orchestrator) runningCount() int {
	count := 0
	for _, live := range o.tracker {
		if live.machine.Current() == spawner.StateRunning {
			count++
		}
	}
	return count
}

// retryAfter draws a randomized retry hint from the configured interval.
func (o *Orchestrator) retryAfter() time.Duration {
	o.rngLock.Lock()
	defer o.rngLock.Unlock()
	span := o.config.RetryAfterMax - o.config.RetryAfterMin
	if span <= 0 {
		return o.config.RetryAfterMin
	}
	return o.config.RetryAfterMin + time.Duration(o.rng.Int63n(int64(span)))
}

// Events exposes the lifecycle event feed.
func (o *Orchestrator) Events() *broadcaster {
	return o.events
}

// ServerState reports the lifecycle state of a server, StateStopped when it
// was never tracked.
func (o *Orchestrator) ServerState(userID types.UserID, name types.ServerName) spawner.State {
	if live, ok := o.getLive(userID, name); ok {
		return live.machine.Current()
	}
	return spawner.StateStopped
}

// ActiveServers lists the user's servers the tracker doesn't consider
// fully stopped, default server included.
func (o *Orchestrator) ActiveServers(userID types.UserID) []types.ServerName {
	o.trackerLock.RLock()
	defer o.trackerLock.RUnlock()
	var names []types.ServerName
	for key, live := range o.tracker {
		if key.userID == userID && live.machine.Current() != spawner.StateStopped {
			names = append(names, key.name)
		}
	}
	return names
}

// ServerRoute returns the live server's address, or nil.
func (o *Orchestrator) ServerRoute(userID types.UserID, name types.ServerName) *routes.Server {
	live, ok := o.getLive(userID, name)
	if !ok || live.machine.Current() != spawner.StateRunning {
		return nil
	}
	return live.server
}

// NoteUserActivity records user activity through the coarsening tracker.
func (o *Orchestrator) NoteUserActivity(ctx context.Context, userID types.UserID, ts time.Time) error {
	return o.activity.NoteUser(ctx, userID, ts)
}

// NoteServerActivity records server activity through the coarsening
// tracker.
func (o *Orchestrator) NoteServerActivity(ctx context.Context, userID types.UserID, name types.ServerName, ts time.Time) error {
	return o.activity.NoteServer(ctx, userID, name, ts)
}
