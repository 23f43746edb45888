package orchestrator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/proxy"
	"github.com/helmsmanhq/helmsman/routes"
	"github.com/helmsmanhq/helmsman/spawner"
	"github.com/helmsmanhq/helmsman/tokens"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// fakeDriver stands in for a real backend: it "starts" instantly and
// points at whatever HTTP server the test hands it.
type fakeDriver struct {
	mu sync.Mutex

	server     *routes.Server
	startErr   error
	startDelay time.Duration
	running    bool
	resumes    bool
	stops      int
	forced     bool
	state      map[string]string
}

func (d *fakeDriver) Start(ctx context.Context, req spawner.StartRequest) (*routes.Server, error) {
	if d.startDelay > 0 {
		select {
		case <-time.After(d.startDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.startErr != nil {
		return nil, d.startErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
	server := *d.server
	server.BasePath = string(routes.UserRouteSpec(req.Username, req.Name))
	return &server, nil
}

func (d *fakeDriver) Poll(ctx context.Context) (spawner.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return spawner.Status{Running: d.running, ExitCode: -1}, nil
}

func (d *fakeDriver) Stop(ctx context.Context, now bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.stops++
	d.forced = now
	return nil
}

func (d *fakeDriver) WillResume() bool { return d.resumes }

func (d *fakeDriver) SaveState() map[string]string {
	if d.state == nil {
		return map[string]string{}
	}
	return d.state
}

func (d *fakeDriver) LoadState(state map[string]string) error {
	d.state = state
	return nil
}

func (d *fakeDriver) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// backendServer runs a tiny HTTP server and returns the routes.Server
// describing it.
func backendServer(t *testing.T) *routes.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	server := routes.New("http", u.Hostname(), uint16(port), "/")
	return &server
}

// deadBackend returns a routes.Server pointing at a port nothing listens
// on.
func deadBackend(t *testing.T) *routes.Server {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	l.Close()
	server := routes.New("http", "127.0.0.1", port, "/")
	return &server
}

type testHarness struct {
	o      *Orchestrator
	db     *hubdb.MemClient
	proxy  *proxy.MemClient
	driver *fakeDriver
	user   *hubdb.User
}

func newHarness(t *testing.T, config Config) *testHarness {
	t.Helper()
	db := hubdb.NewMemClient()
	proxyClient := proxy.NewMemClient()
	store := tokens.NewStore(db)

	driver := &fakeDriver{server: backendServer(t)}
	if config.NewDriver == nil {
		config.NewDriver = func() (spawner.Driver, error) { return driver, nil }
	}
	if config.HubURL == "" {
		config.HubURL = "http://127.0.0.1:8000"
	}
	if config.LivenessTimeout == 0 {
		config.LivenessTimeout = 5 * time.Second
	}

	user := &hubdb.User{ID: "u-1", Name: "ada"}
	if err := db.CreateUser(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	return &testHarness{
		o:      New(config, db, proxyClient, store, nil, nil),
		db:     db,
		proxy:  proxyClient,
		driver: driver,
		user:   user,
	}
}

func TestSpawnAndStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	if err := h.o.Spawn(ctx, h.user, "", nil); err != nil {
		t.Fatalf("spawn failed: %s", err)
	}
	if state := h.o.ServerState(h.user.ID, ""); state != spawner.StateRunning {
		t.Fatalf("state after spawn = %s, want %s", state, spawner.StateRunning)
	}

	// The spawn should have left a row, a route, and a token behind.
	row, err := h.db.GetSpawner(ctx, h.user.ID, "")
	if err != nil {
		t.Fatalf("no spawner row after spawn: %s", err)
	}
	if row.Server == nil {
		t.Fatal("spawner row has no server record")
	}
	spec := row.Server.RouteSpec(false, "")
	route, err := h.proxy.GetRoute(ctx, spec)
	if err != nil {
		t.Fatalf("no route after spawn: %s", err)
	}
	if !route.Owned() || route.User() != h.user.Name {
		t.Fatalf("route not stamped for %s: %+v", h.user.Name, route.Data)
	}
	tokenRows, err := h.db.ListTokensForUser(ctx, h.user.ID)
	if err != nil || len(tokenRows) != 1 {
		t.Fatalf("want exactly 1 server token, got %d (err %v)", len(tokenRows), err)
	}

	if err := h.o.Stop(ctx, h.user, "", false); err != nil {
		t.Fatalf("stop failed: %s", err)
	}
	if state := h.o.ServerState(h.user.ID, ""); state != spawner.StateStopped {
		t.Fatalf("state after stop = %s, want %s", state, spawner.StateStopped)
	}
	if _, err := h.proxy.GetRoute(ctx, spec); err != proxy.ErrRouteNotFound {
		t.Fatalf("route survived the stop: %v", err)
	}
	// Non-resumable backend: the stop revokes the server token.
	tokenRows, err = h.db.ListTokensForUser(ctx, h.user.ID)
	if err != nil || len(tokenRows) != 0 {
		t.Fatalf("want 0 tokens after final stop, got %d (err %v)", len(tokenRows), err)
	}
	if h.driver.stopCount() != 1 {
		t.Fatalf("driver stopped %d times, want 1", h.driver.stopCount())
	}
}

func TestSpawnIsExclusivePerServer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.driver.startDelay = 200 * time.Millisecond

	errs := make(chan error, 1)
	go func() { errs <- h.o.Spawn(ctx, h.user, "", nil) }()

	// Wait for the first spawn to claim the machine.
	deadline := time.Now().Add(2 * time.Second)
	for h.o.ServerState(h.user.ID, "") != spawner.StateSpawning {
		if time.Now().After(deadline) {
			t.Fatal("first spawn never reached the spawning state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.o.Spawn(ctx, h.user, "", nil); err != ErrSpawnPending {
		t.Fatalf("concurrent spawn = %v, want ErrSpawnPending", err)
	}
	if err := h.o.Stop(ctx, h.user, "", false); err != ErrSpawnPending {
		t.Fatalf("stop during spawn = %v, want ErrSpawnPending", err)
	}

	if err := <-errs; err != nil {
		t.Fatalf("first spawn failed: %s", err)
	}
	if err := h.o.Spawn(ctx, h.user, "", nil); err != ErrAlreadyRunning {
		t.Fatalf("second spawn = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopWithoutSpawn(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.o.Stop(context.Background(), h.user, "", false); err != ErrNotRunning {
		t.Fatalf("stop = %v, want ErrNotRunning", err)
	}
}

func TestConcurrencyLimitRejectsWithRetryHint(t *testing.T) {
	ctx := context.Background()

	backend := backendServer(t)
	h := newHarness(t, Config{
		ConcurrentSpawnLimit: 1,
		RetryAfterMin:        6 * time.Second,
		RetryAfterMax:        28 * time.Second,
		NewDriver: func() (spawner.Driver, error) {
			return &fakeDriver{server: backend, startDelay: 300 * time.Millisecond}, nil
		},
	})

	other := &hubdb.User{ID: "u-2", Name: "grace"}
	if err := h.db.CreateUser(ctx, other); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 1)
	go func() { errs <- h.o.Spawn(ctx, h.user, "", nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.o.ServerState(h.user.ID, "") != spawner.StateSpawning {
		if time.Now().After(deadline) {
			t.Fatal("first spawn never reached the spawning state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := h.o.Spawn(ctx, other, "", nil)
	var concErr *ConcurrencyError
	if !errors.As(err, &concErr) {
		t.Fatalf("over-limit spawn = %v, want ConcurrencyError", err)
	}
	if concErr.RetryAfter < 6*time.Second || concErr.RetryAfter > 28*time.Second {
		t.Fatalf("retry hint %s outside the configured interval", concErr.RetryAfter)
	}

	if err := <-errs; err != nil {
		t.Fatalf("first spawn failed: %s", err)
	}

	// The rejection must leave the other user's machine spawnable.
	if err := h.o.Spawn(ctx, other, "", nil); err != nil {
		t.Fatalf("post-rejection spawn failed: %s", err)
	}
}

func TestFailedSpawnCleansUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.driver.startErr = utils.MakeError("no capacity on the backend")

	if err := h.o.Spawn(ctx, h.user, "", nil); err == nil {
		t.Fatal("spawn succeeded with a failing driver")
	}

	// Cleanup runs in the background; wait for the machine to settle.
	deadline := time.Now().Add(2 * time.Second)
	for h.o.ServerState(h.user.ID, "") != spawner.StateStopped {
		if time.Now().After(deadline) {
			t.Fatal("failed spawn never settled back to stopped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	tokenRows, err := h.db.ListTokensForUser(ctx, h.user.ID)
	if err != nil || len(tokenRows) != 0 {
		t.Fatalf("want 0 tokens after failed spawn, got %d (err %v)", len(tokenRows), err)
	}
	all, err := h.proxy.AllRoutes(ctx)
	if err != nil || len(all) != 0 {
		t.Fatalf("want empty route table after failed spawn, got %d (err %v)", len(all), err)
	}

	// And the server must be spawnable again.
	h.driver.startErr = nil
	if err := h.o.Spawn(ctx, h.user, "", nil); err != nil {
		t.Fatalf("respawn after failure failed: %s", err)
	}
}

func TestSpawnFailureClasses(t *testing.T) {
	ctx := context.Background()

	t.Run("StartError", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.driver.startErr = utils.MakeError("no capacity on the backend")
		if err := h.o.Spawn(ctx, h.user, "", nil); !errors.Is(err, ErrStartFailed) {
			t.Fatalf("spawn = %v, want ErrStartFailed", err)
		}
	})

	t.Run("StartTimeout", func(t *testing.T) {
		h := newHarness(t, Config{StartTimeout: 150 * time.Millisecond})
		h.driver.startDelay = 2 * time.Second
		if err := h.o.Spawn(ctx, h.user, "", nil); !errors.Is(err, ErrStartTimeout) {
			t.Fatalf("spawn = %v, want ErrStartTimeout", err)
		}
	})

	t.Run("NeverReady", func(t *testing.T) {
		h := newHarness(t, Config{LivenessTimeout: 300 * time.Millisecond})
		h.driver.server = deadBackend(t)
		if err := h.o.Spawn(ctx, h.user, "", nil); !errors.Is(err, ErrNeverReady) {
			t.Fatalf("spawn = %v, want ErrNeverReady", err)
		}
	})
}

func TestSpawnerRowDurableBeforeReady(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{LivenessTimeout: 2 * time.Second})
	h.driver.server = deadBackend(t)

	errs := make(chan error, 1)
	go func() { errs <- h.o.Spawn(ctx, h.user, "", nil) }()

	// The backend never answers HTTP, so the spawn sits in its readiness
	// wait. The row must already be durable in that window; a hub that
	// crashes here reconciles the backend from it.
	deadline := time.Now().Add(time.Second)
	for {
		row, err := h.db.GetSpawner(ctx, h.user.ID, "")
		if err == nil && row.Server != nil {
			if row.TokenID == "" || row.OAuthClientID == "" {
				t.Fatalf("mid-spawn row is missing credentials: %+v", row)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no durable spawner row while the spawn waited for readiness")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := <-errs; !errors.Is(err, ErrNeverReady) {
		t.Fatalf("spawn = %v, want ErrNeverReady", err)
	}
}

// hookDriver is a fakeDriver with the optional lifecycle hooks attached.
type hookDriver struct {
	*fakeDriver

	hookMu    sync.Mutex
	preStarts int
	postStops int
}

func (d *hookDriver) PreStart(ctx context.Context, req spawner.StartRequest) error {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.preStarts++
	return nil
}

func (d *hookDriver) PostStop(ctx context.Context) error {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.postStops++
	return nil
}

func TestDriverHooksRunAroundLifecycle(t *testing.T) {
	ctx := context.Background()
	hook := &hookDriver{fakeDriver: &fakeDriver{server: backendServer(t)}}
	h := newHarness(t, Config{
		NewDriver: func() (spawner.Driver, error) { return hook, nil },
	})

	if err := h.o.Spawn(ctx, h.user, "", nil); err != nil {
		t.Fatalf("spawn failed: %s", err)
	}
	if hook.preStarts != 1 {
		t.Fatalf("PreStart ran %d times, want 1", hook.preStarts)
	}
	if hook.postStops != 0 {
		t.Fatalf("PostStop ran before any stop")
	}

	if err := h.o.Stop(ctx, h.user, "", false); err != nil {
		t.Fatalf("stop failed: %s", err)
	}
	if hook.postStops != 1 {
		t.Fatalf("PostStop ran %d times, want 1", hook.postStops)
	}
}

func TestStopDropsTrackerEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	if err := h.o.Spawn(ctx, h.user, "", nil); err != nil {
		t.Fatalf("spawn failed: %s", err)
	}
	if err := h.o.Stop(ctx, h.user, "", false); err != nil {
		t.Fatalf("stop failed: %s", err)
	}

	if _, ok := h.o.getLive(h.user.ID, ""); ok {
		t.Fatal("stopped server still has a tracker entry")
	}
	// And the server stays spawnable through a fresh entry.
	if err := h.o.Spawn(ctx, h.user, "", nil); err != nil {
		t.Fatalf("respawn failed: %s", err)
	}
}

func TestResumableStopKeepsCredentials(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.driver.resumes = true

	if err := h.o.Spawn(ctx, h.user, "", nil); err != nil {
		t.Fatalf("spawn failed: %s", err)
	}
	if err := h.o.Stop(ctx, h.user, "", false); err != nil {
		t.Fatalf("stop failed: %s", err)
	}

	tokenRows, err := h.db.ListTokensForUser(ctx, h.user.ID)
	if err != nil || len(tokenRows) != 1 {
		t.Fatalf("resumable stop should keep the token, got %d (err %v)", len(tokenRows), err)
	}
}

func TestNamedServerLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{NamedServerLimitPerUser: 1})

	if err := h.o.Spawn(ctx, h.user, "alpha", nil); err != nil {
		t.Fatalf("first named spawn failed: %s", err)
	}
	if err := h.o.Spawn(ctx, h.user, "beta", nil); err == nil {
		t.Fatal("second named spawn exceeded the limit but succeeded")
	}
	// The default server doesn't count against the named limit.
	if err := h.o.Spawn(ctx, h.user, "", nil); err != nil {
		t.Fatalf("default-server spawn failed: %s", err)
	}
}

func TestReconcileAdoptsSurvivors(t *testing.T) {
	ctx := context.Background()
	backend := backendServer(t)

	db := hubdb.NewMemClient()
	proxyClient := proxy.NewMemClient()
	store := tokens.NewStore(db)
	user := &hubdb.User{ID: "u-1", Name: "ada"}
	if err := db.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}

	alive := &fakeDriver{server: backend, running: true}
	dead := &fakeDriver{server: backend, running: false}
	byUser := map[types.UserID]spawner.Driver{"u-1": alive, "u-2": dead}

	deadUser := &hubdb.User{ID: "u-2", Name: "grace"}
	if err := db.CreateUser(ctx, deadUser); err != nil {
		t.Fatal(err)
	}

	aliveServer := *backend
	aliveServer.BasePath = string(routes.UserRouteSpec(user.Name, ""))
	deadServer := *backend
	deadServer.BasePath = string(routes.UserRouteSpec(deadUser.Name, ""))

	for userID, server := range map[types.UserID]*routes.Server{"u-1": &aliveServer, "u-2": &deadServer} {
		if err := db.UpsertSpawner(ctx, &hubdb.Spawner{
			UserID:    userID,
			State:     map[string]string{"handle": string(userID)},
			Server:    server,
			StartedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	// A route this control plane doesn't own must survive every sweep.
	foreignSpec := types.RouteSpec("/services/announcer/")
	if err := proxyClient.AddRoute(ctx, foreignSpec, "http://127.0.0.1:9999", map[string]interface{}{"service": "announcer"}); err != nil {
		t.Fatal(err)
	}

	var nextUser types.UserID = "u-1"
	var pickLock sync.Mutex
	config := Config{
		LivenessTimeout: 5 * time.Second,
		NewDriver: func() (spawner.Driver, error) {
			pickLock.Lock()
			defer pickLock.Unlock()
			d := byUser[nextUser]
			return d, nil
		},
	}
	o := New(config, db, proxyClient, store, nil, nil)

	// Reconcile rows one at a time so the driver picker stays simple.
	rows, err := db.ListRunningSpawners(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		pickLock.Lock()
		nextUser = row.UserID
		pickLock.Unlock()
		if err := o.reconcileRow(ctx, row); err != nil {
			t.Fatalf("reconcile of %s failed: %s", row.UserID, err)
		}
	}

	if state := o.ServerState("u-1", ""); state != spawner.StateRunning {
		t.Fatalf("survivor not adopted: state = %s", state)
	}
	if state := o.ServerState("u-2", ""); state != spawner.StateStopped {
		t.Fatalf("corpse adopted: state = %s", state)
	}

	// The survivor's route is restored, the corpse's row is cleared.
	if _, err := proxyClient.GetRoute(ctx, aliveServer.RouteSpec(false, "")); err != nil {
		t.Fatalf("survivor has no route: %s", err)
	}
	row, err := db.GetSpawner(ctx, "u-2", "")
	if err != nil {
		t.Fatal(err)
	}
	if row.Server != nil {
		t.Fatal("dead server's row still has a server record")
	}

	// And the sweep leaves the foreign route alone.
	if err := o.sweepRoutes(ctx); err != nil {
		t.Fatalf("sweep failed: %s", err)
	}
	if _, err := proxyClient.GetRoute(ctx, foreignSpec); err != nil {
		t.Fatalf("sweep deleted a foreign route: %s", err)
	}
}

func TestSweepRestoresServiceRoutes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	svcServer := routes.New("http", "127.0.0.1", 9090, "/services/announcer/")
	if err := h.db.UpsertService(ctx, &hubdb.Service{Name: "announcer", Server: &svcServer}); err != nil {
		t.Fatal(err)
	}
	// A route the control plane doesn't own must survive the sweep.
	foreignSpec := types.RouteSpec("/other-tenant/")
	if err := h.proxy.AddRoute(ctx, foreignSpec, "http://127.0.0.1:9999", nil); err != nil {
		t.Fatal(err)
	}

	if err := h.o.sweepRoutes(ctx); err != nil {
		t.Fatalf("sweep failed: %s", err)
	}

	route, err := h.proxy.GetRoute(ctx, svcServer.RouteSpec(false, ""))
	if err != nil {
		t.Fatalf("service route not restored: %s", err)
	}
	if !route.Owned() || route.Service() != "announcer" {
		t.Fatalf("service route not stamped: %+v", route.Data)
	}
	if _, err := h.proxy.GetRoute(ctx, foreignSpec); err != nil {
		t.Fatalf("sweep deleted a foreign route: %s", err)
	}

	// The restored route is expected, not an orphan: a second sweep keeps
	// it.
	if err := h.o.sweepRoutes(ctx); err != nil {
		t.Fatalf("second sweep failed: %s", err)
	}
	if _, err := h.proxy.GetRoute(ctx, svcServer.RouteSpec(false, "")); err != nil {
		t.Fatalf("second sweep removed the service route: %s", err)
	}
}

func TestActivityCoarsening(t *testing.T) {
	ctx := context.Background()
	db := hubdb.NewMemClient()
	user := &hubdb.User{ID: "u-1", Name: "ada"}
	if err := db.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}

	tracker := newActivityTracker(db, time.Minute)
	base := time.Now()

	if err := tracker.NoteUser(ctx, "u-1", base); err != nil {
		t.Fatal(err)
	}
	// Within the resolution window: absorbed, not written.
	if err := tracker.NoteUser(ctx, "u-1", base.Add(10*time.Second)); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetUser(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastActivity.Equal(base) {
		t.Fatalf("activity within the window hit the database: %s", got.LastActivity)
	}

	// Past the window: written through.
	later := base.Add(2 * time.Minute)
	if err := tracker.NoteUser(ctx, "u-1", later); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetUser(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastActivity.Equal(later) {
		t.Fatalf("activity past the window wasn't written: %s", got.LastActivity)
	}

	// Stale timestamps never move activity backwards.
	if err := tracker.NoteUser(ctx, "u-1", base); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetUser(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastActivity.Equal(later) {
		t.Fatalf("stale activity moved the clock backwards: %s", got.LastActivity)
	}
}

func TestEventFeed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	feed, cancel := h.o.Events().Subscribe()
	defer cancel()

	if err := h.o.Spawn(ctx, h.user, "", nil); err != nil {
		t.Fatalf("spawn failed: %s", err)
	}

	states := []spawner.State{}
	timeout := time.After(2 * time.Second)
	for len(states) < 2 {
		select {
		case event := <-feed:
			states = append(states, event.State)
		case <-timeout:
			t.Fatalf("only saw states %v before the timeout", states)
		}
	}
	if states[0] != spawner.StateSpawning || states[1] != spawner.StateRunning {
		t.Fatalf("event states = %v, want [spawning running]", states)
	}
}
