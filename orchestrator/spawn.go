package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/proxy"
	"github.com/helmsmanhq/helmsman/routes"
	"github.com/helmsmanhq/helmsman/spawner"
	"github.com/helmsmanhq/helmsman/tokens"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// serverTokenScopes are the scopes minted onto a server's own API token:
// enough to report activity and read its own model, nothing else.
func serverTokenScopes(userID types.UserID, name types.ServerName) []string {
	filter := "server=" + string(userID) + "/" + string(name)
	return []string{
		"users:activity!user=" + string(userID),
		"read:servers!" + filter,
	}
}

func oauthClientID(userID types.UserID, name types.ServerName) types.OAuthClientID {
	id := "helmsman-server-" + string(userID)
	if name != "" {
		id += "-" + string(name)
	}
	return types.OAuthClientID(id)
}

// ensureLive returns the tracker entry for a server, creating a stopped one
// if the server was never tracked. Creation is atomic with the lookup so
// two concurrent spawns share one entry and its state machine settles the
// race.
func (o *Orchestrator) ensureLive(userID types.UserID, name types.ServerName) *liveServer {
	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()
	key := trackerKey{userID, name}
	if live, ok := o.tracker[key]; ok {
		return live
	}
	live := &liveServer{
		userID:  userID,
		name:    name,
		machine: spawner.NewMachine(spawner.StateStopped),
	}
	o.tracker[key] = live
	return live
}

// reserveSpawnSlot enforces the concurrency limits, claiming a slot when
// they allow. Claim and check are atomic under the tracker lock.
func (o *Orchestrator) reserveSpawnSlot() error {
	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()

	if o.spawning >= o.config.ConcurrentSpawnLimit {
		return &ConcurrencyError{RetryAfter: o.retryAfter()}
	}
	if o.config.ActiveServerLimit > 0 {
		if o.runningCount()+o.spawning >= o.config.ActiveServerLimit {
			return &ConcurrencyError{RetryAfter: o.retryAfter()}
		}
	}
	o.spawning++
	return nil
}

func (o *Orchestrator) releaseSpawnSlot() {
	o.trackerLock.Lock()
	defer o.trackerLock.Unlock()
	o.spawning--
}

// Spawn starts user's server called name. It returns once the server is
// routable or the spawn has conclusively failed.
func (o *Orchestrator) Spawn(ctx context.Context, user *hubdb.User, name types.ServerName, options map[string]string) (err error) {
	if name != "" && o.config.NamedServerLimitPerUser > 0 {
		count, err := o.db.CountNamedSpawners(ctx, user.ID)
		if err != nil {
			return utils.MakeError("couldn't count %s's servers: %s", user.Name, err)
		}
		if count >= o.config.NamedServerLimitPerUser {
			return utils.MakeError("%s already has %d named servers, the limit", user.Name, count)
		}
	}

	live := o.ensureLive(user.ID, name)
	if !live.machine.ToIf(spawner.StateStopped, spawner.StateSpawning) {
		switch live.machine.Current() {
		case spawner.StateSpawning:
			return ErrSpawnPending
		case spawner.StateRunning:
			return ErrAlreadyRunning
		default:
			return utils.MakeError("server for %s/%s is %s; try again once it settles", user.Name, name, live.machine.Current())
		}
	}

	// A concurrent final stop may have dropped the entry between the
	// lookup and the claim; reinstall it now that the claim stuck.
	o.putLive(live)

	if err := o.reserveSpawnSlot(); err != nil {
		// The machine moved to spawning before the capacity check so the
		// slot claim would be exclusive; roll it back.
		if terr := live.machine.To(spawner.StateStopped); terr != nil {
			hublogger.Errorf("Couldn't roll back spawn state for %s/%s: %s", user.Name, name, terr)
		}
		return err
	}
	defer o.releaseSpawnSlot()

	o.publishState(user.ID, name, spawner.StateSpawning, "")

	// Everything from here on must be unwound if any later step fails.
	spawnFailed := true
	defer func() {
		if spawnFailed {
			o.cleanupFailedSpawn(live, user)
		}
	}()

	clientID := oauthClientID(user.ID, name)
	oauthSecret, err := o.tokens.NewOAuthClient(ctx, clientID, string(routes.UserRouteSpec(user.Name, name))+"oauth_callback")
	if err == hubdb.ErrAlreadyExists {
		// Left over from a previous run of this same server; reuse the ID
		// with a fresh secret by recreating the client.
		if derr := o.tokens.DeleteOAuthClient(ctx, clientID); derr != nil {
			return utils.MakeError("couldn't recycle OAuth client %s: %s", clientID, derr)
		}
		oauthSecret, err = o.tokens.NewOAuthClient(ctx, clientID, string(routes.UserRouteSpec(user.Name, name))+"oauth_callback")
	}
	if err != nil {
		return utils.MakeError("couldn't mint OAuth client for %s/%s: %s", user.Name, name, err)
	}
	live.oauthClientID = clientID

	apiToken, minted, err := o.tokens.Mint(ctx, tokens.MintRequest{
		UserID:        user.ID,
		Scopes:        serverTokenScopes(user.ID, name),
		OAuthClientID: clientID,
	})
	if err != nil {
		return utils.MakeError("couldn't mint API token for %s/%s: %s", user.Name, name, err)
	}
	live.tokenID = minted.ID

	env := map[string]string{
		"HELMSMAN_API_TOKEN":           apiToken,
		"HELMSMAN_OAUTH_CLIENT_ID":     string(clientID),
		"HELMSMAN_OAUTH_CLIENT_SECRET": oauthSecret,
		"HELMSMAN_USER":                string(user.Name),
	}
	if hookEnv, err := o.preSpawnEnv(ctx, user); err != nil {
		return err
	} else {
		for k, v := range hookEnv {
			env[k] = v
		}
	}

	driver, err := o.config.NewDriver()
	if err != nil {
		return utils.MakeError("couldn't build spawner driver: %s", err)
	}
	live.driver = driver

	// A prior row may carry reattachable driver state (e.g. a retained
	// container).
	if row, rerr := o.db.GetSpawner(ctx, user.ID, name); rerr == nil && len(row.State) > 0 {
		if lerr := driver.LoadState(row.State); lerr != nil {
			hublogger.Warningf("Ignoring stale driver state for %s/%s: %s", user.Name, name, lerr)
		}
	}

	startReq := spawner.StartRequest{
		UserID:   user.ID,
		Username: user.Name,
		Name:     name,
		Env:      env,
		Options:  options,
		HubURL:   o.config.HubURL,
	}

	startCtx, cancelStart := context.WithTimeout(ctx, o.config.StartTimeout)
	defer cancelStart()
	if pre, ok := driver.(spawner.PreStarter); ok {
		if err := pre.PreStart(startCtx, startReq); err != nil {
			return utils.MakeError("%w: pre-start hook for %s/%s: %s", ErrStartFailed, user.Name, name, err)
		}
	}
	server, err := driver.Start(startCtx, startReq)
	if err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			return utils.MakeError("%w: %s/%s got no server within %s", ErrStartTimeout, user.Name, name, o.config.StartTimeout)
		}
		return utils.MakeError("%w: %s/%s: %s", ErrStartFailed, user.Name, name, err)
	}
	live.server = server

	// Persist the row before the readiness wait: from here a crashed hub
	// can still find the started backend on its reconciliation pass.
	now := time.Now()
	if err := o.db.UpsertSpawner(ctx, &hubdb.Spawner{
		UserID:        user.ID,
		Name:          name,
		State:         driver.SaveState(),
		Options:       options,
		Server:        server,
		OAuthClientID: clientID,
		TokenID:       minted.ID,
		StartedAt:     now,
		LastActivity:  now,
	}); err != nil {
		return utils.MakeError("couldn't persist spawner row for %s/%s: %s", user.Name, name, err)
	}

	if err := o.waitHTTPReady(ctx, server.ConnectURL()); err != nil {
		return utils.MakeError("%w: %s/%s: %s", ErrNeverReady, user.Name, name, err)
	}

	spec := server.RouteSpec(false, "")
	if err := o.proxy.AddRoute(ctx, spec, server.ConnectHost(), proxy.Stamp(user.Name, name)); err != nil {
		return utils.MakeError("couldn't add route %s: %s", spec, err)
	}

	if err := live.machine.To(spawner.StateRunning); err != nil {
		return err
	}
	spawnFailed = false
	o.publishState(user.ID, name, spawner.StateRunning, "")
	hublogger.Infof("Spawned server %s for %s at %s", spec, user.Name, server.ConnectURL())
	return nil
}

// preSpawnEnv opens the user's sealed auth state and runs the
// authenticator's pre-spawn hook.
func (o *Orchestrator) preSpawnEnv(ctx context.Context, user *hubdb.User) (map[string]string, error) {
	if o.auth == nil {
		return nil, nil
	}
	var state []byte
	if len(user.AuthState) > 0 && o.keeper != nil && o.keeper.Enabled() {
		opened, err := o.keeper.Open(user.AuthState)
		if err != nil {
			return nil, utils.MakeError("couldn't open auth state for %s: %s", user.Name, err)
		}
		state = opened
	}
	env, err := o.auth.PreSpawn(ctx, user.Name, state)
	if err != nil {
		return nil, utils.MakeError("pre-spawn hook failed for %s: %s", user.Name, err)
	}
	return env, nil
}

// waitHTTPReady polls the server's URL until it answers any HTTP response
// at all. A 404 is fine; routability is what's being established.
func (o *Orchestrator) waitHTTPReady(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, o.config.LivenessTimeout)
	defer cancel()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return utils.MakeError("couldn't build liveness request: %s", err)
		}
		resp, err := o.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return utils.MakeError("no HTTP response from %s within %s", url, o.config.LivenessTimeout)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// cleanupFailedSpawn unwinds a partial spawn in the background: the caller
// already has its error, and the unwinding involves its own timeouts.
func (o *Orchestrator) cleanupFailedSpawn(live *liveServer, user *hubdb.User) {
	o.publishState(user.ID, live.name, spawner.StateStopping, "spawn failed, cleaning up")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if live.driver != nil {
			if err := live.driver.Stop(ctx, true); err != nil {
				hublogger.Errorf("Couldn't stop half-spawned server for %s/%s: %s", user.Name, live.name, err)
			}
		}
		if live.server != nil {
			if err := o.proxy.DeleteRoute(ctx, live.server.RouteSpec(false, "")); err != nil {
				hublogger.Errorf("Couldn't drop route for failed spawn %s/%s: %s", user.Name, live.name, err)
			}
		}
		if live.tokenID != "" {
			if err := o.tokens.Revoke(ctx, live.tokenID); err != nil && err != hubdb.ErrNotFound {
				hublogger.Errorf("Couldn't revoke token for failed spawn %s/%s: %s", user.Name, live.name, err)
			}
		}
		if live.oauthClientID != "" {
			if err := o.tokens.DeleteOAuthClient(ctx, live.oauthClientID); err != nil {
				hublogger.Errorf("Couldn't delete OAuth client for failed spawn %s/%s: %s", user.Name, live.name, err)
			}
		}
		if err := o.db.ClearSpawnerServer(ctx, user.ID, live.name); err != nil {
			hublogger.Errorf("Couldn't clear spawner row for failed spawn %s/%s: %s", user.Name, live.name, err)
		}

		live.server = nil
		live.driver = nil
		live.tokenID = ""
		live.oauthClientID = ""
		if err := live.machine.To(spawner.StateStopped); err != nil {
			hublogger.Errorf("Couldn't settle state for failed spawn %s/%s: %s", user.Name, live.name, err)
		}
		o.dropLiveIfStopped(live)
		o.publishState(user.ID, live.name, spawner.StateStopped, "spawn failed")
	}()
}
