/*
The control plane is Helmsman's long-running process: it owns the database,
the spawner drivers, the reverse proxy's routing table, and the API every
user, server, and external service talks to.

Startup order matters: logging first so everything after it is observable,
then configuration, storage, and the orchestrator's reconciliation pass to
re-adopt servers that survived a restart. Only then does the API start
accepting traffic.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/helmsmanhq/helmsman/auth"
	"github.com/helmsmanhq/helmsman/cryptkeeper"
	"github.com/helmsmanhq/helmsman/httputils"
	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/metadata"
	"github.com/helmsmanhq/helmsman/orchestrator"
	"github.com/helmsmanhq/helmsman/proxy"
	"github.com/helmsmanhq/helmsman/shares"
	"github.com/helmsmanhq/helmsman/tokens"
)

// proxyRequestsPerSecond rate-limits our calls against the proxy's control
// API so a reconciliation storm can't knock it over.
const proxyRequestsPerSecond = 20

func main() {
	// Logging first, so that everything after this is observable.
	hublogger.Init()

	globalCtx, globalCancel := context.WithCancel(context.Background())
	goroutineTracker := sync.WaitGroup{}
	defer func() {
		// This deferred function is the only exit path: a panic in main, a
		// cancelled global context, or an interrupt all funnel through
		// here.
		r := recover()
		if r != nil {
			hublogger.Infof("Shutting down the control plane after caught panic in main(): %v", r)
		} else {
			hublogger.Infof("Beginning control plane shutdown procedure...")
		}

		globalCancel()
		goroutineTracker.Wait()

		hublogger.Info("Finished control plane shutdown procedure. Finally exiting...")
		hublogger.Close()
		os.Exit(0)
	}()

	hublogger.Infof("Control plane version: %s", metadata.GetGitCommit())

	config, err := LoadConfig()
	if err != nil {
		hublogger.Panic(globalCancel, err)
		return
	}

	db, err := hubdb.Initialize(globalCtx)
	if err != nil {
		hublogger.Panic(globalCancel, err)
		return
	}

	keeper, err := cryptkeeper.New()
	if err != nil {
		hublogger.Panic(globalCancel, err)
		return
	}
	if !keeper.Enabled() {
		hublogger.Warningf("No crypt keys configured; auth state will be stored unencrypted.")
	}

	proxyClient, err := buildProxyClient(globalCtx, config)
	if err != nil {
		hublogger.Panic(globalCancel, err)
		return
	}

	authenticator, err := auth.New(config.AuthenticatorName)
	if err != nil {
		hublogger.Panic(globalCancel, err)
		return
	}
	hublogger.Infof("Authenticating with the %s backend.", authenticator.Name())

	tokenStore := tokens.NewStore(db)
	shareService := shares.NewService(db)
	orch := orchestrator.New(config.Orchestrator, db, proxyClient, tokenStore, authenticator, keeper)

	// Re-adopt whatever survived the restart before accepting any traffic,
	// so a spawn request can't race the reconciliation of its own server.
	if err := orch.Reconcile(globalCtx); err != nil {
		hublogger.Panic(globalCancel, err)
		return
	}
	orch.StartJobs(globalCtx)

	api := &apiServer{
		db:     db,
		orch:   orch,
		tokens: tokenStore,
		shares: shareService,
	}
	queue, err := StartHTTPServer(globalCtx, globalCancel, &goroutineTracker, config, api)
	if err != nil {
		hublogger.Panic(globalCancel, err)
		return
	}

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		processRequests(globalCtx, db, orch, queue)
	}()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigChan:
		hublogger.Infof("Got an interrupt or SIGTERM")
	case <-globalCtx.Done():
		hublogger.Infof("Global context cancelled!")
	}
}

// buildProxyClient connects to the reverse proxy's control API, or falls
// back to the in-memory route table when none is configured (localdev). A
// configured proxy that can't be reached is fatal: a hub that can't route
// is worse than one that won't start.
func buildProxyClient(ctx context.Context, config Config) (proxy.Client, error) {
	if config.ProxyAPIURL == "" {
		if !metadata.IsLocalEnv() {
			hublogger.Warningf("No proxy API configured outside local environment; routes are in-memory only.")
		}
		return proxy.NewMemClient(), nil
	}

	client, err := proxy.NewAPIClient(config.ProxyAPIURL, config.ProxyToken, proxyRequestsPerSecond)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.AllRoutes(pingCtx); err != nil {
		return nil, err
	}
	return client, nil
}

// processRequests is the processing loop: it serializes spawn and stop
// requests from the API onto the orchestrator. The heavy lifting happens
// in per-request goroutines; the loop itself only dispatches, so one slow
// spawn never blocks the queue.
func processRequests(globalCtx context.Context, db hubdb.Client, orch *orchestrator.Orchestrator, queue <-chan httputils.ServerRequest) {
	for {
		select {
		case <-globalCtx.Done():
			return
		case req, ok := <-queue:
			if !ok {
				return
			}
			switch typed := req.(type) {
			case *httputils.SpawnServerRequest:
				go handleSpawn(globalCtx, db, orch, typed)
			case *httputils.StopServerRequest:
				go handleStop(globalCtx, db, orch, typed)
			default:
				hublogger.Errorf("Unknown request type %T in the processing queue", req)
				req.ReturnResult(nil, hubdb.ErrNotFound)
			}
		}
	}
}

func handleSpawn(ctx context.Context, db hubdb.Client, orch *orchestrator.Orchestrator, req *httputils.SpawnServerRequest) {
	user, err := db.GetUserByName(ctx, req.Username)
	if err != nil {
		req.ReturnResult(nil, err)
		return
	}
	if err := orch.Spawn(ctx, user, req.ServerName, req.Options); err != nil {
		req.ReturnResult(nil, err)
		return
	}
	result := httputils.SpawnServerResult{}
	if server := orch.ServerRoute(user.ID, req.ServerName); server != nil {
		result.URL = string(server.RouteSpec(false, ""))
	}
	req.ReturnResult(result, nil)
}

func handleStop(ctx context.Context, db hubdb.Client, orch *orchestrator.Orchestrator, req *httputils.StopServerRequest) {
	user, err := db.GetUserByName(ctx, req.Username)
	if err != nil {
		req.ReturnResult(nil, err)
		return
	}
	req.ReturnResult(nil, orch.Stop(ctx, user, req.ServerName, req.Force))
}
