package orchestrator

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/proxy"
	"github.com/helmsmanhq/helmsman/spawner"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// reconcileConcurrency bounds the driver polls during startup
// reconciliation so a hub with thousands of rows doesn't open them all at
// once.
const reconcileConcurrency = 16

// Reconcile rebuilds the tracker from the database after a control-plane
// restart. Every row that claims a running server gets its driver
// reattached and polled: survivors are adopted (tracker entry, route),
// corpses are cleaned up (row cleared, route dropped, credentials revoked
// unless the backend can resume).
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	rows, err := o.db.ListRunningSpawners(ctx)
	if err != nil {
		return utils.MakeError("couldn't list running spawners: %s", err)
	}
	if len(rows) == 0 {
		return nil
	}
	hublogger.Infof("Reconciling %d spawner rows against reality", len(rows))

	group, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, reconcileConcurrency)
	for _, row := range rows {
		row := row
		group.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := o.reconcileRow(gctx, row); err != nil {
				// One bad row shouldn't abort the whole pass.
				hublogger.Errorf("Couldn't reconcile spawner %s/%s: %s", row.UserID, row.Name, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (o *Orchestrator) reconcileRow(ctx context.Context, row *hubdb.Spawner) error {
	driver, err := o.config.NewDriver()
	if err != nil {
		return err
	}
	if err := driver.LoadState(row.State); err != nil {
		return o.abandonRow(ctx, row, driver, utils.MakeError("driver state didn't load: %s", err))
	}
	status, err := driver.Poll(ctx)
	if err != nil {
		return o.abandonRow(ctx, row, driver, utils.MakeError("driver poll failed: %s", err))
	}
	if !status.Running || row.Server == nil {
		return o.abandonRow(ctx, row, driver, nil)
	}

	// The process is alive; make sure it still answers before adopting it.
	if err := o.waitHTTPReady(ctx, row.Server.ConnectURL()); err != nil {
		return o.abandonRow(ctx, row, driver, utils.MakeError("server is up but unresponsive: %s", err))
	}

	live := &liveServer{
		userID:        row.UserID,
		name:          row.Name,
		machine:       spawner.NewMachine(spawner.StateRunning),
		driver:        driver,
		server:        row.Server,
		tokenID:       row.TokenID,
		oauthClientID: row.OAuthClientID,
	}
	o.putLive(live)

	spec := row.Server.RouteSpec(false, "")
	if _, err := o.proxy.GetRoute(ctx, spec); err == proxy.ErrRouteNotFound {
		user, uerr := o.db.GetUser(ctx, row.UserID)
		if uerr != nil {
			return uerr
		}
		if aerr := o.proxy.AddRoute(ctx, spec, row.Server.ConnectHost(), proxy.Stamp(user.Name, row.Name)); aerr != nil {
			return utils.MakeError("couldn't restore route %s: %s", spec, aerr)
		}
	} else if err != nil {
		return err
	}
	hublogger.Infof("Adopted running server %s/%s at %s", row.UserID, row.Name, row.Server.ConnectURL())
	return nil
}

// abandonRow cleans up a row whose server didn't survive: clear the server
// record, drop the route, and revoke credentials unless the backend can
// come back.
func (o *Orchestrator) abandonRow(ctx context.Context, row *hubdb.Spawner, driver spawner.Driver, cause error) error {
	if cause != nil {
		hublogger.Warningf("Abandoning spawner %s/%s: %s", row.UserID, row.Name, cause)
	}
	if row.Server != nil {
		if err := o.proxy.DeleteRoute(ctx, row.Server.RouteSpec(false, "")); err != nil {
			hublogger.Errorf("Couldn't drop route for dead server %s/%s: %s", row.UserID, row.Name, err)
		}
	}
	if err := o.db.ClearSpawnerServer(ctx, row.UserID, row.Name); err != nil && err != hubdb.ErrNotFound {
		return err
	}
	if driver == nil || !driver.WillResume() {
		if row.TokenID != "" {
			if err := o.tokens.Revoke(ctx, row.TokenID); err != nil && err != hubdb.ErrNotFound {
				hublogger.Errorf("Couldn't revoke token for dead server %s/%s: %s", row.UserID, row.Name, err)
			}
		}
		if row.OAuthClientID != "" {
			if err := o.tokens.DeleteOAuthClient(ctx, row.OAuthClientID); err != nil && err != hubdb.ErrNotFound {
				hublogger.Errorf("Couldn't delete OAuth client for dead server %s/%s: %s", row.UserID, row.Name, err)
			}
		}
	}
	return nil
}

// StartJobs schedules the periodic maintenance work: the route sweep, the
// proxy activity harvest, and the expired-token purge. The scheduler stops
// when ctx is canceled.
func (o *Orchestrator) StartJobs(ctx context.Context) {
	scheduler := gocron.NewScheduler(time.UTC)

	scheduler.Every(5).Minutes().Do(func() {
		if err := o.sweepRoutes(ctx); err != nil {
			hublogger.Errorf("Route sweep failed: %s", err)
		}
	})

	scheduler.Every(1).Minutes().Do(func() {
		o.harvestActivity(ctx)
	})

	scheduler.Every(10).Minutes().Do(func() {
		if n, err := o.tokens.Purge(ctx); err != nil {
			hublogger.Errorf("Token purge failed: %s", err)
		} else if n > 0 {
			hublogger.Infof("Purged %d expired API tokens", n)
		}
	})

	scheduler.StartAsync()

	go func() {
		<-ctx.Done()
		scheduler.Stop()
	}()
}

// sweepRoutes reconciles the proxy's routing table against the tracker and
// the services table: running servers and registered services get their
// missing routes back, owned routes backing neither go away. Routes this
// control plane didn't stamp are never touched.
func (o *Orchestrator) sweepRoutes(ctx context.Context) error {
	table, err := o.proxy.AllRoutes(ctx)
	if err != nil {
		return utils.MakeError("couldn't fetch route table: %s", err)
	}

	expected := make(map[types.RouteSpec]*liveServer)
	for _, live := range o.liveServers() {
		if live.machine.Current() == spawner.StateRunning && live.server != nil {
			expected[live.server.RouteSpec(false, "")] = live
		}
	}

	services, err := o.db.ListServices(ctx)
	if err != nil {
		return utils.MakeError("couldn't list services: %s", err)
	}
	expectedServices := make(map[types.RouteSpec]*hubdb.Service)
	for _, service := range services {
		if service.Server != nil {
			expectedServices[service.Server.RouteSpec(false, "")] = service
		}
	}

	for spec, route := range table {
		if !route.Owned() {
			continue
		}
		if _, ok := expected[spec]; ok {
			delete(expected, spec)
			continue
		}
		if _, ok := expectedServices[spec]; ok {
			delete(expectedServices, spec)
			continue
		}
		hublogger.Infof("Sweeping orphaned route %s", spec)
		if err := o.proxy.DeleteRoute(ctx, spec); err != nil {
			hublogger.Errorf("Couldn't sweep route %s: %s", spec, err)
		}
	}

	// Whatever's left in expected is running but unroutable.
	for spec, live := range expected {
		user, err := o.db.GetUser(ctx, live.userID)
		if err != nil {
			hublogger.Errorf("Couldn't look up owner of missing route %s: %s", spec, err)
			continue
		}
		hublogger.Warningf("Restoring missing route %s for %s", spec, user.Name)
		if err := o.proxy.AddRoute(ctx, spec, live.server.ConnectHost(), proxy.Stamp(user.Name, live.name)); err != nil {
			hublogger.Errorf("Couldn't restore route %s: %s", spec, err)
		}
	}
	for spec, service := range expectedServices {
		hublogger.Warningf("Restoring missing route %s for service %s", spec, service.Name)
		if err := o.proxy.AddRoute(ctx, spec, service.Server.ConnectHost(), proxy.ServiceStamp(service.Name)); err != nil {
			hublogger.Errorf("Couldn't restore route %s: %s", spec, err)
		}
	}
	return nil
}

// harvestActivity folds the proxy's per-route last-activity timestamps
// into the activity tracker, which coarsens and write-through-persists
// them.
func (o *Orchestrator) harvestActivity(ctx context.Context) {
	table, err := o.proxy.AllRoutes(ctx)
	if err != nil {
		hublogger.Errorf("Activity harvest couldn't fetch route table: %s", err)
		return
	}
	for _, live := range o.liveServers() {
		if live.machine.Current() != spawner.StateRunning || live.server == nil {
			continue
		}
		route, ok := table[live.server.RouteSpec(false, "")]
		if !ok {
			continue
		}
		seen := o.proxy.LastActivity(route)
		if seen.IsZero() {
			continue
		}
		if err := o.activity.NoteServer(ctx, live.userID, live.name, seen); err != nil {
			hublogger.Errorf("Couldn't record activity for %s/%s: %s", live.userID, live.name, err)
		}
		if err := o.activity.NoteUser(ctx, live.userID, seen); err != nil {
			hublogger.Errorf("Couldn't record user activity for %s: %s", live.userID, err)
		}
	}
}
