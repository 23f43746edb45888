package orchestrator

import (
	"context"

	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/spawner"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// Stop shuts down user's server called name. With force set the driver
// skips its graceful path. Stopping a server that never started is
// ErrNotRunning; stopping one that is still spawning is ErrSpawnPending —
// the spawn has to settle first.
func (o *Orchestrator) Stop(ctx context.Context, user *hubdb.User, name types.ServerName, force bool) error {
	live, ok := o.getLive(user.ID, name)
	if !ok {
		return ErrNotRunning
	}
	if !live.machine.ToIf(spawner.StateRunning, spawner.StateStopping) {
		switch live.machine.Current() {
		case spawner.StateSpawning:
			return ErrSpawnPending
		case spawner.StateStopping, spawner.StateStopped:
			return ErrNotRunning
		default:
			return utils.MakeError("server for %s/%s is %s and can't be stopped", user.Name, name, live.machine.Current())
		}
	}

	o.publishState(user.ID, name, spawner.StateStopping, "")

	// Route first: once the stop is committed, no new traffic should land
	// on a dying server.
	if live.server != nil {
		if err := o.proxy.DeleteRoute(ctx, live.server.RouteSpec(false, "")); err != nil {
			hublogger.Errorf("Couldn't delete route for %s/%s: %s", user.Name, name, err)
		}
	}

	if live.driver != nil {
		if err := live.driver.Stop(ctx, force); err != nil {
			// The server row still says stopped below; a later
			// reconciliation pass will catch any survivor.
			hublogger.Errorf("Driver stop failed for %s/%s: %s", user.Name, name, err)
		}
		// Persist the driver's final state: a resumable backend's handle
		// (container ID, instance ID) lives in there.
		if row, err := o.db.GetSpawner(ctx, user.ID, name); err == nil {
			row.State = live.driver.SaveState()
			if err := o.db.UpsertSpawner(ctx, row); err != nil {
				hublogger.Warningf("Couldn't save driver state after stop for %s/%s: %s", user.Name, name, err)
			}
		}
		if post, ok := live.driver.(spawner.PostStopper); ok {
			if err := post.PostStop(ctx); err != nil {
				hublogger.Warningf("Driver post-stop hook failed for %s/%s: %s", user.Name, name, err)
			}
		}
	}

	if err := o.db.ClearSpawnerServer(ctx, user.ID, name); err != nil && err != hubdb.ErrNotFound {
		return utils.MakeError("couldn't clear server record for %s/%s: %s", user.Name, name, err)
	}

	// A resumable backend (retained container, stopped instance) keeps its
	// credentials so the resume path finds them valid; a final stop
	// revokes everything.
	if live.driver == nil || !live.driver.WillResume() {
		if live.tokenID != "" {
			if err := o.tokens.Revoke(ctx, live.tokenID); err != nil && err != hubdb.ErrNotFound {
				hublogger.Errorf("Couldn't revoke token for %s/%s: %s", user.Name, name, err)
			}
		}
		if live.oauthClientID != "" {
			if err := o.tokens.DeleteOAuthClient(ctx, live.oauthClientID); err != nil && err != hubdb.ErrNotFound {
				hublogger.Errorf("Couldn't delete OAuth client for %s/%s: %s", user.Name, name, err)
			}
		}
		live.tokenID = ""
		live.oauthClientID = ""
	}

	if o.auth != nil {
		if err := o.auth.PostStop(ctx, user.Name); err != nil {
			hublogger.Warningf("Post-stop hook failed for %s: %s", user.Name, err)
		}
	}

	live.server = nil
	o.activity.Forget(user.ID, name)
	if err := live.machine.To(spawner.StateStopped); err != nil {
		return err
	}
	// Stopped entries carry no live handle; drop them so the tracker only
	// ever holds servers with something running behind them.
	o.dropLiveIfStopped(live)
	o.publishState(user.ID, name, spawner.StateStopped, "")
	hublogger.Infof("Stopped server for %s/%s", user.Name, name)
	return nil
}
