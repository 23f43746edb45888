package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/types"
)

// activityTracker batches last-activity updates. Activity is extremely
// chatty (every proxied request counts), so updates within the resolution
// window are absorbed in memory and only the newest timestamp per server
// reaches the database. The store layer enforces monotonicity on top, so a
// late report can never move activity backwards.
type activityTracker struct {
	db         hubdb.Client
	resolution time.Duration

	mu      sync.Mutex
	users   map[types.UserID]activityMark
	servers map[trackerKey]activityMark
}

type activityMark struct {
	latest  time.Time // newest observed activity
	flushed time.Time // last value written through
}

func newActivityTracker(db hubdb.Client, resolution time.Duration) *activityTracker {
	return &activityTracker{
		db:         db,
		resolution: resolution,
		users:      make(map[types.UserID]activityMark),
		servers:    make(map[trackerKey]activityMark),
	}
}

// NoteUser records user activity at ts, writing through only when the mark
// moved by at least the resolution window.
func (a *activityTracker) NoteUser(ctx context.Context, userID types.UserID, ts time.Time) error {
	a.mu.Lock()
	mark := a.users[userID]
	if ts.After(mark.latest) {
		mark.latest = ts
	}
	flush := mark.latest.Sub(mark.flushed) >= a.resolution
	if flush {
		mark.flushed = mark.latest
	}
	a.users[userID] = mark
	ts = mark.latest
	a.mu.Unlock()

	if !flush {
		return nil
	}
	return a.db.UpdateUserActivity(ctx, userID, ts)
}

// NoteServer records server activity at ts, same write-through rule.
func (a *activityTracker) NoteServer(ctx context.Context, userID types.UserID, name types.ServerName, ts time.Time) error {
	key := trackerKey{userID, name}
	a.mu.Lock()
	mark := a.servers[key]
	if ts.After(mark.latest) {
		mark.latest = ts
	}
	flush := mark.latest.Sub(mark.flushed) >= a.resolution
	if flush {
		mark.flushed = mark.latest
	}
	a.servers[key] = mark
	ts = mark.latest
	a.mu.Unlock()

	if !flush {
		return nil
	}
	if err := a.db.UpdateSpawnerActivity(ctx, userID, name, ts); err != nil && err != hubdb.ErrNotFound {
		return err
	}
	return nil
}

// Forget drops the in-memory marks for a server, e.g. after it stops.
func (a *activityTracker) Forget(userID types.UserID, name types.ServerName) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.servers, trackerKey{userID, name})
}
