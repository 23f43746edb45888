package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helmsmanhq/helmsman/hublogger"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is token-authenticated; origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventFeed streams lifecycle events to an admin client over a
// websocket. The subscription is dropped as soon as the client goes away
// or falls too far behind.
func (s *apiServer) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	identity := s.requireIdentity(w, r)
	if identity == nil {
		return
	}
	if !identity.Admin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		hublogger.Errorf("Couldn't upgrade event feed connection: %s", err)
		return
	}

	feed, cancel := s.orch.Events().Subscribe()
	defer cancel()
	defer conn.Close()

	// Reader goroutine: we never expect client messages, but reading is
	// what surfaces close frames and keeps the connection healthy.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(eventPingInterval)
	defer pings.Stop()

	hublogger.Infof("Event feed client connected: %s", identity.Name)
	for {
		select {
		case event, ok := <-feed:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				hublogger.Warningf("Event feed write to %s failed: %s", identity.Name, err)
				return
			}
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
