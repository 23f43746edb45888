package orchestrator

import (
	"sync"
	"time"

	"github.com/helmsmanhq/helmsman/spawner"
	"github.com/helmsmanhq/helmsman/types"
)

// Event is one lifecycle transition, published to every subscriber of the
// event feed (the websocket endpoint, mostly).
type Event struct {
	UserID    types.UserID     `json:"user_id"`
	Server    types.ServerName `json:"server"`
	State     spawner.State    `json:"state"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// broadcaster fans events out to subscribers. Slow subscribers lose events
// rather than block lifecycle flows; the feed is advisory, the database is
// the record.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of future events and a cancel function. The
// channel is buffered; events overflowing the buffer are dropped for that
// subscriber.
func (b *broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish sends an event to all subscribers without blocking.
func (b *broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// publishState is the orchestrator's shorthand for lifecycle events.
func (o *Orchestrator) publishState(userID types.UserID, name types.ServerName, state spawner.State, message string) {
	o.events.Publish(Event{
		UserID:  userID,
		Server:  name,
		State:   state,
		Message: message,
	})
}
