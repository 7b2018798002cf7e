// Package events fans out cache change notifications to UI subscribers.
// The cache never pushes data, only "this is now stale" signals.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cloudtree/cloudtree/internal/metrics"
)

const (
	// EventInvalidate marks a single container whose children changed.
	EventInvalidate = "invalidate"
	// EventInvalidateAll marks a whole namespace as changed.
	EventInvalidateAll = "invalidate_all"
	// EventRefresh is the soft timer signal; subscribers re-read what they show.
	EventRefresh = "refresh"
)

// subscriberBuffer bounds how far a subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 64

// Event is a change notification for one namespace.
type Event struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	Path      string `json:"path,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster delivers events to subscribers, optionally filtered by
// namespace. Publishing never blocks on a slow subscriber.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Event]string // channel -> namespace filter, "" for all
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]string)}
}

// Subscribe returns a channel receiving every event. The caller must
// call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	return b.SubscribeNamespace("")
}

// SubscribeNamespace returns a channel receiving only the events of
// namespace; an empty namespace receives everything. After Close the
// returned channel is already closed.
func (b *Broadcaster) SubscribeNamespace(namespace string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = namespace
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Publish stamps the event and offers it to every matching subscriber.
// It returns how many subscribers missed it because their buffer was
// full.
func (b *Broadcaster) Publish(event Event) int {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	delivered, dropped := 0, 0
	b.mu.RLock()
	for ch, filter := range b.subs {
		if filter != "" && filter != event.Namespace {
			continue
		}
		select {
		case ch <- event:
			delivered++
		default:
			dropped++
		}
	}
	b.mu.RUnlock()

	metrics.RecordEvent(event.Namespace, event.Type, delivered, dropped)
	return dropped
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close disconnects every subscriber. Later subscriptions get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
