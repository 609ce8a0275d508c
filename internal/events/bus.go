// Package events is the in-process pub/sub bus that carries realtime
// notifications from procedures to connected websocket clients.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a notification addressed to a channel such as "admins" or
// "user-<id>".
type Event struct {
	Channel   string    `json:"channel"`
	Name      string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
	dropped     atomic.Uint64
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish delivers evt to every subscriber without blocking. Subscribers
// whose buffer is full miss the event.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers id and returns its event channel. Subscribing an id
// twice replaces the earlier channel.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes id and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
