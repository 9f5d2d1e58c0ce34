package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventKind identifies what happened on a connection.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
)

// Event is one lifecycle or message notification, tagged with the node it
// came from so subscribers never need direct connection references.
type Event struct {
	Node    string
	Kind    EventKind
	Message *Message // set for EventMessage
	Reason  string   // set for EventDisconnected when known
}

// subscriberBuffer is the per-subscriber channel depth. Slow subscribers drop
// events rather than stall the connection.
const subscriberBuffer = 64

// Bus is an in-memory fan-out of connection events.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan Event
	log  zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[string]chan Event),
		log:  log,
	}
}

// Subscribe registers a subscriber and returns its channel plus an id for
// Unsubscribe. The subscription is removed automatically when ctx ends.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, string) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(id)
	}()
	return ch, id
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber without blocking. Events for
// full subscriber channels are dropped.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.log.Debug().Str("node", ev.Node).Msg("dropped event for slow subscriber")
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
