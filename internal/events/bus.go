// Package events carries process-level signals to room sessions: the remote
// client becoming connected and rooms being removed for the user.
package events

import (
	"context"
	"sync"
)

// Topic names a kind of event.
type Topic string

const (
	// TopicConnected fires whenever the remote chat client becomes usable.
	TopicConnected Topic = "connected"
	// TopicRoomRemoved fires when the user loses access to a room.
	TopicRoomRemoved Topic = "room_removed"
)

// Event is a single signal on the bus.
type Event struct {
	Topic  Topic  `json:"topic"`
	RoomID string `json:"rid,omitempty"`
}

// Handler consumes events. Handlers must not block.
type Handler func(Event)

// Bus delivers events to subscribers of their topic.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers fn for topic until the returned func is called.
	Subscribe(topic Topic, fn Handler) (unsubscribe func())
}

// Local is an in-process Bus.
type Local struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic]map[uint64]Handler
}

var _ Bus = (*Local)(nil)

// NewLocal returns an empty in-process bus.
func NewLocal() *Local {
	return &Local{subs: make(map[Topic]map[uint64]Handler)}
}

// Publish calls every handler of ev.Topic synchronously.
func (b *Local) Publish(_ context.Context, ev Event) error {
	b.dispatch(ev)
	return nil
}

func (b *Local) dispatch(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Topic]))
	for _, fn := range b.subs[ev.Topic] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (b *Local) Subscribe(topic Topic, fn Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of handlers registered for topic.
func (b *Local) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Attach subscribes fn to topic until ctx ends.
func Attach(ctx context.Context, bus Bus, topic Topic, fn Handler) {
	unsubscribe := bus.Subscribe(topic, fn)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
}
