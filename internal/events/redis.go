package events

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultChannel is the redis pub/sub channel shared by room-service nodes.
const DefaultChannel = "room-service:events"

// RedisBus shares room events between processes over redis pub/sub.
// Connectivity events describe this process only and stay local.
type RedisBus struct {
	*Local
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
	done    chan struct{}
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus subscribes to channel and starts relaying its messages to
// local subscribers.
func NewRedisBus(ctx context.Context, client *redis.Client, channel string) (*RedisBus, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrap(err, "subscribe to redis events")
	}
	b := &RedisBus{
		Local:   NewLocal(),
		client:  client,
		channel: channel,
		pubsub:  pubsub,
		done:    make(chan struct{}),
	}
	go b.relay()
	return b, nil
}

func (b *RedisBus) relay() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		ev, err := decodeEvent(msg.Payload)
		if err != nil {
			jww.WARN.Printf("drop redis event: %v", err)
			continue
		}
		b.dispatch(ev)
	}
}

// Publish sends room events through redis, so this process receives them
// back like every other node; connectivity events are dispatched locally.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if !shared(ev.Topic) {
		b.dispatch(ev)
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	return errors.Wrap(b.client.Publish(ctx, b.channel, payload).Err(), "publish event")
}

// Close stops relaying.
func (b *RedisBus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	return err
}

func shared(topic Topic) bool {
	return topic != TopicConnected
}

func decodeEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, errors.Wrap(err, "decode event")
	}
	if ev.Topic == "" {
		return Event{}, errors.New("event without topic")
	}
	return ev, nil
}
