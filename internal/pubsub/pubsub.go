// Package pubsub implements the hub's topic bus: keyed subscriber sets with
// bounded buffers for local fan-out, and an optional Redis Pub/Sub bridge so
// a message published on one hub node reaches subscribers on every node.
//
// Topic names follow the channel protocol: "fleet:{fleet}",
// "fleet:{fleet}:agent:{id}", "squad:{id}", "thread:{id}".
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// subscriberBuffer bounds each subscription's channel. A subscriber that
// stops draining loses messages rather than stalling publishers.
const subscriberBuffer = 256

// Message is one published event as seen by subscribers.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge carries published messages across hub nodes. Satisfied by
// RedisBridge; nil means single-node operation.
type Bridge interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// Subscription is one subscriber's handle on a topic.
type Subscription struct {
	C     <-chan Message
	c     chan Message
	topic string
	id    int
	bus   *Bus
	once  sync.Once
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus is the topic router.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[int]*Subscription
	nextID  int
	bridge  Bridge
	unsubs  map[string]func() // per-topic bridge unsubscribe
	prefix  string            // bridge channel prefix
	closing bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBridge attaches a cross-node bridge. Channel names are prefix+topic.
func WithBridge(b Bridge, channelPrefix string) Option {
	return func(bus *Bus) {
		bus.bridge = b
		if channelPrefix == "" {
			channelPrefix = "rf:topic:"
		}
		bus.prefix = channelPrefix
	}
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]map[int]*Subscription),
		unsubs: make(map[string]func()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches a new subscriber to a topic. When bridged, the first
// subscriber on a topic also opens the cross-node channel.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		c:     make(chan Message, subscriberBuffer),
		topic: topic,
		id:    b.nextID,
		bus:   b,
	}
	sub.C = sub.c

	set, ok := b.subs[topic]
	if !ok {
		set = make(map[int]*Subscription)
		b.subs[topic] = set
	}
	set[sub.id] = sub

	if b.bridge != nil && !ok {
		b.openBridgeLocked(topic)
	}
	return sub
}

// openBridgeLocked subscribes the node to the topic's cross-node channel.
// Called with b.mu held.
func (b *Bus) openBridgeLocked(topic string) {
	unsub, err := b.bridge.Subscribe(context.Background(), b.prefix+topic, func(data []byte) {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("pubsub: bad bridge payload", "topic", topic, "error", err)
			return
		}
		b.deliverLocal(msg)
	})
	if err != nil {
		slog.Warn("pubsub: bridge subscribe failed, topic is local-only",
			"topic", topic, "error", err)
		return
	}
	b.unsubs[topic] = unsub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[sub.topic]
	delete(set, sub.id)
	close(sub.c)
	if len(set) == 0 {
		delete(b.subs, sub.topic)
		if unsub, ok := b.unsubs[sub.topic]; ok {
			unsub()
			delete(b.unsubs, sub.topic)
		}
	}
}

// Publish sends an event to every subscriber of the topic. Bridged buses
// publish through Redis and rely on the echo to reach local subscribers;
// on bridge failure delivery degrades to local-only.
func (b *Bus) Publish(ctx context.Context, topic, event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("pubsub: unmarshalable payload dropped", "topic", topic, "event", event, "error", err)
		return
	}
	msg := Message{Topic: topic, Event: event, Payload: raw}

	if b.bridge != nil {
		data, _ := json.Marshal(msg)
		if err := b.bridge.Publish(ctx, b.prefix+topic, data); err == nil {
			return
		}
		slog.Warn("pubsub: bridge publish failed, delivering local-only", "topic", topic, "error", err)
	}
	b.deliverLocal(msg)
}

func (b *Bus) deliverLocal(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[msg.Topic] {
		select {
		case sub.c <- msg:
		default:
			// Subscriber buffer full — drop rather than block the bus.
		}
	}
}

// Subscribers returns the local subscriber count for a topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
