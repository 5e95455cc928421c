// Package sdk is the Go client for the RingForge hub. It speaks the channel
// frame protocol over WebSocket: join a fleet channel, push events with
// ref-correlated replies, receive server pushes through event handlers, and
// survive hub restarts with automatic reconnect and rejoin.
//
// Quick start:
//
//	client := sdk.New(sdk.Options{
//	    URL:     "wss://hub.example.com/ws/websocket",
//	    APIKey:  os.Getenv("RINGFORGE_LIVE_KEY"),
//	    FleetID: "fleet_main",
//	    Agent:   sdk.Profile{AgentID: "ag_worker_1", Name: "worker-1", SquadID: "sq_core"},
//	})
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close()
//
//	client.OnEvent("direct_message", func(topic string, payload json.RawMessage) { ... })
//	res, err := client.SendDM(ctx, "ag_peer", sdk.Message{Kind: "info", Description: "hi"})
package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/crypto"
	"github.com/ringforge/hub/internal/protocol"
)

// Defaults for unset Options fields.
const (
	defaultHeartbeat   = 30 * time.Second
	defaultPushTimeout = 10 * time.Second
	reconnectMin       = time.Second
	reconnectMax       = 30 * time.Second
)

// Profile is the identity presented on join.
type Profile struct {
	AgentID      string                 `json:"agent_id,omitempty"`
	Name         string                 `json:"name"`
	DisplayName  string                 `json:"display_name,omitempty"`
	SquadID      string                 `json:"squad_id,omitempty"`
	RoleSlug     string                 `json:"role_slug,omitempty"`
	ContextTier  string                 `json:"context_tier,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
	State        string                 `json:"state,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Options configures a Client.
type Options struct {
	URL     string // hub endpoint, e.g. wss://host/ws/websocket
	APIKey  string // fleet live key
	FleetID string
	Agent   Profile

	HeartbeatInterval time.Duration
	PushTimeout       time.Duration

	// Seal encrypts direct-message bodies end to end. Requires APIKey to be
	// the fleet's canonical live key.
	Seal bool

	Logger *slog.Logger
}

// Handler receives a server-pushed event.
type Handler func(topic string, payload json.RawMessage)

// Client is a hub connection. Safe for concurrent use.
type Client struct {
	opts Options
	keys *crypto.Keys

	mu      sync.Mutex
	conn    *websocket.Conn
	joined  map[string]json.RawMessage // topic -> join payload, for rejoin
	pending map[string]chan protocol.Reply
	nextRef int64
	closed  bool
	done    chan struct{}

	handlersMu sync.RWMutex
	handlers   map[string][]Handler
}

// New builds an unconnected client.
func New(opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = defaultPushTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		opts:     opts,
		joined:   make(map[string]json.RawMessage),
		pending:  make(map[string]chan protocol.Reply),
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}
	if opts.Seal {
		c.keys = crypto.Derive(opts.APIKey, opts.FleetID)
	}
	return c
}

// OnEvent registers a handler for a pushed event. Handlers run on the read
// goroutine; slow work should be handed off.
func (c *Client) OnEvent(event string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Connect dials the hub, starts the read and heartbeat loops, and joins the
// fleet channel.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.heartbeatLoop()

	profile, err := json.Marshal(c.opts.Agent)
	if err != nil {
		return fmt.Errorf("marshal agent profile: %w", err)
	}
	reply, err := c.join(ctx, c.fleetTopic(), profile)
	if err != nil {
		return err
	}
	if id, ok := reply.Response["agent_id"].(string); ok {
		c.opts.Agent.AgentID = id
	}
	return nil
}

func (c *Client) fleetTopic() string { return "fleet:" + c.opts.FleetID }

// dialURL carries the protocol version, the fleet key, and the agent profile
// so the hub can register the identity before the join frame arrives.
func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("sdk: bad url: %w", err)
	}
	profile, err := json.Marshal(c.opts.Agent)
	if err != nil {
		return "", fmt.Errorf("sdk: marshal agent profile: %w", err)
	}
	q := u.Query()
	q.Set("vsn", protocol.V2)
	q.Set("api_key", c.opts.APIKey)
	q.Set("agent", string(profile))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("sdk: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

// JoinTopic joins an additional channel (squad:{id}, thread:{id},
// sync:files). The fleet channel is joined by Connect.
func (c *Client) JoinTopic(ctx context.Context, topic string) error {
	_, err := c.join(ctx, topic, json.RawMessage(`{}`))
	return err
}

func (c *Client) join(ctx context.Context, topic string, payload json.RawMessage) (protocol.Reply, error) {
	reply, err := c.push(ctx, topic, protocol.EventJoin, payload)
	if err != nil {
		return reply, err
	}
	c.mu.Lock()
	c.joined[topic] = payload
	c.mu.Unlock()
	return reply, nil
}

// LeaveTopic leaves a channel.
func (c *Client) LeaveTopic(ctx context.Context, topic string) error {
	_, err := c.push(ctx, topic, protocol.EventLeave, json.RawMessage(`{}`))
	c.mu.Lock()
	delete(c.joined, topic)
	c.mu.Unlock()
	return err
}

// Push sends an event and waits for the correlated reply. An error status
// reply is returned as a typed outcome when the hub sent one.
func (c *Client) Push(ctx context.Context, topic, event string, payload interface{}) (protocol.Reply, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("sdk: marshal payload: %w", err)
	}
	return c.push(ctx, topic, event, raw)
}

func (c *Client) push(ctx context.Context, topic, event string, payload json.RawMessage) (protocol.Reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Reply{}, fmt.Errorf("sdk: client closed")
	}
	conn := c.conn
	c.nextRef++
	ref := fmt.Sprintf("%d", c.nextRef)
	waiter := make(chan protocol.Reply, 1)
	c.pending[ref] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if conn == nil {
		return protocol.Reply{}, fmt.Errorf("sdk: not connected")
	}
	data, err := protocol.EncodeV2(protocol.Frame{
		JoinRef: "1",
		Ref:     ref,
		Topic:   topic,
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		return protocol.Reply{}, err
	}
	if err := c.write(conn, data); err != nil {
		return protocol.Reply{}, fmt.Errorf("sdk: write: %w", err)
	}

	timer := time.NewTimer(c.opts.PushTimeout)
	defer timer.Stop()
	select {
	case reply := <-waiter:
		if reply.Status == "error" {
			return reply, replyOutcome(reply)
		}
		return reply, nil
	case <-timer.C:
		return protocol.Reply{}, &core.Outcome{
			Kind:   core.KindPushTimeout,
			Reason: "no reply within push timeout",
			Detail: map[string]interface{}{"event": event},
		}
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	case <-c.done:
		return protocol.Reply{}, fmt.Errorf("sdk: client closed")
	}
}

// replyOutcome converts an error reply body back into the typed outcome the
// hub raised.
func replyOutcome(reply protocol.Reply) error {
	kind, _ := reply.Response["error"].(string)
	if kind == "" {
		kind = "error"
	}
	reason, _ := reply.Response["reason"].(string)
	detail := make(map[string]interface{}, len(reply.Response))
	for k, v := range reply.Response {
		if k != "error" && k != "reason" {
			detail[k] = v
		}
	}
	return &core.Outcome{Kind: core.ErrorKind(kind), Reason: reason, Detail: detail}
}

// write serializes frame writes; gorilla connections allow one writer.
func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		frame, err := protocol.DecodeV2(data)
		if err != nil {
			c.opts.Logger.Warn("sdk: malformed frame", "error", err)
			continue
		}
		if frame.Event == protocol.EventReply {
			c.resolveReply(frame)
			continue
		}
		c.dispatchEvent(frame)
	}
}

func (c *Client) resolveReply(frame protocol.Frame) {
	var reply protocol.Reply
	if err := json.Unmarshal(frame.Payload, &reply); err != nil {
		c.opts.Logger.Warn("sdk: malformed reply payload", "error", err)
		return
	}
	c.mu.Lock()
	waiter := c.pending[frame.Ref]
	c.mu.Unlock()
	if waiter != nil {
		select {
		case waiter <- reply:
		default:
		}
	}
}

func (c *Client) dispatchEvent(frame protocol.Frame) {
	c.handlersMu.RLock()
	handlers := c.handlers[frame.Event]
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(frame.Topic, frame.Payload)
	}
}

// handleDisconnect reconnects with exponential backoff and rejoins every
// previously joined topic. Waiters for pushes in flight stay registered in
// pending, but the hub does not replay replies across connections, so each
// unanswered push surfaces push_timeout instead of an immediate error.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	c.opts.Logger.Warn("sdk: connection lost, reconnecting", "error", cause)

	backoff := reconnectMin
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			c.rejoin()
			return
		}
		c.opts.Logger.Warn("sdk: reconnect failed", "error", err, "backoff", backoff)
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectMax {
		return reconnectMax
	}
	return next
}

func (c *Client) rejoin() {
	c.mu.Lock()
	topics := make(map[string]json.RawMessage, len(c.joined))
	for topic, payload := range c.joined {
		topics[topic] = payload
	}
	c.mu.Unlock()

	for topic, payload := range topics {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.PushTimeout)
		if _, err := c.push(ctx, topic, protocol.EventJoin, payload); err != nil {
			c.opts.Logger.Warn("sdk: rejoin failed", "topic", topic, "error", err)
		}
		cancel()
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.PushTimeout)
			_, err := c.push(ctx, protocol.HeartbeatTopic, protocol.EventHeartbeat, json.RawMessage(`{}`))
			cancel()
			if err != nil {
				c.opts.Logger.Warn("sdk: heartbeat failed", "error", err)
			}
		}
	}
}

// AgentID returns the identity assigned on join.
func (c *Client) AgentID() string { return c.opts.Agent.AgentID }

// Close shuts the client down; it does not reconnect afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
