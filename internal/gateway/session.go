package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/directory"
	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/protocol"
	"github.com/ringforge/hub/internal/pubsub"
)

// agentProfile is the identity an agent presents at connect or join time.
type agentProfile struct {
	AgentID      string                 `json:"agent_id"`
	Name         string                 `json:"name"`
	DisplayName  string                 `json:"display_name,omitempty"`
	SquadID      string                 `json:"squad_id,omitempty"`
	RoleSlug     string                 `json:"role_slug,omitempty"`
	ContextTier  string                 `json:"context_tier,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
	State        string                 `json:"state,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// record converts the wire profile to its directory row. Capabilities travel
// in metadata; the directory does not model them.
func (p agentProfile) record(fleetID string) *directory.Agent {
	meta := p.Metadata
	if len(p.Capabilities) > 0 {
		if meta == nil {
			meta = make(map[string]interface{}, 1)
		}
		meta["capabilities"] = p.Capabilities
	}
	return &directory.Agent{
		AgentID:     p.AgentID,
		FleetID:     fleetID,
		SquadID:     p.SquadID,
		Name:        p.Name,
		DisplayName: p.DisplayName,
		RoleSlug:    p.RoleSlug,
		ContextTier: p.ContextTier,
		Metadata:    meta,
	}
}

// channelState is one joined topic: its join_ref plus the bus subscriptions
// feeding it.
type channelState struct {
	joinRef string
	subs    []*pubsub.Subscription
	cancel  context.CancelFunc
}

// session is one authenticated WebSocket connection.
type session struct {
	gw      *Gateway
	conn    *websocket.Conn
	vsn     string
	fleetID string
	agentID string
	profile agentProfile

	send chan []byte
	done chan struct{}
	once sync.Once

	// topics is shared by readPump and the gateway's drain/sweep paths.
	topicsMu sync.Mutex
	topics   map[string]*channelState
}

func (s *session) channel(topic string) (*channelState, bool) {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	ch, ok := s.topics[topic]
	return ch, ok
}

func (s *session) setChannel(topic string, ch *channelState) {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	s.topics[topic] = ch
}

func (s *session) dropChannel(topic string) (*channelState, bool) {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	ch, ok := s.topics[topic]
	delete(s.topics, topic)
	return ch, ok
}

func (s *session) drainChannels() []*channelState {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	out := make([]*channelState, 0, len(s.topics))
	for _, ch := range s.topics {
		out = append(out, ch)
	}
	s.topics = make(map[string]*channelState)
	return out
}

func (s *session) fleetTopic() string { return "fleet:" + s.fleetID }

// close tears the session down exactly once: presence, registry, channels,
// socket.
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		for _, ch := range s.drainChannels() {
			ch.cancel()
			for _, sub := range ch.subs {
				sub.Close()
			}
		}
		if s.agentID != "" {
			s.gw.tracker.Leave(s.fleetID, s.agentID)
			s.gw.unregister(s)
			s.gw.bus.Publish(context.Background(), pubsub.FleetTopic(s.fleetID),
				protocol.EventPresenceUpdate, presence.Record{
					AgentID: s.agentID,
					FleetID: s.fleetID,
					State:   "offline",
				})
		}
		s.conn.Close()
		s.gw.logger.Info("gateway: connection closed", "fleet_id", s.fleetID, "agent_id", s.agentID)
	})
}

// writePump owns all writes: queued frames, pings, and the close frame.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			// Flush whatever else is queued in the same wakeup.
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump owns all reads and dispatches frames.
func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.gw.logger.Warn("gateway: read error", "agent_id", s.agentID, "error", err)
			}
			return
		}
		frame, err := protocol.Decode(s.vsn, data)
		if err != nil {
			s.gw.logger.Warn("gateway: malformed frame dropped", "agent_id", s.agentID, "error", err)
			continue
		}
		s.gw.metrics.FramesIn.WithLabelValues(frame.Event).Inc()
		s.dispatch(frame)
	}
}

func (s *session) dispatch(frame protocol.Frame) {
	switch {
	case frame.Topic == protocol.HeartbeatTopic && frame.Event == protocol.EventHeartbeat:
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if s.agentID != "" {
			s.gw.tracker.Touch(s.fleetID, s.agentID)
		}
		s.reply(frame, protocol.OK(nil))
	case frame.Event == protocol.EventJoin:
		s.handleJoin(frame)
	case frame.Event == protocol.EventLeave:
		s.handleLeave(frame)
	default:
		s.handleChannelEvent(frame)
	}
}

// handleJoin admits the session to a channel topic. The fleet channel is the
// entry point: it binds the agent identity, drains the offline queue, and
// must be joined before any other topic.
func (s *session) handleJoin(frame protocol.Frame) {
	if _, ok := s.channel(frame.Topic); ok {
		s.replyError(frame, map[string]interface{}{"error": "already_joined"})
		return
	}

	switch {
	case strings.HasPrefix(frame.Topic, "fleet:"):
		s.joinFleet(frame)
	case strings.HasPrefix(frame.Topic, "squad:"), strings.HasPrefix(frame.Topic, "thread:"):
		s.joinSubscribed(frame)
	case frame.Topic == FileTopic:
		if s.agentID == "" {
			s.replyError(frame, map[string]interface{}{"error": "join_fleet_first"})
			return
		}
		s.setChannel(frame.Topic, s.openChannel(frame.Topic, frame.JoinRef, fileBusTopic(s.fleetID)))
		s.reply(frame, protocol.OK(nil))
	default:
		s.replyError(frame, map[string]interface{}{"error": "unknown_topic"})
	}
}

func (s *session) joinFleet(frame protocol.Frame) {
	fleetID := strings.TrimPrefix(frame.Topic, "fleet:")
	if fleetID != s.fleetID {
		s.replyError(frame, core.NotInThisFleet(s.fleetID, fleetID).Response())
		return
	}

	profile := s.profile
	if len(frame.Payload) > 0 {
		var joined agentProfile
		if err := json.Unmarshal(frame.Payload, &joined); err != nil {
			s.replyError(frame, map[string]interface{}{"error": "malformed_join_payload"})
			return
		}
		mergeProfile(&profile, joined)
	}
	if profile.AgentID == "" {
		profile.AgentID = core.NewAgentID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := s.gw.dir.UpsertAgent(ctx, profile.record(s.fleetID)); err != nil {
		s.gw.logger.Error("gateway: agent upsert failed", "agent_id", profile.AgentID, "error", err)
		s.replyError(frame, core.StoreFailed(err).Response())
		return
	}

	s.agentID = profile.AgentID
	s.profile = profile
	s.gw.tracker.Join(s.fleetID, s.agentID, presence.ParseState(profile.State))
	s.gw.register(s)

	// The agent hears its own topic and the fleet topic through this channel.
	s.setChannel(frame.Topic, s.openChannel(frame.Topic, frame.JoinRef,
		pubsub.FleetTopic(s.fleetID),
		pubsub.AgentTopic(s.fleetID, s.agentID)))

	queued, err := s.gw.dms.DeliverQueued(ctx, s.fleetID, s.agentID)
	if err != nil {
		s.gw.logger.Warn("gateway: offline queue drain failed", "agent_id", s.agentID, "error", err)
	} else if len(queued) > 0 {
		s.gw.metrics.QueueDrains.Inc()
	}

	s.gw.bus.Publish(ctx, pubsub.FleetTopic(s.fleetID), protocol.EventPresenceUpdate,
		presence.Record{AgentID: s.agentID, FleetID: s.fleetID, State: presence.ParseState(profile.State)})

	s.reply(frame, protocol.OK(map[string]interface{}{
		"agent_id":         s.agentID,
		"queued_delivered": len(queued),
	}))
}

// joinSubscribed joins a squad or thread channel, which simply mirrors the
// matching bus topic.
func (s *session) joinSubscribed(frame protocol.Frame) {
	if s.agentID == "" {
		s.replyError(frame, map[string]interface{}{"error": "join_fleet_first"})
		return
	}
	s.setChannel(frame.Topic, s.openChannel(frame.Topic, frame.JoinRef, frame.Topic))
	s.reply(frame, protocol.OK(nil))
}

// openChannel subscribes the given bus topics and pumps their messages to the
// socket as frames on the channel topic.
func (s *session) openChannel(channelTopic, joinRef string, busTopics ...string) *channelState {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &channelState{joinRef: joinRef, cancel: cancel}
	for _, bt := range busTopics {
		sub := s.gw.bus.Subscribe(bt)
		ch.subs = append(ch.subs, sub)
		go func(sub *pubsub.Subscription) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-sub.C:
					if !ok {
						return
					}
					s.enqueue(protocol.Frame{
						JoinRef: joinRef,
						Topic:   channelTopic,
						Event:   msg.Event,
						Payload: msg.Payload,
					})
				}
			}
		}(sub)
	}
	return ch
}

func (s *session) handleLeave(frame protocol.Frame) {
	ch, ok := s.dropChannel(frame.Topic)
	if !ok {
		s.replyError(frame, map[string]interface{}{"error": "not_joined"})
		return
	}
	ch.cancel()
	for _, sub := range ch.subs {
		sub.Close()
	}
	if strings.HasPrefix(frame.Topic, "fleet:") && s.agentID != "" {
		s.gw.tracker.Leave(s.fleetID, s.agentID)
		s.gw.unregister(s)
	}
	s.reply(frame, protocol.OK(nil))
}

func (s *session) handleChannelEvent(frame protocol.Frame) {
	if _, ok := s.channel(frame.Topic); !ok {
		s.replyError(frame, map[string]interface{}{"error": "not_joined"})
		return
	}
	if s.gw.isDraining() && startsWork(frame.Event) {
		s.replyError(frame, map[string]interface{}{"error": "draining"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch frame.Event {
	case protocol.EventMessageSend:
		if strings.HasPrefix(frame.Topic, "squad:") {
			s.handleSquadSend(ctx, frame)
			return
		}
		s.handleSend(ctx, frame)
	case protocol.EventMessageBroadcast:
		s.handleBroadcast(ctx, frame)
	case protocol.EventMessageEscalate:
		s.handleEscalate(ctx, frame)
	case protocol.EventThreadReply:
		s.handleThreadReply(ctx, frame)
	case protocol.EventPresenceUpdate:
		s.handlePresenceUpdate(ctx, frame)
	case protocol.EventPresenceRoster:
		s.handleRoster(frame)
	case protocol.EventActivityBroadcast:
		s.handleActivity(ctx, frame)
	case protocol.EventFileList, protocol.EventFileGet, protocol.EventFilePut, protocol.EventFileDelete:
		s.handleFile(ctx, frame)
	default:
		s.replyError(frame, map[string]interface{}{"error": "unknown_event", "event": frame.Event})
	}
}

func startsWork(event string) bool {
	switch event {
	case protocol.EventMessageSend, protocol.EventMessageBroadcast,
		protocol.EventMessageEscalate, protocol.EventThreadReply, protocol.EventFilePut:
		return true
	}
	return false
}

func (s *session) handleSend(ctx context.Context, frame protocol.Frame) {
	var req struct {
		To            string       `json:"to"`
		Message       core.Payload `json:"message"`
		Sealed        string       `json:"sealed,omitempty"`
		CorrelationID string       `json:"correlation_id"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil || req.To == "" {
		s.replyError(frame, map[string]interface{}{"error": "malformed_payload"})
		return
	}
	if req.To == s.agentID {
		s.replyError(frame, map[string]interface{}{"error": "self_send"})
		return
	}
	if req.Sealed != "" {
		message, err := s.unseal(ctx, req.Sealed)
		if err != nil {
			s.replyOutcome(frame, err)
			return
		}
		req.Message = message
	}
	res, err := s.gw.router.RouteDM(ctx, s.fleetID, s.agentID, req.To, req.Message, req.CorrelationID)
	if err != nil {
		s.replyOutcome(frame, err)
		return
	}
	s.reply(frame, protocol.OK(map[string]interface{}{
		"message_id": res.MessageID,
		"status":     res.Status,
	}))
}

// unseal opens a sealed message body with the fleet's derived keys.
func (s *session) unseal(ctx context.Context, wire string) (core.Payload, error) {
	if s.gw.crypto == nil {
		return nil, &core.Outcome{Kind: core.KindDecryptionFailed, Reason: "sealed payloads are not enabled"}
	}
	keys, err := s.gw.crypto.FleetKeys(ctx, s.fleetID)
	if err != nil {
		return nil, err
	}
	return keys.Unseal(wire)
}

// handleSquadSend serves message:send on a squad channel: no recipient, the
// sender's squad is the audience.
func (s *session) handleSquadSend(ctx context.Context, frame protocol.Frame) {
	var req struct {
		Message core.Payload `json:"message"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.replyError(frame, map[string]interface{}{"error": "malformed_payload"})
		return
	}
	res, err := s.gw.router.RouteSquadMessage(ctx, s.fleetID, s.agentID, req.Message)
	if err != nil {
		s.replyOutcome(frame, err)
		return
	}
	s.reply(frame, protocol.OK(map[string]interface{}{
		"scope":     res.Scope,
		"delivered": res.Delivered,
	}))
}

func (s *session) handleBroadcast(ctx context.Context, frame protocol.Frame) {
	var req struct {
		Scope   string       `json:"scope"`
		Message core.Payload `json:"message"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.replyError(frame, map[string]interface{}{"error": "malformed_payload"})
		return
	}
	res, err := s.gw.router.RouteBroadcast(ctx, s.fleetID, s.agentID, req.Scope, req.Message)
	if err != nil {
		s.replyOutcome(frame, err)
		return
	}
	s.reply(frame, protocol.OK(map[string]interface{}{
		"scope":     res.Scope,
		"delivered": res.Delivered,
	}))
}

func (s *session) handleEscalate(ctx context.Context, frame protocol.Frame) {
	var req struct {
		ToRole   string       `json:"to_role"`
		Priority string       `json:"priority"`
		Message  core.Payload `json:"message"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.replyError(frame, map[string]interface{}{"error": "malformed_payload"})
		return
	}
	esc, err := s.gw.router.RouteEscalation(ctx, s.fleetID, s.agentID, req.ToRole,
		core.ParsePriority(req.Priority), req.Message)
	if err != nil {
		s.replyOutcome(frame, err)
		return
	}
	s.reply(frame, protocol.OK(map[string]interface{}{
		"escalation_id": esc.EscalationID,
		"status":        esc.Status,
		"handlers":      esc.HandlerIDs,
	}))
}

func (s *session) handleThreadReply(ctx context.Context, frame protocol.Frame) {
	var req struct {
		ThreadID string       `json:"thread_id"`
		Body     string       `json:"body"`
		Refs     []string     `json:"refs"`
		Metadata core.Payload `json:"metadata"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil || req.ThreadID == "" {
		s.replyError(frame, map[string]interface{}{"error": "malformed_payload"})
		return
	}
	msg, err := s.gw.router.RouteThreadReply(ctx, s.fleetID, s.agentID, req.ThreadID, req.Body, req.Refs, req.Metadata)
	if err != nil {
		s.replyOutcome(frame, err)
		return
	}
	s.reply(frame, protocol.OK(map[string]interface{}{
		"message_id": msg.MessageID,
		"thread_id":  msg.ThreadID,
	}))
}

func (s *session) handlePresenceUpdate(ctx context.Context, frame protocol.Frame) {
	var req struct {
		State string `json:"state"`
		Task  string `json:"task"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.replyError(frame, map[string]interface{}{"error": "malformed_payload"})
		return
	}
	state := presence.ParseState(req.State)
	s.gw.tracker.Update(s.fleetID, s.agentID, state, req.Task)
	s.gw.bus.Publish(ctx, pubsub.FleetTopic(s.fleetID), protocol.EventPresenceUpdate,
		presence.Record{AgentID: s.agentID, FleetID: s.fleetID, State: state, Task: req.Task})
	s.reply(frame, protocol.OK(nil))
}

func (s *session) handleRoster(frame protocol.Frame) {
	s.reply(frame, protocol.OK(map[string]interface{}{
		"roster": s.gw.tracker.Roster(s.fleetID),
	}))
}

// handleActivity fans an activity event out to the fleet and appends it to
// the activity stream off the request path.
func (s *session) handleActivity(ctx context.Context, frame protocol.Frame) {
	var req struct {
		Kind        string                 `json:"kind"`
		Description string                 `json:"description"`
		Tags        []string               `json:"tags"`
		Data        map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.replyError(frame, map[string]interface{}{"error": "malformed_payload"})
		return
	}

	s.gw.bus.Publish(ctx, pubsub.FleetTopic(s.fleetID), protocol.EventActivityBroadcast, core.Payload{
		"from":        s.agentID,
		"kind":        req.Kind,
		"description": req.Description,
		"tags":        req.Tags,
		"data":        req.Data,
	})
	go func() {
		actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.gw.log.Append(actx, s.fleetID, eventlog.StreamActivity, eventlog.Event{
			From:        s.agentID,
			Kind:        req.Kind,
			Description: req.Description,
			Tags:        req.Tags,
			Data:        req.Data,
		}); err != nil {
			s.gw.logger.Warn("gateway: activity append failed", "fleet_id", s.fleetID, "error", err)
		}
	}()
	s.reply(frame, protocol.OK(nil))
}

// pushEvent enqueues a server-initiated event on a channel topic.
func (s *session) pushEvent(topic, event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	joinRef := ""
	if ch, ok := s.channel(topic); ok {
		joinRef = ch.joinRef
	}
	s.enqueue(protocol.Frame{JoinRef: joinRef, Topic: topic, Event: event, Payload: raw})
}

func (s *session) reply(req protocol.Frame, body protocol.Reply) {
	frame, err := protocol.ReplyFrame(req, body)
	if err != nil {
		return
	}
	s.enqueue(frame)
}

func (s *session) replyError(req protocol.Frame, response map[string]interface{}) {
	s.reply(req, protocol.Error(response))
}

// replyOutcome maps a routing failure to its wire response.
func (s *session) replyOutcome(req protocol.Frame, err error) {
	var out *core.Outcome
	if errors.As(err, &out) {
		s.replyError(req, out.Response())
		return
	}
	s.replyError(req, map[string]interface{}{"error": "internal", "reason": err.Error()})
}

func (s *session) enqueue(frame protocol.Frame) {
	data, err := protocol.Encode(s.vsn, frame)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	default:
		s.gw.logger.Warn("gateway: send buffer full, dropping frame",
			"agent_id", s.agentID, "event", frame.Event)
	}
}

func (g *Gateway) isDraining() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.draining
}

func mergeProfile(dst *agentProfile, src agentProfile) {
	if src.AgentID != "" {
		dst.AgentID = src.AgentID
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.DisplayName != "" {
		dst.DisplayName = src.DisplayName
	}
	if src.SquadID != "" {
		dst.SquadID = src.SquadID
	}
	if src.RoleSlug != "" {
		dst.RoleSlug = src.RoleSlug
	}
	if src.ContextTier != "" {
		dst.ContextTier = src.ContextTier
	}
	if src.State != "" {
		dst.State = src.State
	}
	if len(src.Capabilities) > 0 {
		dst.Capabilities = src.Capabilities
	}
	if src.Metadata != nil {
		dst.Metadata = src.Metadata
	}
}
