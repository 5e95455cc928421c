package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/access"
	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/crypto"
	"github.com/ringforge/hub/internal/directory"
	"github.com/ringforge/hub/internal/dm"
	"github.com/ringforge/hub/internal/escalation"
	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/metrics"
	"github.com/ringforge/hub/internal/notify"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/protocol"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/ratelimit"
	"github.com/ringforge/hub/internal/router"
	"github.com/ringforge/hub/internal/rules"
	"github.com/ringforge/hub/internal/task"
	"github.com/ringforge/hub/internal/thread"
)

type fixture struct {
	gw      *Gateway
	srv     *httptest.Server
	dir     directory.Directory
	store   kv.Store
	bus     *pubsub.Bus
	tracker *presence.Tracker
	dms     *dm.Service
	liveKey string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kv.NewMemory()
	bus := pubsub.New()
	dir := directory.NewMemory()
	tracker := presence.NewTracker()
	log := eventlog.NewMemory()
	logger := slog.Default()
	notifier := notify.NewService(store, bus)
	tasks := task.NewMemory()
	dms := dm.NewService(store, bus, tracker, log, notifier, logger)
	threads := thread.NewService(store, bus)
	escs := escalation.NewService(store, bus, dir, notifier)
	m := metrics.New(prometheus.NewRegistry())
	r := router.New(dir, access.NewControl(dir), rules.NewEngine(store), ratelimit.New(),
		tasks, dms, threads, escs, bus, log, m, logger)

	gw := New(Config{
		Directory: dir,
		Router:    r,
		DMs:       dms,
		Tracker:   tracker,
		Bus:       bus,
		EventLog:  log,
		Files:     store,
		Crypto:    crypto.NewService(dir),
		Metrics:   m,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/websocket", gw.HandleWebSocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	require.NoError(t, dir.CreateFleet(ctx, &directory.Fleet{ID: "F1", TenantID: "T1", Name: "alpha"}))
	_, raw, err := dir.CreateAPIKey(ctx, "F1", directory.KeyTypeLive)
	require.NoError(t, err)

	return &fixture{
		gw: gw, srv: srv, dir: dir, store: store, bus: bus,
		tracker: tracker, dms: dms, liveKey: raw,
	}
}

func (f *fixture) wsURL(apiKey string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") +
		"/ws/websocket?vsn=2.0.0&api_key=" + url.QueryEscape(apiKey)
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	ref  int
}

func dialClient(t *testing.T, f *fixture) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(f.liveKey), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) push(topic, event string, payload interface{}) string {
	c.ref++
	ref := strconv.Itoa(c.ref)
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	data, err := protocol.EncodeV2(protocol.Frame{
		JoinRef: "1", Ref: ref, Topic: topic, Event: event, Payload: raw,
	})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
	return ref
}

func (c *testClient) next() protocol.Frame {
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	frame, err := protocol.DecodeV2(data)
	require.NoError(c.t, err)
	return frame
}

// awaitReply skips pushed events (presence diffs and the like) until the
// reply correlated to ref arrives.
func (c *testClient) awaitReply(ref string) protocol.Reply {
	for {
		frame := c.next()
		if frame.Event == protocol.EventReply && frame.Ref == ref {
			var reply protocol.Reply
			require.NoError(c.t, json.Unmarshal(frame.Payload, &reply))
			return reply
		}
	}
}

func (c *testClient) awaitEvent(event string) protocol.Frame {
	for {
		frame := c.next()
		if frame.Event == event {
			return frame
		}
	}
}

func (c *testClient) join(topic string, profile map[string]interface{}) protocol.Reply {
	ref := c.push(topic, protocol.EventJoin, profile)
	return c.awaitReply(ref)
}

func TestHandleWebSocket_RejectsBadKey(t *testing.T) {
	f := newFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("rf_live_bogus"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoin_FleetMismatchRejected(t *testing.T) {
	f := newFixture(t)
	c := dialClient(t, f)

	reply := c.join("fleet:F2", map[string]interface{}{"agent_id": "ag_x", "name": "x"})
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, "not_in_this_fleet", reply.Response["error"])
}

func TestJoin_RegistersAgentAndPresence(t *testing.T) {
	f := newFixture(t)
	c := dialClient(t, f)

	reply := c.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_join", "name": "joiner", "squad_id": "S1", "role_slug": "backend-dev",
	})
	require.Equal(t, "ok", reply.Status)
	assert.Equal(t, "ag_join", reply.Response["agent_id"])
	assert.EqualValues(t, 0, reply.Response["queued_delivered"])

	agent, err := f.dir.GetAgent(context.Background(), "F1", "ag_join")
	require.NoError(t, err)
	assert.Equal(t, "backend-dev", agent.RoleSlug)
	assert.True(t, f.tracker.Online("F1", "ag_join"))
	assert.Equal(t, 1, f.gw.ConnectedCount())
}

func TestJoin_DrainsOfflineQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Queue a message for the not-yet-connected agent.
	require.NoError(t, f.dir.UpsertAgent(ctx, &directory.Agent{
		AgentID: "ag_offline", FleetID: "F1", SquadID: "S1", RoleSlug: "backend-dev",
	}))
	res, err := f.dms.Send(ctx, "F1", core.Sender{AgentID: "ag_peer"}, "ag_offline",
		core.Payload{"description": "while you were out"}, "")
	require.NoError(t, err)
	require.Equal(t, dm.StatusQueued, res.Status)

	c := dialClient(t, f)
	reply := c.join("fleet:F1", map[string]interface{}{"agent_id": "ag_offline", "name": "back"})
	require.Equal(t, "ok", reply.Status)
	assert.EqualValues(t, 1, reply.Response["queued_delivered"])

	frame := c.awaitEvent("direct_message")
	var env core.Envelope
	require.NoError(t, json.Unmarshal(frame.Payload, &env))
	assert.Equal(t, res.MessageID, env.MessageID)

	// Queue is empty after the drain.
	entries, err := f.store.List(ctx, "dmq:F1:ag_offline:")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	c := dialClient(t, f)
	c.join("fleet:F1", map[string]interface{}{"agent_id": "ag_hb", "name": "hb"})

	ref := c.push(protocol.HeartbeatTopic, protocol.EventHeartbeat, map[string]interface{}{})
	reply := c.awaitReply(ref)
	assert.Equal(t, "ok", reply.Status)
}

func TestMessageSend_EndToEnd(t *testing.T) {
	f := newFixture(t)

	sender := dialClient(t, f)
	require.Equal(t, "ok", sender.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_snd", "name": "sender", "squad_id": "S1", "role_slug": "backend-dev",
	}).Status)

	recipient := dialClient(t, f)
	require.Equal(t, "ok", recipient.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_rcv", "name": "recv", "squad_id": "S1", "role_slug": "qa-engineer",
	}).Status)

	ref := sender.push("fleet:F1", protocol.EventMessageSend, map[string]interface{}{
		"to":      "ag_rcv",
		"message": map[string]interface{}{"kind": "info", "description": "ship it"},
	})
	reply := sender.awaitReply(ref)
	require.Equal(t, "ok", reply.Status)
	assert.Equal(t, "delivered", reply.Response["status"])

	frame := recipient.awaitEvent("direct_message")
	var env core.Envelope
	require.NoError(t, json.Unmarshal(frame.Payload, &env))
	assert.Equal(t, "ag_snd", env.From.AgentID)
	assert.Equal(t, "fleet:F1", frame.Topic)
}

func TestMessageSend_SelfSendRejected(t *testing.T) {
	f := newFixture(t)

	c := dialClient(t, f)
	require.Equal(t, "ok", c.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_self", "name": "self", "squad_id": "S1",
	}).Status)

	ref := c.push("fleet:F1", protocol.EventMessageSend, map[string]interface{}{
		"to":      "ag_self",
		"message": map[string]interface{}{"description": "note to self"},
	})
	reply := c.awaitReply(ref)
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, "self_send", reply.Response["error"])

	// Nothing was queued or logged for the rejected send.
	entries, err := f.store.List(context.Background(), "dmq:F1:ag_self:")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSquadChannelSend_FansOutToSquad(t *testing.T) {
	f := newFixture(t)

	sender := dialClient(t, f)
	require.Equal(t, "ok", sender.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_sq1", "name": "one", "squad_id": "S1", "role_slug": "backend-dev",
	}).Status)
	require.Equal(t, "ok", sender.join("squad:S1", nil).Status)

	mate := dialClient(t, f)
	require.Equal(t, "ok", mate.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_sq2", "name": "two", "squad_id": "S1", "role_slug": "qa-engineer",
	}).Status)

	ref := sender.push("squad:S1", protocol.EventMessageSend, map[string]interface{}{
		"message": map[string]interface{}{"kind": "info", "description": "standup in five"},
	})
	reply := sender.awaitReply(ref)
	require.Equal(t, "ok", reply.Status)
	assert.Equal(t, "squad", reply.Response["scope"])
	assert.EqualValues(t, 1, reply.Response["delivered"])

	frame := mate.awaitEvent("broadcast")
	var env core.Envelope
	require.NoError(t, json.Unmarshal(frame.Payload, &env))
	assert.Equal(t, "ag_sq1", env.From.AgentID)
	assert.Equal(t, "standup in five", env.Message["description"])
}

func TestMessageSend_DenialReachesClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.dir.UpsertAgent(ctx, &directory.Agent{
		AgentID: "ag_other", FleetID: "F1", SquadID: "S2", RoleSlug: "frontend-dev",
	}))

	c := dialClient(t, f)
	require.Equal(t, "ok", c.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_low", "name": "low", "squad_id": "S1", "role_slug": "backend-dev",
	}).Status)

	ref := c.push("fleet:F1", protocol.EventMessageSend, map[string]interface{}{
		"to":      "ag_other",
		"message": map[string]interface{}{"description": "hi"},
	})
	reply := c.awaitReply(ref)
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, "denied", reply.Response["error"])
	assert.Equal(t, "message:escalate", reply.Response["alternative"])
}

func TestPresenceRosterAndUpdate(t *testing.T) {
	f := newFixture(t)
	c := dialClient(t, f)
	require.Equal(t, "ok", c.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_p", "name": "p",
	}).Status)

	ref := c.push("fleet:F1", protocol.EventPresenceUpdate, map[string]interface{}{
		"state": "busy", "task": "deploying",
	})
	require.Equal(t, "ok", c.awaitReply(ref).Status)

	ref = c.push("fleet:F1", protocol.EventPresenceRoster, map[string]interface{}{})
	reply := c.awaitReply(ref)
	require.Equal(t, "ok", reply.Status)
	roster, ok := reply.Response["roster"].([]interface{})
	require.True(t, ok)
	require.Len(t, roster, 1)
	entry := roster[0].(map[string]interface{})
	assert.Equal(t, "busy", entry["state"])
	assert.Equal(t, "deploying", entry["task"])
}

func TestActivityBroadcast_FansOutAndLogs(t *testing.T) {
	f := newFixture(t)

	a := dialClient(t, f)
	require.Equal(t, "ok", a.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_act", "name": "act",
	}).Status)
	b := dialClient(t, f)
	require.Equal(t, "ok", b.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_watch", "name": "watch",
	}).Status)

	ref := a.push("fleet:F1", protocol.EventActivityBroadcast, map[string]interface{}{
		"kind": "deploy", "description": "rolled v2 to canary",
	})
	require.Equal(t, "ok", a.awaitReply(ref).Status)

	frame := b.awaitEvent(protocol.EventActivityBroadcast)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "ag_act", payload["from"])
	assert.Equal(t, "deploy", payload["kind"])

	require.Eventually(t, func() bool {
		events, err := f.gw.log.Recent(context.Background(), "F1", eventlog.StreamActivity, 10)
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFileSync_RoundTrip(t *testing.T) {
	f := newFixture(t)
	c := dialClient(t, f)
	require.Equal(t, "ok", c.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_f", "name": "f",
	}).Status)
	require.Equal(t, "ok", c.join(FileTopic, map[string]interface{}{}).Status)

	body := "runbook: restart the canary first"
	encoded := "cnVuYm9vazogcmVzdGFydCB0aGUgY2FuYXJ5IGZpcnN0"

	ref := c.push(FileTopic, protocol.EventFilePut, map[string]interface{}{
		"key": "docs/runbook.md", "data": encoded, "content_type": "text/markdown",
	})
	reply := c.awaitReply(ref)
	require.Equal(t, "ok", reply.Status)
	assert.EqualValues(t, len(body), reply.Response["size"])
	hash := reply.Response["hash"].(string)
	assert.Len(t, hash, 64)

	ref = c.push(FileTopic, protocol.EventFileGet, map[string]interface{}{"key": "docs/runbook.md"})
	reply = c.awaitReply(ref)
	require.Equal(t, "ok", reply.Status)
	file := reply.Response["file"].(map[string]interface{})
	assert.Equal(t, encoded, file["data"])
	assert.Equal(t, hash, file["hash"])
	assert.Equal(t, "ag_f", file["updated_by"])

	ref = c.push(FileTopic, protocol.EventFileList, map[string]interface{}{"prefix": "docs/"})
	reply = c.awaitReply(ref)
	require.Equal(t, "ok", reply.Status)
	files := reply.Response["files"].([]interface{})
	require.Len(t, files, 1)

	ref = c.push(FileTopic, protocol.EventFileDelete, map[string]interface{}{"key": "docs/runbook.md"})
	require.Equal(t, "ok", c.awaitReply(ref).Status)

	ref = c.push(FileTopic, protocol.EventFileGet, map[string]interface{}{"key": "docs/runbook.md"})
	reply = c.awaitReply(ref)
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, "file_not_found", reply.Response["error"])
}

func TestMessageSend_SealedPayload(t *testing.T) {
	f := newFixture(t)

	sender := dialClient(t, f)
	require.Equal(t, "ok", sender.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_seal", "name": "seal", "squad_id": "S1",
	}).Status)
	recipient := dialClient(t, f)
	require.Equal(t, "ok", recipient.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_open", "name": "open", "squad_id": "S1",
	}).Status)

	// The canonical live key is the one the fixture minted, so client-side
	// derivation matches the hub's.
	keys := crypto.Derive(f.liveKey, "F1")
	sealed, err := keys.Seal(core.Payload{"kind": "secret", "description": "rotate the tokens"})
	require.NoError(t, err)

	ref := sender.push("fleet:F1", protocol.EventMessageSend, map[string]interface{}{
		"to": "ag_open", "sealed": sealed,
	})
	reply := sender.awaitReply(ref)
	require.Equal(t, "ok", reply.Status)

	frame := recipient.awaitEvent("direct_message")
	var env core.Envelope
	require.NoError(t, json.Unmarshal(frame.Payload, &env))
	assert.Equal(t, "rotate the tokens", env.Message["description"])

	// Garbage ciphertext is rejected with a typed error.
	ref = sender.push("fleet:F1", protocol.EventMessageSend, map[string]interface{}{
		"to": "ag_open", "sealed": "not:even:close",
	})
	reply = sender.awaitReply(ref)
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, "decryption_failed", reply.Response["error"])
}

func TestDrain_NotifiesAndRejectsNewWork(t *testing.T) {
	f := newFixture(t)
	c := dialClient(t, f)
	require.Equal(t, "ok", c.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_d", "name": "d", "squad_id": "S1",
	}).Status)

	f.gw.Drain(30 * time.Second)

	frame := c.awaitEvent(protocol.EventSystemDrain)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.EqualValues(t, 30_000, payload["reconnect_after_ms"])

	ref := c.push("fleet:F1", protocol.EventMessageSend, map[string]interface{}{
		"to": "ag_other", "message": map[string]interface{}{},
	})
	reply := c.awaitReply(ref)
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, "draining", reply.Response["error"])
}

func TestLeave_RemovesPresence(t *testing.T) {
	f := newFixture(t)
	c := dialClient(t, f)
	require.Equal(t, "ok", c.join("fleet:F1", map[string]interface{}{
		"agent_id": "ag_l", "name": "l",
	}).Status)
	require.True(t, f.tracker.Online("F1", "ag_l"))

	ref := c.push("fleet:F1", protocol.EventLeave, map[string]interface{}{})
	require.Equal(t, "ok", c.awaitReply(ref).Status)
	assert.False(t, f.tracker.Online("F1", "ag_l"))
	assert.Equal(t, 0, f.gw.ConnectedCount())
}
