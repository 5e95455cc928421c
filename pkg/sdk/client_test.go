package sdk

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
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
	"github.com/ringforge/hub/internal/gateway"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/metrics"
	"github.com/ringforge/hub/internal/notify"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/ratelimit"
	"github.com/ringforge/hub/internal/router"
	"github.com/ringforge/hub/internal/rules"
	"github.com/ringforge/hub/internal/task"
	"github.com/ringforge/hub/internal/thread"
)

// newHub spins up a full in-memory hub and returns its WebSocket URL plus a
// live key for fleet F1.
func newHub(t *testing.T) (string, string) {
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

	gw := gateway.New(gateway.Config{
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

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/websocket", raw
}

func newClient(t *testing.T, url, key string, profile Profile, seal bool) *Client {
	t.Helper()
	c := New(Options{
		URL:     url,
		APIKey:  key,
		FleetID: "F1",
		Agent:   profile,
		Seal:    seal,
	})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnect_JoinsFleet(t *testing.T) {
	url, key := newHub(t)

	c := newClient(t, url, key, Profile{Name: "anon"}, false)
	// The hub assigned an id since the profile carried none.
	assert.True(t, strings.HasPrefix(c.AgentID(), "ag_"))

	named := newClient(t, url, key, Profile{AgentID: "ag_named", Name: "named"}, false)
	assert.Equal(t, "ag_named", named.AgentID())
}

func TestSendDM_BetweenClients(t *testing.T) {
	url, key := newHub(t)
	ctx := context.Background()

	sender := newClient(t, url, key, Profile{AgentID: "ag_a", Name: "a", SquadID: "S1"}, false)
	receiver := newClient(t, url, key, Profile{AgentID: "ag_b", Name: "b", SquadID: "S1"}, false)

	got := make(chan core.Envelope, 1)
	receiver.OnEvent("direct_message", func(topic string, payload json.RawMessage) {
		var env core.Envelope
		if json.Unmarshal(payload, &env) == nil {
			got <- env
		}
	})

	res, err := sender.SendDM(ctx, "ag_b", Message{Kind: "info", Description: "build green"})
	require.NoError(t, err)
	assert.Equal(t, "delivered", res.Status)
	assert.NotEmpty(t, res.MessageID)

	select {
	case env := <-got:
		assert.Equal(t, "ag_a", env.From.AgentID)
		assert.Equal(t, "build green", env.Message["description"])
	case <-time.After(2 * time.Second):
		t.Fatal("direct message never arrived")
	}
}

func TestSendDM_Sealed(t *testing.T) {
	url, key := newHub(t)
	ctx := context.Background()

	sender := newClient(t, url, key, Profile{AgentID: "ag_s", Name: "s", SquadID: "S1"}, true)
	receiver := newClient(t, url, key, Profile{AgentID: "ag_r", Name: "r", SquadID: "S1"}, false)

	got := make(chan core.Envelope, 1)
	receiver.OnEvent("direct_message", func(topic string, payload json.RawMessage) {
		var env core.Envelope
		if json.Unmarshal(payload, &env) == nil {
			got <- env
		}
	})

	_, err := sender.SendDM(ctx, "ag_r", Message{Description: "rotate credentials"})
	require.NoError(t, err)

	select {
	case env := <-got:
		assert.Equal(t, "rotate credentials", env.Message["description"])
	case <-time.After(2 * time.Second):
		t.Fatal("sealed message never arrived")
	}
}

func TestSendDM_TypedErrorSurfaces(t *testing.T) {
	url, key := newHub(t)

	c := newClient(t, url, key, Profile{AgentID: "ag_lone", Name: "lone", SquadID: "S1"}, false)
	_, err := c.SendDM(context.Background(), "ag_ghost", Message{Description: "hello?"})
	require.Error(t, err)
	var out *core.Outcome
	require.ErrorAs(t, err, &out)
	assert.Equal(t, core.KindAgentNotFound, out.Kind)
}

func TestRosterAndPresence(t *testing.T) {
	url, key := newHub(t)
	ctx := context.Background()

	c := newClient(t, url, key, Profile{AgentID: "ag_p", Name: "p"}, false)
	require.NoError(t, c.UpdatePresence(ctx, "busy", "reindexing"))

	roster, err := c.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "ag_p", roster[0].AgentID)
	assert.Equal(t, "busy", roster[0].State)
	assert.Equal(t, "reindexing", roster[0].Task)
}

func TestFileHelpers_RoundTrip(t *testing.T) {
	url, key := newHub(t)
	ctx := context.Background()

	c := newClient(t, url, key, Profile{AgentID: "ag_f", Name: "f"}, false)
	require.NoError(t, c.JoinTopic(ctx, "sync:files"))

	body := []byte("threshold: 0.85\n")
	hash, err := c.PutFile(ctx, "config/tuning.yaml", body, "application/yaml")
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	file, err := c.GetFile(ctx, "config/tuning.yaml")
	require.NoError(t, err)
	assert.Equal(t, body, file.Data)
	assert.Equal(t, hash, file.Hash)

	files, err := c.ListFiles(ctx, "config/")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	require.NoError(t, c.DeleteFile(ctx, "config/tuning.yaml"))
	_, err = c.GetFile(ctx, "config/tuning.yaml")
	require.Error(t, err)
}

// TestPush_Timeout uses a hub that swallows frames after the upgrade.
func TestPush_Timeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Options{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:      "rf_live_whatever",
		FleetID:     "F1",
		PushTimeout: 200 * time.Millisecond,
	})
	defer c.Close()
	require.NoError(t, c.dial(context.Background()))

	_, err := c.push(context.Background(), "fleet:F1", "noop", json.RawMessage(`{}`))
	var out *core.Outcome
	require.ErrorAs(t, err, &out)
	assert.Equal(t, core.KindPushTimeout, out.Kind)
}

func TestDialURL_CarriesVersionKeyAndProfile(t *testing.T) {
	c := New(Options{
		URL:     "ws://hub.local/ws/websocket",
		APIKey:  "rf_live_abc",
		FleetID: "F1",
		Agent:   Profile{Name: "worker-1", SquadID: "sq_core", RoleSlug: "backend-dev"},
	})

	raw, err := c.dialURL()
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "2.0.0", q.Get("vsn"))
	assert.Equal(t, "rf_live_abc", q.Get("api_key"))

	var profile Profile
	require.NoError(t, json.Unmarshal([]byte(q.Get("agent")), &profile))
	assert.Equal(t, "worker-1", profile.Name)
	assert.Equal(t, "sq_core", profile.SquadID)
	assert.Equal(t, "backend-dev", profile.RoleSlug)
}

func TestNextBackoff_DoublesAndCaps(t *testing.T) {
	b := reconnectMin
	var seen []time.Duration
	for i := 0; i < 7; i++ {
		seen = append(seen, b)
		b = nextBackoff(b)
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, seen)
}
