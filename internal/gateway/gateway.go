// Package gateway is the channel front door: it upgrades agent WebSocket
// connections, authenticates them against fleet live keys, and speaks the
// frame protocol. Each connection gets exactly two goroutines — readPump owns
// all reads, writePump owns all writes — so no frame is ever written
// concurrently.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ringforge/hub/internal/crypto"
	"github.com/ringforge/hub/internal/directory"
	"github.com/ringforge/hub/internal/dm"
	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/metrics"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/protocol"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/router"
)

const (
	pongWait    = 60 * time.Second // missed-heartbeat cutoff
	pingPeriod  = 30 * time.Second
	writeWait   = 10 * time.Second
	maxMsgSize  = 512 * 1024
	sendBuffer  = 256
	sweepPeriod = 15 * time.Second
)

// Gateway owns the upgrader, the session registry, and the stale sweeper.
type Gateway struct {
	dir      directory.Directory
	router   *router.Router
	dms      *dm.Service
	tracker  *presence.Tracker
	bus      *pubsub.Bus
	log      eventlog.Log
	files    kv.Store
	crypto   *crypto.Service
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session // fleet:agent -> session
	draining bool
}

// Config carries the gateway's collaborators.
type Config struct {
	Directory directory.Directory
	Router    *router.Router
	DMs       *dm.Service
	Tracker   *presence.Tracker
	Bus       *pubsub.Bus
	EventLog  eventlog.Log
	Files     kv.Store
	Crypto    *crypto.Service // nil disables sealed payloads
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// AllowedOrigins restricts browser origins when non-empty. Agent SDKs
	// send no Origin header and always pass.
	AllowedOrigins []string
}

// New builds a gateway.
func New(cfg Config) *Gateway {
	g := &Gateway{
		dir:      cfg.Directory,
		router:   cfg.Router,
		dms:      cfg.DMs,
		tracker:  cfg.Tracker,
		bus:      cfg.Bus,
		log:      cfg.EventLog,
		files:    cfg.Files,
		crypto:   cfg.Crypto,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		sessions: make(map[string]*session),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(cfg.AllowedOrigins, cfg.Logger),
	}
	return g
}

func buildCheckOrigin(allowed []string, logger *slog.Logger) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimSpace(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set[origin] {
			return true
		}
		logger.Warn("gateway: rejected origin", "origin", origin)
		return false
	}
}

// HandleWebSocket is the /ws/websocket endpoint. Query params: vsn (protocol
// version, default 2.0.0), api_key (fleet live key), agent (optional JSON
// profile applied on join).
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawKey := r.URL.Query().Get("api_key")
	key, err := g.dir.ValidateKey(ctx, rawKey)
	if err != nil || key.Type != directory.KeyTypeLive {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	vsn := r.URL.Query().Get("vsn")
	if vsn != protocol.V1 {
		vsn = protocol.V2
	}

	var profile agentProfile
	if raw := r.URL.Query().Get("agent"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			http.Error(w, "malformed agent profile", http.StatusBadRequest)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("gateway: upgrade failed", "error", err)
		return
	}

	s := &session{
		gw:      g,
		conn:    conn,
		vsn:     vsn,
		fleetID: key.FleetID,
		profile: profile,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		topics:  make(map[string]*channelState),
	}
	g.logger.Info("gateway: connection opened", "fleet_id", key.FleetID, "vsn", vsn)
	go s.writePump()
	go s.readPump()
}

// register indexes a joined session so drains and stale sweeps can reach it.
// A second connection for the same agent evicts the first.
func (g *Gateway) register(s *session) {
	key := s.fleetID + ":" + s.agentID
	g.mu.Lock()
	prev := g.sessions[key]
	g.sessions[key] = s
	g.mu.Unlock()
	if prev != nil && prev != s {
		prev.close()
	}
	g.metrics.ConnectedAgents.WithLabelValues(s.fleetID).Inc()
}

func (g *Gateway) unregister(s *session) {
	key := s.fleetID + ":" + s.agentID
	g.mu.Lock()
	current, ok := g.sessions[key]
	if ok && current == s {
		delete(g.sessions, key)
	}
	g.mu.Unlock()
	if ok && current == s {
		g.metrics.ConnectedAgents.WithLabelValues(s.fleetID).Dec()
	}
}

// Drain tells every connected agent to reconnect elsewhere after the given
// delay, then stops accepting frames that start new work.
func (g *Gateway) Drain(reconnectAfter time.Duration) {
	g.mu.Lock()
	g.draining = true
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	payload := map[string]interface{}{"reconnect_after_ms": reconnectAfter.Milliseconds()}
	for _, s := range sessions {
		s.pushEvent(s.fleetTopic(), protocol.EventSystemDrain, payload)
	}
	g.logger.Info("gateway: drain broadcast sent", "sessions", len(sessions))
}

// StartStaleSweeper disconnects agents that have missed heartbeats past the
// pong cutoff. Runs until ctx is canceled.
func (g *Gateway) StartStaleSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, rec := range g.tracker.Stale(pongWait) {
					g.mu.RLock()
					s := g.sessions[rec.FleetID+":"+rec.AgentID]
					g.mu.RUnlock()
					if s != nil {
						g.logger.Info("gateway: disconnecting stale agent",
							"fleet_id", rec.FleetID, "agent_id", rec.AgentID)
						s.close()
					} else {
						g.tracker.Leave(rec.FleetID, rec.AgentID)
					}
				}
			}
		}
	}()
}

// ConnectedCount reports joined sessions on this node, for health output.
func (g *Gateway) ConnectedCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}
