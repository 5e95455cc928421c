// Package api is the HTTP control plane: tenant, fleet, squad, key, and rule
// administration, task and escalation management, notification queries, and
// the operational endpoints (/health, /metrics). The channel gateway mounts
// here too so a single listener serves both planes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ringforge/hub/internal/announce"
	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/directory"
	"github.com/ringforge/hub/internal/dm"
	"github.com/ringforge/hub/internal/escalation"
	"github.com/ringforge/hub/internal/notify"
	"github.com/ringforge/hub/internal/rules"
	"github.com/ringforge/hub/internal/task"
	"github.com/ringforge/hub/internal/thread"
)

type contextKey string

const keyContextKey contextKey = "api_key"

// Server wires the control-plane handlers.
type Server struct {
	dir       directory.Directory
	rules     *rules.Engine
	notifier  *notify.Service
	escs      *escalation.Service
	threads   *thread.Service
	announcer *announce.Service
	tasks     task.Store
	dms       *dm.Service
	gatherer  prometheus.Gatherer
	ws        http.HandlerFunc
	health    func() map[string]interface{}
	bootstrap string
	logger    *slog.Logger
}

// Config carries the server's collaborators.
type Config struct {
	Directory    directory.Directory
	Rules        *rules.Engine
	Notifier     *notify.Service
	Escalations  *escalation.Service
	Threads      *thread.Service
	Announcer    *announce.Service
	Tasks        task.Store
	DMs          *dm.Service
	Gatherer     prometheus.Gatherer
	WebSocket    http.HandlerFunc
	Health       func() map[string]interface{}
	BootstrapKey string // SECRET_KEY_BASE; grants root admin for first-fleet setup
	Logger       *slog.Logger
}

// NewServer builds a Server.
func NewServer(cfg Config) *Server {
	return &Server{
		dir:       cfg.Directory,
		rules:     cfg.Rules,
		notifier:  cfg.Notifier,
		escs:      cfg.Escalations,
		threads:   cfg.Threads,
		announcer: cfg.Announcer,
		tasks:     cfg.Tasks,
		dms:       cfg.DMs,
		gatherer:  cfg.Gatherer,
		ws:        cfg.WebSocket,
		health:    cfg.Health,
		bootstrap: cfg.BootstrapKey,
		logger:    cfg.Logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.ws != nil {
		r.HandleFunc("/ws/websocket", s.ws)
	}

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.requireAdmin)

	admin.HandleFunc("/tenants", s.handleCreateTenant).Methods(http.MethodPost)
	admin.HandleFunc("/tenants/{id}", s.handleGetTenant).Methods(http.MethodGet)
	admin.HandleFunc("/tenants/{id}/fleets", s.handleListFleets).Methods(http.MethodGet)
	admin.HandleFunc("/fleets", s.handleCreateFleet).Methods(http.MethodPost)
	admin.HandleFunc("/fleets/{id}", s.handleGetFleet).Methods(http.MethodGet)
	admin.HandleFunc("/squads", s.handleCreateSquad).Methods(http.MethodPost)

	admin.HandleFunc("/fleets/{id}/keys", s.handleCreateKey).Methods(http.MethodPost)
	admin.HandleFunc("/keys/{id}", s.handleRevokeKey).Methods(http.MethodDelete)

	admin.HandleFunc("/fleets/{id}/agents", s.handleListAgents).Methods(http.MethodGet)

	admin.HandleFunc("/fleets/{id}/rules", s.handleListRules).Methods(http.MethodGet)
	admin.HandleFunc("/fleets/{id}/rules", s.handleAddRule).Methods(http.MethodPost)
	admin.HandleFunc("/fleets/{id}/rules/{rule_id}", s.handleRemoveRule).Methods(http.MethodDelete)

	admin.HandleFunc("/fleets/{id}/escalations", s.handleListEscalations).Methods(http.MethodGet)
	admin.HandleFunc("/fleets/{id}/escalations/{eid}/handle", s.handleEscalationHandle).Methods(http.MethodPost)
	admin.HandleFunc("/fleets/{id}/escalations/{eid}/reject", s.handleEscalationReject).Methods(http.MethodPost)
	admin.HandleFunc("/fleets/{id}/escalations/{eid}/forward", s.handleEscalationForward).Methods(http.MethodPost)

	admin.HandleFunc("/fleets/{id}/tasks", s.handleCreateTask).Methods(http.MethodPost)
	admin.HandleFunc("/fleets/{id}/tasks/pending", s.handlePendingTasks).Methods(http.MethodGet)
	admin.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	admin.HandleFunc("/tasks/{id}/assign", s.handleTaskAssign).Methods(http.MethodPost)
	admin.HandleFunc("/tasks/{id}/start", s.handleTaskStart).Methods(http.MethodPost)
	admin.HandleFunc("/tasks/{id}/complete", s.handleTaskComplete).Methods(http.MethodPost)
	admin.HandleFunc("/tasks/{id}/fail", s.handleTaskFail).Methods(http.MethodPost)
	admin.HandleFunc("/stats/tasks-today", s.handleTasksToday).Methods(http.MethodGet)

	admin.HandleFunc("/fleets/{id}/announcements", s.handleAnnounce).Methods(http.MethodPost)

	admin.HandleFunc("/fleets/{id}/threads", s.handleCreateThread).Methods(http.MethodPost)
	admin.HandleFunc("/threads/{tid}/messages", s.handleThreadMessages).Methods(http.MethodGet)
	admin.HandleFunc("/fleets/{id}/threads/{tid}/close", s.handleCloseThread).Methods(http.MethodPost)

	admin.HandleFunc("/fleets/{id}/history/dm", s.handleDMHistory).Methods(http.MethodGet)

	agents := r.PathPrefix("/api/agents").Subrouter()
	agents.Use(s.requireKey)
	agents.HandleFunc("/{id}/notifications", s.handleListNotifications).Methods(http.MethodGet)
	agents.HandleFunc("/{id}/notifications/read", s.handleMarkRead).Methods(http.MethodPost)

	return r
}

// requireAdmin admits admin keys and the bootstrap secret. The bootstrap
// secret is the only way to create the first tenant and mint its keys.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if s.bootstrap != "" && token == s.bootstrap {
			next.ServeHTTP(w, r.WithContext(withKey(r.Context(), nil)))
			return
		}
		key, err := s.dir.ValidateKey(r.Context(), token)
		if err != nil || key.Type != directory.KeyTypeAdmin {
			writeError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r.WithContext(withKey(r.Context(), key)))
	})
}

// requireKey admits any valid fleet key; the key's fleet scopes the request.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		key, err := s.dir.ValidateKey(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(withKey(r.Context(), key)))
	})
}

// authorizeFleet rejects fleet-scoped requests made with another fleet's
// admin key. Bootstrap (nil key) passes.
func authorizeFleet(r *http.Request, fleetID string) bool {
	key := keyFrom(r.Context())
	return key == nil || key.FleetID == fleetID
}

func withKey(ctx context.Context, key *directory.APIKey) context.Context {
	return context.WithValue(ctx, keyContextKey, key)
}

func keyFrom(ctx context.Context) *directory.APIKey {
	key, _ := ctx.Value(keyContextKey).(*directory.APIKey)
	return key
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// writeOutcome maps a routing failure onto an HTTP status.
func writeOutcome(w http.ResponseWriter, err error) {
	var out *core.Outcome
	if !errors.As(err, &out) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusUnprocessableEntity
	switch out.Kind {
	case core.KindAgentNotFound, core.KindFleetNotFound:
		status = http.StatusNotFound
	case core.KindDenied, core.KindNotAuthorized, core.KindNotInThisFleet:
		status = http.StatusForbidden
	case core.KindLimited:
		status = http.StatusTooManyRequests
	case core.KindStoreFailed:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, out.Response())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}
