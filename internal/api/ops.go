package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/task"
	"github.com/ringforge/hub/internal/thread"
)

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	fleetID := mux.Vars(r)["id"]
	if !authorizeFleet(r, fleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	ids, err := s.escs.Index(r.Context(), fleetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	escalations := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		esc, err := s.escs.Get(r.Context(), fleetID, id)
		if err != nil {
			continue
		}
		escalations = append(escalations, esc)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escalations": escalations})
}

func (s *Server) handleEscalationHandle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !authorizeFleet(r, vars["id"]) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	var req struct {
		By       string       `json:"by"`
		Response core.Payload `json:"response"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	esc, err := s.escs.Handle(r.Context(), vars["id"], vars["eid"], req.By, req.Response)
	if err != nil {
		writeEscalationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleEscalationReject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !authorizeFleet(r, vars["id"]) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	var req struct {
		By     string `json:"by"`
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	esc, err := s.escs.Reject(r.Context(), vars["id"], vars["eid"], req.By, req.Reason)
	if err != nil {
		writeEscalationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleEscalationForward(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !authorizeFleet(r, vars["id"]) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	var req struct {
		By string `json:"by"`
		To string `json:"to"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	esc, err := s.escs.Forward(r.Context(), vars["id"], vars["eid"], req.By, req.To)
	if err != nil {
		writeEscalationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func writeEscalationError(w http.ResponseWriter, err error) {
	if errors.Is(err, kv.ErrNotFound) {
		writeError(w, http.StatusNotFound, "escalation not found")
		return
	}
	writeOutcome(w, err)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	fleetID := mux.Vars(r)["id"]
	if !authorizeFleet(r, fleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	var req struct {
		RequesterID          string       `json:"requester_id"`
		Type                 string       `json:"type"`
		Prompt               string       `json:"prompt"`
		CapabilitiesRequired []string     `json:"capabilities_required"`
		Payload              core.Payload `json:"payload"`
		Priority             string       `json:"priority"`
		TTLMs                int64        `json:"ttl_ms"`
		CorrelationID        string       `json:"correlation_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	t := &task.Task{
		FleetID:              fleetID,
		RequesterID:          req.RequesterID,
		Type:                 req.Type,
		Prompt:               req.Prompt,
		CapabilitiesRequired: req.CapabilitiesRequired,
		Payload:              req.Payload,
		Priority:             core.ParsePriority(req.Priority),
		TTLMillis:            req.TTLMs,
		CorrelationID:        req.CorrelationID,
	}
	if err := s.tasks.Create(r.Context(), t); err != nil {
		writeOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePendingTasks(w http.ResponseWriter, r *http.Request) {
	fleetID := mux.Vars(r)["id"]
	if !authorizeFleet(r, fleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	pending, err := s.tasks.PendingForFleet(r.Context(), fleetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": pending})
}

func (s *Server) handleTaskAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	t, err := s.tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if len(t.CapabilitiesRequired) > 0 {
		agent, err := s.dir.GetAgent(r.Context(), t.FleetID, req.AgentID)
		if err != nil {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		if missing := missingCapabilities(t.CapabilitiesRequired, agent.Capabilities()); len(missing) > 0 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":   "missing_capabilities",
				"missing": missing,
			})
			return
		}
	}
	t, err = s.tasks.Assign(r.Context(), t.TaskID, req.AgentID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// missingCapabilities returns the required slugs the agent does not declare.
func missingCapabilities(required, held []string) []string {
	have := make(map[string]bool, len(held))
	for _, c := range held {
		have[c] = true
	}
	var missing []string
	for _, c := range required {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Start(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Result core.Payload `json:"result"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.tasks.Complete(r.Context(), mux.Vars(r)["id"], req.Result)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.tasks.Fail(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeOutcome(w, err)
}

func (s *Server) handleTasksToday(w http.ResponseWriter, r *http.Request) {
	count, err := s.tasks.TasksToday(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"tasks_today": count})
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	fleetID := mux.Vars(r)["id"]
	if !authorizeFleet(r, fleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	var req struct {
		From     string       `json:"from"`
		Scope    string       `json:"scope"`
		Body     string       `json:"body"`
		Priority string       `json:"priority"`
		Metadata core.Payload `json:"metadata"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sender, err := s.dir.GetAgent(r.Context(), fleetID, req.From)
	if err != nil {
		writeError(w, http.StatusNotFound, "sender not found")
		return
	}
	ann, err := s.announcer.Announce(r.Context(), fleetID, sender, req.Scope, req.Body,
		core.ParsePriority(req.Priority), req.Metadata)
	if err != nil {
		writeOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ann)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	fleetID := mux.Vars(r)["id"]
	if !authorizeFleet(r, fleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	var req struct {
		CreatedBy    string   `json:"created_by"`
		Scope        string   `json:"scope"`
		Subject      string   `json:"subject"`
		TaskID       string   `json:"task_id"`
		Participants []string `json:"participants"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CreatedBy == "" {
		writeError(w, http.StatusBadRequest, "created_by is required")
		return
	}
	if req.Scope != "" && !thread.ValidScope(req.Scope) {
		writeError(w, http.StatusBadRequest, "unknown scope")
		return
	}
	fleet, err := s.dir.GetFleet(r.Context(), fleetID)
	if err != nil {
		writeError(w, http.StatusNotFound, "fleet not found")
		return
	}
	th, err := s.threads.Create(r.Context(), fleetID, req.CreatedBy, thread.CreateAttrs{
		TenantID:       fleet.TenantID,
		Scope:          req.Scope,
		Subject:        req.Subject,
		TaskID:         req.TaskID,
		ParticipantIDs: req.Participants,
	})
	if err != nil {
		writeOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, th)
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	before := r.URL.Query().Get("before")
	messages, err := s.threads.Messages(r.Context(), mux.Vars(r)["tid"], limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (s *Server) handleCloseThread(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !authorizeFleet(r, vars["id"]) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	var req struct {
		By     string `json:"by"`
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.threads.Close(r.Context(), vars["id"], vars["tid"], req.By, req.Reason); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		writeOutcome(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleDMHistory(w http.ResponseWriter, r *http.Request) {
	fleetID := mux.Vars(r)["id"]
	if !authorizeFleet(r, fleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	q := r.URL.Query()
	a, b := q.Get("a"), q.Get("b")
	if a == "" || b == "" {
		writeError(w, http.StatusBadRequest, "a and b are required")
		return
	}
	events, err := s.dms.History(r.Context(), fleetID, a, b, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handleListNotifications serves an agent's inbox. The key's fleet scopes
// the lookup; unread=true filters to unread only.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r.Context())
	if key == nil {
		writeError(w, http.StatusForbidden, "a fleet key is required")
		return
	}
	agentID := mux.Vars(r)["id"]
	list, err := s.notifier.List(r.Context(), key.FleetID, agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unread, err := s.notifier.UnreadCount(r.Context(), key.FleetID, agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": list,
		"unread":        unread,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r.Context())
	if key == nil {
		writeError(w, http.StatusForbidden, "a fleet key is required")
		return
	}
	agentID := mux.Vars(r)["id"]
	var req struct {
		NotificationID string `json:"notification_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	var err error
	if req.NotificationID == "" {
		err = s.notifier.MarkAllRead(r.Context(), key.FleetID, agentID)
	} else {
		err = s.notifier.MarkRead(r.Context(), key.FleetID, agentID, req.NotificationID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
