package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ringforge/hub/internal/directory"
	"github.com/ringforge/hub/internal/rules"
)

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Plan string `json:"plan"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	t := &directory.Tenant{ID: req.ID, Name: req.Name, Plan: req.Plan}
	if err := s.dir.CreateTenant(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := s.dir.GetTenant(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, directory.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateFleet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		TenantID string `json:"tenant_id"`
		Name     string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "id and tenant_id are required")
		return
	}
	if _, err := s.dir.GetTenant(r.Context(), req.TenantID); err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	f := &directory.Fleet{ID: req.ID, TenantID: req.TenantID, Name: req.Name}
	if err := s.dir.CreateFleet(r.Context(), f); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleGetFleet(w http.ResponseWriter, r *http.Request) {
	fleetID := mux.Vars(r)["id"]
	if !authorizeFleet(r, fleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	f, err := s.dir.GetFleet(r.Context(), fleetID)
	if errors.Is(err, directory.ErrNotFound) {
		writeError(w, http.StatusNotFound, "fleet not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleListFleets(w http.ResponseWriter, r *http.Request) {
	fleets, err := s.dir.ListFleets(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fleets": fleets})
}

func (s *Server) handleCreateSquad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		FleetID string `json:"fleet_id"`
		Name    string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.FleetID == "" {
		writeError(w, http.StatusBadRequest, "id and fleet_id are required")
		return
	}
	if !authorizeFleet(r, req.FleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	sq := &directory.Squad{ID: req.ID, FleetID: req.FleetID, Name: req.Name}
	if err := s.dir.CreateSquad(r.Context(), sq); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sq)
}

// handleCreateKey mints a fleet key. The raw key appears in this response and
// nowhere else.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	fleetID := mux.Vars(r)["id"]
	if !authorizeFleet(r, fleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	var req struct {
		Type string `json:"type"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type != directory.KeyTypeAdmin && req.Type != directory.KeyTypeLive {
		writeError(w, http.StatusBadRequest, "type must be admin or live")
		return
	}
	if _, err := s.dir.GetFleet(r.Context(), fleetID); err != nil {
		writeError(w, http.StatusNotFound, "fleet not found")
		return
	}
	key, raw, err := s.dir.CreateAPIKey(r.Context(), fleetID, req.Type)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       key.ID,
		"fleet_id": key.FleetID,
		"type":     key.Type,
		"key":      raw,
	})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	err := s.dir.RevokeKey(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, directory.ErrNotFound) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	fleetID := mux.Vars(r)["id"]
	if !authorizeFleet(r, fleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	agents, err := s.dir.ListAgents(r.Context(), fleetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	fleetID := mux.Vars(r)["id"]
	if !authorizeFleet(r, fleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	list, err := s.rules.List(r.Context(), fleetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": list})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	fleetID := mux.Vars(r)["id"]
	if !authorizeFleet(r, fleetID) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	var rule rules.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	if rule.Type == "" || rule.Action == "" {
		writeError(w, http.StatusBadRequest, "type and action are required")
		return
	}
	added, err := s.rules.Add(r.Context(), fleetID, rule)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !authorizeFleet(r, vars["id"]) {
		writeError(w, http.StatusForbidden, "key is scoped to another fleet")
		return
	}
	if err := s.rules.Remove(r.Context(), vars["id"], vars["rule_id"]); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
