package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smart-traffic/trafficsync/internal/auth"
	"github.com/smart-traffic/trafficsync/internal/conn"
	"github.com/smart-traffic/trafficsync/internal/control"
	"github.com/smart-traffic/trafficsync/internal/poller"
	"github.com/smart-traffic/trafficsync/internal/protocol"
	"github.com/smart-traffic/trafficsync/internal/store"
)

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// CommandResponse is returned by the signal command endpoints
type CommandResponse struct {
	CommandIDs []string `json:"command_ids"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = map[string]any{"internal": err.Error()}
	}
	writeJSON(w, status, resp)
}

// statusFor maps command and backend errors to HTTP statuses
func statusFor(err error) int {
	var statusErr *poller.StatusError
	switch {
	case errors.Is(err, control.ErrNotManual):
		return http.StatusConflict
	case errors.Is(err, control.ErrUnknownSignal):
		return http.StatusNotFound
	case errors.Is(err, conn.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.As(err, &statusErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Health())
}

// handleState handles GET /api/state
// An optional fields query parameter (comma separated) limits the response.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state := s.opts.State.Snapshot()
	fields := r.URL.Query().Get("fields")
	if fields == "" {
		writeJSON(w, http.StatusOK, state)
		return
	}

	var mask store.Field
	for _, name := range splitList(fields) {
		f, ok := store.ParseField(name)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown state field", errors.New(name))
			return
		}
		mask |= f
	}
	writeJSON(w, http.StatusOK, store.Update{State: state, Changed: mask}.Delta())
}

// handleCommands handles GET /api/commands
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if s.opts.Commands == nil {
		writeError(w, http.StatusNotFound, "Command journal is disabled", nil)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500", nil)
			return
		}
		limit = n
	}
	cmds, err := s.opts.Commands.RecentCommands(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve commands", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds, "count": len(cmds)})
}

// handleSetSignal handles POST /api/control/signals/{signalID}
func (s *Server) handleSetSignal(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "signalID")
	var req struct {
		State string `json:"state"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	color, ok := protocol.ParseSignalColor(req.State)
	if !ok {
		writeError(w, http.StatusBadRequest, "state must be red, yellow or green", nil)
		return
	}

	commandID, err := s.opts.Control.SetSignal(signalID, color)
	if err != nil {
		s.commandFailed(w, err, commandIDs(commandID))
		return
	}
	writeJSON(w, http.StatusAccepted, CommandResponse{CommandIDs: []string{commandID}})
}

// handlePrioritize handles POST /api/control/signals/{signalID}/prioritize
func (s *Server) handlePrioritize(w http.ResponseWriter, r *http.Request) {
	ids, err := s.opts.Control.Prioritize(chi.URLParam(r, "signalID"))
	if err != nil {
		s.commandFailed(w, err, ids)
		return
	}
	writeJSON(w, http.StatusAccepted, CommandResponse{CommandIDs: ids})
}

// handleReset handles POST /api/control/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ids, err := s.opts.Control.ResetAll()
	if err != nil {
		s.commandFailed(w, err, ids)
		return
	}
	writeJSON(w, http.StatusAccepted, CommandResponse{CommandIDs: ids})
}

// handleManualToggle handles POST /api/control/manual
// It only switches the manual panel. Signal commands are gated on the
// operating mode, which POST /api/mode changes.
func (s *Server) handleManualToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ManualMode *bool `json:"manual_mode"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.ManualMode == nil {
		writeError(w, http.StatusBadRequest, "manual_mode is required", err)
		return
	}
	if err := s.opts.Control.ToggleManualMode(*req.ManualMode); err != nil {
		s.commandFailed(w, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"manual_mode": *req.ManualMode})
}

// handleMode handles POST /api/mode
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req protocol.ModeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	mode, ok := protocol.ParseMode(string(req.Mode))
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be automation or manual", nil)
		return
	}
	applied, err := s.opts.Control.SetOperatingMode(r.Context(), mode)
	if err != nil {
		writeError(w, statusFor(err), "Failed to set mode", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ModeResponse{Success: true, Mode: applied})
}

// handleStartSimulation handles POST /api/simulation/start
func (s *Server) handleStartSimulation(w http.ResponseWriter, r *http.Request) {
	resp, err := s.opts.Control.StartSimulation(r.Context())
	if err != nil {
		writeError(w, statusFor(err), "Failed to start simulation", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLogin handles POST /api/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth == nil {
		writeError(w, http.StatusNotFound, "Authentication is not configured", nil)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required", nil)
		return
	}
	if err := s.opts.Auth.Login(r.Context(), req.Email, req.Password); err != nil {
		writeError(w, statusFor(err), "Login failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

// handleLogout handles POST /api/auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth == nil {
		writeError(w, http.StatusNotFound, "Authentication is not configured", nil)
		return
	}
	if err := s.opts.Auth.Logout(r.Context()); err != nil {
		s.log.Warn("gateway: backend logout failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
}

// handleMe handles GET /api/auth/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth == nil {
		writeError(w, http.StatusNotFound, "Authentication is not configured", nil)
		return
	}
	if !s.opts.Auth.Authenticated(r.Context()) {
		writeError(w, http.StatusUnauthorized, "Not logged in", nil)
		return
	}
	user, err := s.opts.Auth.UserDetails(r.Context())
	if err != nil {
		writeError(w, statusFor(err), "Failed to retrieve user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) commandFailed(w http.ResponseWriter, err error, ids []string) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	resp.Details = map[string]any{}
	if len(ids) > 0 {
		resp.Details["command_ids"] = ids
	}
	if status == http.StatusConflict {
		// the manual panel toggle does not change the operating mode
		resp.Details["hint"] = `signal commands need the backend in manual mode; POST /api/mode {"mode":"manual"}`
	}
	if len(resp.Details) == 0 {
		resp.Details = nil
	}
	if status == http.StatusInternalServerError {
		s.log.Error("gateway: command failed", "error", err)
	}
	writeJSON(w, status, resp)
}

func commandIDs(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}
