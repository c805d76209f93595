// Package httpapi implements the HTTP Surface consumed by the Session
// Runtime's clients: event history, player management, administrative item
// grants, session logging, and browser login exchange (SPEC_FULL §6). The
// health route and the metrics endpoint are not served from this package.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alttpr-multiworld/server/internal/auth"
	"github.com/alttpr-multiworld/server/internal/event"
	"github.com/alttpr-multiworld/server/internal/fanout"
	"github.com/alttpr-multiworld/server/internal/router"
	"github.com/alttpr-multiworld/server/internal/session"
	"github.com/alttpr-multiworld/server/pkg/config"
	"github.com/alttpr-multiworld/server/pkg/database"
)

// Handler serves the HTTP Surface endpoints under /session/{id}/... and
// /login.
type Handler struct {
	db         *database.Connection
	events     event.Store
	sessions   session.Store
	bus        *fanout.Bus
	authSvc    *auth.Service
	itemRouter *router.Router
	sessionRun *session.Handler
	cfg        *config.SessionManagementConfig
	logger     *slog.Logger
}

// NewHandler creates an HTTP Surface handler.
func NewHandler(db *database.Connection, events event.Store, sessions session.Store, bus *fanout.Bus, authSvc *auth.Service, itemRouter *router.Router, sessionRun *session.Handler, cfg *config.SessionManagementConfig, logger *slog.Logger) *Handler {
	return &Handler{
		db: db, events: events, sessions: sessions, bus: bus, authSvc: authSvc,
		itemRouter: itemRouter, sessionRun: sessionRun, cfg: cfg, logger: logger,
	}
}

// Register wires every HTTP Surface route onto mux, following the teacher's
// convention of one ServeMux per process rather than a third-party router
// (nothing in the example pack's dependency set supplies one; see DESIGN.md).
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", h.handleLogin)
	mux.HandleFunc("GET /session/{id}/events", h.requireAuth(h.handleEvents))
	mux.HandleFunc("GET /session/{id}/players", h.requireAuth(h.handlePlayers))
	mux.HandleFunc("POST /session/{id}/player_forfeit", h.requireAuth(h.handlePlayerForfeit))
	mux.HandleFunc("POST /session/{id}/adminSend", h.requireOwner(h.handleAdminSend))
	mux.HandleFunc("POST /session/{id}/log", h.requireAuth(h.handleLog))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func sessionIDFromPath(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	return id, err == nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// authedUserID resolves the caller via the JWT issued by POST /login, or via
// a raw API key bearer token, per the Auth Adapter's bearer-or-pair rule.
func (h *Handler) authedUserID(r *http.Request) (int, bool) {
	token := bearerToken(r)
	if token == "" {
		return 0, false
	}
	if claims, err := h.authSvc.ValidateAccessToken(token); err == nil {
		return claims.UserID, true
	}
	if u, err := h.authSvc.ResolveBearer(r.Context(), token); err == nil {
		return u.ID, true
	}
	return 0, false
}

func (h *Handler) requireAuth(next func(http.ResponseWriter, *http.Request, int)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.authedUserID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
			return
		}
		next(w, r, userID)
	}
}

func (h *Handler) requireOwner(next func(http.ResponseWriter, *http.Request, int)) http.HandlerFunc {
	return h.requireAuth(func(w http.ResponseWriter, r *http.Request, userID int) {
		sessionID, ok := sessionIDFromPath(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		isOwner, err := h.authSvc.IsSessionOwner(r.Context(), sessionID, userID)
		if err != nil || !isOwner {
			writeError(w, http.StatusForbidden, "not a session owner")
			return
		}
		next(w, r, userID)
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	token, u, err := h.authSvc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"user_id":      u.ID,
		"username":     u.Username,
	})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, userID int) {
	sessionID, ok := sessionIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	events, err := h.events.EventsForSession(r.Context(), sessionID, skip, limit)
	if err != nil {
		h.logger.Error("httpapi: events query failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	writeJSON(w, http.StatusOK, events)
}

type playerStatus struct {
	PlayerID  int    `json:"player_id"`
	Connected bool   `json:"connected"`
	LastEvent string `json:"last_event,omitempty"`
}

func (h *Handler) handlePlayers(w http.ResponseWriter, r *http.Request, userID int) {
	sessionID, ok := sessionIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	info, err := h.sessions.Lookup(r.Context(), sessionID)
	if err != nil || info == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	rows, err := h.db.QueryContext(r.Context(), `SELECT player_id FROM user_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load player roster")
		return
	}
	defer rows.Close()

	result := make([]*playerStatus, 0)
	for rows.Next() {
		var playerID int
		if err := rows.Scan(&playerID); err != nil {
			continue
		}

		status := &playerStatus{PlayerID: playerID, Connected: h.sessionRun.IsPlayerLive(sessionID, playerID)}
		connEvents, err := h.events.ConnectionEvents(r.Context(), sessionID, playerID)
		if err == nil && len(connEvents) > 0 {
			status.LastEvent = string(connEvents[0].EventType)
		}
		result = append(result, status)
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handlePlayerForfeit(w http.ResponseWriter, r *http.Request, userID int) {
	sessionID, ok := sessionIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var req struct {
		PlayerID int `json:"player_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	const forfeitSkipUpdates = 3
	skipUpdates := forfeitSkipUpdates
	if h.cfg != nil && h.cfg.ForfeitSkipUpdates > 0 {
		skipUpdates = h.cfg.ForfeitSkipUpdates
	}

	if _, err := h.events.Append(r.Context(), &event.Event{
		SessionID: sessionID, EventType: event.TypePlayerForfeit, FromPlayer: req.PlayerID, ToPlayer: event.AnyPlayer,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record forfeit")
		return
	}

	h.sessionRun.ForfeitSkip(sessionID, req.PlayerID, skipUpdates)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleAdminSend(w http.ResponseWriter, r *http.Request, userID int) {
	sessionID, ok := sessionIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var req struct {
		Recipient  int `json:"recipient"`
		ItemID     int `json:"item_id"`
		LocationID int `json:"location_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	e, err := h.itemRouter.AdminSend(r.Context(), sessionID, req.Recipient, req.ItemID, req.LocationID)
	if err != nil {
		h.logger.Error("httpapi: adminSend failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send item")
		return
	}

	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleLog(w http.ResponseWriter, r *http.Request, userID int) {
	sessionID, ok := sessionIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var req struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.Level == "" {
		req.Level = "info"
	}

	if _, err := h.db.ExecContext(r.Context(), `INSERT INTO logs (session_id, level, message) VALUES (?, ?, ?)`, sessionID, req.Level, req.Message); err != nil {
		h.logger.Error("httpapi: persisting session log failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record log")
		return
	}

	h.logger.Info("session log", "session_id", sessionID, "level", req.Level, "message", req.Message)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
