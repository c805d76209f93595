package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alttpr-multiworld/server/internal/auth"
	"github.com/alttpr-multiworld/server/internal/event"
	"github.com/alttpr-multiworld/server/internal/fanout"
	"github.com/alttpr-multiworld/server/internal/gamedata"
	"github.com/alttpr-multiworld/server/internal/router"
	"github.com/alttpr-multiworld/server/internal/session/connection"
	"github.com/alttpr-multiworld/server/internal/user"
	"github.com/alttpr-multiworld/server/pkg/config"
	"github.com/alttpr-multiworld/server/pkg/database"
	"github.com/alttpr-multiworld/server/pkg/metrics"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler wires the Session Runtime's dependencies: the session metadata
// store, the Event Store, the Fan-out Bus, the Auth Adapter, the Item
// Router, and the per-game static data tables.
type Handler struct {
	db         *database.Connection
	sessions   Store
	events     event.Store
	bus        *fanout.Bus
	authSvc    *auth.Service
	itemRouter *router.Router
	tables     map[string]*gamedata.Tables
	logger     *slog.Logger
	metrics    *metrics.MultiworldMetrics
	cfg        *config.SessionManagementConfig
	connMgr    *connection.Manager

	liveMu sync.Mutex
	live   map[int]map[int]*connState // sessionID -> playerID -> live connection
}

// NewHandler creates a Session Runtime handler.
func NewHandler(db *database.Connection, sessions Store, events event.Store, bus *fanout.Bus, authSvc *auth.Service, itemRouter *router.Router, tables map[string]*gamedata.Tables, cfg *config.SessionManagementConfig, connMgr *connection.Manager, logger *slog.Logger, m *metrics.MultiworldMetrics) *Handler {
	return &Handler{
		db: db, sessions: sessions, events: events, bus: bus,
		authSvc: authSvc, itemRouter: itemRouter, tables: tables,
		cfg: cfg, connMgr: connMgr, logger: logger, metrics: m,
		live: make(map[int]map[int]*connState),
	}
}

// IsPlayerLive reports whether a player slot has an open WebSocket
// connection right now, used by GET /session/{id}/players.
func (h *Handler) IsPlayerLive(sessionID, playerID int) bool {
	h.liveMu.Lock()
	defer h.liveMu.Unlock()
	_, ok := h.live[sessionID][playerID]
	return ok
}

// ForfeitSkip marks the live connection for (sessionID, playerID), if any,
// to drop the next n update_memory updates (SPEC_FULL §4.5's player_forfeit
// semantics), used by POST /session/{id}/player_forfeit.
func (h *Handler) ForfeitSkip(sessionID, playerID, n int) {
	h.liveMu.Lock()
	cs := h.live[sessionID][playerID]
	h.liveMu.Unlock()
	if cs != nil {
		cs.skipUpdate.Store(int32(n))
	}
}

func (h *Handler) registerLive(cs *connState) {
	h.liveMu.Lock()
	defer h.liveMu.Unlock()
	if h.live[cs.sessionID] == nil {
		h.live[cs.sessionID] = make(map[int]*connState)
	}
	h.live[cs.sessionID][cs.playerID] = cs
}

func (h *Handler) unregisterLive(cs *connState) {
	h.liveMu.Lock()
	defer h.liveMu.Unlock()
	if byPlayer, ok := h.live[cs.sessionID]; ok {
		if byPlayer[cs.playerID] == cs {
			delete(byPlayer, cs.playerID)
		}
		if len(byPlayer) == 0 {
			delete(h.live, cs.sessionID)
		}
	}
}

// ServeHTTP handles GET /ws/{sessionId}, running the full handshake state
// machine (INIT -> AWAIT_PASSWORD? -> AWAIT_IDENTIFY -> AUTHZ -> JOINED)
// before entering the cooperative loop (SPEC_FULL §4.5).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, sessionID int) {
	ctx := r.Context()

	// INIT
	info, err := h.sessions.Lookup(ctx, sessionID)
	if err != nil {
		h.logger.Error("session: lookup failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	remote := remoteConnFromRequest(r)
	connID := h.connMgr.RegisterConnection(remote)
	if connID == "" {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer h.connMgr.UnregisterConnection(connID, remote.RemoteAddr())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("session: upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	if info == nil {
		closeWithReason(conn, CloseUnknownSession, "Session not found")
		return
	}

	cs := newConnState(conn, sessionID)

	// AWAIT_PASSWORD
	if info.HasPassword {
		if !h.awaitPassword(ctx, cs, info) {
			return
		}
	}

	// AWAIT_IDENTIFY
	identify, ok := h.awaitIdentify(cs, info)
	if !ok {
		return
	}

	// AUTHZ
	u, ok := h.authorize(ctx, cs, info, identify)
	if !ok {
		return
	}
	if u != nil {
		cs.userID = u.ID
	}

	// JOINED
	if !h.join(ctx, cs, info) {
		return
	}

	h.runLoop(ctx, cs, info)
}

func (h *Handler) awaitPassword(ctx context.Context, cs *connState, info *Info) bool {
	send(cs.conn, "password_required", nil)

	_, data, err := cs.conn.ReadMessage()
	if err != nil {
		return false
	}

	var msg InboundMessage
	var attempt string
	if json.Unmarshal(data, &msg) == nil && msg.Type == "password" {
		json.Unmarshal(msg.Data, &attempt)
	} else {
		attempt = string(data)
	}

	if !checkPassword(attempt, info.PasswordHash) {
		h.events.Append(ctx, &event.Event{SessionID: info.ID, EventType: event.TypeFailedJoin, FromPlayer: 0, ToPlayer: event.AnyPlayer})
		closeWithReason(cs.conn, CloseAuthzFailed, "invalid password")
		return false
	}
	return true
}

type identifyResult struct {
	isPlayer     bool
	playerInfo   PlayerInfo
	userInfo     UserInfo
	nonPlayer    bool // rom_name not recognized: downgraded to spectator
}

func (h *Handler) awaitIdentify(cs *connState, info *Info) (*identifyResult, bool) {
	send(cs.conn, "connection_accepted", nil)
	send(cs.conn, "player_info_request", nil)

	timeout := h.cfg.IdentifyTimeoutDuration()
	cs.conn.SetReadDeadline(time.Now().Add(timeout))
	defer cs.conn.SetReadDeadline(time.Time{})

	_, data, err := cs.conn.ReadMessage()
	if err != nil {
		closeWithReason(cs.conn, CloseAuthzFailed, "identify timeout")
		return nil, false
	}

	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		closeWithReason(cs.conn, CloseAuthzFailed, "malformed identify message")
		return nil, false
	}

	result := &identifyResult{}
	switch msg.Type {
	case "player_info":
		var pi PlayerInfo
		if err := json.Unmarshal(msg.Data, &pi); err != nil {
			closeWithReason(cs.conn, CloseAuthzFailed, "malformed player_info")
			return nil, false
		}
		result.isPlayer = true
		result.playerInfo = pi
		if len(info.RomNames) > 0 && !info.RomNames[pi.RomName] {
			result.nonPlayer = true
			send(cs.conn, "non_player_detected", nil)
		}
	case "user_info":
		var ui UserInfo
		if err := json.Unmarshal(msg.Data, &ui); err != nil {
			closeWithReason(cs.conn, CloseAuthzFailed, "malformed user_info")
			return nil, false
		}
		result.userInfo = ui
	default:
		closeWithReason(cs.conn, CloseAuthzFailed, "expected player_info or user_info")
		return nil, false
	}

	return result, true
}

func (h *Handler) authorize(ctx context.Context, cs *connState, info *Info, identify *identifyResult) (*user.User, bool) {
	var userID int
	var sessionToken, apiKey string

	if identify.isPlayer {
		userID, sessionToken, apiKey = identify.playerInfo.UserID, identify.playerInfo.SessionToken, identify.playerInfo.APIKey
	} else {
		userID, sessionToken = identify.userInfo.UserID, identify.userInfo.SessionToken
	}

	u, err := h.resolveCaller(ctx, userID, sessionToken, apiKey)
	if err != nil {
		h.logger.Debug("session: could not resolve caller identity", "session_id", info.ID, "error", err)
	}

	externalID := 0
	isSuperuser := false
	if u != nil {
		externalID = u.ID
		isSuperuser = u.IsSuperuser
	}

	owner := false
	if u != nil {
		owner, _ = h.authSvc.IsSessionOwner(ctx, info.ID, u.ID)
	}

	allowed := len(info.AllowList) == 0 || isSuperuser || owner || info.AllowList[externalID]
	if !allowed {
		closeWithReason(cs.conn, CloseAuthzFailed, "not authorized for this session")
		return nil, false
	}

	if identify.isPlayer && !identify.nonPlayer && u != nil {
		if err := h.linkPlayerSlot(ctx, info.ID, identify.playerInfo.PlayerID, u.ID); err != nil {
			closeWithReason(cs.conn, CloseConflict, err.Error())
			return nil, false
		}
	}

	cs.playerID = identify.playerInfo.PlayerID
	cs.role = RoleSpectator
	if identify.isPlayer && !identify.nonPlayer {
		cs.role = RolePlayer
	}

	return u, true
}

// linkPlayerSlot creates the user_sessions link for a player slot if absent,
// or rejects with a conflict if it already points to a different user.
func (h *Handler) linkPlayerSlot(ctx context.Context, sessionID, playerID, userID int) error {
	var existingUserID int
	err := h.db.QueryRowContext(ctx, `SELECT user_id FROM user_sessions WHERE session_id = ? AND player_id = ?`, sessionID, playerID).Scan(&existingUserID)
	if err == nil {
		if existingUserID != userID {
			return fmt.Errorf("player slot already linked to a different user")
		}
		return nil
	}

	_, err = h.db.ExecContext(ctx, `INSERT INTO user_sessions (session_id, user_id, player_id, player_name) VALUES (?, ?, ?, ?)`,
		sessionID, userID, playerID, fmt.Sprintf("player-%d", playerID))
	if err != nil {
		return fmt.Errorf("session: link player slot: %w", err)
	}
	return nil
}

func (h *Handler) join(ctx context.Context, cs *connState, info *Info) bool {
	if cs.role == RolePlayer {
		connEvents, err := h.events.ConnectionEvents(ctx, info.ID, cs.playerID)
		if err == nil && len(connEvents) > 0 && connEvents[0].EventType == event.TypePlayerJoin {
			closeWithReason(cs.conn, CloseConflict, "Player already joined")
			return false
		}

		if _, err := h.events.Append(ctx, &event.Event{SessionID: info.ID, EventType: event.TypePlayerJoin, FromPlayer: cs.playerID, ToPlayer: event.AnyPlayer}); err != nil {
			h.logger.Error("session: append player_join failed", "session_id", info.ID, "error", err)
		}
		if h.metrics != nil {
			h.metrics.ConnectionsTotal.WithLabelValues("player").Inc()
		}
	} else {
		if _, err := h.events.Append(ctx, &event.Event{SessionID: info.ID, EventType: event.TypeUserJoinChat, FromPlayer: cs.playerID, ToPlayer: event.AnyPlayer}); err != nil {
			h.logger.Error("session: append user_join_chat failed", "session_id", info.ID, "error", err)
		}
		if h.metrics != nil {
			h.metrics.ConnectionsTotal.WithLabelValues("spectator").Inc()
		}
	}

	send(cs.conn, "init_success", nil)
	send(cs.conn, "flags", info.Flags)

	cs.sub = h.bus.Subscribe(info.ID)
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
	}
	if cs.role == RolePlayer {
		h.registerLive(cs)
	}

	// Replay this player's own prior events to reconstruct checkedLocations
	// (SPEC_FULL §4.5's implicit connection-start cache rebuild).
	if cs.role == RolePlayer {
		prior, err := h.events.EventsFromPlayer(ctx, info.ID, cs.playerID)
		if err == nil {
			cs.mu.Lock()
			for _, e := range prior {
				if e.EventType == event.TypeNewItem && e.LocationID != nil {
					ft := e.FrameTime
					name := fmt.Sprintf("location-%d", *e.LocationID)
					cs.checkedLocations[name] = ft
				}
			}
			cs.mu.Unlock()
		}
	}

	return true
}

func (h *Handler) resolveCaller(ctx context.Context, userID int, sessionToken, apiKey string) (*user.User, error) {
	if apiKey != "" {
		return h.authSvc.ResolveBearer(ctx, apiKey)
	}
	if userID != 0 && sessionToken != "" {
		return h.authSvc.ResolveSessionToken(ctx, userID, sessionToken, 30)
	}
	return nil, nil
}

func send(conn *websocket.Conn, msgType string, data interface{}) {
	_ = conn.WriteJSON(OutboundMessage{Type: msgType, Data: data})
}

func closeWithReason(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

// checkPassword compares a client-presented password against the session's
// stored hash (HashSessionPassword), constant-time to avoid a timing leak.
func checkPassword(attempt, hash string) bool {
	attemptHash := HashSessionPassword(attempt)
	return subtle.ConstantTimeCompare([]byte(attemptHash), []byte(hash)) == 1
}

// HashSessionPassword hashes a session password for storage, grounded on
// the Auth Adapter's hashAPIKey sha256-hex idiom (internal/auth/service.go)
// since session passwords, unlike user account passwords, need no per-user
// salt: they are compared against a single shared mwsessions.password_hash.
func HashSessionPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func remoteConnFromRequest(r *http.Request) net.Conn {
	return &remoteAddrConn{addr: stringAddr(r.RemoteAddr)}
}

// remoteAddrConn is a net.Conn stub carrying only the remote address, so
// connection.Manager.RegisterConnection can rate-limit a WebSocket upgrade
// the same way it rate-limits any other inbound connection.
type remoteAddrConn struct{ addr stringAddr }

func (c *remoteAddrConn) Read(b []byte) (int, error)         { return 0, io.EOF }
func (c *remoteAddrConn) Write(b []byte) (int, error)        { return 0, io.EOF }
func (c *remoteAddrConn) Close() error                       { return nil }
func (c *remoteAddrConn) LocalAddr() net.Addr                { return stringAddr("") }
func (c *remoteAddrConn) RemoteAddr() net.Addr               { return c.addr }
func (c *remoteAddrConn) SetDeadline(t time.Time) error      { return nil }
func (c *remoteAddrConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *remoteAddrConn) SetWriteDeadline(t time.Time) error { return nil }

type stringAddr string

func (a stringAddr) Network() string { return "tcp" }
func (a stringAddr) String() string  { return string(a) }
