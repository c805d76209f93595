// Package session implements the Session Runtime (SPEC_FULL §4.5): the
// per-connection WebSocket state machine and cooperative loop, grounded on
// the teacher's "model each connection as a small state object with
// explicit fields" design note and mirroring the registration/rate-limiting
// idiom of internal/session/connection.Manager (adapted: that Manager is
// stateless about per-connection game state; connState restores it because
// the spec requires it).
package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alttpr-multiworld/server/internal/event"
	"github.com/alttpr-multiworld/server/internal/fanout"
	"github.com/alttpr-multiworld/server/internal/sram"
	"github.com/gorilla/websocket"
)

// Role distinguishes a genuine player slot from a spectator connection.
type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

// WebSocket close codes (SPEC_FULL §6).
const (
	CloseKicked          = 4400
	CloseMissingIdentity = 4401
	CloseAuthzFailed     = 4403
	CloseUnknownSession  = 4404
	CloseConflict        = 4409
)

// InboundMessage is the generic `{type, data}` envelope for every frame
// received from the client.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// OutboundMessage is the generic `{type, data}` envelope sent to the
// client.
type OutboundMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// PlayerInfo is the AWAIT_IDENTIFY payload for type=player_info.
type PlayerInfo struct {
	PlayerID     int    `json:"player_id"`
	RomName      string `json:"rom_name"`
	UserID       int    `json:"user_id"`
	SessionToken string `json:"session_token"`
	APIKey       string `json:"api_key"`
}

// UserInfo is the AWAIT_IDENTIFY payload for type=user_info (spectators).
type UserInfo struct {
	UserID       int    `json:"user_id"`
	SessionToken string `json:"session_token"`
}

// outboundBufferSize sizes the per-connection outbound channel allocated in
// newConnState; the cooperative loop drains the Fan-out subscription instead.
const outboundBufferSize = 256

// connState is the explicit per-connection state object threaded through
// every state-machine function (SPEC_FULL §4.5's "[FULL]" note).
type connState struct {
	conn *websocket.Conn

	sessionID int
	playerID  int
	role      Role
	userID    int // 0 if anonymous/unauthenticated caller

	outbound chan *event.Event // allocated but not read; events arrive on sub.Events
	sub      *fanout.Subscription

	skipUpdate     atomic.Int32 // player_forfeit suppresses the next N update_memory messages
	paused         atomic.Bool  // pause_receiving/resume_receiving: suppresses new_item delivery, not SRAM scanning
	processingSram atomic.Bool  // serializes overlapping SRAM updates from this connection

	mu               sync.Mutex
	checkedLocations map[string]*int64 // "location-<id>" -> frameTime it was checked at
	prevSnapshot     sram.Snapshot
	lastDelivered    int // gtIdx cursor decoded from sram.multiinfo[0:2]

	closeOnce sync.Once
	done      chan struct{}
}

func newConnState(conn *websocket.Conn, sessionID int) *connState {
	return &connState{
		conn:             conn,
		sessionID:        sessionID,
		outbound:         make(chan *event.Event, outboundBufferSize),
		checkedLocations: make(map[string]*int64),
		done:             make(chan struct{}),
	}
}

func (c *connState) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// defaultPollInterval and defaultIdentifyWindow restate the SPEC_FULL
// §4.5/§5 defaults; nothing reads them. The Session Runtime takes the poll
// and identify deadlines, and the kick grace, from the
// config.SessionManagementConfig duration helpers, which apply the same
// fallbacks.
var (
	defaultPollInterval   = 1500 * time.Millisecond
	defaultIdentifyWindow = 600 * time.Second
)
