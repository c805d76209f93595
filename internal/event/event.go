// Package event is the Event Store (SPEC_FULL §4.3): the durable,
// append-mostly ledger every session goroutine and the Item Router depend on.
package event

import (
	"context"
	"errors"
	"time"
)

// Type enumerates the wire/storage event types (SPEC_FULL §6).
type Type string

const (
	TypePlayerJoin          Type = "player_join"
	TypePlayerLeave         Type = "player_leave"
	TypeUserJoinChat        Type = "user_join_chat"
	TypeNewItem             Type = "new_item"
	TypeChat                Type = "chat"
	TypeFailedJoin          Type = "failed_join"
	TypePlayerForfeit       Type = "player_forfeit"
	TypePlayerPauseReceive  Type = "player_pause_receive"
	TypePlayerResumeReceive Type = "player_resume_receive"
	TypePlayerKicked        Type = "player_kicked"
	TypeNonPlayerDetected   Type = "non_player_detected"
)

// SystemPlayer is the sentinel fromPlayer used for adminSend grants and
// system chat, grounded on original_source treating from_player=0 specially.
const SystemPlayer = 0

// AnyPlayer is the toPlayer sentinel for chat broadcast to the whole session.
const AnyPlayer = -1

// Event is one row of the append-only ledger.
type Event struct {
	ID          int64
	SessionID   int
	EventType   Type
	FromPlayer  int
	ToPlayer    int
	ToPlayerIdx *int // nil unless a new_item event routed to someone other than the finder
	ItemID      *int
	LocationID  *int
	EventData   string // free-form payload: chat text, kick reason, etc.
	FrameTime   *int64 // nullable; cleared to invalidate a check after save-scum
	CreatedAt   time.Time
}

// ErrDuplicateIndex is returned by Append when the (session, toPlayer,
// toPlayerIdx) uniqueness constraint (I1) rejects the insert; the Item
// Router retries with toPlayerIdx+1.
var ErrDuplicateIndex = errors.New("event: duplicate to_player_idx for session/recipient")

// Store is the narrow, context-aware repository interface the Session
// Runtime and Item Router depend on, modeled on the teacher's
// internal/games/domain.EventRepository/UnitOfWork shape so tests can
// substitute an in-memory fake instead of a real database.
type Store interface {
	Append(ctx context.Context, e *Event) (int64, error)
	LastEventForSession(ctx context.Context, sessionID int) (*Event, error)
	EventsForSession(ctx context.Context, sessionID, skip, limit int) ([]*Event, error)
	EventsFromPlayer(ctx context.Context, sessionID, playerID int) ([]*Event, error)
	EventsAfterFrameTime(ctx context.Context, sessionID, fromPlayer int, frameTime int64) ([]*Event, error)
	UpdateEventsFrameTime(ctx context.Context, eventIDs []int64, newFrameTime *int64) error
	MaxToPlayerIdx(ctx context.Context, sessionID, toPlayer, excludeFinder int) (int, error)
	ItemsForPlayerFromOthers(ctx context.Context, sessionID, toPlayer, gtIdx int) ([]*Event, error)
	ConnectionEvents(ctx context.Context, sessionID, playerID int) ([]*Event, error)
}

// Publisher is notified after every successful Append on a session, feeding
// the Fan-out Bus (SPEC_FULL §4.6).
type Publisher interface {
	Publish(sessionID int, e *Event)
}
