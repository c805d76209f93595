package event

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/alttpr-multiworld/server/pkg/database"
)

// SQLStore is the database-backed Store, following the teacher's
// pkg/database reader/writer Connection split: writes go through the
// writer pool, reads are free to use the (possibly distinct) reader pool.
type SQLStore struct {
	db        *database.Connection
	publisher Publisher
}

// NewSQLStore creates a Store. publisher may be nil (tests, or a deployment
// with the Fan-out Bus disabled).
func NewSQLStore(db *database.Connection, publisher Publisher) *SQLStore {
	return &SQLStore{db: db, publisher: publisher}
}

func (s *SQLStore) Append(ctx context.Context, e *Event) (int64, error) {
	query := `
		INSERT INTO events (session_id, event_type, from_player, to_player, to_player_idx, item_id, location_id, event_data, frame_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		e.SessionID, string(e.EventType), e.FromPlayer, e.ToPlayer,
		e.ToPlayerIdx, e.ItemID, e.LocationID, e.EventData, e.FrameTime)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateIndex
		}
		return 0, fmt.Errorf("event: append: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event: append: last insert id: %w", err)
	}
	e.ID = id

	if s.publisher != nil {
		s.publisher.Publish(e.SessionID, e)
	}

	return id, nil
}

// isUniqueViolation recognizes the SQLite and PostgreSQL unique-constraint
// error text; database/sql has no portable sentinel for this.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") && strings.Contains(msg, "constraint")
}

const eventColumns = `id, session_id, event_type, from_player, to_player, to_player_idx, item_id, location_id, event_data, frame_time, created_at`

func scanEvent(row interface{ Scan(...interface{}) error }) (*Event, error) {
	var e Event
	var eventType string
	var toPlayerIdx, itemID, locationID sql.NullInt64
	var frameTime sql.NullInt64
	var eventData sql.NullString

	if err := row.Scan(&e.ID, &e.SessionID, &eventType, &e.FromPlayer, &e.ToPlayer,
		&toPlayerIdx, &itemID, &locationID, &eventData, &frameTime, &e.CreatedAt); err != nil {
		return nil, err
	}

	e.EventType = Type(eventType)
	e.EventData = eventData.String
	if toPlayerIdx.Valid {
		v := int(toPlayerIdx.Int64)
		e.ToPlayerIdx = &v
	}
	if itemID.Valid {
		v := int(itemID.Int64)
		e.ItemID = &v
	}
	if locationID.Valid {
		v := int(locationID.Int64)
		e.LocationID = &v
	}
	if frameTime.Valid {
		v := frameTime.Int64
		e.FrameTime = &v
	}

	return &e, nil
}

func (s *SQLStore) LastEventForSession(ctx context.Context, sessionID int) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ? ORDER BY id DESC LIMIT 1`
	e, err := scanEvent(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("event: last event for session: %w", err)
	}
	return e, nil
}

func (s *SQLStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("event: query: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("event: scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLStore) EventsForSession(ctx context.Context, sessionID, skip, limit int) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`
	return s.queryEvents(ctx, query, sessionID, limit, skip)
}

func (s *SQLStore) EventsFromPlayer(ctx context.Context, sessionID, playerID int) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ? AND from_player = ? ORDER BY id ASC`
	return s.queryEvents(ctx, query, sessionID, playerID)
}

func (s *SQLStore) EventsAfterFrameTime(ctx context.Context, sessionID, fromPlayer int, frameTime int64) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ? AND from_player = ? AND frame_time >= ? ORDER BY id ASC`
	return s.queryEvents(ctx, query, sessionID, fromPlayer, frameTime)
}

func (s *SQLStore) UpdateEventsFrameTime(ctx context.Context, eventIDs []int64, newFrameTime *int64) error {
	if len(eventIDs) == 0 {
		return nil
	}

	placeholders := make([]string, len(eventIDs))
	args := make([]interface{}, 0, len(eventIDs)+1)
	args = append(args, newFrameTime)
	for i, id := range eventIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(`UPDATE events SET frame_time = ? WHERE id IN (%s)`, strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("event: update frame time: %w", err)
	}
	return nil
}

// MaxToPlayerIdx returns the highest toPlayerIdx already issued to toPlayer
// in this session by finders other than excludeFinder (SPEC_FULL §4.4 step
// 2), or 0 if none exist.
func (s *SQLStore) MaxToPlayerIdx(ctx context.Context, sessionID, toPlayer, excludeFinder int) (int, error) {
	query := `
		SELECT COALESCE(MAX(to_player_idx), 0) FROM events
		WHERE session_id = ? AND to_player = ? AND from_player != ? AND to_player_idx IS NOT NULL
	`
	var max int
	err := s.db.QueryRowContext(ctx, query, sessionID, toPlayer, excludeFinder).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("event: max to_player_idx: %w", err)
	}
	return max, nil
}

func (s *SQLStore) ItemsForPlayerFromOthers(ctx context.Context, sessionID, toPlayer, gtIdx int) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + ` FROM events
		WHERE session_id = ? AND to_player = ? AND from_player != ? AND event_type = ? AND to_player_idx > ?
		ORDER BY to_player_idx ASC
	`
	return s.queryEvents(ctx, query, sessionID, toPlayer, toPlayer, string(TypeNewItem), gtIdx)
}

func (s *SQLStore) ConnectionEvents(ctx context.Context, sessionID, playerID int) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + ` FROM events
		WHERE session_id = ? AND from_player = ? AND event_type IN (?, ?)
		ORDER BY id DESC
	`
	return s.queryEvents(ctx, query, sessionID, playerID, string(TypePlayerJoin), string(TypePlayerLeave))
}
