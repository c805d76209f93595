package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alttpr-multiworld/server/internal/router"
	"github.com/alttpr-multiworld/server/pkg/database"
)

// Flags carries the session feature toggles transmitted to the client on
// JOINED and consulted by the cooperative loop (SPEC_FULL §4.5/§6).
type Flags struct {
	Chat       bool `json:"chat"`
	MissingCmd bool `json:"missing_cmd"`
	Duping     bool `json:"duping"`
}

// Info is the resolved, read-mostly state of one multiworld session needed
// to drive the handshake state machine.
type Info struct {
	ID            int
	UUID          string
	GameName      string
	Status        string
	HasPassword   bool
	PasswordHash  string
	RomNames      map[string]bool
	AllowList     map[int]bool // external identity ids, empty means "no allow-list"
	Flags         Flags
	CountdownSecs int
}

// Store resolves session metadata and placement tables. Modeled narrowly
// so the Session Runtime depends on an interface rather than a concrete SQL
// type (mirrors the Event Store's repository shape, SPEC_FULL §4.3).
type Store interface {
	Lookup(ctx context.Context, sessionID int) (*Info, error)
	Placements(ctx context.Context, sessionID int) (router.PlacementTable, error)
}

// SQLStore is the database-backed session metadata store.
type SQLStore struct {
	db *database.Connection
}

// NewSQLStore creates a session Store.
func NewSQLStore(db *database.Connection) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Lookup(ctx context.Context, sessionID int) (*Info, error) {
	var info Info
	var romNamesJSON, allowListJSON sql.NullString
	var passwordHash sql.NullString
	var flagsJSON sql.NullString

	query := `
		SELECT ms.id, ms.uuid, g.name, ms.status, ms.countdown_seconds,
		       ms.password_hash, ms.rom_names, ms.allow_list, ms.flags
		FROM mwsessions ms
		JOIN games g ON g.id = ms.game_id
		WHERE ms.id = ?
	`
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&info.ID, &info.UUID, &info.GameName, &info.Status, &info.CountdownSecs,
		&passwordHash, &romNamesJSON, &allowListJSON, &flagsJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("session store: lookup: %w", err)
	}

	info.PasswordHash = passwordHash.String
	info.HasPassword = passwordHash.Valid && passwordHash.String != ""

	info.RomNames = make(map[string]bool)
	if romNamesJSON.Valid && romNamesJSON.String != "" {
		var names []string
		if err := json.Unmarshal([]byte(romNamesJSON.String), &names); err != nil {
			return nil, fmt.Errorf("session store: decode rom_names: %w", err)
		}
		for _, n := range names {
			info.RomNames[n] = true
		}
	}

	info.AllowList = make(map[int]bool)
	if allowListJSON.Valid && allowListJSON.String != "" {
		var ids []int
		if err := json.Unmarshal([]byte(allowListJSON.String), &ids); err != nil {
			return nil, fmt.Errorf("session store: decode allow_list: %w", err)
		}
		for _, id := range ids {
			info.AllowList[id] = true
		}
	}

	if flagsJSON.Valid && flagsJSON.String != "" {
		if err := json.Unmarshal([]byte(flagsJSON.String), &info.Flags); err != nil {
			return nil, fmt.Errorf("session store: decode flags: %w", err)
		}
	}

	return &info, nil
}

func (s *SQLStore) Placements(ctx context.Context, sessionID int) (router.PlacementTable, error) {
	var placementsJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT placements FROM mwsessions WHERE id = ?`, sessionID).Scan(&placementsJSON)
	if err != nil {
		return nil, fmt.Errorf("session store: placements: %w", err)
	}
	if !placementsJSON.Valid || placementsJSON.String == "" {
		return router.NewPlacementTable(nil), nil
	}

	var entries []router.PlacementEntry
	if err := json.Unmarshal([]byte(placementsJSON.String), &entries); err != nil {
		return nil, fmt.Errorf("session store: decode placements: %w", err)
	}
	return router.NewPlacementTable(entries), nil
}
