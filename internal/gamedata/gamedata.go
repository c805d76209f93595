// Package gamedata loads the static, read-only location/item indices a
// session needs to interpret SRAM diffs (SPEC_FULL §4.1). Grounded on the
// teacher's static-data-shipped-with-binary convention in
// internal/games/config: assets are embedded via embed.FS and parsed once
// at process start into immutable tables safe for concurrent read access
// from every session goroutine.
package gamedata

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed assets/*.json
var assets embed.FS

// LocationEntry is a single (name, mask) pair registered against a room,
// screen, or memory location for one region kind.
type LocationEntry struct {
	Name string `json:"name"`
	Mask uint16 `json:"mask"`
}

// Tables holds the fully-resolved, immutable static data for one game.
type Tables struct {
	// LocationInfoByRoom[kind][roomID] -> entries, for kinds base/pots/sprites/misc/bosses.
	LocationInfoByRoom map[string]map[int][]LocationEntry

	// LocationInfoByOwScreen["bonk_prizes"][screenID] -> entries.
	LocationInfoByOwScreen map[string]map[int][]LocationEntry

	// LocationInfoReversed[kind][memLoc] -> name, for kinds overworld/npcs/shops.
	LocationInfoReversed map[string]map[int]string

	LookupIDToName map[int]string
	LookupNameToID map[string]int
	ItemTable      map[int]string
}

type rawTables struct {
	LocationInfoByRoom     map[string]map[string][]LocationEntry `json:"location_info_by_room"`
	LocationInfoByOwScreen map[string]map[string][]LocationEntry `json:"location_info_by_ow_screen"`
	LocationInfoReversed   map[string]map[string]string          `json:"location_info_reversed"`
	LookupIDToName         map[string]string                     `json:"lookup_id_to_name"`
	ItemTable              map[string]string                     `json:"item_table"`
}

// Load parses the embedded per-game JSON assets into immutable lookup
// tables. Called once at process start per distinct game.
func Load(gameName string) (*Tables, error) {
	data, err := assets.ReadFile(fmt.Sprintf("assets/%s.json", gameName))
	if err != nil {
		return nil, fmt.Errorf("gamedata: load %q: %w", gameName, err)
	}

	var raw rawTables
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("gamedata: parse %q: %w", gameName, err)
	}

	t := &Tables{
		LocationInfoByRoom:     make(map[string]map[int][]LocationEntry),
		LocationInfoByOwScreen: make(map[string]map[int][]LocationEntry),
		LocationInfoReversed:   make(map[string]map[int]string),
		LookupIDToName:         make(map[int]string),
		LookupNameToID:         make(map[string]int),
		ItemTable:              make(map[int]string),
	}

	for kind, byRoom := range raw.LocationInfoByRoom {
		t.LocationInfoByRoom[kind] = make(map[int][]LocationEntry, len(byRoom))
		for roomStr, entries := range byRoom {
			room, err := parseIntKey(roomStr)
			if err != nil {
				return nil, fmt.Errorf("gamedata: %q: bad room key %q: %w", kind, roomStr, err)
			}
			t.LocationInfoByRoom[kind][room] = entries
		}
	}

	for kind, byScreen := range raw.LocationInfoByOwScreen {
		t.LocationInfoByOwScreen[kind] = make(map[int][]LocationEntry, len(byScreen))
		for screenStr, entries := range byScreen {
			screen, err := parseIntKey(screenStr)
			if err != nil {
				return nil, fmt.Errorf("gamedata: %q: bad screen key %q: %w", kind, screenStr, err)
			}
			t.LocationInfoByOwScreen[kind][screen] = entries
		}
	}

	for kind, byMemLoc := range raw.LocationInfoReversed {
		t.LocationInfoReversed[kind] = make(map[int]string, len(byMemLoc))
		for memLocStr, name := range byMemLoc {
			memLoc, err := parseIntKey(memLocStr)
			if err != nil {
				return nil, fmt.Errorf("gamedata: %q: bad memLoc key %q: %w", kind, memLocStr, err)
			}
			t.LocationInfoReversed[kind][memLoc] = name
		}
	}

	for idStr, name := range raw.LookupIDToName {
		id, err := parseIntKey(idStr)
		if err != nil {
			return nil, fmt.Errorf("gamedata: bad lookup id %q: %w", idStr, err)
		}
		t.LookupIDToName[id] = name
		t.LookupNameToID[name] = id
	}

	for idStr, name := range raw.ItemTable {
		id, err := parseIntKey(idStr)
		if err != nil {
			return nil, fmt.Errorf("gamedata: bad item id %q: %w", idStr, err)
		}
		t.ItemTable[id] = name
	}

	return t, nil
}

func parseIntKey(s string) (int, error) {
	var v int
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
