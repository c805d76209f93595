package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStoreLookupMissingSessionReturnsNilNoError(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLStore(db)

	info, err := store.Lookup(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestSQLStoreLookupDecodesJSONColumns(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLStore(db)

	_, err := db.Exec(`INSERT INTO games (name, display_name, item_table_path, location_table_path) VALUES ('alttpr', 'ALTTPR', 'x', 'x')`)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO mwsessions (uuid, game_id, password_hash, rom_names, allow_list, flags)
		VALUES ('sess-1', 1, 'deadbeef', '["rom-a","rom-b"]', '[1,2]', '{"chat":true,"missing_cmd":true}')
	`)
	require.NoError(t, err)

	info, err := store.Lookup(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, info)

	assert.Equal(t, "alttpr", info.GameName)
	assert.True(t, info.HasPassword)
	assert.True(t, info.RomNames["rom-a"])
	assert.True(t, info.RomNames["rom-b"])
	assert.True(t, info.AllowList[1])
	assert.True(t, info.AllowList[2])
	assert.True(t, info.Flags.Chat)
	assert.True(t, info.Flags.MissingCmd)
}

func TestSQLStorePlacementsEmptyWhenUnset(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLStore(db)

	_, err := db.Exec(`INSERT INTO games (name, display_name, item_table_path, location_table_path) VALUES ('alttpr', 'ALTTPR', 'x', 'x')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO mwsessions (uuid, game_id) VALUES ('sess-1', 1)`)
	require.NoError(t, err)

	placements, err := store.Placements(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, placements)
}

func TestSQLStorePlacementsDecodesEntries(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLStore(db)

	_, err := db.Exec(`INSERT INTO games (name, display_name, item_table_path, location_table_path) VALUES ('alttpr', 'ALTTPR', 'x', 'x')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO mwsessions (uuid, game_id, placements) VALUES ('sess-1', 1, ?)`,
		`[{"LocationID":10,"Finder":1,"ItemID":99,"Recipient":2}]`)
	require.NoError(t, err)

	placements, err := store.Placements(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, placements, 1)
}
