package session

import (
	"context"
	"testing"

	"github.com/alttpr-multiworld/server/pkg/config"
	"github.com/alttpr-multiworld/server/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.Connection {
	t.Helper()
	db, err := database.NewConnection(&config.DatabaseConfig{
		Mode: config.DatabaseModeEmbedded,
		Type: "sqlite",
		Embedded: &config.EmbeddedDBConfig{
			Type: "sqlite",
			Path: ":memory:",
		},
	})
	require.NoError(t, err)
	require.NoError(t, database.CreateTables(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHashSessionPasswordDeterministicAndDistinct(t *testing.T) {
	h1 := HashSessionPassword("correct-horse")
	h2 := HashSessionPassword("correct-horse")
	h3 := HashSessionPassword("wrong-horse")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestCheckPasswordComparesAgainstHash(t *testing.T) {
	hash := HashSessionPassword("seed-pw")

	assert.True(t, checkPassword("seed-pw", hash))
	assert.False(t, checkPassword("wrong", hash))
	assert.False(t, checkPassword("", hash))
}

func TestLinkPlayerSlotCreatesThenRejectsConflict(t *testing.T) {
	db := newTestDB(t)
	h := &Handler{db: db}
	ctx := context.Background()

	_, err := db.Exec(`INSERT INTO games (name, display_name, item_table_path, location_table_path) VALUES ('alttpr', 'ALTTPR', 'x', 'x')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (username, password_hash, salt) VALUES ('alice', 'h', 's')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (username, password_hash, salt) VALUES ('bob', 'h', 's')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO mwsessions (uuid, game_id) VALUES ('sess-1', 1)`)
	require.NoError(t, err)

	require.NoError(t, h.linkPlayerSlot(ctx, 1, 1, 1))
	// Linking the same (session, player) slot to the same user again is idempotent.
	require.NoError(t, h.linkPlayerSlot(ctx, 1, 1, 1))

	err = h.linkPlayerSlot(ctx, 1, 1, 2)
	assert.Error(t, err)
}

func TestLiveRegistryTracksRegisterAndUnregister(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil)

	cs := &connState{sessionID: 7, playerID: 3, role: RolePlayer}
	assert.False(t, h.IsPlayerLive(7, 3))

	h.registerLive(cs)
	assert.True(t, h.IsPlayerLive(7, 3))

	h.ForfeitSkip(7, 3, 2)
	assert.Equal(t, int32(2), cs.skipUpdate.Load())

	h.unregisterLive(cs)
	assert.False(t, h.IsPlayerLive(7, 3))
}
