package multidata

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"io"
	"log/slog"
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

func compressJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecodeSeedRejectsNonZlibStream(t *testing.T) {
	_, err := decodeSeed(bytes.NewReader([]byte("not zlib")))
	assert.Error(t, err)
}

func TestDecodeSeedRejectsMissingNames(t *testing.T) {
	body := compressJSON(t, map[string]interface{}{"names": [][]string{}})
	_, err := decodeSeed(bytes.NewReader(body))
	assert.Error(t, err)
}

func TestDecodeSeedParsesWellFormedPayload(t *testing.T) {
	body := compressJSON(t, seedFile{
		Names:     [][]string{{"p1", "p2"}},
		Roms:      [][]string{{"a", "b", "rom-p1"}, {"a", "b", "rom-p2"}},
		Locations: [][2][2]int{{{10, 1}, {99, 2}}},
	})

	seed, err := decodeSeed(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"p1", "p2"}}, seed.Names)
	assert.Len(t, seed.Locations, 1)
}

func TestCreateSessionUnknownGameFails(t *testing.T) {
	db := newTestDB(t)
	h := NewHandler(db, slog.New(slog.NewTextHandler(io.Discard, nil)))

	seed := &seedFile{Names: [][]string{{"p1"}}}
	_, err := h.createSession(context.Background(), "no-such-game", "", seed)
	assert.Error(t, err)
}

func TestCreateSessionInsertsSessionWithHashedPassword(t *testing.T) {
	db := newTestDB(t)
	h := NewHandler(db, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := db.Exec(`INSERT INTO games (name, display_name, item_table_path, location_table_path) VALUES ('alttpr', 'ALTTPR', 'x', 'x')`)
	require.NoError(t, err)

	seed := &seedFile{
		Names:     [][]string{{"p1", "p2"}},
		Roms:      [][]string{{"a", "b", "rom-p1"}, {"a", "b", "rom-p2"}},
		Locations: [][2][2]int{{{10, 1}, {99, 2}}},
	}

	uuid, err := h.createSession(context.Background(), "alttpr", "sekret", seed)
	require.NoError(t, err)
	assert.NotEmpty(t, uuid)

	var passwordHash, romNames, placements string
	row := db.QueryRow(`SELECT password_hash, rom_names, placements FROM mwsessions WHERE uuid = ?`, uuid)
	require.NoError(t, row.Scan(&passwordHash, &romNames, &placements))
	assert.NotEqual(t, "sekret", passwordHash)
	assert.Contains(t, romNames, "rom-p1")
	assert.Contains(t, placements, `"LocationID":10`)
}

func TestCreateSessionNoPasswordLeavesHashNull(t *testing.T) {
	db := newTestDB(t)
	h := NewHandler(db, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := db.Exec(`INSERT INTO games (name, display_name, item_table_path, location_table_path) VALUES ('alttpr', 'ALTTPR', 'x', 'x')`)
	require.NoError(t, err)

	seed := &seedFile{Names: [][]string{{"p1"}}}
	uuid, err := h.createSession(context.Background(), "alttpr", "", seed)
	require.NoError(t, err)

	var passwordHash *string
	row := db.QueryRow(`SELECT password_hash FROM mwsessions WHERE uuid = ?`, uuid)
	require.NoError(t, row.Scan(&passwordHash))
	assert.Nil(t, passwordHash)
}
