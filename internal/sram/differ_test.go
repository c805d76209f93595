package sram

import (
	"io"
	"log/slog"
	"testing"

	"github.com/alttpr-multiworld/server/internal/gamedata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTables(t *testing.T) *gamedata.Tables {
	t.Helper()
	tables, err := gamedata.Load("alttpr")
	require.NoError(t, err)
	return tables
}

func TestDiff_EmptyWhenIdentical(t *testing.T) {
	prev := Snapshot{"base": {0x00, 0x00}}
	cur := Snapshot{"base": {0x00, 0x00}}
	assert.Empty(t, Diff(prev, cur))
}

func TestDiff_DetectsChangedBytes(t *testing.T) {
	prev := Snapshot{"base": {0x00, 0x00}}
	cur := Snapshot{"base": {0x10, 0x00}}
	diff := Diff(prev, cur)
	require.Contains(t, diff, "base")
	assert.Equal(t, byte(0x10), diff["base"][0])
}

func TestChangedLocations_BaseRegion_EdgeTriggered(t *testing.T) {
	tables := testTables(t)
	logger := discardLogger()

	// room 18 (word offset 36), mask 16 newly set.
	prev := Snapshot{"base": make([]byte, 40)}
	cur := Snapshot{"base": make([]byte, 40)}
	cur["base"][36] = 0x10 // bit 0x10 set, matches the "Secret Passage" mask

	diff := Diff(prev, cur)
	names := ChangedLocations(logger, tables, diff, prev, cur)
	assert.Equal(t, []string{"Secret Passage"}, names)
}

func TestChangedLocations_BaseRegion_AlreadySetNotReEmitted(t *testing.T) {
	// I4: a bit already set in prev must not be re-emitted even though the
	// byte changed (e.g. an unrelated bit in the same word flipped).
	tables := testTables(t)
	logger := discardLogger()

	prev := Snapshot{"base": make([]byte, 40)}
	cur := Snapshot{"base": make([]byte, 40)}
	prev["base"][36] = 0x10
	cur["base"][36] = 0x10
	cur["base"][37] = 0x01 // unrelated bit in the high byte of the same word changes

	diff := Diff(prev, cur)
	names := ChangedLocations(logger, tables, diff, prev, cur)
	assert.Empty(t, names, "already-set mask bits must not be re-emitted on replay")
}

func TestChangedLocations_Overworld_TransitionRequired(t *testing.T) {
	tables := testTables(t)
	logger := discardLogger()

	prev := Snapshot{"overworld": make([]byte, 200)}
	cur := Snapshot{"overworld": make([]byte, 200)}
	cur["overworld"][128] = 0x40

	diff := Diff(prev, cur)
	names := ChangedLocations(logger, tables, diff, prev, cur)
	assert.Equal(t, []string{"Flute Spot"}, names)
}

func TestChangedLocations_Shops_NonZeroEmitsNoEdgeRequired(t *testing.T) {
	tables := testTables(t)
	logger := discardLogger()

	prev := Snapshot{"shops": make([]byte, 10)}
	cur := Snapshot{"shops": make([]byte, 10)}
	prev["shops"][0] = 3 // already non-zero in prev
	cur["shops"][0] = 5  // still non-zero; shop counters emit on any non-zero value

	diff := Diff(prev, cur)
	names := ChangedLocations(logger, tables, diff, prev, cur)
	assert.Equal(t, []string{"Dark Lake Hylia Shop - Item 1"}, names)
}

func TestChangedLocations_UnknownRoomLoggedAndSkipped(t *testing.T) {
	tables := testTables(t)
	logger := discardLogger()

	prev := Snapshot{"base": make([]byte, 4000)}
	cur := Snapshot{"base": make([]byte, 4000)}
	cur["base"][3998] = 0xFF // far outside the sample gamedata's registered rooms

	diff := Diff(prev, cur)
	assert.NotPanics(t, func() {
		names := ChangedLocations(logger, tables, diff, prev, cur)
		assert.Empty(t, names)
	})
}
