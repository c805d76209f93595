package gamedata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tables, err := Load("alttpr")
	require.NoError(t, err)

	entries, ok := tables.LocationInfoByRoom["base"][18]
	require.True(t, ok)
	assert.Equal(t, "Secret Passage", entries[0].Name)
	assert.Equal(t, uint16(16), entries[0].Mask)

	assert.Equal(t, "Flute Spot", tables.LocationInfoReversed["overworld"][128])
	assert.Equal(t, "Progressive Sword", tables.ItemTable[1])
	assert.Equal(t, 1, tables.LookupNameToID["Progressive Sword"])
}

func TestLoad_UnknownGame(t *testing.T) {
	_, err := Load("does-not-exist")
	assert.Error(t, err)
}
