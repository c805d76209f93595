package event

import (
	"context"
	"testing"

	"github.com/alttpr-multiworld/server/pkg/config"
	"github.com/alttpr-multiworld/server/pkg/database"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
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
	return NewSQLStore(db, nil)
}

func itemIdx(v int) *int { return &v }

func TestSQLStore_AppendAndDuplicateIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	idx := itemIdx(1)
	id, err := store.Append(ctx, &Event{SessionID: 1, EventType: TypeNewItem, FromPlayer: 1, ToPlayer: 2, ToPlayerIdx: idx})
	require.NoError(t, err)
	require.Positive(t, id)

	_, err = store.Append(ctx, &Event{SessionID: 1, EventType: TypeNewItem, FromPlayer: 3, ToPlayer: 2, ToPlayerIdx: idx})
	require.ErrorIs(t, err, ErrDuplicateIndex)
}

func TestSQLStore_SelfSentItemsNeverCollide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, &Event{SessionID: 1, EventType: TypeNewItem, FromPlayer: 1, ToPlayer: 1})
	require.NoError(t, err)
	_, err = store.Append(ctx, &Event{SessionID: 1, EventType: TypeNewItem, FromPlayer: 1, ToPlayer: 1})
	require.NoError(t, err, "self-sent items carry no index and must never collide")
}

func TestSQLStore_MaxToPlayerIdx(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, &Event{SessionID: 1, EventType: TypeNewItem, FromPlayer: 1, ToPlayer: 2, ToPlayerIdx: itemIdx(1)})
	require.NoError(t, err)
	_, err = store.Append(ctx, &Event{SessionID: 1, EventType: TypeNewItem, FromPlayer: 3, ToPlayer: 2, ToPlayerIdx: itemIdx(2)})
	require.NoError(t, err)

	max, err := store.MaxToPlayerIdx(ctx, 1, 2, 99)
	require.NoError(t, err)
	require.Equal(t, 2, max)
}

func TestSQLStore_ItemsForPlayerFromOthers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, &Event{SessionID: 1, EventType: TypeNewItem, FromPlayer: 1, ToPlayer: 2, ToPlayerIdx: itemIdx(1)})
	require.NoError(t, err)
	_, err = store.Append(ctx, &Event{SessionID: 1, EventType: TypeNewItem, FromPlayer: 2, ToPlayer: 2, ToPlayerIdx: itemIdx(2)})
	require.NoError(t, err) // self-sent with explicit idx shouldn't happen in practice, used here only to verify exclusion
	_, err = store.Append(ctx, &Event{SessionID: 1, EventType: TypeNewItem, FromPlayer: 3, ToPlayer: 2, ToPlayerIdx: itemIdx(3)})
	require.NoError(t, err)

	items, err := store.ItemsForPlayerFromOthers(ctx, 1, 2, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, 1, *items[0].ToPlayerIdx)
	require.Equal(t, 3, *items[1].ToPlayerIdx)
}

func TestSQLStore_UpdateEventsFrameTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ft := int64(100)
	id, err := store.Append(ctx, &Event{SessionID: 1, EventType: TypeNewItem, FromPlayer: 1, ToPlayer: 1, FrameTime: &ft})
	require.NoError(t, err)

	require.NoError(t, store.UpdateEventsFrameTime(ctx, []int64{id}, nil))

	events, err := store.EventsFromPlayer(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Nil(t, events[0].FrameTime)
}
