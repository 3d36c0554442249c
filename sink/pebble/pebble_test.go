package pebble

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventrelay/sink"
	"github.com/drblury/eventrelay/sink/sinktest"
)

func openTemp(t *testing.T, collection string) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), collection, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInsertAndGet(t *testing.T) {
	store := openTemp(t, "game_events")

	id, err := store.Insert(context.Background(), sinktest.Document("p1"))
	require.NoError(t, err)

	doc, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, "Touchdown!", doc.Event)
	require.NotNil(t, doc.PlayID)
	assert.Equal(t, "p1", *doc.PlayID)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, pebble.ErrNotFound)
}

func TestCollectionsAreIsolated(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "game_events", nil)
	require.NoError(t, err)
	defer store.Close()

	other := &Store{db: store.db, prefix: []byte("audit/")}

	_, err = store.InsertMany(context.Background(), []sink.Document{sinktest.Document("a"), sinktest.Document("b")})
	require.NoError(t, err)
	_, err = other.Insert(context.Background(), sinktest.Document("c"))
	require.NoError(t, err)

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = other.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertHonoursContext(t *testing.T) {
	store := openTemp(t, "game_events")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Insert(ctx, sinktest.Document("p1"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.InsertMany(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open("", "game_events", nil)
	assert.Error(t, err)
	_, err = Open(t.TempDir(), "", nil)
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	store, err := sink.Open(context.Background(), &sinktest.Config{
		SinkSystem:     SinkName,
		SinkCollection: "game_events",
		PebbleDir:      t.TempDir(),
	})
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}
