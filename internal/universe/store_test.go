package universe_test

import (
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/universe"
)

func openStore(t *testing.T) *universe.Store {
	t.Helper()
	store, err := universe.OpenStore(filepath.Join(t.TempDir(), "universe.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func TestPutAndGetRoundTrips(t *testing.T) {
	store := openStore(t)
	assert.NoError(t, store.Put(universe.Universe{Slug: "acme", Name: "Acme"}))

	got, found, err := store.Get("acme")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Acme", got.Name)
}

func TestGetReturnsNotFoundForMissingSlug(t *testing.T) {
	store := openStore(t)
	_, found, err := store.Get("missing")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteRemovesUniverse(t *testing.T) {
	store := openStore(t)
	assert.NoError(t, store.Put(universe.Universe{Slug: "acme"}))
	assert.NoError(t, store.Delete("acme"))

	_, found, err := store.Get("acme")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestListReturnsEveryPersistedUniverse(t *testing.T) {
	store := openStore(t)
	assert.NoError(t, store.Put(universe.Universe{Slug: "acme"}))
	assert.NoError(t, store.Put(universe.Universe{Slug: "globex"}))

	all, err := store.List()
	assert.NoError(t, err)
	assert.Equal(t, 2, len(all))
}

func TestActiveSlugDefaultsToNotFound(t *testing.T) {
	store := openStore(t)
	_, found, err := store.GetActiveSlug()
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestSetAndGetActiveSlug(t *testing.T) {
	store := openStore(t)
	assert.NoError(t, store.SetActiveSlug("acme"))

	slug, found, err := store.GetActiveSlug()
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "acme", slug)
}
