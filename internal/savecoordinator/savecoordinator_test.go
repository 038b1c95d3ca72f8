package savecoordinator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/codec"
	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/localfile"
	"github.com/universesync/core/internal/provider"
	"github.com/universesync/core/internal/savecoordinator"
	"github.com/universesync/core/internal/syncengine"
	"github.com/universesync/core/internal/universe"
)

type fakeUniverses struct {
	slug     string
	hasSlug  bool
	u        universe.Universe
	hasU     bool
	state    codec.State
	hasState bool
	eng      *syncengine.Engine
}

func (f *fakeUniverses) ActiveSlug() (string, bool, error) { return f.slug, f.hasSlug, nil }
func (f *fakeUniverses) Get(slug string) (universe.Universe, bool, error) {
	if slug != f.slug {
		return universe.Universe{}, false, nil
	}
	return f.u, f.hasU, nil
}
func (f *fakeUniverses) GetEngine(string) *syncengine.Engine        { return f.eng }
func (f *fakeUniverses) CurrentState(string) (codec.State, bool) { return f.state, f.hasState }

func TestSaveActiveFailsWithoutActiveUniverse(t *testing.T) {
	coord := savecoordinator.New(savecoordinator.Config{Universes: &fakeUniverses{}})
	err := coord.SaveActive(context.Background(), "test")
	assert.Error(t, err)
	assert.Equal(t, corekit.KindNotFound, corekit.KindOf(err))
}

func TestSaveActiveWritesLocalWhenOnlyLocalEnabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acme.redstring")
	universes := &fakeUniverses{
		slug:    "acme",
		hasSlug: true,
		u: universe.Universe{
			Slug:      "acme",
			LocalFile: universe.LocalFile{Enabled: true, Path: path},
		},
		hasU:     true,
		state:    codec.State{Universe: codec.UniverseIdentity{Slug: "acme"}},
		hasState: true,
	}
	coord := savecoordinator.New(savecoordinator.Config{
		Universes:    universes,
		LocalBacking: localfile.New(),
	})

	assert.NoError(t, coord.SaveActive(context.Background(), "test"))

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Contains(t, string(data), `"slug":"acme"`)
}

func TestSaveActiveFailsWithoutEnabledBacking(t *testing.T) {
	universes := &fakeUniverses{
		slug:     "acme",
		hasSlug:  true,
		u:        universe.Universe{Slug: "acme"},
		hasU:     true,
		state:    codec.State{},
		hasState: true,
	}
	coord := savecoordinator.New(savecoordinator.Config{Universes: universes})
	err := coord.SaveActive(context.Background(), "test")
	assert.Error(t, err)
	assert.Equal(t, corekit.KindInvariantViolation, corekit.KindOf(err))
}

func TestSaveActiveFailsWithoutInMemoryState(t *testing.T) {
	universes := &fakeUniverses{
		slug:    "acme",
		hasSlug: true,
		u: universe.Universe{
			Slug:      "acme",
			LocalFile: universe.LocalFile{Enabled: true, Path: filepath.Join(t.TempDir(), "acme.redstring")},
		},
		hasU: true,
	}
	coord := savecoordinator.New(savecoordinator.Config{Universes: universes, LocalBacking: localfile.New()})
	err := coord.SaveActive(context.Background(), "test")
	assert.Error(t, err)
	assert.Equal(t, corekit.KindInvariantViolation, corekit.KindOf(err))
}

// failingProvider fails every read, so an Engine started on it lands in
// error_hold.
type failingProvider struct{ provider.Provider }

func (failingProvider) GetFile(context.Context, string) (provider.FileContent, error) {
	return provider.FileContent{}, corekit.Newf(corekit.KindServer, "boom")
}

func TestForceSaveActiveBypassesErrorHold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acme.redstring")
	eng := syncengine.New(syncengine.Config{UniverseSlug: "acme", UniverseFolder: "universes/acme", UniverseFile: "acme.redstring", Provider: failingProvider{}})
	assert.Error(t, eng.Start(context.Background()))
	assert.Equal(t, syncengine.StateErrorHold, eng.GetStatus().State)
	universes := &fakeUniverses{
		slug:    "acme",
		hasSlug: true,
		u: universe.Universe{
			Slug:      "acme",
			LocalFile: universe.LocalFile{Enabled: true, Path: path},
		},
		hasU:     true,
		state:    codec.State{Universe: codec.UniverseIdentity{Slug: "acme"}},
		hasState: true,
		eng:      eng,
	}
	coord := savecoordinator.New(savecoordinator.Config{Universes: universes, LocalBacking: localfile.New()})

	err := coord.SaveActive(context.Background(), "test")
	assert.Equal(t, corekit.KindInvariantViolation, corekit.KindOf(err))

	assert.NoError(t, coord.ForceSaveActive(context.Background(), "forced"))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
