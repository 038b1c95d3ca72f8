package universe_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/codec"
	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/eventbus"
	"github.com/universesync/core/internal/localfile"
	"github.com/universesync/core/internal/logging"
	"github.com/universesync/core/internal/provider"
	"github.com/universesync/core/internal/universe"
	"github.com/universesync/core/internal/urlcache"
)

func newManager(t *testing.T, cfg universe.Config) *universe.Manager {
	t.Helper()
	store, err := universe.OpenStore(filepath.Join(t.TempDir(), "universe.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	cfg.Store = store
	if cfg.LocalBacking == nil {
		cfg.LocalBacking = localfile.New()
	}
	return universe.New(cfg)
}

func TestCreateRequiresAtLeastOneBacking(t *testing.T) {
	m := newManager(t, universe.Config{})
	_, err := m.Create("Acme", universe.CreateOptions{})
	assert.Error(t, err)
	assert.Equal(t, corekit.KindInvariantViolation, corekit.KindOf(err))
}

func TestCreateSlugifiesName(t *testing.T) {
	m := newManager(t, universe.Config{})
	u, err := m.Create("Acme Universe!", universe.CreateOptions{
		LocalFile:                  universe.LocalFile{Enabled: true, Path: "/tmp/acme.redstring"},
		PlatformLocalFileSupported: true,
	})
	assert.NoError(t, err)
	assert.Equal(t, "acme-universe", u.Slug)
	assert.Equal(t, universe.SourceOfTruthLocal, u.SourceOfTruth)
}

func TestCreateRejectsDuplicateSlug(t *testing.T) {
	m := newManager(t, universe.Config{})
	opts := universe.CreateOptions{LocalFile: universe.LocalFile{Enabled: true, Path: "/tmp/acme.redstring"}, PlatformLocalFileSupported: true}
	_, err := m.Create("Acme", opts)
	assert.NoError(t, err)

	_, err = m.Create("Acme", opts)
	assert.Error(t, err)
	assert.Equal(t, corekit.KindConflict, corekit.KindOf(err))
}

func TestCreateForcesGitSourceOfTruthWhenLocalFileUnsupported(t *testing.T) {
	m := newManager(t, universe.Config{})
	u, err := m.Create("Acme", universe.CreateOptions{
		GitRepo: universe.GitRepo{Enabled: true, LinkedRepo: &universe.LinkedRepo{Host: "github.com", Owner: "acme", Repo: "universe"}},
	})
	assert.NoError(t, err)
	assert.Equal(t, universe.SourceOfTruthGit, u.SourceOfTruth)
	assert.Equal(t, "universes/acme", u.GitRepo.UniverseFolder)
	assert.Equal(t, "acme.redstring", u.GitRepo.UniverseFile)
}

func TestDeleteRefusesLastRemainingUniverse(t *testing.T) {
	m := newManager(t, universe.Config{})
	u, err := m.Create("Acme", universe.CreateOptions{LocalFile: universe.LocalFile{Enabled: true, Path: "/tmp/a.redstring"}, PlatformLocalFileSupported: true})
	assert.NoError(t, err)

	err = m.Delete(context.Background(), u.Slug)
	assert.Error(t, err)
	assert.Equal(t, corekit.KindInvariantViolation, corekit.KindOf(err))
}

func TestDeleteRemovesUniverseWhenMoreThanOneExists(t *testing.T) {
	m := newManager(t, universe.Config{})
	opts := universe.CreateOptions{LocalFile: universe.LocalFile{Enabled: true}, PlatformLocalFileSupported: true}
	a, err := m.Create("Acme", opts)
	assert.NoError(t, err)
	_, err = m.Create("Globex", opts)
	assert.NoError(t, err)

	assert.NoError(t, m.Delete(context.Background(), a.Slug))
	_, found, err := m.Get(a.Slug)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateRenamesUniverse(t *testing.T) {
	m := newManager(t, universe.Config{})
	u, err := m.Create("Acme", universe.CreateOptions{LocalFile: universe.LocalFile{Enabled: true}, PlatformLocalFileSupported: true})
	assert.NoError(t, err)

	newName := "Acme Renamed"
	updated, err := m.Update(u.Slug, universe.UpdatePatch{Name: &newName})
	assert.NoError(t, err)
	assert.Equal(t, "Acme Renamed", updated.Name)
	assert.Equal(t, u.Slug, updated.Slug)
}

func TestUpdateRejectsDuplicatePrimaryMirrorSources(t *testing.T) {
	m := newManager(t, universe.Config{})
	u, err := m.Create("Acme", universe.CreateOptions{
		GitRepo: universe.GitRepo{Enabled: true, LinkedRepo: &universe.LinkedRepo{Owner: "acme", Repo: "universe"}},
	})
	assert.NoError(t, err)

	_, err = m.Update(u.Slug, universe.UpdatePatch{
		Sources: []universe.Source{
			{ID: "s1", Type: universe.SourceTypeGitHub, Owner: "acme", Repo: "universe"},
			{ID: "s2", Type: universe.SourceTypeGitea, Owner: "acme", Repo: "universe"},
		},
	})
	assert.Error(t, err)
	assert.Equal(t, corekit.KindInvariantViolation, corekit.KindOf(err))
}

func TestUpdateFailsForUnknownSlug(t *testing.T) {
	m := newManager(t, universe.Config{})
	_, err := m.Update("does-not-exist", universe.UpdatePatch{})
	assert.Error(t, err)
	assert.Equal(t, corekit.KindNotFound, corekit.KindOf(err))
}

func TestSwitchActiveLoadsLocalStateAndPublishesEvent(t *testing.T) {
	bus := eventbus.New()
	ch := bus.Subscribe(4)
	backing := localfile.New()
	path := filepath.Join(t.TempDir(), "acme.redstring")

	m := newManager(t, universe.Config{Bus: bus, LocalBacking: backing})
	u, err := m.Create("Acme", universe.CreateOptions{LocalFile: universe.LocalFile{Enabled: true, Path: path}, PlatformLocalFileSupported: true})
	assert.NoError(t, err)

	encoded, err := codec.Encode(codec.State{Universe: codec.UniverseIdentity{Slug: u.Slug}})
	assert.NoError(t, err)
	assert.NoError(t, backing.Write(backing.Pick(path), encoded))

	_, ctx := logging.Configure(context.Background(), logging.Config{})
	state, err := m.SwitchActive(ctx, u.Slug, false)
	assert.NoError(t, err)
	assert.Equal(t, u.Slug, state.Universe.Slug)

	activeSlug, found, err := m.ActiveSlug()
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, u.Slug, activeSlug)

	ev := <-ch
	assert.Equal(t, eventbus.KindActiveChanged, ev.Kind)
}

func TestSwitchActiveFailsForUnknownSlug(t *testing.T) {
	m := newManager(t, universe.Config{})
	_, err := m.SwitchActive(context.Background(), "does-not-exist", false)
	assert.Error(t, err)
	assert.Equal(t, corekit.KindNotFound, corekit.KindOf(err))
}

func TestReadSourceDispatchesToURLCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"schema":true}`))
	}))
	defer server.Close()

	m := newManager(t, universe.Config{URLCache: urlcache.New(urlcache.DefaultConfig())})
	u, err := m.Create("Acme", universe.CreateOptions{LocalFile: universe.LocalFile{Enabled: true}, PlatformLocalFileSupported: true})
	assert.NoError(t, err)

	_, err = m.Update(u.Slug, universe.UpdatePatch{Sources: []universe.Source{
		{ID: "s1", Type: universe.SourceTypeURL, Enabled: true, URL: server.URL},
	}})
	assert.NoError(t, err)

	data, err := m.ReadSource(context.Background(), u.Slug, "s1")
	assert.NoError(t, err)
	assert.Equal(t, `{"schema":true}`, string(data))
}

func TestReadSourceFailsForUnknownSource(t *testing.T) {
	m := newManager(t, universe.Config{})
	u, err := m.Create("Acme", universe.CreateOptions{LocalFile: universe.LocalFile{Enabled: true}, PlatformLocalFileSupported: true})
	assert.NoError(t, err)

	_, err = m.ReadSource(context.Background(), u.Slug, "missing")
	assert.Error(t, err)
	assert.Equal(t, corekit.KindNotFound, corekit.KindOf(err))
}

func TestReadSourceRefusesDisabledSource(t *testing.T) {
	m := newManager(t, universe.Config{URLCache: urlcache.New(urlcache.DefaultConfig())})
	u, err := m.Create("Acme", universe.CreateOptions{LocalFile: universe.LocalFile{Enabled: true}, PlatformLocalFileSupported: true})
	assert.NoError(t, err)

	_, err = m.Update(u.Slug, universe.UpdatePatch{Sources: []universe.Source{
		{ID: "s1", Type: universe.SourceTypeURL, Enabled: false, URL: "https://example.com"},
	}})
	assert.NoError(t, err)

	_, err = m.ReadSource(context.Background(), u.Slug, "s1")
	assert.Error(t, err)
	assert.Equal(t, corekit.KindNotSupported, corekit.KindOf(err))
}

func TestLinkDiscoveredRegistersGitBackedUniverse(t *testing.T) {
	m := newManager(t, universe.Config{})
	u, err := m.LinkDiscovered(universe.DiscoveredUniverse{Slug: "acme", Name: "Acme"}, universe.LinkedRepo{Host: "github.com", Owner: "acme", Repo: "universe"})
	assert.NoError(t, err)
	assert.Equal(t, universe.SourceOfTruthGit, u.SourceOfTruth)
	assert.True(t, u.GitRepo.Enabled)
}

func TestLinkDiscoveredRejectsAlreadyRegisteredSlug(t *testing.T) {
	m := newManager(t, universe.Config{})
	repo := universe.LinkedRepo{Owner: "acme", Repo: "universe"}
	_, err := m.LinkDiscovered(universe.DiscoveredUniverse{Slug: "acme"}, repo)
	assert.NoError(t, err)

	_, err = m.LinkDiscovered(universe.DiscoveredUniverse{Slug: "acme"}, repo)
	assert.Error(t, err)
	assert.Equal(t, corekit.KindConflict, corekit.KindOf(err))
}

func TestDiscoverInRepoSkipsMissingFiles(t *testing.T) {
	fake := &discoverProvider{}
	m := newManager(t, universe.Config{})
	discovered, err := m.DiscoverInRepo(context.Background(), fake)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(discovered))
	assert.Equal(t, "acme", discovered[0].Slug)
}

type discoverProvider struct{}

func (discoverProvider) IsAvailable(context.Context) (bool, error) { return true, nil }
func (discoverProvider) ListFiles(context.Context, string) ([]provider.FileInfo, error) {
	return []provider.FileInfo{{Name: "acme"}, {Name: "missing"}}, nil
}
func (discoverProvider) GetFile(_ context.Context, path string) (provider.FileContent, error) {
	if path == "universes/missing/missing.redstring" {
		return provider.FileContent{}, corekit.Newf(corekit.KindNotFound, "not found")
	}
	encoded, _ := codec.Encode(codec.State{Universe: codec.UniverseIdentity{Slug: "acme", Name: "Acme"}})
	return provider.FileContent{Bytes: encoded}, nil
}
func (discoverProvider) PutFile(context.Context, string, []byte, string) (string, error) {
	return "", nil
}
func (discoverProvider) DeleteFile(context.Context, string, string) error { return nil }
func (discoverProvider) CreateRepo(context.Context, string, bool) (provider.Repo, error) {
	return provider.Repo{}, nil
}
func (discoverProvider) InitializeEmptyRepo(context.Context) error { return nil }
func (discoverProvider) String() string                            { return "discover-fake" }
