package universe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/universesync/core/internal/codec"
	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/eventbus"
	"github.com/universesync/core/internal/localfile"
	"github.com/universesync/core/internal/localmirror"
	"github.com/universesync/core/internal/provider"
	"github.com/universesync/core/internal/syncengine"
	"github.com/universesync/core/internal/urlcache"
)

// SourceProviderFactory constructs a Provider scoped to a single auxiliary
// Source (as opposed to ProviderFactory, scoped to a universe's primary
// gitRepo.linkedRepo), for reading a github/gitea auxiliary Source.
type SourceProviderFactory func(ctx context.Context, src Source) (provider.Provider, error)

// SaveCoordinator is the narrow view of the Save Coordinator the Manager
// needs during switch_active. Declared here (rather than importing
// package savecoordinator) so savecoordinator can depend on Manager
// without an import cycle; savecoordinator.Coordinator satisfies this.
type SaveCoordinator interface {
	SaveActive(ctx context.Context, reason string) error
}

// ProviderFactory constructs the Provider capability for u's linked repo,
// resolving credentials and rate limiting that the Manager itself has no
// opinion about. Injected so this package never imports auth/ratelimit
// directly.
type ProviderFactory func(ctx context.Context, u Universe) (provider.Provider, error)

// Leases is the narrow view of the Startup Coordinator the Manager needs
// to keep two racing callers from constructing duplicate Engines for the
// same universe.
type Leases interface {
	RequestInitialization(universeSlug, requesterID string) bool
	Release(universeSlug, requesterID string)
}

// managerRequesterID identifies the Manager itself as a lease holder,
// distinct from any pre-loader or UI-driven requester that might also
// race to initialize the same universe's Engine.
const managerRequesterID = "universe-manager"

// Config wires a Manager to its collaborators.
type Config struct {
	Store             *Store
	Bus               *eventbus.Bus
	LocalBacking      *localfile.Backing
	NewProvider       ProviderFactory
	NewSourceProvider SourceProviderFactory
	URLCache          *urlcache.Cache
	Mirrors           *localmirror.Manager
	Leases            Leases
	SwitchTimeout     time.Duration
	DeleteWaitLimit   time.Duration
}

// Manager owns the universe registry and the active-universe state
// machine. Engines, file handles and coordinators are borrowed
// references obtained through it.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	engines    map[string]*syncengine.Engine
	saver      SaveCoordinator
	stateCache map[string]codec.State
}

// New constructs a Manager. SetSaveCoordinator must be called once the
// Save Coordinator exists, since the two are constructed in either order
// depending on the host wiring.
func New(cfg Config) *Manager {
	if cfg.SwitchTimeout == 0 {
		cfg.SwitchTimeout = 30 * time.Second
	}
	if cfg.DeleteWaitLimit == 0 {
		cfg.DeleteWaitLimit = 15 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		engines:    make(map[string]*syncengine.Engine),
		stateCache: make(map[string]codec.State),
	}
}

// UpdateState records state as slug's current in-memory document and, if
// an Engine is running for slug, forwards it for debounced committing.
// This is the single path by which the external graph store's mutations
// enter the core.
func (m *Manager) UpdateState(slug string, state codec.State) {
	m.mu.Lock()
	m.stateCache[slug] = state
	m.mu.Unlock()
	if eng := m.GetEngine(slug); eng != nil {
		eng.UpdateState(state)
	}
}

// CurrentState returns the most recently recorded in-memory document for
// slug, used by the Save Coordinator when writing the local backing.
func (m *Manager) CurrentState(slug string) (codec.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.stateCache[slug]
	return state, ok
}

// SetSaveCoordinator wires the Save Coordinator SwitchActive defers to
// when save_current is requested.
func (m *Manager) SetSaveCoordinator(sc SaveCoordinator) {
	m.mu.Lock()
	m.saver = sc
	m.mu.Unlock()
}

// List returns every registered Universe.
func (m *Manager) List() ([]Universe, error) {
	return m.cfg.Store.List()
}

// Get returns a single registered Universe.
func (m *Manager) Get(slug string) (Universe, bool, error) {
	return m.cfg.Store.Get(slug)
}

// ActiveSlug returns the currently active universe's slug.
func (m *Manager) ActiveSlug() (string, bool, error) {
	return m.cfg.Store.GetActiveSlug()
}

// Create registers a new Universe, enforcing its backing invariants.
func (m *Manager) Create(name string, opts CreateOptions) (Universe, error) {
	if !opts.LocalFile.Enabled && !opts.GitRepo.Enabled {
		return Universe{}, corekit.Newf(corekit.KindInvariantViolation, "universe must enable localFile or gitRepo")
	}
	sourceOfTruth := opts.SourceOfTruth
	if sourceOfTruth == "" {
		sourceOfTruth = SourceOfTruthLocal
		if opts.GitRepo.Enabled && !opts.LocalFile.Enabled {
			sourceOfTruth = SourceOfTruthGit
		}
	}
	if !opts.PlatformLocalFileSupported {
		sourceOfTruth = SourceOfTruthGit
	}
	if sourceOfTruth == SourceOfTruthGit && (!opts.GitRepo.Enabled || opts.GitRepo.LinkedRepo == nil) {
		return Universe{}, corekit.Newf(corekit.KindInvariantViolation, "sourceOfTruth=git requires gitRepo.enabled and a linkedRepo")
	}

	slug := slugify(name)
	if existing, found, err := m.cfg.Store.Get(slug); err != nil {
		return Universe{}, err
	} else if found {
		return existing, corekit.Newf(corekit.KindConflict, "universe slug %q already exists", slug)
	}

	if opts.GitRepo.Enabled {
		if opts.GitRepo.UniverseFolder == "" {
			opts.GitRepo.UniverseFolder = "universes/" + slug
		}
		if opts.GitRepo.UniverseFile == "" {
			opts.GitRepo.UniverseFile = slug + ".redstring"
		}
		if opts.GitRepo.SchemaPath == "" {
			opts.GitRepo.SchemaPath = "schema"
		}
	}

	now := time.Now()
	u := Universe{
		Slug:          slug,
		Name:          name,
		SourceOfTruth: sourceOfTruth,
		LocalFile:     opts.LocalFile,
		GitRepo:       opts.GitRepo,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.cfg.Store.Put(u); err != nil {
		return Universe{}, err
	}
	return u, nil
}

// Delete removes slug from the registry, refusing if it is the last
// universe. Waits up to DeleteWaitLimit for an in-flight commit before
// stopping the Engine regardless.
func (m *Manager) Delete(ctx context.Context, slug string) error {
	all, err := m.cfg.Store.List()
	if err != nil {
		return err
	}
	if len(all) <= 1 {
		return corekit.Newf(corekit.KindInvariantViolation, "cannot delete the last remaining universe")
	}
	if _, found, err := m.cfg.Store.Get(slug); err != nil {
		return err
	} else if !found {
		return corekit.Newf(corekit.KindNotFound, "universe %q not found", slug)
	}

	if eng := m.GetEngine(slug); eng != nil {
		waitCtx, cancel := context.WithTimeout(ctx, m.cfg.DeleteWaitLimit)
		_ = eng.Stop(waitCtx)
		cancel()
		m.setEngine(slug, nil)
	}

	if activeSlug, found, err := m.cfg.Store.GetActiveSlug(); err == nil && found && activeSlug == slug {
		_ = m.cfg.Store.SetActiveSlug("")
	}
	return m.cfg.Store.Delete(slug)
}

// Update applies patch to slug, validating invariants before persisting.
// Renaming changes Name only: the on-disk filename follows slug.
func (m *Manager) Update(slug string, patch UpdatePatch) (Universe, error) {
	u, found, err := m.cfg.Store.Get(slug)
	if err != nil {
		return Universe{}, err
	}
	if !found {
		return Universe{}, corekit.Newf(corekit.KindNotFound, "universe %q not found", slug)
	}

	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.Sources != nil {
		u.Sources = patch.Sources
		if n := countPrimaryMirrorMatches(u); n > 1 {
			return Universe{}, corekit.Newf(corekit.KindInvariantViolation, "sources may contain at most one entry matching gitRepo.linkedRepo, found %d", n)
		}
	}
	if patch.SourceOfTruth != nil {
		if *patch.SourceOfTruth == SourceOfTruthGit && (!u.GitRepo.Enabled || u.GitRepo.LinkedRepo == nil) {
			return Universe{}, corekit.Newf(corekit.KindInvariantViolation, "sourceOfTruth=git requires gitRepo.enabled and a linkedRepo")
		}
		u.SourceOfTruth = *patch.SourceOfTruth
		if eng := m.GetEngine(slug); eng != nil {
			switch u.SourceOfTruth {
			case SourceOfTruthGit:
				eng.SetSourceOfTruth(syncengine.SourceOfTruthGit)
			default:
				eng.SetSourceOfTruth(syncengine.SourceOfTruthLocal)
			}
		}
	}
	u.UpdatedAt = time.Now()

	if err := m.cfg.Store.Put(u); err != nil {
		return Universe{}, err
	}
	return u, nil
}

// SwitchActive is the heart of the state machine.
func (m *Manager) SwitchActive(ctx context.Context, slug string, saveCurrent bool) (codec.State, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SwitchTimeout)
	defer cancel()

	incoming, found, err := m.cfg.Store.Get(slug)
	if err != nil {
		return codec.State{}, err
	}
	if !found {
		return codec.State{}, corekit.Newf(corekit.KindNotFound, "universe %q not found", slug)
	}

	outgoingSlug, hadOutgoing, err := m.cfg.Store.GetActiveSlug()
	if err != nil {
		return codec.State{}, err
	}

	if saveCurrent && hadOutgoing && outgoingSlug != "" {
		m.mu.Lock()
		saver := m.saver
		m.mu.Unlock()
		if saver != nil {
			if err := saver.SaveActive(ctx, "switch_active"); err != nil {
				return codec.State{}, corekit.New(corekit.KindServer, err, "save outgoing universe before switch")
			}
		}
	}

	if ctx.Err() != nil {
		return codec.State{}, corekit.New(corekit.KindCancelled, ctx.Err(), "switch cancelled before stopping outgoing engine")
	}

	if hadOutgoing && outgoingSlug != "" {
		if eng := m.GetEngine(outgoingSlug); eng != nil {
			_ = eng.Stop(ctx)
			m.setEngine(outgoingSlug, nil)
		}
	}

	state, err := m.loadUniverse(ctx, incoming)
	if err != nil {
		if m.cfg.Bus != nil {
			m.cfg.Bus.Publish(ctx, eventbus.Event{
				Source:  incoming.Slug,
				Kind:    eventbus.KindError,
				Message: "failed to load universe on switch_active",
				Context: map[string]any{"slug": incoming.Slug, "error": err.Error()},
			})
		}
		return codec.State{}, err
	}
	m.mu.Lock()
	m.stateCache[incoming.Slug] = state
	m.mu.Unlock()

	if incoming.GitRepo.Enabled && incoming.GitRepo.LinkedRepo != nil && m.cfg.NewProvider != nil {
		granted := true
		if m.cfg.Leases != nil {
			granted = m.cfg.Leases.RequestInitialization(incoming.Slug, managerRequesterID)
		}
		if granted {
			prov, err := m.cfg.NewProvider(ctx, incoming)
			if err != nil {
				if m.cfg.Leases != nil {
					m.cfg.Leases.Release(incoming.Slug, managerRequesterID)
				}
				return codec.State{}, corekit.New(corekit.KindServer, err, "construct provider for incoming universe")
			}
			engSourceOfTruth := syncengine.SourceOfTruthLocal
			if incoming.SourceOfTruth == SourceOfTruthGit {
				engSourceOfTruth = syncengine.SourceOfTruthGit
			}
			eng := syncengine.New(syncengine.Config{
				UniverseSlug:   incoming.Slug,
				UniverseFolder: incoming.GitRepo.UniverseFolder,
				UniverseFile:   incoming.GitRepo.UniverseFile,
				Provider:       prov,
				Bus:            m.cfg.Bus,
				SourceOfTruth:  engSourceOfTruth,
			})
			if err := eng.Start(ctx); err != nil {
				if m.cfg.Leases != nil {
					m.cfg.Leases.Release(incoming.Slug, managerRequesterID)
				}
				return codec.State{}, err
			}
			m.setEngine(incoming.Slug, eng)
			if m.cfg.Leases != nil {
				m.cfg.Leases.Release(incoming.Slug, managerRequesterID)
			}
		}
	}

	if err := m.cfg.Store.SetActiveSlug(incoming.Slug); err != nil {
		return codec.State{}, err
	}

	now := time.Now()
	incoming.Metadata.LastOpenedAt = &now
	incoming.UpdatedAt = now
	_ = m.cfg.Store.Put(incoming)

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(ctx, eventbus.Event{
			Source:  incoming.Slug,
			Kind:    eventbus.KindActiveChanged,
			Message: "active universe changed",
			Context: map[string]any{"slug": incoming.Slug},
		})
	}

	return state, nil
}

// loadUniverse implements the "prefer declared sourceOfTruth; if
// unreachable try the other" rule.
func (m *Manager) loadUniverse(ctx context.Context, u Universe) (codec.State, error) {
	order := []SourceOfTruth{u.SourceOfTruth}
	for _, alt := range []SourceOfTruth{SourceOfTruthLocal, SourceOfTruthGit} {
		if alt != u.SourceOfTruth {
			order = append(order, alt)
		}
	}

	var lastErr error
	for _, side := range order {
		state, err := m.loadFromSide(ctx, u, side)
		if err == nil {
			return state, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = corekit.Newf(corekit.KindNotFound, "no backing produced a document for %q", u.Slug)
	}
	return codec.State{}, lastErr
}

func (m *Manager) loadFromSide(ctx context.Context, u Universe, side SourceOfTruth) (codec.State, error) {
	switch side {
	case SourceOfTruthLocal:
		if !u.LocalFile.Enabled || m.cfg.LocalBacking == nil {
			return codec.State{}, corekit.Newf(corekit.KindNotSupported, "local backing not enabled for %q", u.Slug)
		}
		handle := m.cfg.LocalBacking.Pick(u.LocalFile.Path)
		data, err := m.cfg.LocalBacking.Read(handle)
		if err != nil {
			return codec.State{}, err
		}
		state, _, err := codec.Decode(data)
		return state, err
	case SourceOfTruthGit:
		if !u.GitRepo.Enabled || u.GitRepo.LinkedRepo == nil || m.cfg.NewProvider == nil {
			return codec.State{}, corekit.Newf(corekit.KindNotSupported, "git backing not enabled for %q", u.Slug)
		}
		prov, err := m.cfg.NewProvider(ctx, u)
		if err != nil {
			return codec.State{}, err
		}
		content, err := prov.GetFile(ctx, u.GitRepo.UniverseFolder+"/"+u.GitRepo.UniverseFile)
		if err != nil {
			return codec.State{}, err
		}
		state, _, err := codec.Decode(content.Bytes)
		return state, err
	default:
		return codec.State{}, corekit.Newf(corekit.KindInvariantViolation, "unknown sourceOfTruth %q", side)
	}
}

// DiscoverInRepo walks universes/*/ in a remote, fully decoding each
// *.redstring to read its identity and stats.
func (m *Manager) DiscoverInRepo(ctx context.Context, prov provider.Provider) ([]DiscoveredUniverse, error) {
	entries, err := prov.ListFiles(ctx, "universes")
	if err != nil {
		return nil, err
	}

	var out []DiscoveredUniverse
	for _, dir := range entries {
		path := "universes/" + dir.Name + "/" + dir.Name + ".redstring"
		content, err := prov.GetFile(ctx, path)
		if corekit.Is(err, corekit.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stats, err := codec.PeekStats(content.Bytes)
		if err != nil {
			continue
		}
		state, _, err := codec.Decode(content.Bytes)
		name := dir.Name
		if err == nil {
			name = state.Universe.Name
		}
		out = append(out, DiscoveredUniverse{
			Slug:     dir.Name,
			Name:     name,
			Path:     path,
			Metadata: metadataFromCodec(stats),
		})
	}
	return out, nil
}

func metadataFromCodec(m codec.Metadata) Metadata {
	return Metadata{
		NodeCount:    m.NodeCount,
		GraphCount:   m.GraphCount,
		EdgeCount:    m.EdgeCount,
		LastOpenedAt: m.LastOpenedAt,
		LastSavedAt:  m.LastSavedAt,
	}
}

// LinkDiscovered creates a local Universe entry bound to a discovered
// remote file. Does not overwrite an existing universe with the same
// slug but a different repo; callers must pick a distinct slug first.
func (m *Manager) LinkDiscovered(d DiscoveredUniverse, repo LinkedRepo) (Universe, error) {
	if existing, found, err := m.cfg.Store.Get(d.Slug); err != nil {
		return Universe{}, err
	} else if found {
		return existing, corekit.Newf(corekit.KindConflict, "universe slug %q already registered locally", d.Slug)
	}

	now := time.Now()
	u := Universe{
		Slug:          d.Slug,
		Name:          d.Name,
		SourceOfTruth: SourceOfTruthGit,
		GitRepo: GitRepo{
			Enabled:        true,
			LinkedRepo:     &repo,
			UniverseFolder: "universes/" + d.Slug,
			UniverseFile:   d.Slug + ".redstring",
			SchemaPath:     "schema",
		},
		Metadata:  d.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.cfg.Store.Put(u); err != nil {
		return Universe{}, err
	}
	return u, nil
}

// ReadSource resolves the content of an auxiliary, read-only Source —
// an ordered sequence of auxiliary descriptors, read-only except when
// promoted to primary — dispatching to the urlcache, the local mirror,
// or a scoped Provider by Source.Type.
func (m *Manager) ReadSource(ctx context.Context, slug, sourceID string) ([]byte, error) {
	u, found, err := m.cfg.Store.Get(slug)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, corekit.Newf(corekit.KindNotFound, "universe %q not found", slug)
	}

	var src Source
	srcFound := false
	for _, s := range u.Sources {
		if s.ID == sourceID {
			src, srcFound = s, true
			break
		}
	}
	if !srcFound {
		return nil, corekit.Newf(corekit.KindNotFound, "source %q not found in universe %q", sourceID, slug)
	}
	if !src.Enabled {
		return nil, corekit.Newf(corekit.KindNotSupported, "source %q is disabled", sourceID)
	}

	switch src.Type {
	case SourceTypeURL:
		if m.cfg.URLCache == nil {
			return nil, corekit.Newf(corekit.KindNotSupported, "url sources not configured")
		}
		return m.cfg.URLCache.Get(ctx, src.URL)

	case SourceTypeLocal:
		if m.cfg.Mirrors == nil {
			return nil, corekit.Newf(corekit.KindNotSupported, "local mirror sources not configured")
		}
		mirror := m.cfg.Mirrors.GetOrCreate(src.URL)
		if mirror.State() == localmirror.StateEmpty {
			if err := mirror.Clone(ctx); err != nil {
				return nil, err
			}
		} else if err := mirror.EnsureRefsUpToDate(ctx); err != nil {
			return nil, err
		}
		return mirror.ReadFile(ctx, "", src.Path)

	case SourceTypeGitHub, SourceTypeGitea:
		if m.cfg.NewSourceProvider == nil {
			return nil, corekit.Newf(corekit.KindNotSupported, "remote sources not configured")
		}
		prov, err := m.cfg.NewSourceProvider(ctx, src)
		if err != nil {
			return nil, err
		}
		content, err := prov.GetFile(ctx, src.Path)
		if err != nil {
			return nil, err
		}
		return content.Bytes, nil

	default:
		return nil, corekit.Newf(corekit.KindInvariantViolation, "unknown source type %q", src.Type)
	}
}

// ResolveSyncConflict discards the non-authoritative side, reloading from
// sourceOfTruth. Explicit, user-driven; distinct from the Engine's
// automatic one-retry conflict handling.
func (m *Manager) ResolveSyncConflict(ctx context.Context, slug string) (codec.State, error) {
	u, found, err := m.cfg.Store.Get(slug)
	if err != nil {
		return codec.State{}, err
	}
	if !found {
		return codec.State{}, corekit.Newf(corekit.KindNotFound, "universe %q not found", slug)
	}
	return m.loadFromSide(ctx, u, u.SourceOfTruth)
}

// SetEngine registers eng as the Engine for slug, per the Manager's sole-
// registry role.
func (m *Manager) SetEngine(slug string, eng *syncengine.Engine) {
	m.setEngine(slug, eng)
}

func (m *Manager) setEngine(slug string, eng *syncengine.Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eng == nil {
		delete(m.engines, slug)
		return
	}
	m.engines[slug] = eng
}

// GetEngine returns the Engine registered for slug, or nil.
func (m *Manager) GetEngine(slug string) *syncengine.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[slug]
}

func slugify(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastDash := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		slug = fmt.Sprintf("universe-%s", uuid.NewString()[:8])
	}
	return slug
}
