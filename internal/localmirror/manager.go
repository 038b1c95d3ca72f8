// Package localmirror manages local bare git mirrors backing
// Source{type=local} auxiliary sources: read-through caches of a remote
// repository kept on local disk, refreshed on demand. Scoped to one
// mirror per universe source.
package localmirror

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/errors"

	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/logging"
)

// State is a mirror's lifecycle stage.
type State int

const (
	StateEmpty State = iota
	StateCloning
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateCloning:
		return "cloning"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// GitTuning controls the git subprocess flags used for large-repo mirrors.
type GitTuning struct {
	PostBuffer    int
	LowSpeedLimit int
	LowSpeedTime  time.Duration
}

// DefaultGitTuning holds sane defaults for cloning large repositories.
func DefaultGitTuning() GitTuning {
	return GitTuning{PostBuffer: 524288000, LowSpeedLimit: 1000, LowSpeedTime: 10 * time.Minute}
}

// Config configures a Manager.
type Config struct {
	MirrorRoot       string        `hcl:"mirror-root" help:"Directory to store local git mirrors."`
	RefCheckInterval time.Duration `hcl:"ref-check-interval,optional" help:"How long to cache ref checks." default:"10s"`
}

// TokenSource resolves a credential for a mirror's upstream URL, letting
// private GitHub/Gitea sources mirror without embedding long-lived
// credentials in the clone URL on disk.
type TokenSource interface {
	GetTokenForURL(ctx context.Context, url string) (string, error)
}

// Mirror is one local bare clone of a remote repository.
type Mirror struct {
	mu            sync.RWMutex
	tuning        GitTuning
	refCheckEvery time.Duration
	state         State
	path          string
	upstreamURL   string
	lastFetch     time.Time
	lastRefCheck  time.Time
	refCheckValid bool
	fetchSem      chan struct{}
	tokens        TokenSource
}

// Manager owns every Mirror for the process, keyed by upstream URL.
type Manager struct {
	cfg    Config
	tuning GitTuning
	tokens TokenSource

	mu      sync.RWMutex
	mirrors map[string]*Mirror
}

// New constructs a Manager rooted at cfg.MirrorRoot.
func New(ctx context.Context, cfg Config, tokens TokenSource) (*Manager, error) {
	if cfg.MirrorRoot == "" {
		return nil, corekit.Newf(corekit.KindInvariantViolation, "mirror-root is required")
	}
	if cfg.RefCheckInterval == 0 {
		cfg.RefCheckInterval = 10 * time.Second
	}
	if err := os.MkdirAll(cfg.MirrorRoot, 0o750); err != nil {
		return nil, corekit.New(corekit.KindServer, err, "create mirror root directory")
	}

	logging.FromContext(ctx).InfoContext(ctx, "local mirror manager initialized", "mirror_root", cfg.MirrorRoot)

	return &Manager{
		cfg:     cfg,
		tuning:  DefaultGitTuning(),
		tokens:  tokens,
		mirrors: make(map[string]*Mirror),
	}, nil
}

// GetOrCreate returns the Mirror for upstreamURL, creating its bookkeeping
// (but not cloning) on first use.
func (m *Manager) GetOrCreate(upstreamURL string) *Mirror {
	m.mu.RLock()
	mirror, exists := m.mirrors[upstreamURL]
	m.mu.RUnlock()
	if exists {
		return mirror
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mirror, exists = m.mirrors[upstreamURL]; exists {
		return mirror
	}

	path := m.pathForURL(upstreamURL)
	mirror = &Mirror{
		state:         StateEmpty,
		tuning:        m.tuning,
		refCheckEvery: m.cfg.RefCheckInterval,
		path:          path,
		upstreamURL:   upstreamURL,
		fetchSem:      make(chan struct{}, 1),
		tokens:        m.tokens,
	}
	if _, err := os.Stat(filepath.Join(path, "HEAD")); err == nil {
		mirror.state = StateReady
	}
	mirror.fetchSem <- struct{}{}

	m.mirrors[upstreamURL] = mirror
	return mirror
}

// Get returns the Mirror for upstreamURL, or nil if none exists yet.
func (m *Manager) Get(upstreamURL string) *Mirror {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mirrors[upstreamURL]
}

func (m *Manager) pathForURL(upstreamURL string) string {
	u, err := parseForPath(upstreamURL)
	if err != nil {
		return filepath.Join(m.cfg.MirrorRoot, "unknown")
	}
	return filepath.Join(m.cfg.MirrorRoot, u.host, u.path)
}

func (r *Mirror) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Path is the local filesystem path of the bare mirror.
func (r *Mirror) Path() string { return r.path }

// UpstreamURL is the remote this mirror tracks.
func (r *Mirror) UpstreamURL() string { return r.upstreamURL }

// Clone performs the initial `git clone --mirror`. A no-op once ready.
func (r *Mirror) Clone(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateEmpty {
		r.mu.Unlock()
		return nil
	}
	r.state = StateCloning
	r.mu.Unlock()

	err := r.executeClone(ctx)

	r.mu.Lock()
	if err != nil {
		r.state = StateEmpty
		r.mu.Unlock()
		return err
	}
	r.state = StateReady
	r.lastFetch = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *Mirror) executeClone(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return corekit.New(corekit.KindServer, err, "create mirror directory")
	}

	args := []string{
		"clone", "--mirror",
		"-c", "http.postBuffer=" + strconv.Itoa(r.tuning.PostBuffer),
		"-c", "http.lowSpeedLimit=" + strconv.Itoa(r.tuning.LowSpeedLimit),
		"-c", "http.lowSpeedTime=" + strconv.Itoa(int(r.tuning.LowSpeedTime.Seconds())),
		r.upstreamURL, r.path,
	}
	cmd, err := r.gitCommand(ctx, args...)
	if err != nil {
		return err
	}
	if output, err := cmd.CombinedOutput(); err != nil {
		return corekit.New(corekit.KindNetwork, errors.Wrapf(err, "git clone --mirror: %s", string(output)), "clone mirror")
	}
	return r.configureMirror(ctx)
}

func (r *Mirror) configureMirror(ctx context.Context) error {
	configs := [][2]string{
		{"protocol.version", "2"},
		{"uploadpack.allowFilter", "true"},
		{"repack.writeBitmaps", "true"},
		{"pack.useBitmaps", "true"},
		{"core.commitGraph", "true"},
		{"gc.writeCommitGraph", "true"},
		{"core.multiPackIndex", "true"},
		{"transfer.unpackLimit", "1"},
		{"gc.auto", "0"},
	}
	for _, kv := range configs {
		cmd := exec.CommandContext(ctx, "git", "-C", r.path, "config", kv[0], kv[1]) //nolint:gosec // r.path is controlled by us
		if output, err := cmd.CombinedOutput(); err != nil {
			return corekit.New(corekit.KindServer, errors.Wrapf(err, "configure %s: %s", kv[0], string(output)), "configure mirror")
		}
	}
	return nil
}

// Fetch refreshes the mirror from its upstream. Concurrent callers are
// serialized through fetchSem: each waits its turn and runs its own fetch.
func (r *Mirror) Fetch(ctx context.Context) error {
	select {
	case <-r.fetchSem:
		defer func() { r.fetchSem <- struct{}{} }()
	case <-ctx.Done():
		return corekit.New(corekit.KindCancelled, ctx.Err(), "cancelled acquiring fetch lock")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, err := r.gitCommand(ctx, "-C", r.path,
		"-c", "http.postBuffer="+strconv.Itoa(r.tuning.PostBuffer),
		"fetch", "--prune", "--prune-tags")
	if err != nil {
		return err
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return corekit.New(corekit.KindNetwork, errors.Wrapf(err, "git fetch: %s", string(output)), "fetch mirror")
	}
	r.lastFetch = time.Now()
	return nil
}

// EnsureRefsUpToDate fetches only if the cached ref comparison has gone
// stale and upstream refs have actually moved.
func (r *Mirror) EnsureRefsUpToDate(ctx context.Context) error {
	r.mu.Lock()
	if r.refCheckValid && time.Since(r.lastRefCheck) < r.refCheckEvery {
		r.mu.Unlock()
		return nil
	}
	r.lastRefCheck = time.Now()
	r.mu.Unlock()

	localRefs, err := r.localRefs(ctx)
	if err != nil {
		return err
	}
	upstreamRefs, err := r.upstreamRefs(ctx)
	if err != nil {
		return err
	}

	needsFetch := false
	for ref, sha := range upstreamRefs {
		if strings.HasSuffix(ref, "^{}") || !strings.HasPrefix(ref, "refs/heads/") {
			continue
		}
		if localRefs[ref] != sha {
			needsFetch = true
			break
		}
	}

	r.mu.Lock()
	r.refCheckValid = !needsFetch
	r.mu.Unlock()

	if !needsFetch {
		return nil
	}
	return r.Fetch(ctx)
}

func (r *Mirror) localRefs(ctx context.Context) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd := exec.CommandContext(ctx, "git", "-C", r.path, "for-each-ref", "--format=%(objectname) %(refname)") //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, corekit.New(corekit.KindServer, err, "git for-each-ref")
	}
	return parseGitRefs(output), nil
}

func (r *Mirror) upstreamRefs(ctx context.Context) (map[string]string, error) {
	cmd, err := r.gitCommand(ctx, "ls-remote", r.upstreamURL)
	if err != nil {
		return nil, err
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, corekit.New(corekit.KindNetwork, err, "git ls-remote")
	}
	return parseGitRefs(output), nil
}

// HasCommit reports whether ref is present in the local mirror.
func (r *Mirror) HasCommit(ctx context.Context, ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd := exec.CommandContext(ctx, "git", "-C", r.path, "cat-file", "-e", ref) //nolint:gosec
	return cmd.Run() == nil
}

// ReadFile returns path's content at ref (default HEAD if empty) out of
// the bare mirror, via `git show`, backing read-only Source{type=local}
// access without ever checking out a working tree.
func (r *Mirror) ReadFile(ctx context.Context, ref, path string) ([]byte, error) {
	if ref == "" {
		ref = "HEAD"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd := exec.CommandContext(ctx, "git", "-C", r.path, "show", ref+":"+path) //nolint:gosec
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, corekit.Newf(corekit.KindNotFound, "read %s at %s: %s", path, ref, string(exitErr.Stderr))
		}
		return nil, corekit.New(corekit.KindServer, err, "git show")
	}
	return output, nil
}
