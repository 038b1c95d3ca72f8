// Package savecoordinator implements the Save Coordinator: the single
// entry point for "save now", used by the UI's Save Now action and the
// unload hook.
package savecoordinator

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/universesync/core/internal/codec"
	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/localfile"
	"github.com/universesync/core/internal/syncengine"
	"github.com/universesync/core/internal/universe"
)

// ActiveUniverseProvider is the narrow view of the Universe Manager the
// Save Coordinator needs: the active universe, its current in-memory
// state, and its Engine (if any). Declared here rather than depending on
// *universe.Manager's full surface to keep the two packages' coupling
// explicit.
type ActiveUniverseProvider interface {
	ActiveSlug() (string, bool, error)
	Get(slug string) (universe.Universe, bool, error)
	GetEngine(slug string) *syncengine.Engine
	CurrentState(slug string) (codec.State, bool)
}

var _ ActiveUniverseProvider = (*universe.Manager)(nil)

// Config wires a Coordinator to its collaborators.
type Config struct {
	Universes    ActiveUniverseProvider
	LocalBacking *localfile.Backing
}

// Result is returned by SaveActive.
type Result struct {
	Slug           string
	LocalWritten   bool
	GitCommitError error
}

// Coordinator de-duplicates concurrent save_active calls via singleflight
// and orders local-write vs. git-commit per the active universe's
// sourceOfTruth.
type Coordinator struct {
	cfg Config

	group singleflight.Group

	mu      sync.Mutex
	pending bool // a save is queued to run again once the in-flight one finishes
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// SaveActive is the single entry point for "save now". A call arriving
// while another is in flight joins that save and returns its result; no
// follow-up save runs for it. A follow-up save is queued only when a
// caller's context ends before the in-flight save finishes, and the next
// caller that receives a shared result runs it.
func (c *Coordinator) SaveActive(ctx context.Context, reason string) error {
	return c.saveActive(ctx, reason, false)
}

// ForceSaveActive bypasses the ErrorHold refusal, for callers that are an
// explicit force (bypassing the otherwise-sticky conflict/error hold).
func (c *Coordinator) ForceSaveActive(ctx context.Context, reason string) error {
	return c.saveActive(ctx, reason, true)
}

func (c *Coordinator) saveActive(ctx context.Context, reason string, force bool) error {
	ch := c.group.DoChan("save_active", func() (any, error) {
		return nil, c.doSave(ctx, reason, force)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.mu.Lock()
			pending := c.pending
			c.pending = false
			c.mu.Unlock()
			if pending {
				return c.saveActive(context.Background(), "pending_follow_up", force)
			}
		}
		if res.Err != nil {
			return res.Err
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		c.pending = true
		c.mu.Unlock()
		return corekit.New(corekit.KindCancelled, ctx.Err(), "save_active wait cancelled")
	}
}

func (c *Coordinator) doSave(ctx context.Context, reason string, force bool) error {
	slug, found, err := c.cfg.Universes.ActiveSlug()
	if err != nil {
		return err
	}
	if !found {
		return corekit.Newf(corekit.KindNotFound, "no active universe to save")
	}

	u, found, err := c.cfg.Universes.Get(slug)
	if err != nil {
		return err
	}
	if !found {
		return corekit.Newf(corekit.KindNotFound, "active universe %q not found", slug)
	}

	eng := c.cfg.Universes.GetEngine(slug)
	if eng != nil && !force {
		if status := eng.GetStatus(); status.State == syncengine.StateErrorHold {
			return corekit.Newf(corekit.KindInvariantViolation, "universe %q is in error_hold; force required (reason=%s)", slug, reason)
		}
	}

	state, hasState := c.cfg.Universes.CurrentState(slug)
	if !hasState {
		return corekit.Newf(corekit.KindInvariantViolation, "no in-memory state available for %q", slug)
	}

	switch {
	case u.SourceOfTruth == universe.SourceOfTruthLocal && u.LocalFile.Enabled && u.GitRepo.Enabled:
		if err := c.writeLocal(u, state); err != nil {
			return err
		}
		return c.commitGit(ctx, eng)
	case u.SourceOfTruth == universe.SourceOfTruthGit && u.LocalFile.Enabled && u.GitRepo.Enabled:
		if err := c.commitGit(ctx, eng); err != nil {
			return err
		}
		return c.writeLocal(u, state)
	case u.LocalFile.Enabled:
		return c.writeLocal(u, state)
	case u.GitRepo.Enabled:
		return c.commitGit(ctx, eng)
	default:
		return corekit.Newf(corekit.KindInvariantViolation, "universe %q has no enabled backing", slug)
	}
}

func (c *Coordinator) writeLocal(u universe.Universe, state codec.State) error {
	if c.cfg.LocalBacking == nil {
		return corekit.Newf(corekit.KindNotSupported, "no local backing configured")
	}
	encoded, err := codec.Encode(state)
	if err != nil {
		return corekit.New(corekit.KindServer, err, "encode universe document")
	}
	handle := c.cfg.LocalBacking.Pick(u.LocalFile.Path)
	return c.cfg.LocalBacking.Write(handle, encoded)
}

func (c *Coordinator) commitGit(ctx context.Context, eng *syncengine.Engine) error {
	if eng == nil {
		return corekit.Newf(corekit.KindNotSupported, "no engine running for active universe")
	}
	// git commit failures are best-effort relative to the local write when
	// local is authoritative; surfaced to the caller either way so the UI
	// can report a partial save.
	return eng.ForceCommit(ctx)
}
