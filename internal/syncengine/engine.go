// Package syncengine implements the Git Sync Engine: one instance per
// universe with gitRepo.enabled=true. It debounces in-memory mutations
// into commits, manages backoff and pause/resume, detects remote drift on
// start, and arbitrates between local and remote as source of truth.
package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/universesync/core/internal/codec"
	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/eventbus"
	"github.com/universesync/core/internal/provider"
)

const (
	debounceIdle    = 1500 * time.Millisecond
	debounceEditing = 3000 * time.Millisecond
	pollInterval    = 200 * time.Millisecond
	maxBackoffN     = 6
	commitTimeout   = 10 * time.Second
)

// SourceOfTruth selects which side wins on conflict.
type SourceOfTruth string

const (
	SourceOfTruthLocal SourceOfTruth = "local"
	SourceOfTruthGit    SourceOfTruth = "git"
)

// Status is the result of GetStatus and the payload of every status event.
type Status struct {
	State         State
	SHA           string
	Attempt       int
	NextTryAt     time.Time
	ErrorKind     corekit.Kind
	MergeDecision string
}

// Config wires an Engine to its universe's remote backing and the shared
// infrastructure it reports through.
type Config struct {
	UniverseSlug   string
	UniverseFolder string // e.g. "universes/{slug}"
	UniverseFile   string // e.g. "{slug}.redstring"
	Provider       provider.Provider
	Bus            *eventbus.Bus
	SourceOfTruth  SourceOfTruth
}

// Engine is the per-universe background synchronizer.
type Engine struct {
	cfg Config
	path string

	mu             sync.Mutex
	state          State
	storeState     *codec.State
	dirty          bool
	lastUpdate     time.Time
	lastCommit     time.Time
	activityPhase  ActivityPhase
	sourceOfTruth  SourceOfTruth
	lastKnownSHA   string
	lastFingerprint [32]byte
	hasFingerprint bool
	backoffState   *backoff.ExponentialBackOff
	backoffAttempt int
	blockedUntil   time.Time
	lastErrorKind  corekit.Kind
	lastMergeDecision string

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an Engine in the Created state. Call Start to begin the
// commit loop.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:           cfg,
		path:          cfg.UniverseFolder + "/" + cfg.UniverseFile,
		state:         StateCreated,
		sourceOfTruth: cfg.SourceOfTruth,
	}
}

// Start transitions Created/Stopped → Starting → Running: performs the
// load/merge-on-start decision, then begins the commit loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateCreated && e.state != StateStopped {
		e.mu.Unlock()
		return corekit.Newf(corekit.KindInvariantViolation, "engine for %q already started", e.cfg.UniverseSlug)
	}
	e.state = StateStarting
	e.mu.Unlock()

	mergeDecision, err := e.loadMergeOnStart(ctx)
	if err != nil {
		e.mu.Lock()
		e.state = StateErrorHold
		e.lastErrorKind = corekit.KindOf(err)
		e.mu.Unlock()
		e.publish(ctx, eventbus.KindError, err.Error(), map[string]any{"kind": string(corekit.KindOf(err))})
		return err
	}

	e.mu.Lock()
	e.state = StateRunning
	e.lastMergeDecision = mergeDecision
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	e.publish(ctx, eventbus.KindIdle, "engine started", map[string]any{"merge_decision": mergeDecision})

	go e.runLoop(runCtx)
	return nil
}

// loadMergeOnStart reads the remote document and decides, per §4.F,
// whether to adopt it or keep the in-memory state as the commit target.
func (e *Engine) loadMergeOnStart(ctx context.Context) (string, error) {
	content, err := e.cfg.Provider.GetFile(ctx, e.path)
	if err != nil && !corekit.Is(err, corekit.KindNotFound) {
		return "", err
	}

	e.mu.Lock()
	inMemoryEmpty := e.storeState == nil
	sourceOfTruth := e.sourceOfTruth
	e.mu.Unlock()

	if corekit.Is(err, corekit.KindNotFound) {
		return "no remote document: in-memory state is authoritative", nil
	}

	if inMemoryEmpty || sourceOfTruth == SourceOfTruthGit {
		remote, _, decodeErr := codec.Decode(content.Bytes)
		if decodeErr != nil {
			return "", corekit.New(corekit.KindServer, decodeErr, "decode remote document")
		}
		e.mu.Lock()
		e.storeState = &remote
		e.lastKnownSHA = content.SHA
		e.dirty = false
		e.mu.Unlock()
		return "remote loaded: sourceOfTruth=" + string(sourceOfTruth), nil
	}

	e.mu.Lock()
	e.lastKnownSHA = content.SHA
	e.mu.Unlock()
	return "local preserved: in-memory nonempty, sourceOfTruth=" + string(sourceOfTruth), nil
}

// UpdateState stores a reference to newState and marks the Engine dirty.
// Cheap; does not itself trigger I/O.
func (e *Engine) UpdateState(newState codec.State) {
	e.mu.Lock()
	e.storeState = &newState
	e.dirty = true
	e.lastUpdate = time.Now()
	e.mu.Unlock()
}

// SetActivityPhase adjusts the debounce window: short while idle, extended
// while the caller reports an in-progress drag/edit.
func (e *Engine) SetActivityPhase(phase ActivityPhase) {
	e.mu.Lock()
	e.activityPhase = phase
	e.mu.Unlock()
}

// Pause suspends the commit loop without losing pending dirty state.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state == StateRunning || e.state == StateBackoff {
		e.state = StatePaused
	}
	e.mu.Unlock()
}

// Resume returns a Paused Engine to Running.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state == StatePaused {
		e.state = StateRunning
	}
	e.mu.Unlock()
}

// Restart is the only way out of ErrorHold.
func (e *Engine) Restart(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateErrorHold {
		e.mu.Unlock()
		return corekit.Newf(corekit.KindInvariantViolation, "restart only valid from error_hold")
	}
	e.backoffAttempt = 0
	e.backoffState = nil
	e.blockedUntil = time.Time{}
	e.state = StateRunning
	e.mu.Unlock()
	e.publish(ctx, eventbus.KindIdle, "engine restarted", nil)
	return nil
}

// SetSourceOfTruth changes which side is authoritative for future
// conflicts.
func (e *Engine) SetSourceOfTruth(mode SourceOfTruth) {
	e.mu.Lock()
	e.sourceOfTruth = mode
	e.mu.Unlock()
}

// Stop halts the commit loop. Safe to call multiple times.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.state = StateStopped
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return corekit.New(corekit.KindCancelled, ctx.Err(), "stop wait cancelled")
		}
	}
	return nil
}

// ForceCommit bypasses the debounce wait and attempts a commit immediately,
// waiting for its outcome.
func (e *Engine) ForceCommit(ctx context.Context) error {
	return e.attemptCommit(ctx)
}

// GetStatus returns a snapshot of the Engine's current state.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:         e.state,
		SHA:           e.lastKnownSHA,
		Attempt:       e.backoffAttempt,
		NextTryAt:     e.blockedUntil,
		ErrorKind:     e.lastErrorKind,
		MergeDecision: e.lastMergeDecision,
	}
}

func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	state := e.state
	dirty := e.dirty
	debounce := debounceIdle
	if e.activityPhase != PhaseIdle {
		debounce = debounceEditing
	}
	elapsedSinceUpdate := time.Since(e.lastUpdate)
	blocked := time.Now().Before(e.blockedUntil)
	e.mu.Unlock()

	if blocked {
		return
	}
	if state == StateBackoff {
		e.mu.Lock()
		e.state = StateRunning
		e.mu.Unlock()
	}
	if state != StateRunning && state != StateBackoff {
		return
	}
	if !dirty || elapsedSinceUpdate < debounce {
		return
	}

	_ = e.attemptCommit(ctx)
}

func (e *Engine) attemptCommit(ctx context.Context) error {
	e.mu.Lock()
	if e.storeState == nil {
		e.mu.Unlock()
		return nil
	}
	stateCopy := *e.storeState
	lastKnownSHA := e.lastKnownSHA
	sourceOfTruth := e.sourceOfTruth
	e.mu.Unlock()

	encoded, err := codec.Encode(stateCopy)
	if err != nil {
		return corekit.New(corekit.KindServer, err, "encode universe document")
	}
	fingerprint := codec.Fingerprint(encoded)

	e.mu.Lock()
	if e.hasFingerprint && e.lastFingerprint == fingerprint {
		e.dirty = false
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.publish(ctx, eventbus.KindCommitting, "committing", nil)

	commitCtx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()

	newSHA, err := e.cfg.Provider.PutFile(commitCtx, e.path, encoded, lastKnownSHA)
	if err == nil {
		e.mu.Lock()
		e.lastKnownSHA = newSHA
		e.lastFingerprint = fingerprint
		e.hasFingerprint = true
		e.dirty = false
		e.lastCommit = time.Now()
		e.backoffAttempt = 0
		e.backoffState = nil
		e.lastErrorKind = ""
		e.mu.Unlock()
		e.publish(ctx, eventbus.KindCommitted, "committed", map[string]any{"sha": newSHA})
		return nil
	}

	return e.handleCommitError(ctx, err, sourceOfTruth)
}

func (e *Engine) handleCommitError(ctx context.Context, err error, sourceOfTruth SourceOfTruth) error {
	switch corekit.KindOf(err) {
	case corekit.KindConflict:
		return e.handleConflict(ctx, sourceOfTruth)
	case corekit.KindRateLimited:
		retryAfter := 60.0
		if c, ok := err.(*corekit.Error); ok {
			retryAfter = c.RetryAfter
		}
		e.mu.Lock()
		e.blockedUntil = time.Now().Add(time.Duration(retryAfter * float64(time.Second)))
		e.mu.Unlock()
		e.publish(ctx, eventbus.KindBackoff, "rate limited", map[string]any{"next_try_at": e.blockedUntilSnapshot()})
		return nil
	case corekit.KindNetwork, corekit.KindServer:
		return e.enterBackoff(ctx)
	case corekit.KindUnauthorized:
		e.publish(ctx, eventbus.KindError, "unauthorized, requesting refresh", map[string]any{"kind": string(corekit.KindUnauthorized)})
		// The caller (Manager) is responsible for wiring Auth.GetToken into
		// the Provider itself; a single retry happens naturally on the
		// Provider's next PutFile call since tokens refresh transparently.
		// A repeated unauthorized is fatal.
		e.mu.Lock()
		alreadyFailed := e.lastErrorKind == corekit.KindUnauthorized
		e.lastErrorKind = corekit.KindUnauthorized
		e.mu.Unlock()
		if alreadyFailed {
			return e.enterErrorHold(ctx, err)
		}
		return nil
	default:
		return e.enterErrorHold(ctx, err)
	}
}

func (e *Engine) blockedUntilSnapshot() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blockedUntil
}

// handleConflict implements §4.F's one-automatic-retry policy: reload and
// re-merge when git is authoritative, overwrite with a fresh sha when
// local is authoritative. A second conflict on the retry escalates.
func (e *Engine) handleConflict(ctx context.Context, sourceOfTruth SourceOfTruth) error {
	e.mu.Lock()
	alreadyRetried := e.lastErrorKind == corekit.KindConflict
	e.lastErrorKind = corekit.KindConflict
	e.mu.Unlock()

	if alreadyRetried {
		return e.enterErrorHold(ctx, corekit.Newf(corekit.KindConflict, "repeated conflict"))
	}

	e.publish(ctx, eventbus.KindConflict, "conflict detected", map[string]any{"source_of_truth": string(sourceOfTruth)})

	remote, err := e.cfg.Provider.GetFile(ctx, e.path)
	if err != nil {
		return err
	}

	switch sourceOfTruth {
	case SourceOfTruthGit:
		decoded, _, decodeErr := codec.Decode(remote.Bytes)
		if decodeErr != nil {
			return corekit.New(corekit.KindServer, decodeErr, "decode remote during conflict resolution")
		}
		e.mu.Lock()
		e.storeState = &decoded
		e.lastKnownSHA = remote.SHA
		e.dirty = false
		e.mu.Unlock()
		return nil
	default: // SourceOfTruthLocal: overwrite, retrying with the fresh sha
		e.mu.Lock()
		e.lastKnownSHA = remote.SHA
		e.mu.Unlock()
		return e.attemptCommit(ctx)
	}
}

func (e *Engine) enterBackoff(ctx context.Context) error {
	e.mu.Lock()
	if e.backoffState == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 2 * time.Second
		b.MaxInterval = 5 * time.Minute
		b.Multiplier = 2
		b.MaxElapsedTime = 0
		e.backoffState = b
	}
	e.backoffAttempt++
	attempt := e.backoffAttempt
	if attempt > maxBackoffN {
		e.mu.Unlock()
		return e.enterErrorHold(ctx, corekit.Newf(corekit.KindServer, "exceeded backoff ceiling"))
	}
	delay := e.backoffState.NextBackOff()
	e.state = StateBackoff
	e.blockedUntil = time.Now().Add(delay)
	nextTry := e.blockedUntil
	e.mu.Unlock()

	e.publish(ctx, eventbus.KindBackoff, "network/server error, backing off", map[string]any{
		"attempt":     attempt,
		"next_try_at": nextTry,
	})
	return nil
}

func (e *Engine) enterErrorHold(ctx context.Context, cause error) error {
	kind := corekit.KindOf(cause)
	e.mu.Lock()
	e.state = StateErrorHold
	e.lastErrorKind = kind
	e.mu.Unlock()

	hint := "restart_sync"
	if kind == corekit.KindConflict {
		hint = "resolve_conflict"
	} else if kind == corekit.KindUnauthorized {
		hint = "reconnect"
	}
	e.publish(ctx, eventbus.KindError, cause.Error(), map[string]any{"kind": string(kind), "recovery_hint": hint})
	return cause
}

func (e *Engine) publish(ctx context.Context, kind eventbus.Kind, message string, fields map[string]any) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(ctx, eventbus.Event{Source: e.cfg.UniverseSlug, Kind: kind, Message: message, Context: fields})
}
