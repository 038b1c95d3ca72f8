// Package eventbus fans out StatusEvent records to UI observers. No
// business logic lives here; per-source ordering is the only guarantee.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/universesync/core/internal/logging"
)

// Kind enumerates the status kinds the Git Sync Engine and Universe
// Manager emit.
type Kind string

const (
	KindIdle       Kind = "idle"
	KindCommitting Kind = "committing"
	KindCommitted  Kind = "committed"
	KindPaused     Kind = "paused"
	KindConflict   Kind = "conflict"
	KindBackoff    Kind = "backoff"
	KindError      Kind = "error"

	KindActiveChanged Kind = "active_changed"
)

// Event is a single status record. Context carries kind-specific fields
// (sha, attempt, nextTryAt, merge_decision, error kind, ...).
type Event struct {
	Source    string
	Kind      Kind
	Message   string
	Timestamp time.Time
	Context   map[string]any
	seq       uint64
}

// Seq returns the per-source sequence number this event was assigned,
// letting an observer verify it has not missed or reordered anything for
// that source.
func (e Event) Seq() uint64 { return e.seq }

type subscriber struct {
	ch chan Event
}

// Bus is a single-threaded cooperative dispatcher: Publish serializes all
// delivery through one mutex, so per-source ordering is trivially
// preserved without per-source goroutines.
type Bus struct {
	mu          sync.Mutex
	subscribers []*subscriber
	seqBySource map[string]uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{seqBySource: make(map[string]uint64)}
}

// Subscribe registers a buffered channel that receives every Event
// published after this call. A slow subscriber drops events past its
// buffer rather than blocking Publish — the Engine must never stall
// because a UI tab disconnected uncleanly.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub.ch
}

// Publish emits ev to every subscriber, stamping it with the next sequence
// number for its Source.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	ev.Timestamp = time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seqBySource[ev.Source]++
	ev.seq = b.seqBySource[ev.Source]

	logging.FromContext(ctx).InfoContext(ctx, "status event", "source", ev.Source, "kind", ev.Kind, "message", ev.Message, "seq", ev.seq)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
