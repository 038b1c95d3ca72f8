// Package startupcoordinator issues short-lived leases so exactly one
// Engine constructor wins per universe, preventing duplicate engines when
// multiple components (a pre-loader, a UI effect) race to initialize one.
package startupcoordinator

import (
	"sync"
	"time"

	"github.com/universesync/core/internal/universe"
)

var _ universe.Leases = (*Coordinator)(nil)

const defaultLeaseTTL = 30 * time.Second

type lease struct {
	requesterID string
	expiresAt   time.Time
}

// Coordinator is the process-wide Startup Coordinator singleton.
type Coordinator struct {
	mu       sync.Mutex
	leaseTTL time.Duration
	leases   map[string]lease // universe slug -> lease

	stop chan struct{}
	once sync.Once
}

// New constructs a Coordinator and starts its background reaper.
func New() *Coordinator {
	c := &Coordinator{
		leaseTTL: defaultLeaseTTL,
		leases:   make(map[string]lease),
		stop:     make(chan struct{}),
	}
	go c.reap()
	return c
}

// RequestInitialization grants a lease for universeSlug to requesterID if
// no unexpired lease exists for that universe, or if the existing lease
// already belongs to requesterID (idempotent re-request). Returns true when
// granted.
func (c *Coordinator) RequestInitialization(universeSlug, requesterID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	existing, ok := c.leases[universeSlug]
	if ok && now.Before(existing.expiresAt) && existing.requesterID != requesterID {
		return false
	}
	c.leases[universeSlug] = lease{requesterID: requesterID, expiresAt: now.Add(c.leaseTTL)}
	return true
}

// Release gives up requesterID's lease on universeSlug, if it still holds
// it. A no-op if the lease already expired or belongs to someone else.
func (c *Coordinator) Release(universeSlug, requesterID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.leases[universeSlug]; ok && existing.requesterID == requesterID {
		delete(c.leases, universeSlug)
	}
}

// Close stops the background reaper.
func (c *Coordinator) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Coordinator) reap() {
	ticker := time.NewTicker(c.leaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reapExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) reapExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for slug, l := range c.leases {
		if now.After(l.expiresAt) {
			delete(c.leases, slug)
		}
	}
}
