// Package urlcache implements the read-through cache backing
// Source{type=url} auxiliary sources: type=url sources are
// cache-or-read-through and never written. Keys are the URL alone, with
// no per-universe namespace; cmd/universed shares one cache instance
// across all universes.
package urlcache

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alecthomas/errors"

	"github.com/universesync/core/internal/corekit"
)

// Config configures a Cache.
type Config struct {
	MaxTTL      time.Duration
	MaxEntries  int
	HTTPClient  *http.Client
}

// DefaultConfig returns sane defaults: a 1-hour TTL and a 256-entry cap.
func DefaultConfig() Config {
	return Config{MaxTTL: time.Hour, MaxEntries: 256, HTTPClient: http.DefaultClient}
}

type entry struct {
	data      []byte
	fetchedAt time.Time
	lastUsed  time.Time
}

// Cache is a size-bounded, TTL-expiring read-through cache over plain
// URLs. Never written to directly; Get is the only path in.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = time.Hour
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 256
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Cache{cfg: cfg, entries: make(map[string]*entry)}
}

// Get returns url's content, serving a fresh cache entry if one exists or
// fetching and populating the cache otherwise.
func (c *Cache) Get(ctx context.Context, url string) ([]byte, error) {
	c.mu.Lock()
	if e, ok := c.entries[url]; ok && time.Since(e.fetchedAt) < c.cfg.MaxTTL {
		e.lastUsed = time.Now()
		data := e.data
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	data, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[url] = &entry{data: data, fetchedAt: time.Now(), lastUsed: time.Now()}
	c.evictIfNeeded()
	c.mu.Unlock()

	return data, nil
}

// Invalidate removes url's cached entry, if any, forcing the next Get to
// refetch.
func (c *Cache) Invalidate(url string) {
	c.mu.Lock()
	delete(c.entries, url)
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, corekit.New(corekit.KindBadRequest, err, "build request")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, corekit.New(corekit.KindNetwork, err, "fetch url source")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, corekit.Newf(corekit.KindNotFound, "url source not found: %s", url)
	case http.StatusTooManyRequests:
		return nil, corekit.RateLimited(60)
	default:
		if resp.StatusCode >= 500 {
			return nil, corekit.Newf(corekit.KindServer, "url source fetch failed with status %d", resp.StatusCode)
		}
		return nil, corekit.Newf(corekit.KindBadRequest, "url source fetch failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read url source body")
	}
	return data, nil
}

// evictIfNeeded drops the least-recently-used entry once over capacity.
// Called with mu held.
func (c *Cache) evictIfNeeded() {
	if len(c.entries) <= c.cfg.MaxEntries {
		return
	}
	var oldestKey string
	var oldestUsed time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.lastUsed.Before(oldestUsed) {
			oldestKey, oldestUsed = k, e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
