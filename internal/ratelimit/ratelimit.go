// Package ratelimit implements the process-wide, per-modality token-bucket
// gate shared by every Provider call.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/logging"
)

// Modality selects both the credential kind and the bucket it shares.
type Modality = corekit.Modality

const (
	ModalityOAuth           = corekit.ModalityOAuth
	ModalityAppInstallation = corekit.ModalityAppInstallation
)

type Config struct {
	Capacity        int     `hcl:"capacity,optional" help:"Maximum burst size for this modality's bucket." default:"100"`
	RefillPerSecond float64 `hcl:"refill-per-second,optional" help:"Steady-state permits replenished per second." default:"1"`
}

// DefaultConfig mirrors GitHub's unauthenticated/REST defaults closely
// enough to be a sane out-of-the-box value; operators override via HCL.
func DefaultConfig() Config {
	return Config{Capacity: 5000, RefillPerSecond: 1.3}
}

// Stats is the snapshot returned to the UI and to the Engine when choosing
// between modalities.
type Stats struct {
	Used         int
	Limit        int
	PercentUsed  float64
	FrozenUntil  *time.Time
}

type bucket struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	limit       int
	used        int
	frozenUntil time.Time
}

// Limiter is a single process-wide gate with one bucket per Modality.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[Modality]*bucket
}

// New constructs a Limiter with the given per-modality configuration.
func New(configs map[Modality]Config) *Limiter {
	buckets := make(map[Modality]*bucket, len(configs))
	for modality, cfg := range configs {
		buckets[modality] = &bucket{
			limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity),
			limit:   cfg.Capacity,
		}
	}
	return &Limiter{buckets: buckets}
}

// Permit is returned by Acquire; it carries nothing but exists so callers
// have a concrete value to hold for the duration of the permitted call.
type Permit struct {
	modality Modality
}

// Acquire suspends the caller until a permit is available for modality, the
// bucket unfreezes, or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context, modality Modality) (Permit, error) {
	b, err := l.bucketFor(modality)
	if err != nil {
		return Permit{}, err
	}

	for {
		b.mu.Lock()
		frozenUntil := b.frozenUntil
		b.mu.Unlock()

		if !frozenUntil.IsZero() {
			if wait := time.Until(frozenUntil); wait > 0 {
				logging.FromContext(ctx).DebugContext(ctx, "rate limiter frozen", "modality", modality, "wait", wait)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return Permit{}, corekit.New(corekit.KindCancelled, ctx.Err(), "acquire cancelled while frozen")
				}
				continue
			}
		}

		if err := b.limiter.Wait(ctx); err != nil {
			return Permit{}, corekit.New(corekit.KindCancelled, err, "acquire cancelled")
		}

		b.mu.Lock()
		b.used++
		b.mu.Unlock()
		return Permit{modality: modality}, nil
	}
}

// Freeze instructs the bucket for modality to refuse permits until until.
// Called when the remote returns rate_limited(retry_after).
func (l *Limiter) Freeze(modality Modality, until time.Time) error {
	b, err := l.bucketFor(modality)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.frozenUntil) {
		b.frozenUntil = until
	}
	return nil
}

// Stats reports usage for modality.
func (l *Limiter) Stats(modality Modality) (Stats, error) {
	b, err := l.bucketFor(modality)
	if err != nil {
		return Stats{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		Used:  b.used,
		Limit: b.limit,
	}
	if b.limit > 0 {
		stats.PercentUsed = float64(b.used) / float64(b.limit) * 100
	}
	if !b.frozenUntil.IsZero() && time.Now().Before(b.frozenUntil) {
		frozenUntil := b.frozenUntil
		stats.FrozenUntil = &frozenUntil
	}
	return stats, nil
}

func (l *Limiter) bucketFor(modality Modality) (*bucket, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.buckets[modality]
	if !ok {
		return nil, corekit.Newf(corekit.KindInvariantViolation, "no rate limit bucket configured for modality %q", modality)
	}
	return b, nil
}
