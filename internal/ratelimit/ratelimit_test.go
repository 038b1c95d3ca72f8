package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/logging"
	"github.com/universesync/core/internal/ratelimit"
)

func TestAcquireGrantsPermitForConfiguredModality(t *testing.T) {
	limiter := ratelimit.New(map[ratelimit.Modality]ratelimit.Config{
		ratelimit.ModalityOAuth: {Capacity: 10, RefillPerSecond: 100},
	})

	_, err := limiter.Acquire(context.Background(), ratelimit.ModalityOAuth)
	assert.NoError(t, err)
}

func TestAcquireFailsForUnconfiguredModality(t *testing.T) {
	limiter := ratelimit.New(map[ratelimit.Modality]ratelimit.Config{
		ratelimit.ModalityOAuth: {Capacity: 10, RefillPerSecond: 100},
	})

	_, err := limiter.Acquire(context.Background(), ratelimit.ModalityAppInstallation)
	assert.Error(t, err)
	assert.Equal(t, corekit.KindInvariantViolation, corekit.KindOf(err))
}

func TestStatsReflectUsageAfterAcquire(t *testing.T) {
	limiter := ratelimit.New(map[ratelimit.Modality]ratelimit.Config{
		ratelimit.ModalityOAuth: {Capacity: 10, RefillPerSecond: 100},
	})

	for i := 0; i < 3; i++ {
		_, err := limiter.Acquire(context.Background(), ratelimit.ModalityOAuth)
		assert.NoError(t, err)
	}

	stats, err := limiter.Stats(ratelimit.ModalityOAuth)
	assert.NoError(t, err)
	assert.Equal(t, 3, stats.Used)
	assert.Equal(t, 10, stats.Limit)
	assert.Equal(t, float64(30), stats.PercentUsed)
	assert.Zero(t, stats.FrozenUntil)
}

func TestStatsFailsForUnconfiguredModality(t *testing.T) {
	limiter := ratelimit.New(map[ratelimit.Modality]ratelimit.Config{})

	_, err := limiter.Stats(ratelimit.ModalityOAuth)
	assert.Error(t, err)
	assert.Equal(t, corekit.KindInvariantViolation, corekit.KindOf(err))
}

func TestFreezeReportsFrozenUntilInStats(t *testing.T) {
	limiter := ratelimit.New(map[ratelimit.Modality]ratelimit.Config{
		ratelimit.ModalityOAuth: {Capacity: 10, RefillPerSecond: 100},
	})

	until := time.Now().Add(time.Hour)
	assert.NoError(t, limiter.Freeze(ratelimit.ModalityOAuth, until))

	stats, err := limiter.Stats(ratelimit.ModalityOAuth)
	assert.NoError(t, err)
	assert.True(t, stats.FrozenUntil != nil)
	assert.Equal(t, until, *stats.FrozenUntil)
}

func TestFreezeNeverLowersAnAlreadyLaterDeadline(t *testing.T) {
	limiter := ratelimit.New(map[ratelimit.Modality]ratelimit.Config{
		ratelimit.ModalityOAuth: {Capacity: 10, RefillPerSecond: 100},
	})

	later := time.Now().Add(time.Hour)
	sooner := time.Now().Add(time.Minute)

	assert.NoError(t, limiter.Freeze(ratelimit.ModalityOAuth, later))
	assert.NoError(t, limiter.Freeze(ratelimit.ModalityOAuth, sooner))

	stats, err := limiter.Stats(ratelimit.ModalityOAuth)
	assert.NoError(t, err)
	assert.Equal(t, later, *stats.FrozenUntil)
}

func TestStatsReportsNoFreezeOnceItExpires(t *testing.T) {
	limiter := ratelimit.New(map[ratelimit.Modality]ratelimit.Config{
		ratelimit.ModalityOAuth: {Capacity: 10, RefillPerSecond: 100},
	})

	assert.NoError(t, limiter.Freeze(ratelimit.ModalityOAuth, time.Now().Add(5*time.Millisecond)))
	time.Sleep(10 * time.Millisecond)

	stats, err := limiter.Stats(ratelimit.ModalityOAuth)
	assert.NoError(t, err)
	assert.Zero(t, stats.FrozenUntil)
}

func TestAcquireRespectsContextCancellationWhileFrozen(t *testing.T) {
	limiter := ratelimit.New(map[ratelimit.Modality]ratelimit.Config{
		ratelimit.ModalityOAuth: {Capacity: 10, RefillPerSecond: 100},
	})
	assert.NoError(t, limiter.Freeze(ratelimit.ModalityOAuth, time.Now().Add(time.Hour)))

	_, logCtx := logging.Configure(context.Background(), logging.Config{})
	ctx, cancel := context.WithTimeout(logCtx, 10*time.Millisecond)
	defer cancel()

	_, err := limiter.Acquire(ctx, ratelimit.ModalityOAuth)
	assert.Error(t, err)
	assert.Equal(t, corekit.KindCancelled, corekit.KindOf(err))
}

func TestDefaultConfigMatchesGithubRestDefaults(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	assert.Equal(t, 5000, cfg.Capacity)
	assert.Equal(t, 1.3, cfg.RefillPerSecond)
}
