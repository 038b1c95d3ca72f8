package corekit_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/corekit"
)

func TestNewCarriesKindAndMessage(t *testing.T) {
	err := corekit.New(corekit.KindServer, errors.New("disk full"), "write universe")
	assert.Error(t, err)
	assert.Equal(t, "server: write universe", err.Error())
	assert.Equal(t, corekit.KindServer, corekit.KindOf(err))
}

func TestNewfFormatsMessage(t *testing.T) {
	err := corekit.Newf(corekit.KindNotFound, "universe %q not found", "acme")
	assert.Equal(t, `not_found: universe "acme" not found`, err.Error())
	assert.True(t, corekit.Is(err, corekit.KindNotFound))
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := corekit.RateLimited(42.5)
	assert.Equal(t, corekit.KindRateLimited, corekit.KindOf(err))
	assert.Equal(t, 42.5, err.RetryAfter)
}

func TestIsReturnsFalseForUnrelatedError(t *testing.T) {
	err := errors.New("plain error")
	assert.False(t, corekit.Is(err, corekit.KindServer))
	assert.Equal(t, corekit.Kind(""), corekit.KindOf(err))
}

func TestIsLooksThroughWrapping(t *testing.T) {
	inner := corekit.Newf(corekit.KindConflict, "conflict")
	wrapped := fmt.Errorf("switching universe: %w", inner)
	assert.True(t, corekit.Is(wrapped, corekit.KindConflict))
}

func TestErrorWithoutMessageFallsBackToKind(t *testing.T) {
	err := corekit.RateLimited(1)
	assert.Equal(t, "rate_limited", err.Error())
}
