package startupcoordinator_test

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/startupcoordinator"
)

func TestRequestInitializationGrantsExclusively(t *testing.T) {
	c := startupcoordinator.New()
	defer c.Close()

	assert.True(t, c.RequestInitialization("acme", "requester-a"))
	assert.False(t, c.RequestInitialization("acme", "requester-b"))
}

func TestRequestInitializationIsIdempotentForSameRequester(t *testing.T) {
	c := startupcoordinator.New()
	defer c.Close()

	assert.True(t, c.RequestInitialization("acme", "requester-a"))
	assert.True(t, c.RequestInitialization("acme", "requester-a"))
}

func TestReleaseFreesTheLeaseForOtherRequesters(t *testing.T) {
	c := startupcoordinator.New()
	defer c.Close()

	assert.True(t, c.RequestInitialization("acme", "requester-a"))
	c.Release("acme", "requester-a")
	assert.True(t, c.RequestInitialization("acme", "requester-b"))
}

func TestReleaseIsANoOpForTheWrongRequester(t *testing.T) {
	c := startupcoordinator.New()
	defer c.Close()

	assert.True(t, c.RequestInitialization("acme", "requester-a"))
	c.Release("acme", "requester-b")
	assert.False(t, c.RequestInitialization("acme", "requester-c"))
}

func TestLeasesAreIndependentPerUniverse(t *testing.T) {
	c := startupcoordinator.New()
	defer c.Close()

	assert.True(t, c.RequestInitialization("acme", "requester-a"))
	assert.True(t, c.RequestInitialization("globex", "requester-b"))
}
