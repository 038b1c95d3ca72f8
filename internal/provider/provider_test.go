package provider_test

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/provider"
)

type fakeConfig struct {
	Owner string
}

type fakeProvider struct {
	owner string
}

func (f *fakeProvider) IsAvailable(context.Context) (bool, error) { return true, nil }
func (f *fakeProvider) ListFiles(context.Context, string) ([]provider.FileInfo, error) {
	return nil, nil
}
func (f *fakeProvider) GetFile(context.Context, string) (provider.FileContent, error) {
	return provider.FileContent{}, nil
}
func (f *fakeProvider) PutFile(context.Context, string, []byte, string) (string, error) {
	return "", nil
}
func (f *fakeProvider) DeleteFile(context.Context, string, string) error { return nil }
func (f *fakeProvider) CreateRepo(context.Context, string, bool) (provider.Repo, error) {
	return provider.Repo{}, nil
}
func (f *fakeProvider) InitializeEmptyRepo(context.Context) error { return nil }
func (f *fakeProvider) String() string                            { return "fake:" + f.owner }

func init() {
	provider.Register("fake-test-provider", "test-only fake provider", func(_ context.Context, cfg fakeConfig) (*fakeProvider, error) {
		return &fakeProvider{owner: cfg.Owner}, nil
	})
}

func TestCreateDispatchesToRegisteredFactory(t *testing.T) {
	p, err := provider.Create(context.Background(), "fake-test-provider", fakeConfig{Owner: "acme"})
	assert.NoError(t, err)
	assert.Equal(t, "fake:acme", p.String())
}

func TestCreateReturnsNotFoundForUnregisteredProvider(t *testing.T) {
	_, err := provider.Create(context.Background(), "does-not-exist", fakeConfig{})
	assert.Error(t, err)
	assert.Equal(t, corekit.KindNotFound, corekit.KindOf(err))
}

func TestCreateReturnsInvariantViolationForConfigTypeMismatch(t *testing.T) {
	_, err := provider.Create(context.Background(), "fake-test-provider", "wrong type")
	assert.Error(t, err)
	assert.Equal(t, corekit.KindInvariantViolation, corekit.KindOf(err))
}

func TestKindsIncludesRegisteredProvider(t *testing.T) {
	kinds := provider.Kinds()
	found := false
	for _, k := range kinds {
		if k == "fake-test-provider" {
			found = true
		}
	}
	assert.True(t, found)
}
