package authstore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/authstore"
)

func openStore(t *testing.T) *authstore.Store {
	t.Helper()
	store, err := authstore.Open(filepath.Join(t.TempDir(), "auth.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func TestGetOAuthReturnsNotFoundWhenUnset(t *testing.T) {
	store := openStore(t)

	_, found, err := store.GetOAuth()
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestPutAndGetOAuthRoundTrips(t *testing.T) {
	store := openStore(t)
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)

	assert.NoError(t, store.PutOAuth(authstore.OAuth{
		AccessToken:  "tok",
		RefreshToken: "refresh",
		Scopes:       []string{"repo"},
		UserLogin:    "octocat",
		ExpiresAt:    &expiresAt,
	}))

	got, found, err := store.GetOAuth()
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "tok", got.AccessToken)
	assert.Equal(t, "octocat", got.UserLogin)
	assert.Equal(t, []string{"repo"}, got.Scopes)
	assert.Equal(t, expiresAt, *got.ExpiresAt)
}

func TestDeleteOAuthRemovesCredential(t *testing.T) {
	store := openStore(t)
	assert.NoError(t, store.PutOAuth(authstore.OAuth{AccessToken: "tok"}))
	assert.NoError(t, store.DeleteOAuth())

	_, found, err := store.GetOAuth()
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestPutAndGetAppInstallationRoundTrips(t *testing.T) {
	store := openStore(t)

	assert.NoError(t, store.PutAppInstallation(authstore.AppInstallation{
		InstallationID: 42,
		Account:        "acme",
		Repositories:   []string{"acme/universe"},
	}))

	got, found, err := store.GetAppInstallation()
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), got.InstallationID)
	assert.Equal(t, "acme", got.Account)
	assert.Equal(t, []string{"acme/universe"}, got.Repositories)
}

func TestDeleteAppInstallationRemovesCredential(t *testing.T) {
	store := openStore(t)
	assert.NoError(t, store.PutAppInstallation(authstore.AppInstallation{InstallationID: 1}))
	assert.NoError(t, store.DeleteAppInstallation())

	_, found, err := store.GetAppInstallation()
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestOAuthAndAppInstallationAreIndependent(t *testing.T) {
	store := openStore(t)
	assert.NoError(t, store.PutOAuth(authstore.OAuth{AccessToken: "tok"}))
	assert.NoError(t, store.PutAppInstallation(authstore.AppInstallation{InstallationID: 7}))

	_, oauthFound, err := store.GetOAuth()
	assert.NoError(t, err)
	assert.True(t, oauthFound)

	_, appFound, err := store.GetAppInstallation()
	assert.NoError(t, err)
	assert.True(t, appFound)
}

func TestReopeningStorePreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.db")

	store, err := authstore.Open(path)
	assert.NoError(t, err)
	assert.NoError(t, store.PutOAuth(authstore.OAuth{AccessToken: "tok"}))
	assert.NoError(t, store.Close())

	reopened, err := authstore.Open(path)
	assert.NoError(t, err)
	defer reopened.Close()

	got, found, err := reopened.GetOAuth()
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "tok", got.AccessToken)
}
