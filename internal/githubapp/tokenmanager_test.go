package githubapp_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/githubapp"
)

func testPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func testInstallations(t *testing.T) *githubapp.Installations {
	t.Helper()
	installations, err := githubapp.NewInstallations(githubapp.Config{
		AppID:             "app-1",
		PrivateKeyPath:    "unused",
		InstallationsJSON: `{"acme":"456"}`,
	}, discardLogger())
	assert.NoError(t, err)
	return installations
}

// serverClient returns a client that sends every request, whatever its
// host, to server; the manager always addresses api.github.com.
func serverClient(server *httptest.Server) *http.Client {
	target, _ := url.Parse(server.URL)
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		r = r.Clone(r.Context())
		r.URL.Scheme = target.Scheme
		r.URL.Host = target.Host
		return server.Client().Transport.RoundTrip(r)
	})}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestNewTokenManagerRejectsUnconfiguredInstallations(t *testing.T) {
	_, err := githubapp.NewTokenManager(&githubapp.Installations{}, testPEM(t), githubapp.DefaultTokenCacheConfig(), nil)
	assert.Error(t, err)
}

func TestNewTokenManagerRejectsInvalidPEM(t *testing.T) {
	_, err := githubapp.NewTokenManager(testInstallations(t), []byte("not a pem"), githubapp.DefaultTokenCacheConfig(), nil)
	assert.Error(t, err)
}

func TestGetInstallationTokenMintsAndCachesToken(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/app/installations/456/access_tokens", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer ")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_minted",
			"expires_at": time.Now().Add(time.Hour),
		})
	}))
	defer server.Close()

	manager, err := githubapp.NewTokenManager(testInstallations(t), testPEM(t), githubapp.DefaultTokenCacheConfig(), serverClient(server))
	assert.NoError(t, err)

	token, expiresAt, err := manager.GetInstallationToken(t.Context(), 456)
	assert.NoError(t, err)
	assert.Equal(t, "ghs_minted", token)
	assert.True(t, expiresAt.After(time.Now()))

	_, _, err = manager.GetInstallationToken(t.Context(), 456)
	assert.NoError(t, err)
	assert.Equal(t, 1, requests)
}

func TestGetInstallationTokenClassifiesUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	manager, err := githubapp.NewTokenManager(testInstallations(t), testPEM(t), githubapp.DefaultTokenCacheConfig(), serverClient(server))
	assert.NoError(t, err)

	_, _, err = manager.GetInstallationToken(t.Context(), 456)
	assert.Error(t, err)
	assert.Equal(t, corekit.KindUnauthorized, corekit.KindOf(err))
}

func TestGetInstallationTokenClassifiesNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	manager, err := githubapp.NewTokenManager(testInstallations(t), testPEM(t), githubapp.DefaultTokenCacheConfig(), serverClient(server))
	assert.NoError(t, err)

	_, _, err = manager.GetInstallationToken(t.Context(), 999)
	assert.Error(t, err)
	assert.Equal(t, corekit.KindNotFound, corekit.KindOf(err))
}

func TestGetInstallationTokenClassifiesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	manager, err := githubapp.NewTokenManager(testInstallations(t), testPEM(t), githubapp.DefaultTokenCacheConfig(), serverClient(server))
	assert.NoError(t, err)

	_, _, err = manager.GetInstallationToken(t.Context(), 456)
	assert.Error(t, err)
	assert.Equal(t, corekit.KindServer, corekit.KindOf(err))
}
