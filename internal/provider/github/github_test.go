package github_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/provider"
	"github.com/universesync/core/internal/provider/github"
	"github.com/universesync/core/internal/ratelimit"
)

type stubTokens struct{ token string }

func (s stubTokens) GetToken(context.Context, corekit.Modality) (string, error) {
	return s.token, nil
}

func newLimiter() *ratelimit.Limiter {
	return ratelimit.New(map[ratelimit.Modality]ratelimit.Config{
		corekit.ModalityAppInstallation: {Capacity: 1000, RefillPerSecond: 1000},
		corekit.ModalityOAuth:           {Capacity: 1000, RefillPerSecond: 1000},
	})
}

func newProvider(t *testing.T, baseURL string) *github.Provider {
	t.Helper()
	p, err := github.New(context.Background(), github.Config{
		Owner:      "acme",
		Repo:       "universe",
		APIBaseURL: baseURL,
		Modality:   corekit.ModalityAppInstallation,
		Auth:       stubTokens{token: "tok"},
		Limiter:    newLimiter(),
	})
	assert.NoError(t, err)
	return p
}

func TestNewRequiresAuthAndLimiter(t *testing.T) {
	_, err := github.New(context.Background(), github.Config{Owner: "acme", Repo: "universe"})
	assert.Error(t, err)
}

func TestStringIdentifiesOwnerRepo(t *testing.T) {
	p := newProvider(t, "https://api.github.com")
	assert.Equal(t, "github:acme/universe", p.String())
}

func TestGetFileDecodesBase64Content(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/universe/contents/schema.json", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":    "schema.json",
			"path":    "schema.json",
			"sha":     "abc123",
			"content": base64.StdEncoding.EncodeToString([]byte(`{"ok":true}`)),
		})
	}))
	defer server.Close()

	p := newProvider(t, server.URL)
	content, err := p.GetFile(context.Background(), "schema.json")
	assert.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(content.Bytes))
	assert.Equal(t, "abc123", content.SHA)
}

func TestGetFileClassifiesNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p := newProvider(t, server.URL)
	_, err := p.GetFile(context.Background(), "missing.json")
	assert.Error(t, err)
	assert.Equal(t, corekit.KindNotFound, corekit.KindOf(err))
}

func TestPutFileDetectsShaConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	p := newProvider(t, server.URL)
	_, err := p.PutFile(context.Background(), "schema.json", []byte("{}"), "stale-sha")
	assert.Error(t, err)
	assert.Equal(t, corekit.KindConflict, corekit.KindOf(err))
}

func TestPutFileReturnsNewSHA(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": map[string]any{"sha": "new-sha"},
		})
	}))
	defer server.Close()

	p := newProvider(t, server.URL)
	sha, err := p.PutFile(context.Background(), "schema.json", []byte("{}"), "")
	assert.NoError(t, err)
	assert.Equal(t, "new-sha", sha)
}

func TestCreateRepoRefusesAppInstallationModality(t *testing.T) {
	p := newProvider(t, "https://api.github.com")
	_, err := p.CreateRepo(context.Background(), "new-universe", true)
	assert.Error(t, err)
	assert.Equal(t, corekit.KindReadOnly, corekit.KindOf(err))
}

func TestListFilesFiltersNonFileEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"name": "schema.json", "path": "schema.json", "sha": "s1", "size": 10, "type": "file"},
			{"name": "subdir", "path": "subdir", "sha": "s2", "size": 0, "type": "dir"},
		})
	}))
	defer server.Close()

	p := newProvider(t, server.URL)
	files, err := p.ListFiles(context.Background(), "")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(files))
	assert.Equal(t, "schema.json", files[0].Name)
}

func TestIsAvailableReturnsTrueOn200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newProvider(t, server.URL)
	available, err := p.IsAvailable(context.Background())
	assert.NoError(t, err)
	assert.True(t, available)
}

func TestGetFileRejectsRepoOutsideAllowlistWithoutNetworkCall(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p, err := github.New(context.Background(), github.Config{
		Owner:      "acme",
		Repo:       "universe",
		APIBaseURL: server.URL,
		Modality:   corekit.ModalityAppInstallation,
		Auth:       stubTokens{token: "tok"},
		Allowlist:  []string{"acme/other-repo"},
		Limiter:    newLimiter(),
	})
	assert.NoError(t, err)

	_, err = p.GetFile(context.Background(), "schema.json")
	assert.Error(t, err)
	assert.Equal(t, corekit.KindForbidden, corekit.KindOf(err))
	assert.False(t, called)
}

func TestGetFileAllowsRepoInAllowlist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":    "schema.json",
			"sha":     "abc123",
			"content": base64.StdEncoding.EncodeToString([]byte(`{}`)),
		})
	}))
	defer server.Close()

	p, err := github.New(context.Background(), github.Config{
		Owner:      "acme",
		Repo:       "universe",
		APIBaseURL: server.URL,
		Modality:   corekit.ModalityAppInstallation,
		Auth:       stubTokens{token: "tok"},
		Allowlist:  []string{"acme/universe"},
		Limiter:    newLimiter(),
	})
	assert.NoError(t, err)

	_, err = p.GetFile(context.Background(), "schema.json")
	assert.NoError(t, err)
}

func TestRegisteredUnderGithubName(t *testing.T) {
	found := false
	for _, k := range provider.Kinds() {
		if k == "github" {
			found = true
		}
	}
	assert.True(t, found)
}
