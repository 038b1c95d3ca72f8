// Package github implements the Provider capability against the GitHub
// REST API (contents and repos endpoints).
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/alecthomas/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/provider"
	"github.com/universesync/core/internal/ratelimit"
)

func init() {
	provider.Register("github", "GitHub REST API provider", New)
}

// TokenSource returns a currently-valid token for the configured modality,
// matching Auth.GetToken's signature without importing the auth package
// (which would create an import cycle back through provider -> auth ->
// provider if Auth ever needed provider, so the dependency is inverted
// through this narrow interface instead).
type TokenSource interface {
	GetToken(ctx context.Context, modality corekit.Modality) (string, error)
}

// Config is the per-instance GitHub provider configuration.
type Config struct {
	Owner      string              `hcl:"owner" help:"Repository owner (user or organization)."`
	Repo       string              `hcl:"repo" help:"Repository name."`
	APIBaseURL string              `hcl:"api-base-url,optional" help:"GitHub API base URL (for GitHub Enterprise)." default:"https://api.github.com"`
	Modality   corekit.Modality    `hcl:"modality,optional" help:"Credential modality to authenticate with (oauth or app_installation)." default:"app_installation"`

	Auth TokenSource        `hcl:"-"`
	// Allowlist restricts operations to "owner/repo" pairs, mirroring an
	// installation's granted repositories (authstore.AppInstallation.
	// Repositories). Nil or empty means unrestricted.
	Allowlist []string           `hcl:"-"`
	Limiter   *ratelimit.Limiter `hcl:"-"`
	Client    *http.Client       `hcl:"-"`
}

// Provider is the GitHub REST implementation.
type Provider struct {
	cfg    Config
	client *http.Client
}

// New constructs a GitHub Provider. Auth and Limiter must be set on cfg by
// the caller assembling the registry (they are not HCL-decodable).
func New(_ context.Context, cfg Config) (*Provider, error) {
	if cfg.Auth == nil || cfg.Limiter == nil {
		return nil, errors.New("github provider requires Auth and Limiter to be wired")
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Transport: otelhttp.NewTransport(client.Transport), Timeout: client.Timeout},
	}, nil
}

func (p *Provider) String() string { return "github:" + p.cfg.Owner + "/" + p.cfg.Repo }

// checkAllowlist fails fast, before any network call, when Config.Allowlist
// is set and the provider's owner/repo is not one of the granted pairs.
func (p *Provider) checkAllowlist() error {
	if len(p.cfg.Allowlist) == 0 {
		return nil
	}
	key := p.cfg.Owner + "/" + p.cfg.Repo
	for _, allowed := range p.cfg.Allowlist {
		if allowed == key {
			return nil
		}
	}
	return corekit.Newf(corekit.KindForbidden, "repository %q not in installation allowlist", key)
}

func (p *Provider) do(ctx context.Context, method, path string, body []byte, timeout time.Duration) (*http.Response, error) {
	if err := p.checkAllowlist(); err != nil {
		return nil, err
	}

	permit, err := p.cfg.Limiter.Acquire(ctx, p.cfg.Modality)
	if err != nil {
		return nil, err
	}
	_ = permit

	token, err := p.cfg.Auth.GetToken(ctx, p.cfg.Modality)
	if err != nil {
		return nil, err
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := p.cfg.APIBaseURL + "/repos/" + p.cfg.Owner + "/" + p.cfg.Repo + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build github request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, corekit.New(corekit.KindNetwork, err, "github request failed")
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		_ = p.cfg.Limiter.Freeze(p.cfg.Modality, time.Now().Add(retryAfter))
		resp.Body.Close()
		return nil, corekit.RateLimited(retryAfter.Seconds())
	}
	return resp, nil
}

func parseRetryAfter(raw string) time.Duration {
	if raw == "" {
		return 60 * time.Second
	}
	if seconds, err := time.ParseDuration(raw + "s"); err == nil {
		return seconds
	}
	return 60 * time.Second
}

func classifyStatus(status int) corekit.Kind {
	switch {
	case status == http.StatusUnauthorized:
		return corekit.KindUnauthorized
	case status == http.StatusForbidden:
		return corekit.KindForbidden
	case status == http.StatusNotFound:
		return corekit.KindNotFound
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return corekit.KindConflict
	case status >= 500:
		return corekit.KindServer
	case status >= 400:
		return corekit.KindBadRequest
	default:
		return ""
	}
}

// IsAvailable performs a cheap reachability + auth probe.
func (p *Provider) IsAvailable(ctx context.Context) (bool, error) {
	resp, err := p.do(ctx, http.MethodGet, "", nil, 10*time.Second)
	if err != nil {
		if corekit.Is(err, corekit.KindRateLimited) {
			return false, nil
		}
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

type contentsEntry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	SHA     string `json:"sha"`
	Size    int64  `json:"size"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (p *Provider) ListFiles(ctx context.Context, path string) ([]provider.FileInfo, error) {
	resp, err := p.do(ctx, http.MethodGet, "/contents/"+path, nil, 30*time.Second)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if kind := classifyStatus(resp.StatusCode); kind != "" {
		return nil, corekit.Newf(kind, "list_files %q: status %d", path, resp.StatusCode)
	}

	var entries []contentsEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, errors.Wrap(err, "decode contents listing")
	}

	files := make([]provider.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Type != "file" {
			continue
		}
		files = append(files, provider.FileInfo{Name: e.Name, SHA: e.SHA, Size: e.Size})
	}
	return files, nil
}

func (p *Provider) GetFile(ctx context.Context, path string) (provider.FileContent, error) {
	resp, err := p.do(ctx, http.MethodGet, "/contents/"+path, nil, 10*time.Second)
	if err != nil {
		return provider.FileContent{}, err
	}
	defer resp.Body.Close()
	if kind := classifyStatus(resp.StatusCode); kind != "" {
		return provider.FileContent{}, corekit.Newf(kind, "get_file %q: status %d", path, resp.StatusCode)
	}

	var entry contentsEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return provider.FileContent{}, errors.Wrap(err, "decode file content")
	}
	decoded, err := base64.StdEncoding.DecodeString(stripNewlines(entry.Content))
	if err != nil {
		return provider.FileContent{}, errors.Wrap(err, "decode base64 file content")
	}
	return provider.FileContent{Bytes: decoded, SHA: entry.SHA}, nil
}

func stripNewlines(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\n' && s[i] != '\r' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

type putFileRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
}

type putFileResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

func (p *Provider) PutFile(ctx context.Context, path string, data []byte, expectedSHA string) (string, error) {
	body, err := json.Marshal(putFileRequest{
		Message: "universesync: update " + path,
		Content: base64.StdEncoding.EncodeToString(data),
		SHA:     expectedSHA,
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal put_file request")
	}

	resp, err := p.do(ctx, http.MethodPut, "/contents/"+path, body, 10*time.Second)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity {
		return "", corekit.Newf(corekit.KindConflict, "put_file %q: sha mismatch", path)
	}
	if kind := classifyStatus(resp.StatusCode); kind != "" {
		return "", corekit.Newf(kind, "put_file %q: status %d", path, resp.StatusCode)
	}

	var parsed putFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errors.Wrap(err, "decode put_file response")
	}
	return parsed.Content.SHA, nil
}

func (p *Provider) DeleteFile(ctx context.Context, path string, expectedSHA string) error {
	body, err := json.Marshal(struct {
		Message string `json:"message"`
		SHA     string `json:"sha"`
	}{Message: "universesync: delete " + path, SHA: expectedSHA})
	if err != nil {
		return errors.Wrap(err, "marshal delete_file request")
	}

	resp, err := p.doWithBodyMethod(ctx, http.MethodDelete, "/contents/"+path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return corekit.Newf(corekit.KindConflict, "delete_file %q: sha mismatch", path)
	}
	if kind := classifyStatus(resp.StatusCode); kind != "" {
		return corekit.Newf(kind, "delete_file %q: status %d", path, resp.StatusCode)
	}
	return nil
}

// doWithBodyMethod exists because DELETE requests on GitHub's contents API
// carry a JSON body, unlike a typical DELETE.
func (p *Provider) doWithBodyMethod(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	return p.do(ctx, method, path, body, 10*time.Second)
}

type createRepoRequest struct {
	Name    string `json:"name"`
	Private bool   `json:"private"`
}

func (p *Provider) CreateRepo(ctx context.Context, name string, private bool) (provider.Repo, error) {
	if p.cfg.Modality == corekit.ModalityAppInstallation {
		return provider.Repo{}, corekit.Newf(corekit.KindReadOnly, "create_repo: installation tokens cannot create repositories")
	}

	body, err := json.Marshal(createRepoRequest{Name: name, Private: private})
	if err != nil {
		return provider.Repo{}, errors.Wrap(err, "marshal create_repo request")
	}

	permit, err := p.cfg.Limiter.Acquire(ctx, p.cfg.Modality)
	if err != nil {
		return provider.Repo{}, err
	}
	_ = permit
	token, err := p.cfg.Auth.GetToken(ctx, p.cfg.Modality)
	if err != nil {
		return provider.Repo{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.APIBaseURL+"/user/repos", bytes.NewReader(body))
	if err != nil {
		return provider.Repo{}, errors.Wrap(err, "build create_repo request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return provider.Repo{}, corekit.New(corekit.KindNetwork, err, "create_repo request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return provider.Repo{}, corekit.Newf(corekit.KindReadOnly, "create_repo: forbidden")
	}
	if kind := classifyStatus(resp.StatusCode); kind != "" {
		return provider.Repo{}, corekit.Newf(kind, "create_repo: status %d", resp.StatusCode)
	}
	return provider.Repo{Host: "github", Owner: p.cfg.Owner, Name: name, Private: private}, nil
}

// InitializeEmptyRepo writes a minimal schema folder and README. Idempotent:
// a 422/409 from an existing file is treated as success.
func (p *Provider) InitializeEmptyRepo(ctx context.Context) error {
	if _, err := p.PutFile(ctx, "README.md", []byte("# Universe repository\n\nManaged by universed.\n"), ""); err != nil && !corekit.Is(err, corekit.KindConflict) {
		return err
	}
	if _, err := p.PutFile(ctx, "schema/.gitkeep", nil, ""); err != nil && !corekit.Is(err, corekit.KindConflict) {
		return err
	}
	return nil
}
