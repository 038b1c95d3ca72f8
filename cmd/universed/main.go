package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/universesync/core/internal/auth"
	"github.com/universesync/core/internal/authstore"
	"github.com/universesync/core/internal/command"
	"github.com/universesync/core/internal/config"
	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/eventbus"
	"github.com/universesync/core/internal/githubapp"
	"github.com/universesync/core/internal/localfile"
	"github.com/universesync/core/internal/localmirror"
	"github.com/universesync/core/internal/logging"
	"github.com/universesync/core/internal/metrics"
	"github.com/universesync/core/internal/provider"
	"github.com/universesync/core/internal/provider/gitea"
	"github.com/universesync/core/internal/provider/github"
	"github.com/universesync/core/internal/ratelimit"
	"github.com/universesync/core/internal/savecoordinator"
	"github.com/universesync/core/internal/startupcoordinator"
	"github.com/universesync/core/internal/universe"
	"github.com/universesync/core/internal/urlcache"
)

// GlobalConfig is universed's top-level HCL configuration: bind,
// logging, metrics and github-app sections plus the fixed set of blocks
// this core's three subsystems need.
type GlobalConfig struct {
	Bind    string `hcl:"bind" default:"127.0.0.1:8090" help:"Bind address for the command API server."`
	DataDir string `hcl:"data-dir" default:"./universed-data" help:"Directory for durable state: credential store, universe registry, local mirrors."`

	LoggingConfig   logging.Config   `hcl:"log,block"`
	MetricsConfig   metrics.Config   `hcl:"metrics,block"`
	GithubAppConfig githubapp.Config `embed:"" hcl:"github-app,block,optional" prefix:"github-app-"`

	OAuthClient OAuthClientConfig `hcl:"oauth-client,block,optional"`

	OAuthRateLimit ratelimit.Config   `hcl:"oauth-rate-limit,block,optional"`
	AppRateLimit   ratelimit.Config   `hcl:"app-rate-limit,block,optional"`
	MirrorConfig   localmirror.Config `hcl:"local-mirror,block"`
	URLCacheConfig URLCacheConfig     `hcl:"url-cache,block,optional"`
}

// OAuthClientConfig configures the user-OAuth refresh exchange (§4.C).
type OAuthClientConfig struct {
	TokenURL     string `hcl:"token-url,optional" help:"OAuth2 token endpoint used to refresh user tokens."`
	ClientID     string `hcl:"client-id,optional" help:"OAuth2 client ID."`
	ClientSecret string `hcl:"client-secret,optional" help:"OAuth2 client secret."`
}

// URLCacheConfig configures the read-through cache behind Source{type=url}.
type URLCacheConfig struct {
	MaxTTL     time.Duration `hcl:"max-ttl,optional" help:"How long a cached url source stays fresh." default:"1h"`
	MaxEntries int           `hcl:"max-entries,optional" help:"Maximum number of cached url sources." default:"256"`
}

// CLI is universed's command line: --schema prints the config schema,
// --config points at the HCL file to load.
type CLI struct {
	Schema bool `help:"Print the configuration file schema." xor:"command"`

	Config *os.File `hcl:"-" help:"Configuration file path." required:"" default:"universed.hcl"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.DefaultEnvars("UNIVERSE"))

	if cli.Schema {
		printSchema(kctx)
		return
	}

	defer cli.Config.Close()

	globalConfig, err := config.Load[GlobalConfig](cli.Config, "UNIVERSE", config.ParseEnvars())
	kctx.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, ctx := logging.Configure(ctx, globalConfig.LoggingConfig)
	logger.InfoContext(ctx, "starting universed", "bind", globalConfig.Bind, "data_dir", globalConfig.DataDir)

	deps, err := wire(ctx, globalConfig)
	kctx.FatalIfErrorf(err, "failed to wire dependencies")
	defer deps.Close(ctx)

	deps.authn.AutoConnect(ctx)

	metricsClient, err := metrics.New(ctx, globalConfig.MetricsConfig)
	kctx.FatalIfErrorf(err, "failed to create metrics client")
	defer func() {
		if err := metricsClient.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close metrics client", "error", err)
		}
	}()
	kctx.FatalIfErrorf(metricsClient.ServeMetrics(ctx), "failed to start metrics server")

	mux := newMux(deps.commands, deps.authn, deps.limiter)
	server := newServer(ctx, mux, globalConfig.Bind, globalConfig.MetricsConfig.ServiceName)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "command server shutdown error", "error", err)
		}
	}()

	logger.InfoContext(ctx, "command server listening", "bind", globalConfig.Bind)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		kctx.FatalIfErrorf(err)
	}
}

// deps holds every constructed singleton, so main can close them in the
// right order on shutdown without a global.
type deps struct {
	authStore *authstore.Store
	uniStore  *universe.Store
	mirrors   *localmirror.Manager
	leases    *startupcoordinator.Coordinator
	authn     *auth.Auth
	limiter   *ratelimit.Limiter
	commands  *command.Service
}

func (d *deps) Close(ctx context.Context) {
	d.leases.Close()
	if err := d.uniStore.Close(); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "close universe store", "error", err)
	}
	if err := d.authStore.Close(); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "close auth store", "error", err)
	}
}

func wire(ctx context.Context, cfg GlobalConfig) (*deps, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, corekit.New(corekit.KindServer, err, "create data directory")
	}

	authStore, err := authstore.Open(filepath.Join(cfg.DataDir, "auth.db"))
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	installations, err := githubapp.NewInstallations(cfg.GithubAppConfig, logger)
	if err != nil {
		logger.WarnContext(ctx, "github app not configured", "error", err)
		installations = nil
	}

	var tokenManager *githubapp.TokenManager
	if installations != nil && installations.IsConfigured() {
		pemBytes, err := os.ReadFile(cfg.GithubAppConfig.PrivateKeyPath)
		if err != nil {
			return nil, corekit.New(corekit.KindServer, err, "read github app private key")
		}
		tokenManager, err = githubapp.NewTokenManager(installations, pemBytes, githubapp.DefaultTokenCacheConfig(), http.DefaultClient)
		if err != nil {
			return nil, corekit.New(corekit.KindServer, err, "construct github app token manager")
		}
	}

	var refresher auth.OAuthRefresher
	if cfg.OAuthClient.TokenURL != "" {
		refresher = auth.NewHTTPRefresher(cfg.OAuthClient.TokenURL, cfg.OAuthClient.ClientID, cfg.OAuthClient.ClientSecret, http.DefaultClient)
	}

	authn := auth.New(authStore, installations, tokenManager, refresher)

	oauthLimit := cfg.OAuthRateLimit
	if oauthLimit.Capacity == 0 {
		oauthLimit = ratelimit.DefaultConfig()
	}
	appLimit := cfg.AppRateLimit
	if appLimit.Capacity == 0 {
		appLimit = ratelimit.DefaultConfig()
	}
	limiter := ratelimit.New(map[ratelimit.Modality]ratelimit.Config{
		corekit.ModalityOAuth:           oauthLimit,
		corekit.ModalityAppInstallation: appLimit,
	})

	mirrors, err := localmirror.New(ctx, cfg.MirrorConfig, &mirrorTokenSource{authn: authn})
	if err != nil {
		return nil, err
	}

	urlCache := urlcache.New(urlcache.Config{
		MaxTTL:     cfg.URLCacheConfig.MaxTTL,
		MaxEntries: cfg.URLCacheConfig.MaxEntries,
		HTTPClient: http.DefaultClient,
	})

	uniStore, err := universe.OpenStore(filepath.Join(cfg.DataDir, "universes.db"))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	localBacking := localfile.New()
	leases := startupcoordinator.New()

	manager := universe.New(universe.Config{
		Store:             uniStore,
		Bus:               bus,
		LocalBacking:      localBacking,
		NewProvider:       linkedRepoProviderFactory(authn, limiter),
		NewSourceProvider: sourceProviderFactory(authn, limiter),
		URLCache:          urlCache,
		Mirrors:           mirrors,
		Leases:            leases,
		SwitchTimeout:     30 * time.Second,
		DeleteWaitLimit:   15 * time.Second,
	})

	saver := savecoordinator.New(savecoordinator.Config{
		Universes:    manager,
		LocalBacking: localBacking,
	})
	manager.SetSaveCoordinator(saver)

	commands := command.New(manager, authn, saver)

	return &deps{
		authStore: authStore,
		uniStore:  uniStore,
		mirrors:   mirrors,
		leases:    leases,
		authn:     authn,
		limiter:   limiter,
		commands:  commands,
	}, nil
}

// mirrorTokenSource adapts Auth's modality-keyed GetToken to the
// url-keyed TokenSource local mirrors need: installation app tokens back
// every local-mirror clone, since a mirrored auxiliary Source is always a
// read against a repository the app was installed into.
type mirrorTokenSource struct {
	authn *auth.Auth
}

func (m *mirrorTokenSource) GetTokenForURL(ctx context.Context, _ string) (string, error) {
	return m.authn.GetToken(ctx, corekit.ModalityAppInstallation)
}

// linkedRepoProviderFactory resolves the Provider for a universe's
// primary gitRepo.linkedRepo, choosing github vs gitea by host.
func linkedRepoProviderFactory(authn *auth.Auth, limiter *ratelimit.Limiter) universe.ProviderFactory {
	return func(ctx context.Context, u universe.Universe) (provider.Provider, error) {
		linked := u.GitRepo.LinkedRepo
		if linked == nil {
			return nil, corekit.Newf(corekit.KindInvariantViolation, "universe %q has no linkedRepo", u.Slug)
		}
		return newRepoProvider(ctx, linked.Host, linked.Owner, linked.Repo, authn, limiter)
	}
}

// sourceProviderFactory resolves the Provider for a single auxiliary
// github/gitea Source.
func sourceProviderFactory(authn *auth.Auth, limiter *ratelimit.Limiter) universe.SourceProviderFactory {
	return func(ctx context.Context, src universe.Source) (provider.Provider, error) {
		return newRepoProvider(ctx, src.Host, src.Owner, src.Repo, authn, limiter)
	}
}

func newRepoProvider(ctx context.Context, host, owner, repo string, authn *auth.Auth, limiter *ratelimit.Limiter) (provider.Provider, error) {
	if host == "" || host == "github.com" {
		allowlist, _ := authn.AppInstallationRepositories()
		return provider.Create(ctx, "github", github.Config{
			Owner:     owner,
			Repo:      repo,
			Modality:  corekit.ModalityAppInstallation,
			Auth:      authn,
			Allowlist: allowlist,
			Limiter:   limiter,
		})
	}
	return provider.Create(ctx, "gitea", gitea.Config{
		BaseURL:  "https://" + host,
		Owner:    owner,
		Repo:     repo,
		Modality: corekit.ModalityOAuth,
		Auth:     authn,
		Limiter:  limiter,
	})
}

func printSchema(kctx *kong.Context) {
	schema := config.Schema[GlobalConfig]()
	text, err := hcl.MarshalAST(schema)
	kctx.FatalIfErrorf(err)
	fmt.Printf("%s\n", text) //nolint:forbidigo
}

// newMux builds the command API: one JSON POST endpoint per named
// command.
func newMux(svc *command.Service, authn *auth.Auth, limiter *ratelimit.Limiter) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /_liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})

	mux.HandleFunc("POST /commands/get_all_universes", jsonHandler0(svc.GetAllUniverses))
	mux.HandleFunc("POST /commands/get_active_universe", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResult(w, svc.GetActiveUniverse(r.Context()))
	})
	mux.HandleFunc("POST /commands/get_auth_status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.GetAuthStatus(r.Context()))
	})

	mux.HandleFunc("POST /commands/switch_active", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Slug        string `json:"slug"`
			SaveCurrent bool   `json:"saveCurrent"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		writeJSONResult(w, svc.SwitchActive(r.Context(), req.Slug, req.SaveCurrent))
	})

	mux.HandleFunc("POST /commands/create_universe", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string                   `json:"name"`
			Opts universe.CreateOptions   `json:"opts"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		writeJSONResult(w, svc.CreateUniverse(req.Name, req.Opts))
	})

	mux.HandleFunc("POST /commands/delete_universe", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Slug string `json:"slug"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := svc.DeleteUniverse(r.Context(), req.Slug); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	mux.HandleFunc("POST /commands/update_universe", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Slug  string               `json:"slug"`
			Patch universe.UpdatePatch `json:"patch"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		writeJSONResult(w, svc.UpdateUniverse(req.Slug, req.Patch))
	})

	mux.HandleFunc("POST /commands/link_discovered", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Discovered universe.DiscoveredUniverse `json:"discovered"`
			Repo       universe.LinkedRepo         `json:"repo"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		writeJSONResult(w, svc.LinkDiscovered(req.Discovered, req.Repo))
	})

	mux.HandleFunc("POST /commands/discover_in_repo", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Host  string `json:"host"`
			Owner string `json:"owner"`
			Repo  string `json:"repo"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		prov, err := newRepoProvider(r.Context(), req.Host, req.Owner, req.Repo, authn, limiter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONResult(w, svc.DiscoverInRepo(r.Context(), prov))
	})

	mux.HandleFunc("POST /commands/force_save", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := svc.ForceSave(r.Context(), req.Reason); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	mux.HandleFunc("POST /commands/read_source", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Slug     string `json:"slug"`
			SourceID string `json:"sourceId"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		data, err := svc.ReadSource(r.Context(), req.Slug, req.SourceID)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data) //nolint:errcheck
	})

	mux.HandleFunc("POST /commands/resolve_sync_conflict", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Slug string `json:"slug"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		writeJSONResult(w, svc.ResolveSyncConflict(r.Context(), req.Slug))
	})

	return mux
}

func jsonHandler0[T any](fn func() (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResult(w, fn())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSONResult[T any](w http.ResponseWriter, result T, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := corekit.KindOf(err)
	switch kind {
	case corekit.KindNotFound:
		status = http.StatusNotFound
	case corekit.KindUnauthorized:
		status = http.StatusUnauthorized
	case corekit.KindBadRequest, corekit.KindInvariantViolation:
		status = http.StatusBadRequest
	case corekit.KindConflict:
		status = http.StatusConflict
	case corekit.KindRateLimited:
		status = http.StatusTooManyRequests
	case corekit.KindReadOnly, corekit.KindNotSupported:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func newServer(ctx context.Context, mux *http.ServeMux, bind, serviceName string) *http.Server {
	logger := logging.FromContext(ctx)

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		labeler, _ := otelhttp.LabelerFromContext(r.Context())
		labeler.Add(attribute.String("universesync.http.path.prefix", extractPathPrefix(r.URL.Path)))
		mux.ServeHTTP(w, r)
	})

	handler = otelhttp.NewMiddleware(serviceName,
		otelhttp.WithMeterProvider(otel.GetMeterProvider()),
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
	)(handler)

	return &http.Server{
		Addr:              bind,
		Handler:           handler,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		ReadHeaderTimeout: 30 * time.Second,
		TLSNextProto:      map[string]func(*http.Server, *tls.Conn, http.Handler){},
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return logging.ContextWithLogger(ctx, logger.With("client", c.RemoteAddr().String()))
		},
	}
}

// extractPathPrefix extracts the command name from a request path, e.g.
// /commands/switch_active -> "switch_active".
func extractPathPrefix(path string) string {
	if path == "" || path == "/" {
		return ""
	}
	trimmed := strings.TrimPrefix(path, "/")
	_, rest, found := strings.Cut(trimmed, "/")
	if !found {
		return trimmed
	}
	return rest
}

var _ slog.Leveler = slog.LevelInfo
