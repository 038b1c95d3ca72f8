// Package auth implements Persistent Auth: the single owner of credentials
// for both authentication modalities, their refresh schedule, and health
// events. Every other component obtains a token through GetToken and never
// caches it itself.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/errors"

	"github.com/universesync/core/internal/authstore"
	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/githubapp"
)

// EventKind enumerates the events Persistent Auth emits, per spec.
type EventKind string

const (
	EventTokenStored     EventKind = "token_stored"
	EventTokenValidated  EventKind = "token_validated"
	EventAuthExpired     EventKind = "auth_expired"
	EventReauthRequired  EventKind = "reauth_required"
	EventHealthCheck     EventKind = "health_check"
	EventAuthDegraded    EventKind = "auth_degraded"
)

// Health classifies the result of a health_check probe.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthFailed   Health = "failed"
)

// Event is delivered to Subscribe callers whenever auth state changes.
type Event struct {
	Kind      EventKind
	Modality  corekit.Modality
	Health    Health
	Message   string
	Timestamp time.Time
}

// OAuthRefresher exchanges a refresh token for a new access token against
// the configured Provider's token endpoint. NewHTTPRefresher is the
// implementation that POSTs to a standard OAuth2 token endpoint.
type OAuthRefresher interface {
	RefreshOAuthToken(ctx context.Context, refreshToken string) (authstore.OAuth, error)
}

const recoveryCooldown = 5 * time.Minute

// Auth is the process-wide Persistent Auth singleton, constructed once at
// startup and passed explicitly to every component that needs a token.
type Auth struct {
	store        *authstore.Store
	tokenManager *githubapp.TokenManager
	installation *githubapp.Installations
	refresher    OAuthRefresher

	mu              sync.Mutex
	subscribers     []chan Event
	lastFailure     map[corekit.Modality]time.Time
	attemptedRefresh map[corekit.Modality]bool
}

// New constructs Auth over a durable store. tokenManager and refresher may
// be nil if that modality isn't configured for this deployment.
func New(store *authstore.Store, installation *githubapp.Installations, tokenManager *githubapp.TokenManager, refresher OAuthRefresher) *Auth {
	return &Auth{
		store:            store,
		tokenManager:     tokenManager,
		installation:     installation,
		refresher:        refresher,
		lastFailure:      make(map[corekit.Modality]time.Time),
		attemptedRefresh: make(map[corekit.Modality]bool),
	}
}

// Subscribe registers a channel that receives every Event this Auth emits.
// Matches the Event Bus's per-source ordering: events for Auth are always
// delivered to a given subscriber in emission order.
func (a *Auth) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	a.mu.Lock()
	a.subscribers = append(a.subscribers, ch)
	a.mu.Unlock()
	return ch
}

func (a *Auth) emit(ev Event) {
	ev.Timestamp = time.Now()
	a.mu.Lock()
	subs := append([]chan Event(nil), a.subscribers...)
	a.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// AutoConnect validates any durable credentials found at startup before
// announcing an authenticated state.
func (a *Auth) AutoConnect(ctx context.Context) {
	if _, found, _ := a.store.GetOAuth(); found {
		a.HealthCheck(ctx, corekit.ModalityOAuth)
	}
	if _, found, _ := a.store.GetAppInstallation(); found && a.installation.IsConfigured() {
		a.HealthCheck(ctx, corekit.ModalityAppInstallation)
	}
}

// AppInstallationConfigured reports whether this deployment has a GitHub
// App configured at all (app-id, private key, installations map).
func (a *Auth) AppInstallationConfigured() bool {
	return a.installation.IsConfigured()
}

// AppInstallationRepositories returns the stored installation's granted
// repository allowlist ("owner/repo" pairs), and whether any installation
// identity is stored at all. An empty, found allowlist means the
// installation is unrestricted.
func (a *Auth) AppInstallationRepositories() ([]string, bool) {
	identity, found, err := a.store.GetAppInstallation()
	if err != nil || !found {
		return nil, false
	}
	return identity.Repositories, true
}

// GetToken returns a currently-valid token for modality, refreshing
// transparently if possible. Callers never cache the result.
func (a *Auth) GetToken(ctx context.Context, modality corekit.Modality) (string, error) {
	switch modality {
	case corekit.ModalityOAuth:
		return a.getOAuthToken(ctx)
	case corekit.ModalityAppInstallation:
		return a.getAppInstallationToken(ctx)
	default:
		return "", corekit.Newf(corekit.KindInvariantViolation, "unknown modality %q", modality)
	}
}

func (a *Auth) getOAuthToken(ctx context.Context) (string, error) {
	cred, found, err := a.store.GetOAuth()
	if err != nil {
		return "", err
	}
	if !found {
		return "", corekit.Newf(corekit.KindUnauthorized, "reauth_required: no oauth credential stored")
	}
	if cred.ExpiresAt == nil || time.Now().Before(*cred.ExpiresAt) {
		return cred.AccessToken, nil
	}
	return a.refreshOAuth(ctx, cred)
}

func (a *Auth) refreshOAuth(ctx context.Context, cred authstore.OAuth) (string, error) {
	if a.refresher == nil || cred.RefreshToken == "" {
		a.requireReauth(corekit.ModalityOAuth, "oauth token expired and cannot be refreshed")
		return "", corekit.Newf(corekit.KindUnauthorized, "reauth_required")
	}
	if a.inCooldown(corekit.ModalityOAuth) {
		return "", corekit.Newf(corekit.KindUnauthorized, "reauth_required")
	}
	refreshed, err := a.refresher.RefreshOAuthToken(ctx, cred.RefreshToken)
	if err != nil {
		a.recordFailure(corekit.ModalityOAuth)
		a.requireReauth(corekit.ModalityOAuth, "oauth refresh failed")
		return "", corekit.New(corekit.KindUnauthorized, err, "reauth_required")
	}
	if err := a.store.PutOAuth(refreshed); err != nil {
		return "", err
	}
	a.clearFailure(corekit.ModalityOAuth)
	a.emit(Event{Kind: EventTokenValidated, Modality: corekit.ModalityOAuth, Health: HealthHealthy})
	return refreshed.AccessToken, nil
}

func (a *Auth) getAppInstallationToken(ctx context.Context) (string, error) {
	identity, found, err := a.store.GetAppInstallation()
	if err != nil {
		return "", err
	}
	if !found || a.tokenManager == nil {
		return "", corekit.Newf(corekit.KindUnauthorized, "reauth_required")
	}
	token, expiresAt, err := a.tokenManager.GetInstallationToken(ctx, identity.InstallationID)
	if err != nil {
		a.recordFailure(corekit.ModalityAppInstallation)
		if corekit.Is(err, corekit.KindUnauthorized) {
			a.requireReauth(corekit.ModalityAppInstallation, "installation token exchange unauthorized")
		}
		return "", err
	}
	a.clearFailure(corekit.ModalityAppInstallation)
	identity.ExpiresAt = &expiresAt
	_ = a.store.PutAppInstallation(identity)
	return token, nil
}

// StoreTokens persists a new credential and starts its health-check
// schedule (the schedule is driven by HealthCheck being polled by the
// caller's own ticker; Auth itself is passive between calls).
func (a *Auth) StoreTokens(modality corekit.Modality, oauth *authstore.OAuth, installation *authstore.AppInstallation) error {
	switch modality {
	case corekit.ModalityOAuth:
		if oauth == nil {
			return corekit.Newf(corekit.KindBadRequest, "oauth payload required")
		}
		if err := a.store.PutOAuth(*oauth); err != nil {
			return err
		}
	case corekit.ModalityAppInstallation:
		if installation == nil {
			return corekit.Newf(corekit.KindBadRequest, "app installation payload required")
		}
		if err := a.store.PutAppInstallation(*installation); err != nil {
			return err
		}
	default:
		return corekit.Newf(corekit.KindInvariantViolation, "unknown modality %q", modality)
	}
	a.clearFailure(modality)
	a.emit(Event{Kind: EventTokenStored, Modality: modality, Health: HealthHealthy})
	return nil
}

// HealthCheck probes modality and classifies the result, emitting the
// corresponding event.
func (a *Auth) HealthCheck(ctx context.Context, modality corekit.Modality) Health {
	_, err := a.GetToken(ctx, modality)
	health := HealthHealthy
	switch {
	case err == nil:
	case corekit.Is(err, corekit.KindUnauthorized):
		health = HealthFailed
	default:
		health = HealthDegraded
	}
	a.emit(Event{Kind: EventHealthCheck, Modality: modality, Health: health})
	if health == HealthDegraded {
		a.emit(Event{Kind: EventAuthDegraded, Modality: modality, Health: health})
	}
	return health
}

func (a *Auth) requireReauth(modality corekit.Modality, message string) {
	a.emit(Event{Kind: EventReauthRequired, Modality: modality, Health: HealthFailed, Message: message})
	a.emit(Event{Kind: EventAuthExpired, Modality: modality, Health: HealthFailed, Message: message})
}

func (a *Auth) inCooldown(modality corekit.Modality) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.attemptedRefresh[modality] {
		return false
	}
	last, ok := a.lastFailure[modality]
	return ok && time.Since(last) < recoveryCooldown
}

func (a *Auth) recordFailure(modality corekit.Modality) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastFailure[modality] = time.Now()
	a.attemptedRefresh[modality] = true
}

func (a *Auth) clearFailure(modality corekit.Modality) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.lastFailure, modality)
	delete(a.attemptedRefresh, modality)
}

// NewHTTPRefresher builds an OAuthRefresher against a standard OAuth2 token
// endpoint (used by both GitHub and Gitea's user-OAuth flows).
func NewHTTPRefresher(tokenURL, clientID, clientSecret string, client *http.Client) OAuthRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpRefresher{tokenURL: tokenURL, clientID: clientID, clientSecret: clientSecret, client: client}
}

type httpRefresher struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
}

func (r *httpRefresher) RefreshOAuthToken(ctx context.Context, refreshToken string) (authstore.OAuth, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", r.clientID)
	form.Set("client_secret", r.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return authstore.OAuth{}, errors.Wrap(err, "build oauth refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return authstore.OAuth{}, corekit.New(corekit.KindNetwork, err, "oauth refresh request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return authstore.OAuth{}, corekit.Newf(corekit.KindUnauthorized, "oauth refresh rejected with status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return authstore.OAuth{}, corekit.Newf(corekit.KindServer, "oauth refresh failed with status %d", resp.StatusCode)
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
		ExpiresIn    *int   `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return authstore.OAuth{}, errors.Wrap(err, "decode oauth refresh response")
	}

	cred := authstore.OAuth{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
	}
	if parsed.Scope != "" {
		cred.Scopes = strings.Split(parsed.Scope, ",")
	}
	if parsed.ExpiresIn != nil {
		expiresAt := time.Now().Add(time.Duration(*parsed.ExpiresIn) * time.Second)
		cred.ExpiresAt = &expiresAt
	}
	return cred, nil
}
