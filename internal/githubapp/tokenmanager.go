package githubapp

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/universesync/core/internal/corekit"
)

const defaultAPIBaseURL = "https://api.github.com"

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// TokenManager mints and caches GitHub App installation access tokens. The
// App's private key signs a short-lived JWT (iss=AppID) which is exchanged
// for an installation token at POST /app/installations/{id}/access_tokens;
// the result is cached until RefreshBuffer before its expiry.
type TokenManager struct {
	installations *Installations
	cacheConfig   TokenCacheConfig
	apiBaseURL    string
	httpClient    *http.Client
	privateKey    *rsa.PrivateKey

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

// NewTokenManager loads the App's PEM private key and returns a manager
// ready to mint installation tokens.
func NewTokenManager(installations *Installations, pemBytes []byte, cacheConfig TokenCacheConfig, httpClient *http.Client) (*TokenManager, error) {
	if !installations.IsConfigured() {
		return nil, errors.New("github app is not configured")
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, errors.Wrap(err, "parse private key")
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		key = rsaKey
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenManager{
		installations: installations,
		cacheConfig:   cacheConfig,
		apiBaseURL:    defaultAPIBaseURL,
		httpClient:    httpClient,
		privateKey:    key,
		tokens:        make(map[int64]cachedToken),
	}, nil
}

// mintAppJWT signs a short-lived App JWT per GitHub's documented flow.
func (m *TokenManager) mintAppJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.cacheConfig.JWTExpiration)),
		Issuer:    m.installations.AppID(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", errors.Wrap(err, "sign app jwt")
	}
	return signed, nil
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetInstallationToken returns a currently-valid installation access token
// for installationID, minting a fresh one when the cached copy is within
// RefreshBuffer of expiry.
func (m *TokenManager) GetInstallationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	m.mu.Lock()
	cached, ok := m.tokens[installationID]
	m.mu.Unlock()
	now := time.Now()
	if ok && now.Before(cached.expiresAt.Add(-m.cacheConfig.RefreshBuffer)) {
		return cached.token, cached.expiresAt, nil
	}

	appJWT, err := m.mintAppJWT(now)
	if err != nil {
		return "", time.Time{}, err
	}

	url := m.apiBaseURL + "/app/installations/" + strconv.FormatInt(installationID, 10) + "/access_tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "build installation token request")
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, corekit.New(corekit.KindNetwork, err, "exchange app jwt for installation token")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", time.Time{}, corekit.Newf(corekit.KindUnauthorized, "installation token exchange failed with status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return "", time.Time{}, corekit.Newf(corekit.KindNotFound, "installation %d not found", installationID)
	case resp.StatusCode >= 500:
		return "", time.Time{}, corekit.Newf(corekit.KindServer, "installation token exchange server error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", time.Time{}, corekit.Newf(corekit.KindBadRequest, "installation token exchange failed with status %d", resp.StatusCode)
	}

	var parsed installationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", time.Time{}, errors.Wrap(err, "decode installation token response")
	}

	m.mu.Lock()
	m.tokens[installationID] = cachedToken{token: parsed.Token, expiresAt: parsed.ExpiresAt}
	m.mu.Unlock()

	return parsed.Token, parsed.ExpiresAt, nil
}
