// Package githubapp mints GitHub App credentials: a short-lived RS256
// JWT for the app itself, exchanged for an installation access token
// that the coding agent uses to clone and push.
package githubapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// jwtLifetime is GitHub's maximum app JWT validity.
	jwtLifetime = 10 * time.Minute
	// iatBackdate guards against clock skew between us and GitHub.
	iatBackdate = 60 * time.Second

	defaultAPIBase = "https://api.github.com"
)

// ErrNotConfigured is returned when app credentials are missing.
var ErrNotConfigured = errors.New("github app not configured")

// App mints tokens for one GitHub App installation.
type App struct {
	clientID       string
	installationID string
	key            jwk.Key
	apiBase        string
	http           *http.Client
	now            func() time.Time

	mu          sync.Mutex
	cachedToken string
	cachedExp   time.Time
}

// Option configures an App.
type Option func(*App)

// WithAPIBase overrides the GitHub API base URL.
func WithAPIBase(base string) Option {
	return func(a *App) {
		a.apiBase = base
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) {
		a.http = hc
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *App) {
		a.now = now
	}
}

// New creates an App from its client id, installation id, and the
// PEM-encoded RSA private key GitHub issued for it.
func New(clientID, installationID string, privateKeyPEM []byte, opts ...Option) (*App, error) {
	if clientID == "" || installationID == "" || len(privateKeyPEM) == 0 {
		return nil, ErrNotConfigured
	}
	key, err := jwk.ParseKey(privateKeyPEM, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	a := &App{
		clientID:       clientID,
		installationID: installationID,
		key:            key,
		apiBase:        defaultAPIBase,
		http:           &http.Client{Timeout: 30 * time.Second},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// AppJWT signs a fresh app-level JWT: issuer is the client id, issued-at
// is backdated a minute, expiry is the 10-minute maximum.
func (a *App) AppJWT() (string, error) {
	now := a.now()
	token, err := jwt.NewBuilder().
		Issuer(a.clientID).
		IssuedAt(now.Add(-iatBackdate)).
		Expiration(now.Add(jwtLifetime)).
		Build()
	if err != nil {
		return "", fmt.Errorf("build app jwt: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, a.key))
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return string(signed), nil
}

// InstallationToken returns an access token for the installation,
// reusing a cached one while it has more than five minutes left.
func (a *App) InstallationToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.cachedToken != "" && a.cachedExp.After(a.now().Add(5*time.Minute)) {
		token := a.cachedToken
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	appJWT, err := a.AppJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", a.apiBase, a.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request installation token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("installation token: status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode installation token: %w", err)
	}

	a.mu.Lock()
	a.cachedToken = payload.Token
	a.cachedExp = payload.ExpiresAt
	a.mu.Unlock()
	return payload.Token, nil
}
