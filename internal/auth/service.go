// auth/service.go
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
	"github.com/eGGnogSC/invoicesync/internal/kv"
)

const (
	credentialKey = "credential"
	pkceKey       = "pkce"

	pkceTTL = 10 * time.Minute
	// DefaultExpiryBuffer keeps requests from racing an imminent expiry.
	DefaultExpiryBuffer = 5 * time.Minute
	// DefaultTokenLifetime applies when the provider omits expires_in.
	DefaultTokenLifetime = time.Hour
)

// Manager owns the PKCE login flow and the lifecycle of the stored Credential.
type Manager struct {
	oauth      *oauth2.Config
	storage    kv.Storage
	httpClient *http.Client
	buffer     time.Duration
	now        func() time.Time
	logger     *slog.Logger
	flight     singleflight.Group
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithExpiryBuffer overrides DefaultExpiryBuffer.
func WithExpiryBuffer(d time.Duration) Option {
	return func(m *Manager) { m.buffer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a token manager persisting through storage.
func NewManager(cfg OAuthConfig, storage kv.Storage, opts ...Option) *Manager {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	m := &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint:     endpoint(cfg),
		},
		storage:    storage,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		buffer:     DefaultExpiryBuffer,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func endpoint(cfg OAuthConfig) oauth2.Endpoint {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	base := "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0"
	ep := oauth2.Endpoint{
		AuthURL:   base + "/authorize",
		TokenURL:  base + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	if cfg.AuthURL != "" {
		ep.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		ep.TokenURL = cfg.TokenURL
	}
	return ep
}

// InitiateLogin stores a fresh PKCE verifier and state and returns the
// provider authorize URL the user agent must be sent to.
func (m *Manager) InitiateLogin(ctx context.Context) (string, error) {
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	pkce := PKCEState{
		CodeVerifier: oauth2.GenerateVerifier(),
		State:        state,
		CreatedAt:    m.now(),
	}
	data, err := json.Marshal(pkce)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pkce state: %w", err)
	}
	if err := m.storage.Set(ctx, pkceKey, data, pkceTTL); err != nil {
		return "", fmt.Errorf("failed to save pkce state: %w", err)
	}
	return m.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(pkce.CodeVerifier)), nil
}

// CompleteLogin validates the callback state and exchanges the code. The
// stored PKCE state is removed before anything else so it is never reusable.
func (m *Manager) CompleteLogin(ctx context.Context, code, returnedState string) error {
	const op = "complete_login"

	raw, getErr := m.storage.Get(ctx, pkceKey)
	if err := m.storage.Delete(ctx, pkceKey); err != nil {
		m.logger.Warn("failed to delete pkce state", slog.Any("error", err))
	}
	if getErr != nil {
		if errors.Is(getErr, kv.ErrNotFound) {
			return apperr.ErrMissingVerifier
		}
		return apperr.New(apperr.Unknown, op, fmt.Errorf("failed to read pkce state: %w", getErr))
	}

	var pkce PKCEState
	if err := json.Unmarshal(raw, &pkce); err != nil || pkce.CodeVerifier == "" {
		return apperr.ErrMissingVerifier
	}
	if subtle.ConstantTimeCompare([]byte(pkce.State), []byte(returnedState)) != 1 {
		return apperr.ErrStateMismatch
	}

	tok, err := m.oauth.Exchange(m.clientContext(ctx), code, oauth2.VerifierOption(pkce.CodeVerifier))
	if err != nil {
		return apperr.New(apperr.AuthRequired, op, fmt.Errorf("failed to exchange code: %w", err))
	}
	if _, err := m.save(ctx, m.credentialFrom(tok, "")); err != nil {
		return apperr.New(apperr.Unknown, op, err)
	}
	m.logger.Info("microsoft account connected")
	return nil
}

// CancelLogin discards pending PKCE state, e.g. when the provider redirects
// back with an error instead of a code.
func (m *Manager) CancelLogin(ctx context.Context) error {
	if err := m.storage.Delete(ctx, pkceKey); err != nil {
		return fmt.Errorf("failed to delete pkce state: %w", err)
	}
	return nil
}

// IsAuthenticated reports whether a credential exists that is not within the
// expiry buffer.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	cred, err := m.load(ctx)
	return err == nil && m.valid(cred)
}

// EnsureValidToken returns a usable access token, refreshing at most once for
// any number of concurrent callers.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	if cred, err := m.load(ctx); err == nil && m.valid(cred) {
		return cred.AccessToken, nil
	}

	// The flight outlives any single caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := m.flight.Do("refresh", func() (interface{}, error) {
		return m.refresh(flightCtx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	cred, err := m.load(ctx)
	if err == nil && m.valid(cred) {
		return cred.AccessToken, nil
	}
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		m.logger.Warn("stored credential unreadable", slog.Any("error", err))
	}
	if cred == nil || cred.RefreshToken == "" {
		m.clear(ctx)
		return "", apperr.ErrReauthRequired
	}

	src := m.oauth.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		m.logger.Warn("token refresh failed", slog.Any("error", err))
		m.clear(ctx)
		return "", &apperr.Error{Kind: apperr.AuthRequired, Op: "refresh_token", Err: fmt.Errorf("%w: %v", apperr.ErrReauthRequired, err)}
	}

	next, err := m.save(ctx, m.credentialFrom(tok, cred.RefreshToken))
	if err != nil {
		return "", apperr.New(apperr.Unknown, "refresh_token", err)
	}
	m.logger.Debug("access token refreshed", slog.Time("expires_at", next.ExpiresAt()))
	return next.AccessToken, nil
}

// Invalidate drops the stored credential after an irrecoverable 401.
func (m *Manager) Invalidate(ctx context.Context) error {
	if err := m.storage.Delete(ctx, credentialKey); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Logout purges the credential and any leftover PKCE state.
func (m *Manager) Logout(ctx context.Context) error {
	var errs []error
	if err := m.storage.Delete(ctx, credentialKey); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete credential: %w", err))
	}
	if err := m.storage.Delete(ctx, pkceKey); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete pkce state: %w", err))
	}
	return errors.Join(errs...)
}

// Status reports the current connection state without refreshing.
func (m *Manager) Status(ctx context.Context) Status {
	cred, err := m.load(ctx)
	if err != nil {
		return Status{Connected: false}
	}
	// An expired credential with a refresh token is still recoverable.
	if !m.valid(cred) && cred.RefreshToken == "" {
		return Status{Connected: false}
	}
	return Status{Connected: true, ExpiresAt: cred.ExpiresAt(), Scopes: cred.Scopes}
}

func (m *Manager) valid(cred *Credential) bool {
	if cred == nil || cred.AccessToken == "" {
		return false
	}
	return m.now().Before(cred.ExpiresAt().Add(-m.buffer))
}

func (m *Manager) credentialFrom(tok *oauth2.Token, previousRefresh string) *Credential {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(DefaultTokenLifetime)
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	scopes := m.oauth.Scopes
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		scopes = strings.Fields(raw)
	}
	return &Credential{
		AccessToken:      tok.AccessToken,
		RefreshToken:     refresh,
		ExpiresAtEpochMs: expiry.UnixMilli(),
		Scopes:           scopes,
	}
}

func (m *Manager) load(ctx context.Context) (*Credential, error) {
	raw, err := m.storage.Get(ctx, credentialKey)
	if err != nil {
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &cred, nil
}

func (m *Manager) save(ctx context.Context, cred *Credential) (*Credential, error) {
	data, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := m.storage.Set(ctx, credentialKey, data, 0); err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}
	return cred, nil
}

func (m *Manager) clear(ctx context.Context) {
	if err := m.storage.Delete(ctx, credentialKey); err != nil {
		m.logger.Warn("failed to clear credential", slog.Any("error", err))
	}
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// generateState creates a secure random state for OAuth
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
