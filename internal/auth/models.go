// auth/models.go
package auth

import (
	"time"
)

// Credential is the persisted OAuth token set for the connected Microsoft account.
type Credential struct {
	AccessToken      string   `json:"access_token"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	ExpiresAtEpochMs int64    `json:"expires_at_ms"`
	Scopes           []string `json:"scopes"`
}

// ExpiresAt returns the expiry as a time.
func (c *Credential) ExpiresAt() time.Time {
	return time.UnixMilli(c.ExpiresAtEpochMs)
}

// PKCEState is the ephemeral verifier/state pair written before the provider
// redirect and consumed exactly once by the callback.
type PKCEState struct {
	CodeVerifier string    `json:"code_verifier"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
}

// Status describes the connection for the UI.
type Status struct {
	Connected bool      `json:"connected"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
}

// OAuthConfig holds OAuth 2.0 configuration
type OAuthConfig struct {
	ClientID     string
	ClientSecret string // empty for public (PKCE-only) clients
	Tenant       string // "common" when empty
	RedirectURI  string
	Scopes       []string
	AuthURL      string // overrides the Microsoft identity endpoints when set
	TokenURL     string
}

// DefaultScopes are requested when the configuration lists none.
var DefaultScopes = []string{"offline_access", "Files.ReadWrite", "User.Read"}
