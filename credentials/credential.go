// Package credentials rotates requests across a pool of API keys and OAuth
// accounts, tracking per-model usage and quota exhaustion within a window.
package credentials

import (
	"maps"
	"time"
)

// Kind distinguishes how a credential authenticates and how its quota is
// enforced.
type Kind string

const (
	// KindAPIKey is a plain API key with a known per-model request quota.
	// Use is recorded before each request.
	KindAPIKey Kind = "api_key"
	// KindOAuth is an OAuth account whose quota is learned from 429
	// responses. Its access token is refreshed before use when expired.
	KindOAuth Kind = "oauth"
)

const (
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

// Credential is one entry of the pool as persisted in credentials.json.
type Credential struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key,omitempty"`

	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`

	Status string `json:"status"`

	// Usage counts requests per model in the current window.
	Usage map[string]int `json:"usage,omitempty"`
	// TotalUsage counts requests per model across all windows.
	TotalUsage map[string]int `json:"total_usage,omitempty"`
	// Exhausted records when a model's quota ran out in the current window.
	Exhausted map[string]time.Time `json:"exhausted,omitempty"`
}

// NewAPIKey returns a valid API key credential.
func NewAPIKey(key string) Credential {
	return Credential{Kind: KindAPIKey, Key: key, Status: StatusValid}
}

// Identity distinguishes credentials from each other. It contains the
// secret, so it is for lookups only and never logged.
func (c Credential) Identity() string {
	if c.Kind == KindOAuth {
		if c.Email != "" {
			return string(c.Kind) + ":" + c.Email
		}
		return string(c.Kind) + ":" + c.RefreshToken
	}
	return string(c.Kind) + ":" + c.Key
}

func (c *Credential) same(o Credential) bool {
	return c.Identity() == o.Identity()
}

// ID identifies the credential in logs and reports without exposing secrets:
// the account email, or a masked key.
func (c Credential) ID() string {
	if c.Kind == KindOAuth {
		if c.Email != "" {
			return c.Email
		}
		return "oauth:" + mask(c.RefreshToken)
	}
	return mask(c.Key)
}

func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// Valid reports whether the credential may be handed out at all.
func (c Credential) Valid() bool {
	return c.Status != StatusInvalid
}

// NeedsRefresh reports whether an OAuth access token must be refreshed before
// use at time now.
func (c Credential) NeedsRefresh(now time.Time) bool {
	if c.Kind != KindOAuth {
		return false
	}
	return c.AccessToken == "" || !now.Before(c.Expiry)
}

func (c Credential) clone() Credential {
	c.Usage = maps.Clone(c.Usage)
	c.TotalUsage = maps.Clone(c.TotalUsage)
	c.Exhausted = maps.Clone(c.Exhausted)
	return c
}
