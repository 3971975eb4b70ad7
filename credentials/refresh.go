package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Google's OAuth endpoints.
var GoogleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// expirySkew is subtracted from the server-reported expiry so a token is
// refreshed a little before it actually lapses.
const expirySkew = 5 * time.Minute

// Refresher obtains a fresh access token for an OAuth credential.
type Refresher interface {
	Refresh(ctx context.Context, c Credential) (Credential, error)
}

// OAuthRefresher refreshes tokens with the refresh-token grant.
type OAuthRefresher struct {
	Endpoint oauth2.Endpoint
	// HTTPClient is used for the token request when set.
	HTTPClient *http.Client
	// ClientID and ClientSecret apply to credentials that carry none.
	ClientID     string
	ClientSecret string
}

// NewOAuthRefresher returns a refresher against Google's token endpoint.
func NewOAuthRefresher(clientID, clientSecret string) *OAuthRefresher {
	return &OAuthRefresher{Endpoint: GoogleEndpoint, ClientID: clientID, ClientSecret: clientSecret}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, c Credential) (Credential, error) {
	if c.RefreshToken == "" {
		return c, errors.New("credentials: no refresh token")
	}
	conf := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     r.Endpoint,
	}
	if conf.ClientID == "" {
		conf.ClientID = r.ClientID
		conf.ClientSecret = r.ClientSecret
	}
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}

	// An empty access token forces the token source to hit the endpoint.
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		return c, fmt.Errorf("credentials: refresh %s: %w", c.ID(), err)
	}

	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	c.Expiry = tok.Expiry.Add(-expirySkew)
	if tok.Expiry.IsZero() {
		c.Expiry = time.Now().Add(time.Hour - expirySkew)
	}
	return c, nil
}
