package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// cliCreds is the token file written by the Gemini command line client
// (~/.gemini/oauth_creds.json).
type cliCreds struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiryDate is in Unix milliseconds.
	ExpiryDate int64  `json:"expiry_date"`
	TokenType  string `json:"token_type"`
}

// ParseCLICredentials reads an oauth_creds.json document into an OAuth
// credential. The email and project are not part of that file.
func ParseCLICredentials(data []byte, email, projectID string) (Credential, error) {
	var raw cliCreds
	if err := json.Unmarshal(data, &raw); err != nil {
		return Credential{}, fmt.Errorf("parse oauth credentials: %w", err)
	}
	if raw.RefreshToken == "" {
		return Credential{}, errors.New("credentials: oauth file has no refresh_token")
	}
	c := Credential{
		Kind:         KindOAuth,
		Email:        email,
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		ProjectID:    projectID,
		Status:       StatusValid,
	}
	if raw.ExpiryDate > 0 {
		c.Expiry = time.UnixMilli(raw.ExpiryDate)
	}
	return c, nil
}
