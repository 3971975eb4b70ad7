package credentials

import (
	"testing"
	"time"
)

func TestParseCLICredentials(t *testing.T) {
	data := []byte(`{"access_token":"ya29.a0","refresh_token":"1//0g","scope":"openid","token_type":"Bearer","expiry_date":1767225600000}`)

	c, err := ParseCLICredentials(data, "student@example.com", "proj-1")
	if err != nil {
		t.Fatalf("ParseCLICredentials() error = %v", err)
	}
	if c.Kind != KindOAuth || c.ID() != "student@example.com" || c.ProjectID != "proj-1" {
		t.Errorf("unexpected credential %+v", c)
	}
	if !c.Expiry.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expiry = %v", c.Expiry)
	}

	if _, err := ParseCLICredentials([]byte(`{"access_token":"x"}`), "", ""); err == nil {
		t.Error("ParseCLICredentials() without refresh token error = nil")
	}
}
