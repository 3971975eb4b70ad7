package credentials

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeRefresher struct {
	calls int
	fail  map[string]bool
}

func (r *fakeRefresher) Refresh(ctx context.Context, c Credential) (Credential, error) {
	r.calls++
	if r.fail[c.Email] {
		return c, errors.New("invalid_grant")
	}
	c.AccessToken = "fresh-" + c.Email
	c.Expiry = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return c, nil
}

func openPool(t *testing.T, path string, opts ...Option) *Pool {
	t.Helper()
	p, err := Open(path, append([]Option{WithLogger(quiet)}, opts...)...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return p
}

func mustAdd(t *testing.T, p *Pool, cs ...Credential) {
	t.Helper()
	for _, c := range cs {
		if err := p.Add(c); err != nil {
			t.Fatalf("Add(%s) error = %v", c.ID(), err)
		}
	}
}

func TestPool_RoundRobinSkipsInvalid(t *testing.T) {
	p := openPool(t, filepath.Join(t.TempDir(), "credentials.json"))
	defer p.Close()

	bad := NewAPIKey("key-invalid-000000")
	bad.Status = StatusInvalid
	mustAdd(t, p, NewAPIKey("key-aaaaaaaaaaaa"), bad, NewAPIKey("key-bbbbbbbbbbbb"))

	var got []string
	for i := 0; i < 5; i++ {
		c, err := p.Next(context.Background(), "m")
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, c.Key)
	}
	want := []string{"key-aaaaaaaaaaaa", "key-bbbbbbbbbbbb", "key-aaaaaaaaaaaa", "key-bbbbbbbbbbbb", "key-aaaaaaaaaaaa"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Next() sequence = %v, want %v", got, want)
		}
	}
}

func TestPool_ExhaustedIsPerModel(t *testing.T) {
	ctx := context.Background()
	p := openPool(t, filepath.Join(t.TempDir(), "credentials.json"))
	defer p.Close()

	a, b := NewAPIKey("key-aaaaaaaaaaaa"), NewAPIKey("key-bbbbbbbbbbbb")
	mustAdd(t, p, a, b)

	if err := p.MarkExhausted(a, "flash"); err != nil {
		t.Fatalf("MarkExhausted() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		c, err := p.Next(ctx, "flash")
		if err != nil {
			t.Fatalf("Next(flash) error = %v", err)
		}
		if c.Key != b.Key {
			t.Errorf("Next(flash) = %s, want %s", c.ID(), b.ID())
		}
	}
	if c, err := p.Next(ctx, "pro"); err != nil || c.Key == "" {
		t.Errorf("Next(pro) = %v, %v; want a credential", c.ID(), err)
	}

	p.MarkExhausted(b, "flash")
	if _, err := p.Next(ctx, "flash"); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Errorf("Next(flash) error = %v, want ErrNoCredentialAvailable", err)
	}
}

func TestPool_HardQuota(t *testing.T) {
	ctx := context.Background()
	p := openPool(t, filepath.Join(t.TempDir(), "credentials.json"), WithLimits(map[string]int{"flash": 2}))
	defer p.Close()

	k := NewAPIKey("key-aaaaaaaaaaaa")
	mustAdd(t, p, k)

	if !p.HasHardQuota(k, "flash") {
		t.Error("HasHardQuota(flash) = false, want true")
	}
	if p.HasHardQuota(k, "pro") {
		t.Error("HasHardQuota(pro) = true, want false")
	}

	for i := 0; i < 2; i++ {
		c, err := p.Next(ctx, "flash")
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if err := p.RecordUse(c, "flash"); err != nil {
			t.Fatalf("RecordUse() error = %v", err)
		}
	}
	if _, err := p.Next(ctx, "flash"); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Errorf("Next() after quota error = %v, want ErrNoCredentialAvailable", err)
	}
}

func TestPool_WindowReset(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "credentials.json")
	p := openPool(t, path, WithClock(clock.Now), WithWindow(24*time.Hour))
	defer p.Close()

	k := NewAPIKey("key-aaaaaaaaaaaa")
	mustAdd(t, p, k)
	p.RecordUse(k, "flash")
	p.MarkExhausted(k, "flash")

	clock.Advance(23 * time.Hour)
	if reset, err := p.ResetIfWindowElapsed(); err != nil || reset {
		t.Fatalf("ResetIfWindowElapsed() = %v, %v; want false, nil", reset, err)
	}
	if _, err := p.Next(ctx, "flash"); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("Next() before reset error = %v", err)
	}

	clock.Advance(2 * time.Hour)
	c, err := p.Next(ctx, "flash")
	if err != nil {
		t.Fatalf("Next() after window error = %v", err)
	}
	snap := p.Snapshot()
	if snap[0].Usage["flash"] != 0 || snap[0].TotalUsage["flash"] != 1 {
		t.Errorf("usage after reset = %v total %v, want 0 and 1", snap[0].Usage, snap[0].TotalUsage)
	}
	if c.Key != k.Key {
		t.Errorf("Next() = %s, want %s", c.ID(), k.ID())
	}
}

func TestPool_RefreshBeforeUse(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	ref := &fakeRefresher{fail: map[string]bool{"broken@example.com": true}}
	path := filepath.Join(t.TempDir(), "credentials.json")
	p := openPool(t, path, WithClock(clock.Now), WithRefresher(ref))

	expired := clock.t.Add(-time.Minute)
	mustAdd(t, p,
		Credential{Kind: KindOAuth, Email: "broken@example.com", RefreshToken: "r1", AccessToken: "old", Expiry: expired},
		Credential{Kind: KindOAuth, Email: "ok@example.com", RefreshToken: "r2", AccessToken: "old", Expiry: expired},
	)

	c, err := p.Next(ctx, "pro")
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if c.Email != "ok@example.com" || c.AccessToken != "fresh-ok@example.com" {
		t.Errorf("Next() = %s token %q, want refreshed ok@example.com", c.ID(), c.AccessToken)
	}
	if ref.calls != 2 {
		t.Errorf("refresher called %d times, want 2", ref.calls)
	}

	// Valid token: no second refresh.
	if _, err := p.Next(ctx, "pro"); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ref.calls != 2 {
		t.Errorf("refresher called %d times after fresh token, want 2", ref.calls)
	}
	p.Close()

	p = openPool(t, path, WithClock(clock.Now), WithRefresher(ref))
	defer p.Close()
	snap := p.Snapshot()
	if snap[0].Status != StatusInvalid {
		t.Errorf("broken account status = %q after reload, want invalid", snap[0].Status)
	}
	if snap[1].AccessToken != "fresh-ok@example.com" {
		t.Errorf("refreshed token not persisted: %q", snap[1].AccessToken)
	}
}

func TestPool_AddUpsertsByIdentity(t *testing.T) {
	p := openPool(t, filepath.Join(t.TempDir(), "credentials.json"))
	defer p.Close()

	k := NewAPIKey("key-aaaaaaaaaaaa")
	mustAdd(t, p, k)
	p.RecordUse(k, "flash")
	mustAdd(t, p, k)

	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
	if got := p.Snapshot()[0].TotalUsage["flash"]; got != 1 {
		t.Errorf("TotalUsage after re-add = %d, want 1", got)
	}
}

func TestPool_InvalidationKeepsRotationOrder(t *testing.T) {
	ctx := context.Background()
	p := openPool(t, filepath.Join(t.TempDir(), "credentials.json"))
	defer p.Close()

	a, b, c := NewAPIKey("key-aaaaaaaaaaaa"), NewAPIKey("key-bbbbbbbbbbbb"), NewAPIKey("key-cccccccccccc")
	mustAdd(t, p, a, b, c)

	var got []string
	next := func() {
		t.Helper()
		cred, err := p.Next(ctx, "m")
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, cred.Key)
	}
	next()
	next()
	if err := p.MarkInvalid(a); err != nil {
		t.Fatalf("MarkInvalid() error = %v", err)
	}
	next()
	next()

	want := []string{a.Key, b.Key, c.Key, b.Key}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Next() sequence = %v, want %v", got, want)
		}
	}
}

func TestPool_KeysSharingMaskStayDistinct(t *testing.T) {
	ctx := context.Background()
	p := openPool(t, filepath.Join(t.TempDir(), "credentials.json"))
	defer p.Close()

	first := NewAPIKey("AIzaFIRSTKEYxxxxxxxxQ1w9")
	second := NewAPIKey("AIzaSECONDKEYyyyyyyyQ1w9")
	if first.ID() != second.ID() {
		t.Fatalf("test keys should share a masked ID: %q vs %q", first.ID(), second.ID())
	}
	mustAdd(t, p, first, second)
	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", p.Len())
	}

	if err := p.MarkExhausted(second, "flash"); err != nil {
		t.Fatalf("MarkExhausted() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		c, err := p.Next(ctx, "flash")
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if c.Key != first.Key {
			t.Errorf("Next() = %s, want the unexhausted first key", c.Key)
		}
	}

	short1, short2 := NewAPIKey("k1"), NewAPIKey("k2")
	mustAdd(t, p, short1, short2)
	if p.Len() != 4 {
		t.Errorf("Len() after short keys = %d, want 4", p.Len())
	}
}

func TestCredential_ID(t *testing.T) {
	tests := []struct {
		c    Credential
		want string
	}{
		{NewAPIKey("AIzaSyExampleKey1234"), "AIza...1234"},
		{NewAPIKey("short"), "****"},
		{Credential{Kind: KindOAuth, Email: "a@b.c"}, "a@b.c"},
	}
	for _, tt := range tests {
		if got := tt.c.ID(); got != tt.want {
			t.Errorf("ID() = %q, want %q", got, tt.want)
		}
	}
}

func TestOpen_CreatesStateDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "lecnotes", "credentials.json")
	p := openPool(t, path)
	defer p.Close()

	mustAdd(t, p, NewAPIKey("key-aaaaaaaaaaaa"))
	if _, err := os.Stat(path); err != nil {
		t.Errorf("credentials file not written: %v", err)
	}
}
