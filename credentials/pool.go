package credentials

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"lecnotes/internal/storage"
)

// ErrNoCredentialAvailable is returned when every credential is invalid or
// exhausted for the requested model.
var ErrNoCredentialAvailable = errors.New("credentials: no credential available")

// DefaultWindow is the quota accounting period.
const DefaultWindow = 24 * time.Hour

const stateVersion = "1.0"

type poolState struct {
	Version     string        `json:"version"`
	WindowStart time.Time     `json:"window_start"`
	Credentials []*Credential `json:"credentials"`
}

// Pool hands out credentials round-robin. All mutations are persisted
// immediately to the state file.
type Pool struct {
	mu        sync.Mutex
	file      *storage.JSONFile
	state     poolState
	cursor    int
	limits    map[string]int
	window    time.Duration
	refresher Refresher
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithLimits sets per-model request quotas for API keys within one window.
// Models without a limit are unbounded until the server says otherwise.
func WithLimits(limits map[string]int) Option {
	return func(p *Pool) { p.limits = limits }
}

// WithWindow sets the quota window length.
func WithWindow(d time.Duration) Option {
	return func(p *Pool) { p.window = d }
}

// WithRefresher sets how OAuth tokens are refreshed.
func WithRefresher(r Refresher) Option {
	return func(p *Pool) { p.refresher = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// Open loads the pool persisted at path, creating an empty one if missing.
func Open(path string, opts ...Option) (*Pool, error) {
	f, err := storage.OpenJSONFile(path, "credentials")
	if err != nil {
		return nil, err
	}
	p := &Pool{
		file:   f,
		window: DefaultWindow,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := f.Load(&p.state); err != nil {
		f.Close()
		return nil, err
	}
	if p.state.WindowStart.IsZero() {
		p.state.WindowStart = p.now()
	}
	return p, nil
}

// Close releases the state file.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.Close()
}

// Add inserts c, or replaces the entry with the same identity.
func (p *Pool) Add(c Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.Status == "" {
		c.Status = StatusValid
	}
	c = c.clone()
	for i, existing := range p.state.Credentials {
		if existing.same(c) {
			c.Usage, c.TotalUsage, c.Exhausted = existing.Usage, existing.TotalUsage, existing.Exhausted
			p.state.Credentials[i] = &c
			return p.saveLocked()
		}
	}
	p.state.Credentials = append(p.state.Credentials, &c)
	return p.saveLocked()
}

// Len returns the number of credentials, valid or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.state.Credentials)
}

// Snapshot returns copies of every credential in stored order.
func (p *Pool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Credential, len(p.state.Credentials))
	for i, c := range p.state.Credentials {
		out[i] = c.clone()
	}
	return out
}

// Next returns the next valid credential, in stable stored order, that is not
// exhausted for model. Expired OAuth tokens are refreshed first; a credential
// whose refresh fails is marked invalid and skipped.
func (p *Pool) Next(ctx context.Context, model string) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.resetLocked(); err != nil {
		return Credential{}, err
	}

	all := p.state.Credentials
	n := len(all)
	for k := 0; k < n; k++ {
		pos := (p.cursor + k) % n
		c := all[pos]
		if !c.Valid() || p.exhaustedLocked(c, model) {
			continue
		}
		if c.NeedsRefresh(p.now()) {
			if err := p.refreshLocked(ctx, c); err != nil {
				if ctx.Err() != nil {
					return Credential{}, ctx.Err()
				}
				continue
			}
		}
		p.cursor = (pos + 1) % n
		return c.clone(), nil
	}
	return Credential{}, ErrNoCredentialAvailable
}

func (p *Pool) refreshLocked(ctx context.Context, c *Credential) error {
	if p.refresher == nil {
		p.logger.Warn("oauth credential expired and no refresher configured", slog.String("credential", c.ID()))
		return errors.New("credentials: no refresher")
	}
	fresh, err := p.refresher.Refresh(ctx, *c)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.logger.Warn("token refresh failed, marking credential invalid",
			slog.String("credential", c.ID()), slog.String("error", err.Error()))
		c.Status = StatusInvalid
		if serr := p.saveLocked(); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}
	c.AccessToken, c.RefreshToken, c.Expiry = fresh.AccessToken, fresh.RefreshToken, fresh.Expiry
	p.logger.Debug("token refreshed", slog.String("credential", c.ID()), slog.Time("expiry", c.Expiry))
	return p.saveLocked()
}

// HasHardQuota reports whether use of c for model is counted against a fixed
// quota, in which case callers record use before sending the request.
func (p *Pool) HasHardQuota(c Credential, model string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.Kind == KindAPIKey && p.limits[model] > 0
}

// RecordUse counts one request by c against model.
func (p *Pool) RecordUse(c Credential, model string) error {
	return p.mutate(c, func(cur *Credential) {
		if cur.Usage == nil {
			cur.Usage = make(map[string]int)
		}
		if cur.TotalUsage == nil {
			cur.TotalUsage = make(map[string]int)
		}
		cur.Usage[model]++
		cur.TotalUsage[model]++
	})
}

// MarkExhausted excludes c from Next for model until the window resets.
func (p *Pool) MarkExhausted(c Credential, model string) error {
	return p.mutate(c, func(cur *Credential) {
		if cur.Exhausted == nil {
			cur.Exhausted = make(map[string]time.Time)
		}
		cur.Exhausted[model] = p.now()
		p.logger.Info("credential exhausted", slog.String("credential", cur.ID()), slog.String("model", model))
	})
}

// MarkInvalid excludes c from Next permanently.
func (p *Pool) MarkInvalid(c Credential) error {
	return p.mutate(c, func(cur *Credential) {
		cur.Status = StatusInvalid
		p.logger.Warn("credential rejected, marking invalid", slog.String("credential", cur.ID()))
	})
}

// ResetIfWindowElapsed clears window usage and exhaustion once the quota
// window has passed. It reports whether a reset happened.
func (p *Pool) ResetIfWindowElapsed() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetLocked()
}

func (p *Pool) resetLocked() (bool, error) {
	now := p.now()
	if now.Sub(p.state.WindowStart) < p.window {
		return false, nil
	}
	for _, c := range p.state.Credentials {
		c.Usage = nil
		c.Exhausted = nil
	}
	p.state.WindowStart = now
	p.logger.Info("quota window reset", slog.Time("window_start", now))
	return true, p.saveLocked()
}

func (p *Pool) mutate(c Credential, fn func(*Credential)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cur := range p.state.Credentials {
		if cur.same(c) {
			fn(cur)
			return p.saveLocked()
		}
	}
	return &storage.StorageError{Op: "update", Entity: "credential", ID: c.ID(), Err: storage.ErrNotFound}
}

func (p *Pool) exhaustedLocked(c *Credential, model string) bool {
	if _, ok := c.Exhausted[model]; ok {
		return true
	}
	if c.Kind == KindAPIKey {
		if limit := p.limits[model]; limit > 0 && c.Usage[model] >= limit {
			return true
		}
	}
	return false
}

func (p *Pool) saveLocked() error {
	p.state.Version = stateVersion
	if p.state.Credentials == nil {
		p.state.Credentials = []*Credential{}
	}
	return p.file.Save(&p.state)
}
