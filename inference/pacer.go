package inference

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pacer spaces requests per credential with a token bucket and honours a
// server Retry-After before the next request on that credential.
type pacer struct {
	mu        sync.Mutex
	rps       float64
	limiters  map[string]*rate.Limiter
	notBefore map[string]time.Time
}

// newPacer returns a pacer allowing perMinute requests per credential; zero
// disables spacing.
func newPacer(perMinute float64) *pacer {
	return &pacer{
		rps:       perMinute / 60,
		limiters:  make(map[string]*rate.Limiter),
		notBefore: make(map[string]time.Time),
	}
}

// Wait blocks until key may send a request.
func (p *pacer) Wait(ctx context.Context, key string) error {
	p.mu.Lock()
	until := p.notBefore[key]
	lim := p.limiterLocked(key)
	p.mu.Unlock()

	if d := time.Until(until); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func (p *pacer) limiterLocked(key string) *rate.Limiter {
	if p.rps <= 0 {
		return nil
	}
	if l, ok := p.limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), 1)
	p.limiters[key] = l
	return l
}

// Defer keeps key idle for d.
func (p *pacer) Defer(key string, d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t := time.Now().Add(d); t.After(p.notBefore[key]) {
		p.notBefore[key] = t
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as a date.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
