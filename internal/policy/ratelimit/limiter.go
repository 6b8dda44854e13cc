// Package ratelimit throttles image fetches per host with token buckets, so a
// sheet full of links to one site does not hammer it with every thread at once.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/sheet-image-republisher/internal/imaging"
	"github.com/JakeFAU/sheet-image-republisher/internal/metrics"
)

// Limiter manages one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// Config holds rate limiter configuration. A non-positive HostRPS disables
// throttling.
type Config struct {
	HostRPS   float64
	HostBurst int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.HostRPS)
	if cfg.HostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.HostBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Enabled reports whether the limiter ever blocks.
func (l *Limiter) Enabled() bool {
	return l.rate != rate.Inf
}

// Wait blocks until a token for the host of rawURL is available.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if !l.Enabled() {
		return nil
	}
	start := time.Now()
	if err := l.forHost(hostOf(rawURL)).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveFetchThrottle(waited)
	}
	return nil
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Fetcher applies a Limiter in front of another imaging.Fetcher.
type Fetcher struct {
	next    imaging.Fetcher
	limiter *Limiter
}

// Wrap returns next unchanged when the limiter is disabled.
func Wrap(next imaging.Fetcher, limiter *Limiter) imaging.Fetcher {
	if limiter == nil || !limiter.Enabled() {
		return next
	}
	return &Fetcher{next: next, limiter: limiter}
}

// Fetch waits for the host's token and then delegates. A wait cut short by
// ctx is reported as a fetch failure of that URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (imaging.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return imaging.FetchResponse{}, &imaging.FetchError{URL: rawURL, Err: err}
	}
	return f.next.Fetch(ctx, rawURL)
}
