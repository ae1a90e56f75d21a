// Package guard temporarily disables video retrieval after a provider signals throttling.
package guard

import (
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/autoresearch/internal/metrics"
)

const DefaultCooldown = time.Hour

// Guard holds a nullable disabled-until timestamp shared by every job in the process.
type Guard struct {
	mu            sync.Mutex
	disabledUntil *time.Time
	cooldown      time.Duration
	patterns      []string
	now           func() time.Time
}

type Option func(*Guard)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithPatterns sets the lower-case phrases that identify a blocking signal.
func WithPatterns(patterns []string) Option {
	return func(g *Guard) {
		g.patterns = g.patterns[:0]
		for _, p := range patterns {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				g.patterns = append(g.patterns, p)
			}
		}
	}
}

func New(cooldown time.Duration, opts ...Option) *Guard {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	g := &Guard{
		cooldown: cooldown,
		patterns: []string{"too many requests", "429", "rate limit", "suspended", "captcha", "access denied", "sign in to confirm"},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Disable blocks video retrieval for d, or for the configured cooldown when d <= 0.
func (g *Guard) Disable(d time.Duration) {
	if d <= 0 {
		d = g.cooldown
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	until := g.now().Add(d)
	g.disabledUntil = &until
}

// IsDisabled reports whether the guard is active, clearing an expired timestamp.
func (g *Guard) IsDisabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeLocked()
}

// Remaining returns the cooldown left, zero when enabled.
func (g *Guard) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.activeLocked() {
		return 0
	}
	return g.disabledUntil.Sub(g.now())
}

func (g *Guard) activeLocked() bool {
	if g.disabledUntil == nil {
		return false
	}
	if !g.now().Before(*g.disabledUntil) {
		g.disabledUntil = nil
		return false
	}
	return true
}

// Matches reports whether err carries one of the blocking phrases.
func (g *Guard) Matches(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range g.patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Observe disables the guard for the default cooldown when err is a blocking signal.
func (g *Guard) Observe(err error) bool {
	if !g.Matches(err) {
		return false
	}
	g.Disable(0)
	metrics.IncRateLimitTrip()
	return true
}
