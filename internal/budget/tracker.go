package budget

import "sync"

// Tracker accumulates consumption for a single run against its Limits.
type Tracker struct {
	limits   Limits
	consumed int64
	mu       sync.Mutex
}

func NewTracker(l Limits) *Tracker {
	return &Tracker{limits: l}
}

func (t *Tracker) Limits() Limits { return t.limits }

// Consumed returns the running total.
func (t *Tracker) Consumed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumed
}

// Exhausted reports whether consumption has reached the ceiling.
func (t *Tracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumed >= t.limits.Ceiling
}

// Fits reports whether tokens can be kept without passing ceiling plus tolerance.
func (t *Tracker) Fits(tokens int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits.fits(t.consumed, tokens)
}

// Add records tokens. Callers gate on Fits first; Add itself never refuses.
func (t *Tracker) Add(tokens int64) {
	t.mu.Lock()
	t.consumed += tokens
	t.mu.Unlock()
}
