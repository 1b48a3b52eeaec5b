package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
	Window     time.Duration
}

// Limiter is a sliding-window admission limiter keyed by client.
//
// Each key owns its own window and mutex so admission checks for
// different clients never contend; the registry lock is held only long
// enough to find or insert the key's window.
type Limiter struct {
	clk    clock.Clock
	max    int
	window time.Duration

	mu   sync.RWMutex
	keys map[string]*keyWindow
}

type keyWindow struct {
	mu     sync.Mutex
	events []time.Time
}

// NewLimiter creates a limiter admitting at most max requests per key
// within the trailing window.
func NewLimiter(clk clock.Clock, max int, window time.Duration) *Limiter {
	return &Limiter{
		clk:    clk,
		max:    max,
		window: window,
		keys:   map[string]*keyWindow{},
	}
}

// Admit checks whether a request from the given client may proceed now.
// An allowed request is recorded in the window; a denied request is not.
func (l *Limiter) Admit(clientKey string) Decision {
	kw := l.keyFor(clientKey)
	now := l.clk.Now()

	kw.mu.Lock()
	defer kw.mu.Unlock()

	// drop events that have slid out of the window
	cutoff := now.Add(-l.window)
	kept := kw.events[:0]
	for _, t := range kw.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kw.events = kept

	if len(kw.events) < l.max {
		kw.events = append(kw.events, now)
		return Decision{
			Allowed:   true,
			Limit:     l.max,
			Remaining: l.max - len(kw.events),
			ResetAt:   kw.events[0].Add(l.window),
			Window:    l.window,
		}
	}

	resetAt := kw.events[0].Add(l.window)
	return Decision{
		Allowed:    false,
		Limit:      l.max,
		Remaining:  0,
		RetryAfter: resetAt.Sub(now),
		ResetAt:    resetAt,
		Window:     l.window,
	}
}

func (l *Limiter) keyFor(clientKey string) *keyWindow {
	l.mu.RLock()
	kw, ok := l.keys[clientKey]
	l.mu.RUnlock()
	if ok {
		return kw
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if kw, ok = l.keys[clientKey]; ok {
		return kw
	}
	kw = &keyWindow{}
	l.keys[clientKey] = kw
	return kw
}
