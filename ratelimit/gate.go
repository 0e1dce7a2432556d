package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultWindow    = 5 * time.Second
	defaultRetention = 10 * time.Minute
)

// Result reports the outcome of a cooldown check. RetryAfter is zero when
// the request is allowed.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Gate is an in-process per-user cooldown. Check-then-record happens under a
// single lock so two near-simultaneous requests from the same user cannot
// both be admitted. Entries idle past the retention horizon are swept on the
// next check to keep memory bounded.
type Gate struct {
	mu        sync.Mutex
	window    time.Duration
	retention time.Duration
	lastSeen  map[string]time.Time
	lastSweep time.Time
}

// NewGate builds a gate with the given cooldown window. Retention controls
// how long idle entries survive before eviction.
func NewGate(window, retention time.Duration) *Gate {
	if window <= 0 {
		window = defaultWindow
	}
	if retention < window {
		retention = defaultRetention
	}
	return &Gate{
		window:    window,
		retention: retention,
		lastSeen:  make(map[string]time.Time),
	}
}

// NewGateFromEnv reads RATE_LIMIT_SECONDS (default 5).
func NewGateFromEnv() *Gate {
	window := defaultWindow
	if raw := strings.TrimSpace(os.Getenv("RATE_LIMIT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			window = time.Duration(parsed) * time.Second
		}
	}
	return NewGate(window, defaultRetention)
}

// Window reports the configured cooldown window.
func (g *Gate) Window() time.Duration {
	if g == nil {
		return defaultWindow
	}
	return g.window
}

// Check admits the user when their last admitted question is at least one
// window in the past, recording the admission atomically with the check.
// Denied results carry the remaining wait.
func (g *Gate) Check(userID string, now time.Time) Result {
	if g == nil || userID == "" {
		return Result{Allowed: true}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked(now)

	if last, ok := g.lastSeen[userID]; ok {
		elapsed := now.Sub(last)
		if elapsed < g.window {
			return Result{RetryAfter: g.window - elapsed}
		}
	}

	g.lastSeen[userID] = now
	return Result{Allowed: true}
}

// Size reports the number of tracked users. Mainly useful for tests.
func (g *Gate) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lastSeen)
}

func (g *Gate) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < g.retention {
		return
	}
	for user, last := range g.lastSeen {
		if now.Sub(last) > g.retention {
			delete(g.lastSeen, user)
		}
	}
	g.lastSweep = now
}
