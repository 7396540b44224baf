package auth

import (
	"sync"
	"time"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// RateLimiter enforces per-key, per-minute request budgets with a fixed
// one-minute window. Read and write requests are counted independently
// because keys carry separate read and write limits.
//
// Counters live in process memory only. A restart resets all windows,
// which errs on the permissive side and is acceptable for a limiter whose
// purpose is abuse damping rather than billing.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[rateKey]*rateWindow
	now     func() time.Time
}

type rateKey struct {
	keyID db.ID
	write bool
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[rateKey]*rateWindow),
		now:     time.Now,
	}
}

// Allow records one request against the key's window and reports whether
// it fits within limit requests per minute. A limit of zero or below means
// unlimited.
func (l *RateLimiter) Allow(keyID db.ID, write bool, limit int) bool {
	if limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := rateKey{keyID: keyID, write: write}

	w, ok := l.windows[k]
	if !ok || now.Sub(w.start) >= time.Minute {
		l.windows[k] = &rateWindow{start: now, count: 1}
		return true
	}

	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// Forget drops all windows for a key. Called on revocation and rotation so
// a reissued key starts with a clean budget.
func (l *RateLimiter) Forget(keyID db.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, rateKey{keyID: keyID, write: false})
	delete(l.windows, rateKey{keyID: keyID, write: true})
}

// Prune removes windows older than one minute. Called periodically by the
// maintenance sweeper to keep the map from growing with dead keys.
func (l *RateLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-time.Minute)
	for k, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, k)
		}
	}
}
