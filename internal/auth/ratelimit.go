package auth

import (
	"sync"
	"time"
)

// LoginLimiter tracks login attempts per client IP in a sliding window.
// Every attempt counts, successful or not, and nothing resets the window
// early. Otherwise a caller holding one valid credential could clear the
// counter between guesses.
type LoginLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	max      int
	window   time.Duration
}

// NewLoginLimiter allows at most max attempts per IP per window.
func NewLoginLimiter(max int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		attempts: make(map[string][]time.Time),
		max:      max,
		window:   window,
	}
}

// Allow reports whether the IP may attempt a login right now.
func (l *LoginLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(ip, time.Now())) < l.max
}

// Record notes one attempt for the IP, before the credentials are checked.
func (l *LoginLimiter) Record(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.attempts[ip] = append(l.pruneLocked(ip, now), now)
}

// RetryAfter returns how long the IP must wait before the oldest counted
// attempt ages out. Zero when the IP is not limited.
func (l *LoginLimiter) RetryAfter(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	attempts := l.pruneLocked(ip, now)
	if len(attempts) < l.max {
		return 0
	}
	return attempts[0].Add(l.window).Sub(now)
}

// Cleanup drops IPs whose attempts have all aged out. Called from the session
// sweep so idle entries do not accumulate.
func (l *LoginLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for ip := range l.attempts {
		if len(l.pruneLocked(ip, now)) == 0 {
			delete(l.attempts, ip)
		}
	}
}

// pruneLocked drops attempts outside the window and returns what remains
// (caller must hold the lock).
func (l *LoginLimiter) pruneLocked(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	kept := l.attempts[ip][:0]
	for _, t := range l.attempts[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.attempts, ip)
		return nil
	}
	l.attempts[ip] = kept
	return kept
}
