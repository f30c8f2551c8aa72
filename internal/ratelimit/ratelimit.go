package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter tracks connection attempts per client IP within a sliding
// window. It guards the WebSocket upgrade path against reconnect storms.
type Limiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
}

// NewLimiter creates a Limiter allowing max attempts per window.
func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
	}
}

// Allow returns true if the IP has not exceeded the limit.
// If allowed, the attempt is recorded.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	timestamps := l.entries[ip]
	// Drop attempts that have slid out of the window.
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.max {
		l.entries[ip] = valid
		return false
	}

	l.entries[ip] = append(valid, now)
	return true
}

// Run prunes expired entries every interval until ctx is cancelled.
// Meant to run as a goroutine alongside the server.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Prune drops IPs whose every recorded attempt has expired, bounding
// memory across long uptimes.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	for ip, timestamps := range l.entries {
		expired := true
		for _, t := range timestamps {
			if t.After(cutoff) {
				expired = false
				break
			}
		}
		if expired {
			delete(l.entries, ip)
		}
	}
}
