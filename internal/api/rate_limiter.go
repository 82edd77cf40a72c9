package api

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements per-client fixed-window rate limiting
// ARCHITECTURAL DISCOVERY: Per-client state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimit
	limit   int
	window  time.Duration
	now     func() time.Time
}

type clientLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit requests per window per client. limit <= 0 disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimit),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow records one request for clientID and reports whether it is within the limit
func (rl *RateLimiter) Allow(clientID string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, exists := rl.clients[clientID]
	if !exists || now.Sub(entry.windowStart) >= rl.window {
		rl.clients[clientID] = &clientLimit{count: 1, windowStart: now}
		return true
	}

	if entry.count >= rl.limit {
		return false
	}
	entry.count++
	return true
}

// Cleanup removes clients idle for five windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for clientID, entry := range rl.clients {
		if now.Sub(entry.windowStart) > 5*rl.window {
			delete(rl.clients, clientID)
		}
	}
}

// RunCleanup calls Cleanup every window until ctx is cancelled
func (rl *RateLimiter) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
