package dispatcher

import (
	"sync"
	"time"
)

const (
	rateLimitPerWindow = 100
	rateLimitWindow    = time.Minute
	staleLimitAge      = 5 * time.Minute
)

// RateLimiter caps how many messages one user may send per window,
// across all of their connections.
type RateLimiter struct {
	mu    sync.Mutex
	users map[string]*userLimit
}

type userLimit struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		users: make(map[string]*userLimit),
	}
}

// Allow reports whether the user may send another message now.
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	limit, ok := rl.users[userID]
	if !ok {
		rl.users[userID] = &userLimit{count: 1, windowStart: now}
		return true
	}

	if now.Sub(limit.windowStart) >= rateLimitWindow {
		limit.count = 1
		limit.windowStart = now
		return true
	}

	if limit.count >= rateLimitPerWindow {
		return false
	}
	limit.count++
	return true
}

// Cleanup drops stale per-user state. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for userID, limit := range rl.users {
		if now.Sub(limit.windowStart) > staleLimitAge {
			delete(rl.users, userID)
		}
	}
}
