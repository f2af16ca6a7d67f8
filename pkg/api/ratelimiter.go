package api

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter implements per-client sliding-window rate limiting
type RateLimiter struct {
	limits          map[string][]time.Time
	maxPerWindow    int
	mu              sync.Mutex
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
}

// NewRateLimiter creates a limiter allowing maxRequestsPerMinute per client
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		limits:          make(map[string][]time.Time),
		maxPerWindow:    maxRequestsPerMinute,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	go rl.startCleanup()

	return rl
}

// Allow records a request from client and reports whether it is within the
// limit. When it is not, retryAfter is the wait until the oldest request
// leaves the window, rounded up to whole seconds.
func (rl *RateLimiter) Allow(client string) (allowed bool, retryAfter int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	requests := prune(rl.limits[client], now)

	if len(requests) >= rl.maxPerWindow {
		rl.limits[client] = requests
		wait := rateWindow - now.Sub(requests[0])
		secs := int((wait + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return false, secs
	}

	rl.limits[client] = append(requests, now)
	return true, 0
}

func prune(requests []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(requests) && now.Sub(requests[i]) >= rateWindow {
		i++
	}
	return requests[i:]
}

func (rl *RateLimiter) startCleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops clients with no requests in the window
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for client, requests := range rl.limits {
		requests = prune(requests, now)
		if len(requests) == 0 {
			delete(rl.limits, client)
		} else {
			rl.limits[client] = requests
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
