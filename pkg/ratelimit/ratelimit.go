// Package ratelimit holds the in-memory limiters used by the relay.
//
// IPRateLimiter guards unauthenticated endpoints (dev token minting) per
// client IP. SignalRateLimiter throttles inbound signaling per participant.
// Both keep their buckets in a map and sweep expired ones from a background
// goroutine until Stop is called. The package depends on nothing in the
// project except pkg/clock.
package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/akinalp/carecall/pkg/clock"
)

// bucket counts requests in a fixed window that opens at the first request.
type bucket struct {
	count       int
	windowStart time.Time
}

// IPRateLimiter allows maxAttempts requests per window and per IP.
//
//	limiter := NewIPRateLimiter(5, 2*time.Minute, nil)
//	if !limiter.Allow(ip) { return 429 }
type IPRateLimiter struct {
	mu          sync.RWMutex
	buckets     map[string]*bucket
	maxAttempts int
	window      time.Duration
	clock       clock.Clock
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewIPRateLimiter starts the cleanup goroutine. A nil clk uses the real clock.
func NewIPRateLimiter(maxAttempts int, window time.Duration, clk clock.Clock) *IPRateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	rl := &IPRateLimiter{
		buckets:     make(map[string]*bucket),
		maxAttempts: maxAttempts,
		window:      window,
		clock:       clk,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow counts the request and reports whether it is within the limit.
func (rl *IPRateLimiter) Allow(ip string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[ip]
	if !exists {
		rl.buckets[ip] = &bucket{count: 1, windowStart: now}
		return true
	}

	if now.Sub(b.windowStart) > rl.window {
		b.count = 1
		b.windowStart = now
		return true
	}

	b.count++
	return b.count <= rl.maxAttempts
}

// Reset forgets ip.
func (rl *IPRateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, ip)
}

// RetryAfterSeconds is the value for the Retry-After header once Allow has
// returned false.
func (rl *IPRateLimiter) RetryAfterSeconds(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	b, exists := rl.buckets[ip]
	if !exists {
		return 0
	}

	remaining := rl.window - rl.clock.Now().Sub(b.windowStart)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// Stop ends the cleanup goroutine.
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
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

func (rl *IPRateLimiter) cleanup() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, b := range rl.buckets {
		if now.Sub(b.windowStart) > rl.window {
			delete(rl.buckets, ip)
		}
	}
}

// ExtractIP returns the client IP of r, preferring the first
// X-Forwarded-For entry, then X-Real-IP, then RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// FormatRetryMessage renders seconds for a human, e.g. "2 minute(s)".
func FormatRetryMessage(seconds int) string {
	if seconds >= 60 {
		return fmt.Sprintf("%d minute(s)", seconds/60)
	}
	return fmt.Sprintf("%d second(s)", seconds)
}
