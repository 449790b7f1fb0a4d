package ratelimit

import (
	"sync"
	"time"

	"github.com/akinalp/carecall/pkg/clock"
)

// signalBucket is in one of two modes: counting inside a window, or cooling
// down after the window overflowed (cooldownUntil in the future).
type signalBucket struct {
	count         int
	windowStart   time.Time
	cooldownUntil time.Time
}

// SignalRateLimiter throttles inbound signals per participant.
//
// A trickle-ICE burst is tens of candidates within a second, so the window
// is sized for that; a sender that overflows it is muted for the cooldown.
//
//	limiter := NewSignalRateLimiter(120, 10*time.Second, 30*time.Second, nil)
//	if !limiter.Allow(participantID) { drop }
type SignalRateLimiter struct {
	mu          sync.RWMutex
	buckets     map[string]*signalBucket
	maxSignals  int
	window      time.Duration
	cooldown    time.Duration
	clock       clock.Clock
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewSignalRateLimiter starts the cleanup goroutine. A nil clk uses the real clock.
func NewSignalRateLimiter(maxSignals int, window, cooldown time.Duration, clk clock.Clock) *SignalRateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	rl := &SignalRateLimiter{
		buckets:     make(map[string]*signalBucket),
		maxSignals:  maxSignals,
		window:      window,
		cooldown:    cooldown,
		clock:       clk,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow counts one signal from participantID and reports whether it may pass.
func (rl *SignalRateLimiter) Allow(participantID string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[participantID]
	if !exists {
		rl.buckets[participantID] = &signalBucket{count: 1, windowStart: now}
		return true
	}

	if !b.cooldownUntil.IsZero() {
		if now.Before(b.cooldownUntil) {
			return false
		}
		b.count = 1
		b.windowStart = now
		b.cooldownUntil = time.Time{}
		return true
	}

	if now.Sub(b.windowStart) > rl.window {
		b.count = 1
		b.windowStart = now
		return true
	}

	b.count++
	if b.count > rl.maxSignals {
		b.cooldownUntil = now.Add(rl.cooldown)
		return false
	}
	return true
}

// CooldownSeconds returns the remaining cooldown, or 0 when none is running.
func (rl *SignalRateLimiter) CooldownSeconds(participantID string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	b, exists := rl.buckets[participantID]
	if !exists || b.cooldownUntil.IsZero() {
		return 0
	}

	remaining := b.cooldownUntil.Sub(rl.clock.Now())
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// Forget drops the participant's bucket, e.g. once they disconnect.
func (rl *SignalRateLimiter) Forget(participantID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, participantID)
}

// Stop ends the cleanup goroutine.
func (rl *SignalRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *SignalRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
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

// cleanup keeps buckets that are still cooling down.
func (rl *SignalRateLimiter) cleanup() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for id, b := range rl.buckets {
		windowExpired := now.Sub(b.windowStart) > rl.window
		cooldownExpired := b.cooldownUntil.IsZero() || now.After(b.cooldownUntil)
		if windowExpired && cooldownExpired {
			delete(rl.buckets, id)
		}
	}
}
