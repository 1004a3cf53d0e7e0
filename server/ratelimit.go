package server

import (
	"context"
	"sync"
	"time"
)

// attemptRecord counts failed attempts until ResetAt.
type attemptRecord struct {
	Count   int
	ResetAt time.Time
}

// RateLimiter blocks clients that keep presenting bad tokens. Failed attempts
// are counted per IP within a window; reaching maxAttempts blocks the IP for
// the block duration. A successful attempt clears the IP.
type RateLimiter struct {
	mu          sync.RWMutex
	attempts    map[string]attemptRecord
	maxAttempts int
	window      time.Duration
	block       time.Duration
	now         func() time.Time
}

// NewRateLimiter returns a limiter allowing maxAttempts failures per window
// before blocking an IP for block.
func NewRateLimiter(maxAttempts int, window, block time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:    make(map[string]attemptRecord),
		maxAttempts: maxAttempts,
		window:      window,
		block:       block,
		now:         time.Now,
	}
}

// Allow reports whether ip may attempt authentication. When blocked it also
// returns the time left until the block expires.
func (r *RateLimiter) Allow(ip string) (bool, time.Duration) {
	r.mu.RLock()
	record, ok := r.attempts[ip]
	r.mu.RUnlock()

	now := r.now()
	if !ok || now.After(record.ResetAt) {
		return true, 0
	}
	if record.Count >= r.maxAttempts {
		return false, record.ResetAt.Sub(now)
	}
	return true, 0
}

// RecordAttempt counts a failed attempt for ip.
func (r *RateLimiter) RecordAttempt(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	record, ok := r.attempts[ip]
	if !ok || now.After(record.ResetAt) {
		record = attemptRecord{ResetAt: now.Add(r.window)}
	}
	record.Count++
	if record.Count == r.maxAttempts {
		record.ResetAt = now.Add(r.block)
	}
	r.attempts[ip] = record
}

// Reset forgets ip.
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	delete(r.attempts, ip)
	r.mu.Unlock()
}

// Cleanup removes expired records and returns how many were removed.
func (r *RateLimiter) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for ip, record := range r.attempts {
		if now.After(record.ResetAt) {
			delete(r.attempts, ip)
			removed++
		}
	}
	return removed
}

// StartCleanupTicker runs Cleanup every interval until ctx is done.
func (r *RateLimiter) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
}

// Count returns the number of tracked IPs.
func (r *RateLimiter) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.attempts)
}
