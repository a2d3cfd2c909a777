/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package session

import (
	"sync"
	"time"
)

// RateLimiter implements a sliding window rate limiter
type RateLimiter struct {
	maxRequests int
	period      time.Duration
	requests    []time.Time
	now         func() time.Time
	mu          sync.Mutex
}

// NewRateLimiter creates a new rate limiter. maxRequests <= 0 disables limiting.
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	capacity := maxRequests
	if capacity < 0 {
		capacity = 0
	}
	return &RateLimiter{
		maxRequests: maxRequests,
		period:      period,
		requests:    make([]time.Time, 0, capacity),
		now:         time.Now,
	}
}

// prune drops requests older than the window. Caller holds mu.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.period)
	validRequests := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			validRequests = append(validRequests, t)
		}
	}
	r.requests = validRequests
}

// Allow records a request and returns true if it fits in the window.
// When the window is full it returns false and how long until a slot frees up.
func (r *RateLimiter) Allow() (bool, time.Duration) {
	if r == nil || r.maxRequests <= 0 {
		return true, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)

	if len(r.requests) < r.maxRequests {
		r.requests = append(r.requests, now)
		return true, 0
	}

	// Calculate wait time until oldest request expires
	return false, r.requests[0].Add(r.period).Sub(now)
}

// Available returns the number of requests available before hitting the limit
func (r *RateLimiter) Available() int {
	if r == nil || r.maxRequests <= 0 {
		return -1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return r.maxRequests - len(r.requests)
}
