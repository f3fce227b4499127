package ratelimit

import (
	"sync"
	"time"
)

// TokenBudget caps total LLM token usage per UTC day across all clients.
//
// The budget is checked before a request and charged after it, so the last request of
// a day may overshoot the limit by its own usage.
type TokenBudget struct {
	limit    int64
	disabled bool
	now      func() time.Time

	mu   sync.Mutex
	day  string
	used int64
}

func NewTokenBudget(limit int64, disabled bool, now func() time.Time) *TokenBudget {
	if now == nil {
		now = time.Now
	}
	return &TokenBudget{limit: limit, disabled: disabled || limit <= 0, now: now}
}

func (b *TokenBudget) rollLocked() {
	day := b.now().UTC().Format("2006-01-02")
	if day != b.day {
		b.day = day
		b.used = 0
	}
}

// Allow reports whether today's usage is still under the limit.
func (b *TokenBudget) Allow() bool {
	if b == nil || b.disabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return b.used < b.limit
}

// Add charges n tokens to today and returns the new total.
func (b *TokenBudget) Add(n int64) int64 {
	if b == nil || b.disabled || n <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	b.used += n
	return b.used
}

// Used returns today's usage.
func (b *TokenBudget) Used() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return b.used
}

func (b *TokenBudget) Limit() int64 {
	if b == nil {
		return 0
	}
	return b.limit
}
