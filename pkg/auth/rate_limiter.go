package auth

import (
	"sync"
	"time"
)

// RateLimiter admits or rejects requests per key.
type RateLimiter interface {
	Allow(key string) bool
}

// SlidingWindowLimiter admits at most limit requests per key within any
// window of the given size.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	limit   int
	size    time.Duration
	now     func() time.Time
	sweeps  int
}

// NewSlidingWindowLimiter creates a limiter. A non-positive limit admits
// everything.
func NewSlidingWindowLimiter(limit int, size time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		windows: make(map[string][]time.Time),
		limit:   limit,
		size:    size,
		now:     time.Now,
	}
}

// Allow records a request for key and reports whether it is admitted.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := now.Add(-l.size)
	hits := trim(l.windows[key], start)

	l.sweeps++
	if l.sweeps%1024 == 0 {
		l.sweep(start)
	}

	if len(hits) >= l.limit {
		l.windows[key] = hits
		return false
	}
	l.windows[key] = append(hits, now)
	return true
}

func trim(hits []time.Time, start time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(start) {
		i++
	}
	return hits[i:]
}

// sweep drops keys without requests inside the window so idle clients do
// not accumulate.
func (l *SlidingWindowLimiter) sweep(start time.Time) {
	for key, hits := range l.windows {
		if len(trim(hits, start)) == 0 {
			delete(l.windows, key)
		}
	}
}

// RequestLimiter applies separate budgets per client address and per user.
type RequestLimiter struct {
	ip   RateLimiter
	user RateLimiter
}

// NewRequestLimiter creates per-minute limits for addresses and users.
func NewRequestLimiter(perIPPerMinute, perUserPerMinute int) *RequestLimiter {
	return &RequestLimiter{
		ip:   NewSlidingWindowLimiter(perIPPerMinute, time.Minute),
		user: NewSlidingWindowLimiter(perUserPerMinute, time.Minute),
	}
}

// AllowIP reports whether another request from ip is admitted.
func (l *RequestLimiter) AllowIP(ip string) bool {
	return l.ip.Allow("ip:" + ip)
}

// AllowUser reports whether another request from userID is admitted.
func (l *RequestLimiter) AllowUser(userID string) bool {
	return l.user.Allow("user:" + userID)
}
