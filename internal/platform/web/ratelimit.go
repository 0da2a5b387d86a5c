package web

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	idleTimeout     = 3 * time.Minute
)

// bucket is the token bucket state of one key (a connection or an address).
type bucket struct {
	// mu protects this bucket only, so different keys never contend.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter throttles events per key using a token bucket.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	// rate is the number of tokens added per second.
	rate float64
	// capacity is the max burst size.
	capacity float64
	now      func() time.Time
}

// NewRateLimiter creates a RateLimiter. Call Run to evict idle keys.
func NewRateLimiter(rate, capacity float64) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		capacity: capacity,
		now:      time.Now,
	}
}

func (rl *RateLimiter) bucket(key string) *bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; !ok {
		// New keys start with a full bucket.
		b = &bucket{tokens: rl.capacity, lastRefill: rl.now()}
		rl.buckets[key] = b
	}
	return b
}

// Allow consumes one token for key, refilling lazily from the elapsed time.
// A limiter with a non-positive rate allows everything.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.rate <= 0 {
		return true
	}
	b := rl.bucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	if added := now.Sub(b.lastRefill).Seconds() * rl.rate; added > 0 {
		b.tokens = min(b.tokens+added, rl.capacity)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Forget drops the state for key, e.g. when its connection closes.
func (rl *RateLimiter) Forget(key string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.buckets, key)
	rl.mu.Unlock()
}

// Run evicts idle keys until ctx ends.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastRefill) > idleTimeout {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// Middleware enforces the limit per client address.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientAddr(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too Many Requests"})
			return
		}
		next(w, r)
	}
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
