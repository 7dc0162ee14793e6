package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter throttles callers per client address with a token bucket.
// Portals flush queued leads in bursts, so the bucket absorbs up to its size
// at once and then refills at the steady rate.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewRateLimiter allows rate requests/sec with the given burst size per
// client.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*bucket),
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
	}
	go rl.evict()
	return rl
}

// Allow reports whether the client may pass, consuming one token if so.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[client]
	if !ok {
		rl.clients[client] = &bucket{tokens: rl.burst - 1, seen: now}
		return true
	}
	b.tokens = min(rl.burst, b.tokens+now.Sub(b.seen).Seconds()*rl.rate)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// evict drops buckets idle long enough to be full again, keeping the map
// from growing with every address that ever hit a webhook.
func (rl *RateLimiter) evict() {
	for range time.Tick(5 * time.Minute) {
		rl.mu.Lock()
		cutoff := rl.now().Add(-10 * time.Minute)
		for client, b := range rl.clients {
			if b.seen.Before(cutoff) {
				delete(rl.clients, client)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimit rejects requests over the per-client budget with 429.
func RateLimit(rate float64, burst int) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(rate, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientAddr(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr keys the bucket: the X-Real-Ip set by chi's RealIP middleware
// when present, otherwise RemoteAddr without the ephemeral port so one
// client maps to one bucket.
func clientAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
