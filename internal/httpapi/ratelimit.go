package httpapi

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a per-caller sliding window on the upload and
// account surfaces. Keys are the caller identity when one is present and
// the remote address otherwise, so unauthenticated floods are capped too.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	burst   int
	logger  *log.Logger
}

type rateWindow struct {
	count int
	start time.Time
}

// NewRateLimiter caps callers at limit requests per minute with burst
// headroom. Zero values pick 120/min with 2x burst.
func NewRateLimiter(limit, burst int) *RateLimiter {
	if limit <= 0 {
		limit = 120
	}
	if burst <= 0 {
		burst = limit * 2
	}
	rl := &RateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   limit,
		burst:   burst,
		logger:  log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
	}
	go rl.sweep()
	return rl
}

// Allow counts one request against key and reports whether it fits the
// current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window, ok := rl.windows[key]
	if !ok || now.Sub(window.start) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}

	window.count++
	if window.count > rl.burst {
		rl.logger.Printf("🚫 Burst limit hit: key=%s count=%d", key, window.count)
		return false
	}
	if window.count > rl.limit {
		rl.logger.Printf("⚠️ Rate limit hit: key=%s count=%d limit=%d", key, window.count, rl.limit)
		return false
	}
	return true
}

// Middleware rejects over-limit requests with the standard envelope.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rateKey(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, retry in 60s")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateKey identifies the caller before authentication has run: gateway
// identity, then raw API token, then remote IP.
func rateKey(r *http.Request) string {
	if uid := r.Header.Get("X-User-ID"); uid != "" {
		return "user:" + uid
	}
	if tok := bearerToken(r); tok != "" {
		return "key:" + tok
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// sweep drops expired windows so the map stays bounded.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		rl.mu.Lock()
		for key, window := range rl.windows {
			if now.Sub(window.start) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
