package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter implements per-key sliding window rate limiting
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*slidingWindow
	limit    int
	window   time.Duration
	keyFunc  func(r *http.Request) string
	clock    clockwork.Clock
	stopCh   chan struct{}
	stopOnce sync.Once
}

// slidingWindow tracks requests in a sliding time window
type slidingWindow struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// RateLimitConfig defines rate limit parameters
type RateLimitConfig struct {
	Limit   int           // Max requests per window
	Window  time.Duration // Time window
	KeyFunc func(r *http.Request) string
	Clock   clockwork.Clock
}

// NewRateLimiter creates a rate limiter and starts its cleanup goroutine.
// Call Stop to release it.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = GetClientIP
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	rl := &RateLimiter{
		windows: make(map[string]*slidingWindow),
		limit:   cfg.Limit,
		window:  cfg.Window,
		keyFunc: cfg.KeyFunc,
		clock:   cfg.Clock,
		stopCh:  make(chan struct{}),
	}

	go rl.cleanup(rl.clock.NewTicker(cfg.Window))
	return rl
}

// cleanup periodically drops keys whose windows are empty
func (rl *RateLimiter) cleanup(ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			rl.prune()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for key, sw := range rl.windows {
		sw.mu.Lock()
		sw.pruneOld(now, rl.window)
		if len(sw.timestamps) == 0 {
			delete(rl.windows, key)
		}
		sw.mu.Unlock()
	}
}

// Stop stops the cleanup goroutine. Safe to call multiple times.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

// Allow reports whether the request fits in its key's window and records it if so
func (rl *RateLimiter) Allow(r *http.Request) bool {
	key := rl.keyFunc(r)
	now := rl.clock.Now()

	rl.mu.Lock()
	sw, exists := rl.windows[key]
	if !exists {
		sw = &slidingWindow{}
		rl.windows[key] = sw
	}
	rl.mu.Unlock()

	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.pruneOld(now, rl.window)
	if len(sw.timestamps) >= rl.limit {
		return false
	}

	sw.timestamps = append(sw.timestamps, now)
	return true
}

// trackedKeys is used by tests to observe cleanup
func (rl *RateLimiter) trackedKeys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// pruneOld removes timestamps older than the window
func (sw *slidingWindow) pruneOld(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(sw.timestamps) && sw.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		sw.timestamps = sw.timestamps[i:]
	}
}

// Middleware rejects requests over the limit with 429 and a JSON error body
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			respondError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP extracts the client IP from a request.
// chi middleware.RealIP already sets r.RemoteAddr from X-Real-IP / X-Forwarded-For,
// so only the port is stripped here. Re-reading those headers would let a
// client spoof its way past per-IP limits.
func GetClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr may not have a port (e.g. unix socket)
		return r.RemoteAddr
	}
	return host
}

// RateLimiters holds all rate limiters for the application
type RateLimiters struct {
	Global *RateLimiter
	Votes  *RateLimiter
}

// NewRateLimiters creates the standard rate limiters
func NewRateLimiters(clock clockwork.Clock) *RateLimiters {
	return &RateLimiters{
		// Global: 120 requests per minute per IP
		Global: NewRateLimiter(RateLimitConfig{
			Limit:  120,
			Window: time.Minute,
			Clock:  clock,
		}),
		// Vote writes: 30 per minute per IP
		Votes: NewRateLimiter(RateLimitConfig{
			Limit:  30,
			Window: time.Minute,
			Clock:  clock,
		}),
	}
}

// Stop stops all rate limiter cleanup goroutines
func (rls *RateLimiters) Stop() {
	rls.Global.Stop()
	rls.Votes.Stop()
}
