package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const limiterSweepEvery = 5 * time.Minute

// RateLimiter counts requests per key over a fixed window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// memoryRateLimiter is a fixed-window counter for single-instance setups.
type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*countWindow
	stop    chan struct{}
	once    sync.Once
}

type countWindow struct {
	hits    int
	resetAt time.Time
}

func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]*countWindow),
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w := rl.windows[key]
	if w == nil || now.After(w.resetAt) {
		w = &countWindow{resetAt: now.Add(window)}
		rl.windows[key] = w
	}
	if w.hits >= limit {
		return rateDecision{allowed: false, count: w.hits, windowEnd: w.resetAt}
	}
	w.hits++
	return rateDecision{allowed: true, count: w.hits, windowEnd: w.resetAt}
}

func (rl *memoryRateLimiter) sweep() {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for key, w := range rl.windows {
				if now.After(w.resetAt) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

func (r *Router) withRateLimit(route string, limit int, window time.Duration, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := keyFn(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(key, limit, window)
		r.applyRateHeaders(w, limit, decision)
		if !decision.allowed {
			label := route
			if label == "" {
				label = req.URL.Path
			}
			r.recordRateLimitHit(label, rateMetricKey(key))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// handlerOperatorRate chains token auth and rate limiting for admin routes.
// Authenticated operators share one bucket; unauthenticated callers are
// bucketed per IP before they are rejected by the auth check.
func (r *Router) handlerOperatorRate(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireOperator(r.withRateLimit(route, limit, window, rateLimitKeyOperator, next))
}

func rateLimitKeyOperator(req *http.Request) string {
	if isOperator(req.Context()) {
		return "operator"
	}
	return ""
}

func rateLimitKeyIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// rateMetricKey strips the key down to its class so metric labels stay
// low-cardinality.
func rateMetricKey(key string) string {
	if key == "" {
		return "unknown"
	}
	if idx := strings.IndexRune(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}
