package httpx

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateDecision is the outcome of a rate limiter check for one key.
type rateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	RetryIn   time.Duration
}

// RateLimiter counts requests per key inside a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (rateDecision, error)
}

// memoryRateLimiter is the in-process fallback used when Redis is not
// configured. Fixed window per key, swept periodically.
type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

func newMemoryRateLimiter() *memoryRateLimiter {
	l := &memoryRateLimiter{windows: make(map[string]*memoryWindow)}
	go l.sweep()
	return l
}

func (l *memoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (rateDecision, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		l.windows[key] = w
	}
	w.count++
	d := rateDecision{
		Allowed:   w.count <= limit,
		Limit:     limit,
		Remaining: max(0, limit-w.count),
		RetryIn:   time.Until(w.resetAt),
	}
	return d, nil
}

func (l *memoryRateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		l.mu.Lock()
		for key, w := range l.windows {
			if now.After(w.resetAt) {
				delete(l.windows, key)
			}
		}
		l.mu.Unlock()
	}
}

// withRateLimit wraps a handler with a per-key fixed-window limit. A
// limiter failure lets the request through.
func (r *Router) withRateLimit(route string, limit int, window time.Duration, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil || limit <= 0 {
			next(w, req)
			return
		}
		key := fmt.Sprintf("%s:%s", route, keyFn(req))
		dec, err := r.limiter.Allow(req.Context(), key, limit, window)
		if err != nil {
			r.logger.Warn("rate limiter unavailable, allowing request", "route", route, "error", err)
			next(w, req)
			return
		}
		applyRateHeaders(w, dec)
		if !dec.Allowed {
			r.metrics.rateLimited(route)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func applyRateHeaders(w http.ResponseWriter, dec rateDecision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	if !dec.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryIn.Seconds())+1))
	}
}

func rateLimitKeyIP(req *http.Request) string {
	return clientIP(req)
}

func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
