package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitByIP limits N requests per minute per client IP. Use for public
// routes (webhooks have no auth, so no UserID).
func RateLimitByIP(requestsPerMinute int) func(next http.Handler) http.Handler {
	limiter := newWindowLimiter()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
			}
			if !limiter.allow("ip:"+ip, requestsPerMinute) {
				writeRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit limits N requests per minute per user (by UserID from ctx).
func RateLimit(requestsPerMinute int) func(next http.Handler) http.Handler {
	limiter := newWindowLimiter()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := UserID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.allow(id.String(), requestsPerMinute) {
				writeRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// windowLimiter counts requests per fixed one-minute window, with periodic
// cleanup to avoid unbounded map growth.
type windowLimiter struct {
	mu          sync.Mutex
	m           map[string]windowEntry
	lastCleanup time.Time
}

type windowEntry struct {
	count int
	start time.Time
}

func newWindowLimiter() *windowLimiter {
	return &windowLimiter{m: make(map[string]windowEntry)}
}

func (l *windowLimiter) allow(key string, perMinute int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.lastCleanup) >= 2*time.Minute {
		l.lastCleanup = now
		cutoff := now.Add(-2 * time.Minute)
		for k, e := range l.m {
			if e.start.Before(cutoff) {
				delete(l.m, k)
			}
		}
	}
	e := l.m[key]
	if now.Sub(e.start) > time.Minute {
		e = windowEntry{count: 1, start: now}
	} else {
		e.count++
	}
	l.m[key] = e
	return e.count <= perMinute
}

func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded"}`))
}
