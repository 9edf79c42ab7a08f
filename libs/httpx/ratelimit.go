package httpx

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limiter decides whether one more request for key fits in the current window.
// retryAfter is how long until the window resets when the request is refused.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// KeyFunc selects the bucket a request is counted against.
type KeyFunc func(*http.Request) string

// ClientIP buckets by the first X-Forwarded-For hop or the remote address.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// PrincipalOrIP buckets authenticated callers by user id so one user cannot
// spread a booking storm over several addresses.
func PrincipalOrIP(r *http.Request) string {
	if p, ok := PrincipalFromRequest(r); ok {
		return "user:" + p.ID
	}
	return "ip:" + ClientIP(r)
}

// RateLimit refuses requests over the limit with 429 and Retry-After. When the
// limiter itself fails, failOpen lets the request through.
func RateLimit(l Limiter, key KeyFunc, logger *slog.Logger, failOpen bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter, err := l.Allow(r.Context(), key(r))
			if err != nil {
				logger.Warn("rate limiter error", "err", err, "fail_open", failOpen)
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteError(w, http.StatusServiceUnavailable, "unavailable", "rate limiter unavailable")
				return
			}
			if !ok {
				secs := int(math.Ceil(retryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MemoryLimiter is a fixed-window limiter for a single gateway replica.
type MemoryLimiter struct {
	limit     int
	window    time.Duration
	now       func() time.Time
	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewMemoryLimiter(limit int, per time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 60
	}
	if per <= 0 {
		per = time.Minute
	}
	return &MemoryLimiter{limit: limit, window: per, now: time.Now, windows: map[string]*window{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	w := l.windows[key]
	if w == nil || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.window)}
		return true, 0, nil
	}
	if w.count >= l.limit {
		return false, w.resetAt.Sub(now), nil
	}
	w.count++
	return true, 0, nil
}

// sweep drops expired windows at most once per window length.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}
