package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window and key.
	Max int
	// Window is the length of one counting window.
	Window time.Duration
	// KeyFunc extracts the limiter key. Defaults to the client IP.
	KeyFunc func(*http.Request) string
	// Skip exempts requests from limiting, e.g. gateway callbacks that must
	// never be dropped.
	Skip func(*http.Request) bool
}

// window counts requests in the current and the previous fixed window. The
// previous count is weighted by how much of it still overlaps the sliding
// window ending now.
type window struct {
	start time.Time
	curr  float64
	prev  float64
}

func (w *window) advance(now time.Time, size time.Duration) {
	elapsed := now.Sub(w.start)
	if elapsed < size {
		return
	}
	if elapsed < 2*size {
		w.prev = w.curr
	} else {
		w.prev = 0
	}
	w.curr = 0
	w.start = now.Truncate(size)
}

func (w *window) estimate(now time.Time, size time.Duration) float64 {
	overlap := 1 - now.Sub(w.start).Seconds()/size.Seconds()
	return w.prev*max(overlap, 0) + w.curr
}

type limiter struct {
	max     int
	size    time.Duration
	key     func(*http.Request) string
	skip    func(*http.Request) bool
	now     func() time.Time
	mu      sync.Mutex
	windows map[string]*window
}

func newLimiter(cfg RateLimitConfig) *limiter {
	l := &limiter{
		max:     cfg.Max,
		size:    cfg.Window,
		key:     cfg.KeyFunc,
		skip:    cfg.Skip,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	if l.key == nil {
		l.key = ClientIP
	}
	return l
}

// take records one request for key. It reports the remaining budget, the end
// of the current window and whether the request fits.
func (l *limiter) take(key string) (remaining int, reset time.Time, ok bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, found := l.windows[key]
	if !found {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.advance(now, l.size)
	reset = w.start.Add(l.size)

	used := w.estimate(now, l.size)
	if used >= float64(l.max) {
		return 0, reset, false
	}
	w.curr++
	return max(int(float64(l.max)-used-1), 0), reset, true
}

// evict drops keys idle for at least two windows.
func (l *limiter) evict() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		if now.Sub(w.start) >= 2*l.size {
			delete(l.windows, key)
		}
	}
}

func (l *limiter) evictEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *limiter) middleware(next http.Handler) http.Handler {
	limit := strconv.Itoa(l.max)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.skip != nil && l.skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		remaining, reset, ok := l.take(l.key(r))
		h := w.Header()
		h.Set("X-RateLimit-Limit", limit)
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !ok {
			wait := max(reset.Sub(l.now()), 0)
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeFailure(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit limits requests per key with a sliding window. Rejected requests
// get 429 and every limited response carries X-RateLimit-* headers. Stale
// keys are never evicted; see RateLimitWithCleanup.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiter(cfg).middleware
}

// RateLimitWithCleanup is RateLimit plus a goroutine evicting idle keys
// until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go l.evictEvery(ctx, 2*l.size)
	return l.middleware
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
