package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, method, target string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "192.0.2.1:12345"
	for _, m := range mutate {
		m(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 5, Window: time.Minute})(okHandler())

	for i := range 5 {
		w := serve(h, http.MethodGet, "/cart/u1")
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 2, Window: time.Minute})(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/").Code)
	}
	w := serve(h, http.MethodGet, "/")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Equal(t, "rate limit exceeded", body.Message)
}

func TestRateLimit_KeysAreIndependent(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())

	from := func(addr string) func(*http.Request) {
		return func(r *http.Request) { r.RemoteAddr = addr }
	}
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/", from("10.0.0.1:1")).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/", from("10.0.0.2:1")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodGet, "/", from("10.0.0.1:2")).Code)
}

func TestRateLimit_SkipCallbacks(t *testing.T) {
	h := RateLimit(RateLimitConfig{
		Max:    1,
		Window: time.Minute,
		Skip:   PathIs("/newebpay_notify", "/newebpay_return"),
	})(okHandler())

	for range 3 {
		w := serve(h, http.MethodPost, "/newebpay_notify")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/cart/u1").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodGet, "/cart/u1").Code)
}

func TestLimiter_SlidingWindow(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	now := base
	l := newLimiter(RateLimitConfig{Max: 4, Window: time.Minute})
	l.now = func() time.Time { return now }

	for range 4 {
		_, _, ok := l.take("k")
		require.True(t, ok)
	}
	_, _, ok := l.take("k")
	require.False(t, ok)

	// Half-way into the next window half of the previous count still applies.
	now = base.Add(90 * time.Second)
	remaining, reset, ok := l.take("k")
	require.True(t, ok)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, base.Add(2*time.Minute), reset)

	_, _, ok = l.take("k")
	require.True(t, ok)
	_, _, ok = l.take("k")
	assert.False(t, ok)

	// Two idle windows reset the key completely.
	now = base.Add(5 * time.Minute)
	remaining, _, ok = l.take("k")
	require.True(t, ok)
	assert.Equal(t, 3, remaining)
}

func TestLimiter_Evict(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{Max: 1, Window: time.Second})
	l.now = func() time.Time { return now }

	l.take("a")
	now = now.Add(500 * time.Millisecond)
	l.take("b")
	now = now.Add(1600 * time.Millisecond)
	l.evict()

	assert.NotContains(t, l.windows, "a")
	assert.Contains(t, l.windows, "b")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{name: "forwarded list", header: map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.1"}, want: "203.0.113.5"},
		{name: "real ip", header: map[string]string{"X-Real-IP": "203.0.113.9"}, want: "203.0.113.9"},
		{name: "remote addr", remote: "198.51.100.7:4000", want: "198.51.100.7"},
		{name: "remote without port", remote: "pipe", want: "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.remote != "" {
				r.RemoteAddr = tt.remote
			}
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}
