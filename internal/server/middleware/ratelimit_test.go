package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iudanet/ctxsync/internal/server/handlers"
)

func newTestLimiter(rate int, window time.Duration) (*RateLimiter, *time.Time) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := NewRateLimiter(rate, window, logger)
	now := time.Now()
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestRateLimiter_Allow(t *testing.T) {
	limiter, now := newTestLimiter(3, time.Minute)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("a"), "request %d should be allowed", i+1)
	}
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"), "keys have separate buckets")

	*now = now.Add(time.Minute)
	assert.True(t, limiter.Allow("a"), "bucket refills after the window")

	*now = now.Add(3 * time.Minute)
	limiter.dropIdle()
	limiter.mu.Lock()
	assert.Empty(t, limiter.buckets)
	limiter.mu.Unlock()

	limiter.Stop() // idempotent
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter, _ := newTestLimiter(1, time.Minute)
	defer limiter.Stop()

	handler := limiter.Middleware(http.MethodPost)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(method, remote string, userID string) int {
		req := httptest.NewRequest(method, "/api/v1/entities", nil)
		req.RemoteAddr = remote
		if userID != "" {
			req = req.WithContext(context.WithValue(req.Context(), handlers.UserIDKey, userID))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "10.0.0.1:1000", ""))
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodPost, "10.0.0.1:2000", ""), "port does not change the key")
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "10.0.0.1:1000", ""), "GET is not limited")
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "10.0.0.1:1000", "alice"), "users are keyed separately")
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodPost, "10.0.0.2:1000", "alice"))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "remote addr", remote: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "forwarded for", remote: "10.0.0.1:1", headers: map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.1"}, want: "203.0.113.1"},
		{name: "real ip", remote: "10.0.0.1:1", headers: map[string]string{"X-Real-IP": "203.0.113.2"}, want: "203.0.113.2"},
		{name: "no port", remote: "192.168.1.1", want: "192.168.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
