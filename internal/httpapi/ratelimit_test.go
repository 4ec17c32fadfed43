package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenLimiterRefillsAtRate(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := newTokenLimiter(60, 2)
	l.now = func() time.Time { return now }

	_, ok := l.take("a")
	require.True(t, ok)
	_, ok = l.take("a")
	require.True(t, ok)

	wait, ok := l.take("a")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	now = now.Add(500 * time.Millisecond)
	wait, ok = l.take("a")
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	now = now.Add(500 * time.Millisecond)
	_, ok = l.take("a")
	assert.True(t, ok)
}

func TestTokenLimiterForgetsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := newTokenLimiter(60, 1)
	l.now = func() time.Time { return now }

	l.take("a")
	l.take("b")
	require.Len(t, l.buckets, 2)

	now = now.Add(idleAfter)
	l.take("b")
	assert.Len(t, l.buckets, 1)
	assert.Contains(t, l.buckets, "b")
}

func TestRateLimiterSetsRetryAfter(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 1, LocationPerMinute: 600, LocationBurst: 100})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}
