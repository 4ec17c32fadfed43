package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	IPPerMinute       int
	IPBurst           int
	LocationPerMinute int
	LocationBurst     int
}

// RateLimiter applies token buckets per client IP and per location.
type RateLimiter struct {
	ipLimiter       *tokenLimiter
	locationLimiter *tokenLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:       newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst),
		locationLimiter: newTokenLimiter(cfg.LocationPerMinute, cfg.LocationBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := clientIP(r); ip != "" {
			if wait, ok := l.ipLimiter.take(ip); !ok {
				rejectRateLimited(w, r, wait, "too many requests")
				return
			}
		}
		if locationID := locationFromRequest(r); locationID != "" {
			if wait, ok := l.locationLimiter.take(locationID); !ok {
				rejectRateLimited(w, r, wait, "too many requests for location")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func rejectRateLimited(w http.ResponseWriter, r *http.Request, wait time.Duration, message string) {
	seconds := int(math.Ceil(wait.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
	writeError(w, requestIDFrom(r), http.StatusTooManyRequests, "rate_limited", message)
}

// idleAfter is how long an untouched bucket is kept; a full bucket carries
// no state worth remembering.
const idleAfter = 10 * time.Minute

type tokenLimiter struct {
	mu        sync.Mutex
	perSecond float64
	capacity  float64
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &tokenLimiter{
		perSecond: float64(perMinute) / 60.0,
		capacity:  float64(burst),
		buckets:   make(map[string]*bucket),
		now:       time.Now,
	}
}

// take spends one token for key. When none is left it reports how long until
// the next token accrues.
func (l *tokenLimiter) take(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, seen: now}
		l.buckets[key] = b
	}
	b.tokens = min(l.capacity, b.tokens+now.Sub(b.seen).Seconds()*l.perSecond)
	b.seen = now
	if b.tokens < 1 {
		deficit := 1 - b.tokens
		return time.Duration(deficit / l.perSecond * float64(time.Second)), false
	}
	b.tokens--
	return 0, true
}

func (l *tokenLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < idleAfter {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.seen) >= idleAfter {
			delete(l.buckets, key)
		}
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// locationFromRequest finds the location a request targets: the
// X-Location-ID header, the location_id query parameter, a
// /api/locations/{id}/ path, or a location_id field in a JSON body.
func locationFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Location-ID")); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get("location_id")); id != "" {
		return id
	}
	if rest, ok := strings.CutPrefix(r.URL.Path, "/api/locations/"); ok {
		if id, _, _ := strings.Cut(rest, "/"); id != "" {
			return id
		}
	}
	if r.Body == nil || !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}
	body, err := readBody(r)
	if err != nil {
		return ""
	}
	var payload struct {
		LocationID string `json:"location_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	id := strings.TrimSpace(payload.LocationID)
	if id != "" {
		r.Header.Set("X-Location-ID", id)
	}
	return id
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
