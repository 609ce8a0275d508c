package auth

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterEntryTTL = 30 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per client key with token buckets.
type RateLimiter struct {
	perMinute int
	burst     int
	onBlock   func()

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewRateLimiter allows perMinute requests per key with the given burst.
// onBlock, when non-nil, is called for each rejected request.
func NewRateLimiter(perMinute, burst int, onBlock func()) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perMinute: perMinute,
		burst:     burst,
		onBlock:   onBlock,
		entries:   map[string]*limiterEntry{},
	}
}

// Allow reports whether a request for key may proceed.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for k, v := range l.entries {
		if now.Sub(v.lastSeen) > limiterEntryTTL {
			delete(l.entries, k)
		}
	}

	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.burst),
		}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// Wrap throttles next by client IP and answers 429 with Retry-After.
func (l *RateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if l == nil || l.Allow(ClientIP(r)) {
			next(w, r)
			return
		}
		if l.onBlock != nil {
			l.onBlock()
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(l.perMinute)))
		writeError(w, http.StatusTooManyRequests, "TOO_MANY_REQUESTS", "too many attempts, try again later")
	}
}

func retryAfterSeconds(rpm int) int {
	seconds := int(math.Ceil(60.0 / float64(rpm)))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
