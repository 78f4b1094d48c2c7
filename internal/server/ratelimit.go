package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// loginThrottle rate limits token-grant attempts per key, where a key is a
// client IP or a login email. Each key gets its own token bucket so one
// attacker cannot exhaust the budget of everyone behind the same proxy.
type loginThrottle struct {
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	idleTTL time.Duration
	buckets map[string]*throttleBucket
}

type throttleBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newLoginThrottle allows n attempts per window with a burst of n, forgetting
// keys not seen for idleTTL.
func newLoginThrottle(n int, window, idleTTL time.Duration) *loginThrottle {
	return &loginThrottle{
		rate:    rate.Limit(float64(n) / window.Seconds()),
		burst:   n,
		idleTTL: idleTTL,
		buckets: make(map[string]*throttleBucket),
	}
}

func (t *loginThrottle) allow(key string) bool {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[key]
	if b == nil {
		b = &throttleBucket{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.buckets[key] = b
	}
	b.lastSeen = now
	t.sweepLocked(now)
	return b.limiter.Allow()
}

func (t *loginThrottle) sweepLocked(now time.Time) {
	for key, b := range t.buckets {
		if now.Sub(b.lastSeen) > t.idleTTL {
			delete(t.buckets, key)
		}
	}
}

// clientIP trusts the first X-Forwarded-For hop when present, falling back
// to the connection's remote address.
func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
