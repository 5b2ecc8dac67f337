package api

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/ironca/internal/metrics"
)

// DefaultRateWindow is the sliding window used by the submission limiter.
const DefaultRateWindow = time.Hour

// RateLimiter admits at most limit events per key within a sliding window.
// State lives only in the limiter value; callers own its lifetime and may
// clear it with Reset.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	events map[string][]time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateClock replaces time.Now, for tests.
func WithRateClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// WithRateWindow overrides DefaultRateWindow.
func WithRateWindow(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) { rl.window = d }
}

// NewRateLimiter returns a limiter admitting limit events per window.
// A limit of zero or less admits everything.
func NewRateLimiter(limit int, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		limit:  limit,
		window: DefaultRateWindow,
		now:    time.Now,
		events: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow records an event for key if it is within the limit. When the key
// is over the limit it reports false and how long until the oldest event
// leaves the window.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if rl == nil || rl.limit <= 0 {
		return true, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	events := trimWindow(rl.events[key], now.Add(-rl.window))
	if len(events) >= rl.limit {
		rl.events[key] = events
		return false, events[0].Add(rl.window).Sub(now)
	}
	rl.events[key] = append(events, now)
	return true, 0
}

// Reset forgets every recorded event for key, or for all keys when key is
// empty.
func (rl *RateLimiter) Reset(key string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if key == "" {
		rl.events = make(map[string][]time.Time)
		return
	}
	delete(rl.events, key)
}

// Sweep drops keys whose events have all left the window and returns how
// many were removed.
func (rl *RateLimiter) Sweep() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	removed := 0
	for key, events := range rl.events {
		if events = trimWindow(events, cutoff); len(events) == 0 {
			delete(rl.events, key)
			removed++
			continue
		}
		rl.events[key] = events
	}
	return removed
}

// trimWindow drops events at or before cutoff. events is in ascending order.
func trimWindow(events []time.Time, cutoff time.Time) []time.Time {
	start := 0
	for start < len(events) && !events[start].After(cutoff) {
		start++
	}
	return events[start:]
}

// RateLimit throttles the wrapped handler per client address.
func (a *API) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.extractClientIP(r)
		if ok, retryAfter := a.limiter.Allow(ip); !ok {
			metrics.RateLimitedTotal.Inc()
			a.audit.logFailure(AuditRateLimited, r, "rate limit exceeded", slog.String("client_ip", ip))
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeRateLimited sends a 429 response with Retry-After.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

func retryAfterString(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}

// extractClientIP returns the client IP honouring the API's trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if the request's RemoteAddr falls within one of trustedProxies. With no
// trusted proxies RemoteAddr is always returned.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	peer, ok := parseIPCandidate(r.RemoteAddr)
	if !ok {
		return ""
	}
	if !prefixesContain(trustedProxies, netip.MustParseAddr(peer)) {
		return peer
	}
	for _, h := range forwardedHeaders {
		for _, candidate := range h.candidates(r.Header.Get(h.name)) {
			if ip, ok := parseIPCandidate(candidate); ok {
				return ip
			}
		}
	}
	return peer
}

// forwardedHeaders are consulted in order, and only when the peer is a
// trusted proxy.
var forwardedHeaders = []struct {
	name       string
	candidates func(value string) []string
}{
	{"X-Forwarded-For", func(v string) []string { return strings.Split(v, ",") }},
	{"Forwarded", forwardedFor},
	{"X-Real-IP", func(v string) []string { return []string{v} }},
}

// forwardedFor returns the for= values of an RFC 7239 Forwarded header.
func forwardedFor(v string) []string {
	var out []string
	for _, elem := range strings.Split(v, ",") {
		for _, param := range strings.Split(elem, ";") {
			param = strings.TrimSpace(param)
			if len(param) > 4 && strings.EqualFold(param[:4], "for=") {
				out = append(out, param[4:])
			}
		}
	}
	return out
}

func prefixesContain(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	s, _, _ = strings.Cut(s, "%")
	if s == "" {
		return "", false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
