package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
)

// AuthMiddleware admits a call when the client address is inside an
// allowed network and it presents a configured API key, either as
// X-API-Key or as a bearer token.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.extractClientIP(r)
		if !a.networkAllowed(ip) {
			a.audit.logFailure(AuditAuthFailed, r, "network not allowed", slog.String("client_ip", ip))
			writeError(w, http.StatusForbidden, "client network not allowed")
			return
		}

		key := presentedKey(r)
		if key == "" {
			a.audit.logFailure(AuditAuthFailed, r, "missing api key", slog.String("client_ip", ip))
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if !a.keyValid(key) {
			a.audit.logFailure(AuditAuthFailed, r, "invalid api key", slog.String("client_ip", ip))
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func presentedKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// keyValid compares against every configured key so the time taken does
// not depend on which key matched.
func (a *API) keyValid(key string) bool {
	presented := []byte(key)
	match := 0
	for _, k := range a.apiKeys {
		match |= subtle.ConstantTimeCompare(presented, k)
	}
	return match == 1
}

// networkAllowed reports whether ip may call the API. An empty allow-list
// admits every address.
func (a *API) networkAllowed(ip string) bool {
	if len(a.allowedNetworks) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return prefixesContain(a.allowedNetworks, addr)
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

// ParsePrefixes parses CIDR strings. A bare address is treated as a
// single-host prefix.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
