package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/gateway/config"
	"github.com/sationly/sationly/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindUser Kind = "user"
	KindIP   Kind = "ip"
	KindAnon Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Raw is the raw resolved identifier (user id or IP).
	Raw string
	// Key is a hashed/bucketed identifier suitable for in-memory maps.
	Key string
}

func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}

	if p, ok := auth.PrincipalFrom(r.Context()); ok && strings.TrimSpace(p.UserID) != "" {
		return ForUser(p.UserID)
	}

	ip := resolveClientIP(r, cfg.TrustProxyHeaders)
	if ip == "" {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}
	return Resolved{
		Kind: KindIP,
		Raw:  ip,
		Key:  ratelimit.PrincipalKeyFromIP(ip),
	}
}

// ForUser buckets a verified user.
func ForUser(userID string) Resolved {
	return Resolved{
		Kind: KindUser,
		Raw:  userID,
		Key:  ratelimit.PrincipalKeyFromUserID(userID),
	}
}

// proxyIPHeaders are consulted in order when the deployment sits behind a
// trusted edge. X-Forwarded-For contributes its left-most entry.
var proxyIPHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

func resolveClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		for _, name := range proxyIPHeaders {
			first, _, _ := strings.Cut(r.Header.Get(name), ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

// parseIP normalizes "ip" or "ip:port" and rejects anything else.
func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
