package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/vani-protocol/vani-gateway/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

// Identity is the bucket a request is limited under. Key is hashed and safe for maps and
// logs; the raw key or address is never kept.
type Identity struct {
	Kind Kind
	Key  string
}

var anonymous = Identity{Kind: KindAnon, Key: "anonymous"}

// KeyIdentity is the identity of an authenticated gateway key.
func KeyIdentity(apiKey string) Identity {
	return Identity{Kind: KindAPIKey, Key: ratelimit.PrincipalKeyFromAPIKey(apiKey)}
}

// Identify picks the identity of r: the authenticated principal, else a bearer token that is
// one of keys, else the client address.
func Identify(r *http.Request, keys map[string]struct{}, trustProxyHeaders bool) Identity {
	if r == nil {
		return anonymous
	}
	if p, ok := PrincipalFrom(r.Context()); ok && p.APIKey != "" {
		return KeyIdentity(p.APIKey)
	}
	if token, ok := ParseBearer(r); ok && KnownKey(keys, token) {
		return KeyIdentity(token)
	}
	ip := ClientIP(r, trustProxyHeaders)
	if ip == "" {
		return anonymous
	}
	return Identity{Kind: KindIP, Key: ratelimit.PrincipalKeyFromIP(ip)}
}

// ClientIP returns the caller address. Proxy headers are only believed when the gateway runs
// behind a proxy that sets them.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		for _, h := range []string{"CF-Connecting-IP", "X-Real-IP"} {
			if ip := parseIP(r.Header.Get(h)); ip != "" {
				return ip
			}
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
