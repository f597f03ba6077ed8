package mw

import (
	"net/http"
	"strings"

	"github.com/vani-protocol/vani-gateway/pkg/gateway/config"
)

const (
	corsAllowedMethods = "GET, POST, OPTIONS"
	corsMaxAge         = "600"
)

var (
	corsAllowedHeaders = strings.Join([]string{"Authorization", "Content-Type", "X-Request-ID", apiVersionHeader}, ", ")
	corsExposedHeaders = strings.Join([]string{"X-Request-ID", "Retry-After", apiVersionHeader}, ", ")
)

// OriginAllowed matches origin against the configured allowlist. Entries are exact origins
// or a scheme plus "*." host suffix, e.g. "https://*.krishi.example.in". An empty allowlist
// allows nothing.
func OriginAllowed(allowed map[string]struct{}, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return false
	}
	if _, ok := allowed[origin]; ok {
		return true
	}
	scheme, host, ok := strings.Cut(origin, "://")
	if !ok {
		return false
	}
	for pattern := range allowed {
		pScheme, pHost, ok := strings.Cut(pattern, "://")
		if !ok || pScheme != scheme || !strings.HasPrefix(pHost, "*.") {
			continue
		}
		suffix := pHost[1:]
		if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
			return true
		}
	}
	return false
}

// CORS answers preflights for allowlisted browser origins and decorates their responses.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	allowed := cfg.CORSAllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		ok := OriginAllowed(allowed, origin)

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !ok {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if ok {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
