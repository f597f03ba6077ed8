package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/auth"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/config"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/ratelimit"
)

// HitRecorder counts rejected requests by limit type.
type HitRecorder interface {
	RecordRateLimitHit(limitType string)
}

// RateLimit applies the per-principal request bucket. The live endpoint is exempt here: its
// sessions are counted against the session limit once the hello is authenticated.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, hits HitRecorder, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOperationalPath(r.URL.Path) || r.URL.Path == "/v1/live" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		id := auth.Identify(r, cfg.APIKeys, cfg.TrustProxyHeaders)
		dec := limiter.AcquireRequest(id.Key, time.Now())
		if !dec.Allowed {
			if hits != nil {
				hits.RecordRateLimitHit("request")
			}
			reqID, _ := RequestIDFrom(r.Context())
			var retryAfter *int
			if dec.RetryAfter > 0 {
				v := dec.RetryAfter
				retryAfter = &v
				w.Header().Set("Retry-After", strconv.Itoa(v))
			}
			writeJSONError(w, http.StatusTooManyRequests, &core.Error{
				Type:       core.ErrRateLimit,
				Message:    "rate limit exceeded",
				RequestID:  reqID,
				RetryAfter: retryAfter,
			})
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}
