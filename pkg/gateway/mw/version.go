package mw

import (
	"net/http"
	"slices"
	"strings"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/protocol"
)

const apiVersionHeader = "X-Vani-Version"

// servedVersions are the protocol versions /v1 speaks, preferred first.
var servedVersions = []string{protocol.ProtocolVersion1}

// APIVersion negotiates the protocol version of /v1 requests. A client may list several
// versions; the first served one wins and is echoed in the response. Without the header
// the preferred version is assumed. The live endpoint negotiates its version in the hello.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isWebSocketUpgrade(r) || !isV1Path(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		version := servedVersions[0]
		if asked := headerTokens(r.Header, apiVersionHeader); len(asked) > 0 {
			i := slices.IndexFunc(asked, func(v string) bool { return slices.Contains(servedVersions, v) })
			if i < 0 {
				reqID, _ := RequestIDFrom(r.Context())
				writeJSONError(w, http.StatusBadRequest, &core.Error{
					Type:      core.ErrInvalidRequest,
					Message:   "unsupported protocol version; served: " + strings.Join(servedVersions, ", "),
					Param:     apiVersionHeader,
					Code:      "unsupported_version",
					RequestID: reqID,
				})
				return
			}
			version = asked[i]
		}
		w.Header().Set(apiVersionHeader, version)
		next.ServeHTTP(w, r)
	})
}

func isV1Path(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}

func isWebSocketUpgrade(r *http.Request) bool {
	return slices.ContainsFunc(headerTokens(r.Header, "Connection"), func(t string) bool { return strings.EqualFold(t, "upgrade") }) &&
		strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

// headerTokens splits every value of a comma separated header, dropping empty tokens.
func headerTokens(h http.Header, name string) []string {
	var out []string
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if t := strings.TrimSpace(part); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}
