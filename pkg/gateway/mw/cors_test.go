package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vani-protocol/vani-gateway/pkg/gateway/config"
)

func TestCORS(t *testing.T) {
	cfg := config.Config{CORSAllowedOrigins: map[string]struct{}{
		"https://*.krishi.example.in": {},
	}}
	tests := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantOrigin string
		wantNext   bool
	}{
		{"no origin", http.MethodPost, "", false, http.StatusOK, "", true},
		{"unlisted origin passes through bare", http.MethodPost, "http://localhost:3000", false, http.StatusOK, "", true},
		{"wildcard origin decorated", http.MethodPost, "https://mandi.krishi.example.in", false, http.StatusOK, "https://mandi.krishi.example.in", true},
		{"preflight allowed", http.MethodOptions, "https://mandi.krishi.example.in", true, http.StatusNoContent, "https://mandi.krishi.example.in", false},
		{"preflight refused", http.MethodOptions, "https://evil.example.com", true, http.StatusForbidden, "", false},
		{"plain options is not a preflight", http.MethodOptions, "https://mandi.krishi.example.in", false, http.StatusOK, "https://mandi.krishi.example.in", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			h := CORS(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(tc.method, "/v1/negotiate", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus || called != tc.wantNext {
				t.Fatalf("status=%d next=%v", rr.Code, called)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("Access-Control-Allow-Origin=%q", got)
			}
			if tc.wantOrigin == "" {
				return
			}
			if rr.Header().Get("Vary") != "Origin" {
				t.Fatalf("Vary=%q", rr.Header().Get("Vary"))
			}
			if tc.preflight {
				if got := rr.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, apiVersionHeader) {
					t.Fatalf("Access-Control-Allow-Headers=%q", got)
				}
			} else if got := rr.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Retry-After") {
				t.Fatalf("Access-Control-Expose-Headers=%q", got)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	allowed := map[string]struct{}{
		"https://app.example.com":     {},
		"https://*.krishi.example.in": {},
		"http://localhost:3000":       {},
	}
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://mandi.krishi.example.in", true},
		{"https://a.b.krishi.example.in", true},
		{"https://krishi.example.in", false},
		{"http://mandi.krishi.example.in", false},
		{"https://evilkrishi.example.in", false},
		{"http://localhost:3001", false},
		{"", false},
		{"null", false},
	}
	for _, tc := range tests {
		if got := OriginAllowed(allowed, tc.origin); got != tc.want {
			t.Fatalf("%q: got %v", tc.origin, got)
		}
	}
	if OriginAllowed(nil, "https://app.example.com") {
		t.Fatal("empty allowlist must allow nothing")
	}
}
