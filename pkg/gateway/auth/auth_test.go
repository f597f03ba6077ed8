package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseBearer(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer vani_sk_1", "vani_sk_1", true},
		{"bearer   vani_sk_1 ", "vani_sk_1", true},
		{"Basic dXNlcg==", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		got, ok := ParseBearer(r)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%q: got (%q,%v), want (%q,%v)", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestKnownKey(t *testing.T) {
	keys := map[string]struct{}{"vani_sk_a": {}, "vani_sk_b": {}}
	if !KnownKey(keys, "vani_sk_b") {
		t.Fatal("known key rejected")
	}
	for _, k := range []string{"", "vani_sk_", "vani_sk_bb", "VANI_SK_A"} {
		if KnownKey(keys, k) {
			t.Fatalf("%q accepted", k)
		}
	}
}

func TestIdentify(t *testing.T) {
	keys := map[string]struct{}{"vani_sk_a": {}}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("Authorization", "Bearer vani_sk_a")
	if id := Identify(r, keys, false); id.Kind != KindAPIKey || !strings.HasPrefix(id.Key, "k_") {
		t.Fatalf("known bearer: %+v", id)
	}

	r.Header.Set("Authorization", "Bearer forged")
	if id := Identify(r, keys, false); id.Kind != KindIP || !strings.HasPrefix(id.Key, "ip_") {
		t.Fatalf("unknown bearer must fall back to address: %+v", id)
	}

	ctx := WithPrincipal(r.Context(), &Principal{APIKey: "vani_sk_a", Source: SourceHello})
	if id := Identify(r.WithContext(ctx), keys, false); id != KeyIdentity("vani_sk_a") {
		t.Fatalf("principal: %+v", id)
	}
}

func TestClientIP_ProxyHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:443"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := ClientIP(r, false); got != "10.0.0.1" {
		t.Fatalf("untrusted=%q", got)
	}
	if got := ClientIP(r, true); got != "203.0.113.9" {
		t.Fatalf("trusted=%q", got)
	}
	r.Header.Set("X-Real-IP", "198.51.100.7")
	if got := ClientIP(r, true); got != "198.51.100.7" {
		t.Fatalf("x-real-ip=%q", got)
	}
}
