package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/vani-protocol/vani-gateway/pkg/gateway/config"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/ratelimit"
)

type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (h *hitCounter) RecordRateLimitHit(limitType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hits == nil {
		h.hits = map[string]int{}
	}
	h.hits[limitType]++
}

func negotiateReq(bearer, remote string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/negotiate", nil)
	req.RemoteAddr = remote
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

func TestRateLimit_BucketPerKey(t *testing.T) {
	cfg := config.Config{APIKeys: map[string]struct{}{"vani_sk_a": {}, "vani_sk_b": {}}}
	hits := &hitCounter{}
	h := RateLimit(cfg, ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), hits, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(req *http.Request) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	if rr := serve(negotiateReq("vani_sk_a", "10.0.0.1:1")); rr.Code != http.StatusOK {
		t.Fatalf("first status=%d", rr.Code)
	}
	rr := serve(negotiateReq("vani_sk_a", "10.0.0.2:1"))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("same key from another address status=%d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" || !strings.Contains(rr.Body.String(), `"type":"rate_limit_error"`) {
		t.Fatalf("headers=%v body=%q", rr.Header(), rr.Body.String())
	}
	if rr := serve(negotiateReq("vani_sk_b", "10.0.0.1:1")); rr.Code != http.StatusOK {
		t.Fatalf("second key shares a bucket: status=%d", rr.Code)
	}
	// Unknown tokens are limited by address, so rotating them buys nothing.
	if rr := serve(negotiateReq("forged-1", "10.9.9.9:1")); rr.Code != http.StatusOK {
		t.Fatalf("first forged status=%d", rr.Code)
	}
	if rr := serve(negotiateReq("forged-2", "10.9.9.9:1")); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("rotated forged token status=%d", rr.Code)
	}
	if hits.hits["request"] != 2 {
		t.Fatalf("hits=%v", hits.hits)
	}
}

func TestRateLimit_ExemptPaths(t *testing.T) {
	h := RateLimit(config.Config{}, ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/live"} {
		for i := 0; i < 3; i++ {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			if rr.Code != http.StatusNoContent {
				t.Fatalf("%s #%d status=%d", path, i, rr.Code)
			}
		}
	}
}

func TestRateLimit_ConcurrentRequests(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{MaxConcurrentRequests: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	h := RateLimit(config.Config{}, lim, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	first := make(chan int, 1)
	go func() {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, negotiateReq("", "10.0.0.1:1"))
		first <- rr.Code
	}()
	<-started

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, negotiateReq("", "10.0.0.1:2"))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second status=%d", rr.Code)
	}
	close(release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first status=%d", code)
	}
}
