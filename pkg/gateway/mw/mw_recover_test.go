package mw

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vani-protocol/vani-gateway/pkg/core"
)

func TestRecover_PanicBecomesAPIError(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	h := RequestID(Recover(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("codec table corrupt")
	})))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/negotiate", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var env struct {
		Error core.Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Type != core.ErrAPI || env.Error.RequestID != "req_fixed" {
		t.Fatalf("error=%+v", env.Error)
	}
	if !strings.Contains(logs.String(), "codec table corrupt") || !strings.Contains(logs.String(), "req_fixed") {
		t.Fatalf("log=%q", logs.String())
	}
}

func TestRecover_AbortHandlerPropagates(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v", v)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/negotiate", nil))
}
