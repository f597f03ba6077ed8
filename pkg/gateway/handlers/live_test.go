package handlers

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/config"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/lifecycle"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/protocol"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/sessions"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/mw"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/ratelimit"
)

type liveFixture struct {
	url     string
	mgr     *sessions.Manager
	metrics *recordingMetrics
	lc      *lifecycle.Lifecycle
}

func startLive(t *testing.T, cfg config.Config) *liveFixture {
	t.Helper()
	reg := newLoopbackRegistry(t)
	f := &liveFixture{
		mgr:     newTestManager(t, cfg, reg),
		metrics: newRecordingMetrics(),
		lc:      &lifecycle.Lifecycle{},
	}
	h := LiveHandler{
		Config:    cfg,
		Manager:   f.mgr,
		Registry:  reg,
		Limiter:   ratelimit.New(ratelimit.Config{MaxConcurrentSessions: cfg.LimitMaxConcurrentSessions}),
		Lifecycle: f.lc,
		Metrics:   f.metrics,
	}
	srv := httptest.NewServer(mw.RequestID(h))
	t.Cleanup(srv.Close)
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func hello(key string) protocol.ClientHello {
	pcm, _ := types.ProfileFor(types.CodecPCM16K16)
	h := protocol.ClientHello{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.ProtocolVersion1,
		Negotiation: types.NegotiationRequest{
			LanguageHints: []types.LanguageHint{{Tag: "hi-IN", Confidence: 0.9}, {Tag: "en-IN", Confidence: 0.6}},
			AudioProfile:  pcm,
			Capabilities:  types.Capabilities{CodeSwitch: true, BargeIn: true},
		},
		Features: protocol.HelloFeatures{WantAssistantText: true},
	}
	if key != "" {
		h.Auth = &protocol.HelloAuth{GatewayAPIKey: key}
	}
	return h
}

// readUntil reads JSON frames until one of type typ arrives and returns it.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, accept func(map[string]any) bool) map[string]any {
	t.Helper()
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg["type"] == typ && (accept == nil || accept(msg)) {
			return msg
		}
	}
}

func TestLive_EndToEndTurnOverLoopbackBackends(t *testing.T) {
	f := startLive(t, testConfig())
	conn := dial(t, f.url)

	if err := conn.WriteJSON(hello("vani_sk_test")); err != nil {
		t.Fatal(err)
	}
	ack := readUntil(t, conn, protocol.TypeHelloAck, nil)
	neg := ack["negotiation"].(map[string]any)
	if neg["session_id"] == "" || neg["bindings"].(map[string]any)["stt"] != "loop-stt" {
		t.Fatalf("hello_ack=%v", ack)
	}
	if ack["features"].(map[string]any)["audio_transport"] != protocol.AudioTransportBase64JSON {
		t.Fatalf("features=%v", ack["features"])
	}
	if limits := ack["limits"].(map[string]any); limits["max_audio_frame_bytes"] != float64(8192) {
		t.Fatalf("limits=%v", limits)
	}
	if got := <-f.metrics.negotiations; got.result != NegotiationAccepted {
		t.Fatalf("negotiation=%+v", got)
	}

	confidence := 0.9
	for i := 0; i < 3; i++ {
		if err := conn.WriteJSON(protocol.ClientAudioChunk{
			Type:    protocol.TypeAudioChunk,
			DataB64: base64.StdEncoding.EncodeToString(make([]byte, 640)),
			VAD:     &protocol.VADHint{Voiced: true, Confidence: &confidence},
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := conn.WriteJSON(protocol.ClientEndOfUtterance{Type: protocol.TypeEndOfUtterance}); err != nil {
		t.Fatal(err)
	}

	final := readUntil(t, conn, protocol.TypeTranscript, func(m map[string]any) bool { return m["is_final"] == true })
	if final["text"] != "mera laptop kaam nahi kar raha" {
		t.Fatalf("transcript=%v", final)
	}
	var speaking, audio bool
	for !speaking || !audio {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("speaking=%v audio=%v: %v", speaking, audio, err)
		}
		switch msg["type"] {
		case protocol.TypeTurn:
			speaking = speaking || msg["state"] == "SPEAKING"
		case protocol.TypeSynthesisChunk:
			audio = true
		}
	}

	if err := conn.WriteJSON(protocol.ClientEndSession{Type: protocol.TypeEndSession, Reason: "caller_hangup"}); err != nil {
		t.Fatal(err)
	}
	select {
	case reason := <-f.metrics.ended:
		if reason != "caller_hangup" {
			t.Fatalf("end reason=%q", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.mgr.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.mgr.Len() != 0 {
		t.Fatalf("sessions left=%d", f.mgr.Len())
	}
}

func TestLive_HandshakeFailures(t *testing.T) {
	tests := []struct {
		name      string
		hello     func() any
		wantType  string
		wantCode  int
		wantParam string
	}{
		{
			name:     "missing key",
			hello:    func() any { return hello("") },
			wantType: "authentication_error",
			wantCode: websocket.ClosePolicyViolation,
		},
		{
			name:     "wrong key",
			hello:    func() any { return hello("vani_sk_wrong") },
			wantType: "authentication_error",
			wantCode: websocket.ClosePolicyViolation,
		},
		{
			name: "protocol version",
			hello: func() any {
				h := hello("vani_sk_test")
				h.ProtocolVersion = "9"
				return h
			},
			wantType:  "invalid_request_error",
			wantCode:  websocket.ClosePolicyViolation,
			wantParam: "protocol_version",
		},
		{
			name:     "not a hello",
			hello:    func() any { return protocol.ClientEndOfUtterance{Type: protocol.TypeEndOfUtterance} },
			wantType: "invalid_request_error",
			wantCode: websocket.ClosePolicyViolation,
		},
		{
			name: "unsupported language",
			hello: func() any {
				h := hello("vani_sk_test")
				h.Negotiation.LanguageHints = []types.LanguageHint{{Tag: "fr-FR", Confidence: 1}}
				return h
			},
			wantType:  "invalid_request_error",
			wantCode:  websocket.ClosePolicyViolation,
			wantParam: "language_hints",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := startLive(t, testConfig())
			conn := dial(t, f.url)
			if err := conn.WriteJSON(tc.hello()); err != nil {
				t.Fatal(err)
			}
			msg := readUntil(t, conn, protocol.TypeStreamError, nil)
			details := msg["details"].(map[string]any)
			if msg["fatal"] != true || details["error_type"] != tc.wantType {
				t.Fatalf("stream_error=%v", msg)
			}
			if tc.wantParam != "" && details["param"] != tc.wantParam {
				t.Fatalf("param=%v", details["param"])
			}
			_, _, err := conn.ReadMessage()
			if !websocket.IsCloseError(err, tc.wantCode) {
				t.Fatalf("close err=%v, want code %d", err, tc.wantCode)
			}
			if f.mgr.Len() != 0 {
				t.Fatalf("sessions=%d", f.mgr.Len())
			}
		})
	}
}

func TestLive_SessionLimitPerPrincipal(t *testing.T) {
	f := startLive(t, testConfig())

	first := dial(t, f.url)
	if err := first.WriteJSON(hello("vani_sk_test")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, first, protocol.TypeHelloAck, nil)

	second := dial(t, f.url)
	if err := second.WriteJSON(hello("vani_sk_test")); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, second, protocol.TypeStreamError, nil)
	if msg["details"].(map[string]any)["error_type"] != "rate_limit_error" {
		t.Fatalf("stream_error=%v", msg)
	}
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("close err=%v", err)
	}
}

func TestLive_DrainingAndOrigin(t *testing.T) {
	f := startLive(t, testConfig())

	header := http.Header{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url, header)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("origin: err=%v resp=%v", err, resp)
	}

	f.lc.SetDraining(true)
	_, resp, err = websocket.DefaultDialer.Dial(f.url, nil)
	if err == nil || resp == nil || resp.StatusCode != 529 {
		t.Fatalf("draining: err=%v resp=%v", err, resp)
	}
}
