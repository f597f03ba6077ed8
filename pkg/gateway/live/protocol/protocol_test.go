package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

func TestDecodeClientMessage_Hello(t *testing.T) {
	raw := []byte(`{
		"type":"hello",
		"protocol_version":"1",
		"negotiation":{
			"language_hints":[{"tag":"hi-IN","confidence":0.9},{"tag":"en-IN","confidence":0.6}],
			"audio_profile":{"codec":"AMR_NB_8K"},
			"capabilities":{"code_switch_detection":true,"action_execution":true}
		},
		"features":{"audio_transport":"binary"}
	}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	hello, ok := msg.(ClientHello)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientHello", msg)
	}
	if len(hello.Negotiation.LanguageHints) != 2 {
		t.Fatalf("hints=%+v", hello.Negotiation.LanguageHints)
	}
	if hello.Negotiation.AudioProfile.Codec != types.CodecAMRNB8K {
		t.Fatalf("codec=%q", hello.Negotiation.AudioProfile.Codec)
	}
	if !hello.Negotiation.Capabilities.CodeSwitch || hello.Negotiation.Capabilities.DialectRouting {
		t.Fatalf("capabilities=%+v", hello.Negotiation.Capabilities)
	}
	if hello.Features.AudioTransport != AudioTransportBinary {
		t.Fatalf("transport=%q", hello.Features.AudioTransport)
	}
}

func TestDecodeClientMessage_HelloDefaultsTransport(t *testing.T) {
	raw := []byte(`{"type":"hello","protocol_version":"1","negotiation":{"language_hints":[{"tag":"ta-IN","confidence":1}]}}`)
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if got := msg.(ClientHello).Features.AudioTransport; got != AudioTransportBase64JSON {
		t.Fatalf("transport=%q, want %q", got, AudioTransportBase64JSON)
	}
}

func TestDecodeClientMessage_HelloErrors(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		code  string
		param string
	}{
		{"missing version", `{"type":"hello","negotiation":{"language_hints":[{"tag":"hi"}]}}`, "bad_request", "protocol_version"},
		{"bad version", `{"type":"hello","protocol_version":"9","negotiation":{"language_hints":[{"tag":"hi"}]}}`, "unsupported", "protocol_version"},
		{"no hints", `{"type":"hello","protocol_version":"1","negotiation":{}}`, "bad_request", "negotiation.language_hints"},
		{"empty tag", `{"type":"hello","protocol_version":"1","negotiation":{"language_hints":[{"tag":" "}]}}`, "bad_request", "negotiation.language_hints[0].tag"},
		{"bad transport", `{"type":"hello","protocol_version":"1","negotiation":{"language_hints":[{"tag":"hi"}]},"features":{"audio_transport":"carrier_pigeon"}}`, "unsupported", "features.audio_transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tt.raw))
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("err=%v, want *DecodeError", err)
			}
			if decErr.Code != tt.code || decErr.Param != tt.param {
				t.Fatalf("code=%q param=%q, want %q %q", decErr.Code, decErr.Param, tt.code, tt.param)
			}
		})
	}
}

func TestDecodeClientMessage_AudioChunk(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"audio_chunk","seq":3,"encoding":"PCM_16K_16","data_b64":"AAA=","vad":{"voiced":true,"confidence":0.8}}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	chunk := msg.(ClientAudioChunk)
	if chunk.Seq != 3 || chunk.VAD == nil || !chunk.VAD.Voiced || *chunk.VAD.Confidence != 0.8 {
		t.Fatalf("chunk=%+v", chunk)
	}

	if _, err := DecodeClientMessage([]byte(`{"type":"audio_chunk"}`)); err == nil {
		t.Fatalf("expected error for missing data")
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"audio_chunk","data_b64":"AA==","vad":{"voiced":true,"confidence":1.5}}`)); err == nil {
		t.Fatalf("expected error for out of range confidence")
	}
}

func TestDecodeClientMessage_ActionResult(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"action_result","call_id":"c1","output":{"valid":true}}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	res := msg.(ClientActionResult).Result()
	if res.CallID != "c1" || string(res.Output) != `{"valid":true}` {
		t.Fatalf("result=%+v", res)
	}

	if _, err := DecodeClientMessage([]byte(`{"type":"action_result","call_id":"c1"}`)); err == nil {
		t.Fatalf("expected error without output or error")
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"action_result","error":"boom"}`)); err == nil {
		t.Fatalf("expected error without call_id")
	}
}

func TestDecodeClientMessage_Simple(t *testing.T) {
	if msg, err := DecodeClientMessage([]byte(`{"type":"end_of_utterance"}`)); err != nil {
		t.Fatalf("err=%v", err)
	} else if _, ok := msg.(ClientEndOfUtterance); !ok {
		t.Fatalf("type=%T", msg)
	}
	if msg, err := DecodeClientMessage([]byte(`{"type":"end_session","reason":"bye"}`)); err != nil {
		t.Fatalf("err=%v", err)
	} else if msg.(ClientEndSession).Reason != "bye" {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestDecodeClientMessage_Unknown(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"reboot"}`))
	var decErr *DecodeError
	if !errors.As(err, &decErr) || decErr.Code != "unsupported" {
		t.Fatalf("err=%v", err)
	}
	_, err = DecodeClientMessage([]byte(`not json`))
	if !errors.As(err, &decErr) || decErr.Code != "bad_request" {
		t.Fatalf("err=%v", err)
	}
}

func TestClientHelloRedaction(t *testing.T) {
	h := ClientHello{
		Type:            TypeHello,
		ProtocolVersion: ProtocolVersion1,
		Auth:            &HelloAuth{GatewayAPIKey: "vani_sk_secret"},
		Negotiation: types.NegotiationRequest{
			LanguageHints: []types.LanguageHint{{Tag: "hi-IN", Confidence: 0.9}},
			CallerID:      "+91-98xxxx-secret",
		},
		SystemPrompt: "secret instructions",
	}
	blob, err := json.Marshal(h.RedactedForLog())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(blob), "secret") {
		t.Fatalf("redacted payload leaked secret: %s", blob)
	}
	if !strings.Contains(string(blob), "hi-IN") {
		t.Fatalf("expected language hints in redacted payload: %s", blob)
	}
}
