package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

const (
	ProtocolVersion1 = "1"

	AudioTransportBinary     = "binary"
	AudioTransportBase64JSON = "base64_json"
)

// Client message types.
const (
	TypeHello          = "hello"
	TypeAudioChunk     = "audio_chunk"
	TypeEndOfUtterance = "end_of_utterance"
	TypeActionResult   = "action_result"
	TypeEndSession     = "end_session"
)

// Server message types.
const (
	TypeHelloAck       = "hello_ack"
	TypeTranscript     = "transcript"
	TypeTurn           = "turn"
	TypeSynthesisChunk = "synthesis_chunk"
	TypeActionRequest  = "action_request"
	TypeAssistantText  = "assistant_text"
	TypeStreamError    = "stream_error"
	TypeWarning        = "warning"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type HelloAuth struct {
	GatewayAPIKey string `json:"gateway_api_key,omitempty"`
}

type HelloFeatures struct {
	AudioTransport         string `json:"audio_transport,omitempty"`
	WantPartialTranscripts bool   `json:"want_partial_transcripts,omitempty"`
	WantAssistantText      bool   `json:"want_assistant_text,omitempty"`
}

// ClientHello opens a stream and carries the negotiation request.
type ClientHello struct {
	Type            string                   `json:"type"`
	ProtocolVersion string                   `json:"protocol_version"`
	Client          HelloClient              `json:"client,omitempty"`
	Auth            *HelloAuth               `json:"auth,omitempty"`
	Negotiation     types.NegotiationRequest `json:"negotiation"`
	Features        HelloFeatures            `json:"features,omitempty"`
	SystemPrompt    string                   `json:"system_prompt,omitempty"`
	Voice           string                   `json:"voice,omitempty"`
}

func (h ClientHello) RedactedForLog() map[string]any {
	hints := make([]string, 0, len(h.Negotiation.LanguageHints))
	for _, hint := range h.Negotiation.LanguageHints {
		hints = append(hints, hint.Tag)
	}
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"client":           h.Client,
		"language_hints":   hints,
		"audio_profile":    h.Negotiation.AudioProfile.String(),
		"capabilities":     h.Negotiation.Capabilities,
		"data_residency":   h.Negotiation.Residency,
		"features":         h.Features,
		"has_gateway_key":  h.Auth != nil && strings.TrimSpace(h.Auth.GatewayAPIKey) != "",
		"has_caller_id":    strings.TrimSpace(h.Negotiation.CallerID) != "",
		"has_system":       strings.TrimSpace(h.SystemPrompt) != "",
	}
}

// VADHint is the client's own voice activity estimate for a chunk.
type VADHint struct {
	Voiced     bool     `json:"voiced"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type ClientAudioChunk struct {
	Type     string   `json:"type"`
	Seq      int64    `json:"seq,omitempty"`
	Encoding string   `json:"encoding,omitempty"`
	DataB64  string   `json:"data_b64"`
	VAD      *VADHint `json:"vad,omitempty"`
}

type ClientEndOfUtterance struct {
	Type string `json:"type"`
}

type ClientActionResult struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (m ClientActionResult) Result() types.ActionResult {
	return types.ActionResult{CallID: m.CallID, Output: m.Output, Error: m.Error}
}

type ClientEndSession struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeHello:
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(&msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_chunk.data_b64 is required", "data_b64")
		}
		if msg.VAD != nil && msg.VAD.Confidence != nil {
			if c := *msg.VAD.Confidence; c < 0 || c > 1 {
				return nil, badRequest("audio_chunk.vad.confidence must be in [0,1]", "vad.confidence")
			}
		}
		return msg, nil
	case TypeEndOfUtterance:
		return ClientEndOfUtterance{Type: typ}, nil
	case TypeActionResult:
		var msg ClientActionResult
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid action_result", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("action_result.call_id is required", "call_id")
		}
		if len(msg.Output) == 0 && strings.TrimSpace(msg.Error) == "" {
			return nil, badRequest("action_result requires output or error", "output")
		}
		return msg, nil
	case TypeEndSession:
		var msg ClientEndSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_session", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// ValidateHello checks the envelope fields and fills the default audio transport. Semantic
// checks of the negotiation request belong to the session manager.
func ValidateHello(msg *ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	if len(msg.Negotiation.LanguageHints) == 0 {
		return badRequest("hello.negotiation.language_hints is required", "negotiation.language_hints")
	}
	for i, hint := range msg.Negotiation.LanguageHints {
		if strings.TrimSpace(hint.Tag) == "" {
			return badRequest("language hint tag is required", fmt.Sprintf("negotiation.language_hints[%d].tag", i))
		}
	}

	transport := strings.TrimSpace(msg.Features.AudioTransport)
	if transport == "" {
		msg.Features.AudioTransport = AudioTransportBase64JSON
		return nil
	}
	switch transport {
	case AudioTransportBinary, AudioTransportBase64JSON:
		msg.Features.AudioTransport = transport
		return nil
	default:
		return unsupported("unsupported audio transport", "features.audio_transport")
	}
}

type HelloAckFeatures struct {
	AudioTransport string `json:"audio_transport"`
}

type HelloAckLimits struct {
	MaxAudioFrameBytes  int   `json:"max_audio_frame_bytes"`
	MaxJSONMessageBytes int   `json:"max_json_message_bytes"`
	MaxAudioFPS         int   `json:"max_audio_fps,omitempty"`
	MaxAudioBPS         int64 `json:"max_audio_bps,omitempty"`
	InboundBurstSeconds int   `json:"inbound_burst_seconds,omitempty"`
	TrailingSilenceMS   int   `json:"trailing_silence_ms"`
	ActionTimeoutMS     int   `json:"action_timeout_ms"`
	CorruptChunkLimit   int   `json:"corrupt_chunk_limit"`
}

type ServerHelloAck struct {
	Type            string                    `json:"type"`
	ProtocolVersion string                    `json:"protocol_version"`
	Negotiation     types.NegotiationResponse `json:"negotiation"`
	Features        HelloAckFeatures          `json:"features"`
	Limits          *HelloAckLimits           `json:"limits,omitempty"`
}

type ServerTranscript struct {
	Type            string                 `json:"type"`
	Turn            int64                  `json:"turn"`
	UtteranceID     string                 `json:"utterance_id"`
	IsFinal         bool                   `json:"is_final"`
	Text            string                 `json:"text"`
	Language        string                 `json:"language,omitempty"`
	Confidence      float64                `json:"confidence,omitempty"`
	Spans           []types.CodeSwitchSpan `json:"code_switch_spans"`
	Dialect         string                 `json:"dialect,omitempty"`
	Transliteration string                 `json:"transliteration,omitempty"`
}

// ServerTurn is a turn signal. Seq increases by one with every signal of a session.
type ServerTurn struct {
	Type  string `json:"type"`
	Seq   int64  `json:"seq"`
	Turn  int64  `json:"turn"`
	State string `json:"state"`
}

// ServerSynthesisChunk carries audio inline (AudioB64) or announces a binary frame of Bytes
// bytes that follows immediately.
type ServerSynthesisChunk struct {
	Type     string `json:"type"`
	Turn     int64  `json:"turn"`
	Seq      int64  `json:"seq"`
	Encoding string `json:"encoding"`
	AudioB64 string `json:"audio_b64,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
	Final    bool   `json:"final"`
}

type ServerActionRequest struct {
	Type          string         `json:"type"`
	Turn          int64          `json:"turn"`
	CallID        string         `json:"call_id"`
	Tool          string         `json:"tool"`
	Input         map[string]any `json:"input"`
	TimeoutMS     int64          `json:"timeout_ms"`
	FireAndForget bool           `json:"fire_and_forget"`
}

type ServerAssistantText struct {
	Type string `json:"type"`
	Turn int64  `json:"turn"`
	Text string `json:"text"`
}

type ServerStreamError struct {
	Type    string         `json:"type"`
	Kind    string         `json:"kind"`
	Stage   string         `json:"stage,omitempty"`
	Fatal   bool           `json:"fatal"`
	Message string         `json:"message"`
	Turn    int64          `json:"turn,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
