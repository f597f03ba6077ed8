package core

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// Region is where a backend processes data.
type Region string

const (
	RegionIndia  Region = "india"
	RegionGlobal Region = "global"
	RegionOnPrem Region = "onprem"
)

// AllowedUnder reports whether a backend in region r may serve a session with residency mode res.
func (r Region) AllowedUnder(res types.DataResidency) bool {
	switch res {
	case types.ResidencyAny, "":
		return true
	case types.ResidencyIndiaOnly:
		return r == RegionIndia || r == RegionOnPrem
	case types.ResidencyOnPrem:
		return r == RegionOnPrem
	default:
		return false
	}
}

// Features advertises optional backend abilities used during negotiation.
type Features struct {
	CodeSwitch      bool     `json:"code_switch,omitempty" yaml:"code_switch"`
	Streaming       bool     `json:"streaming,omitempty" yaml:"streaming"`
	Transliteration bool     `json:"transliteration,omitempty" yaml:"transliteration"`
	Diarization     bool     `json:"diarization,omitempty" yaml:"diarization"`
	Tools           bool     `json:"tools,omitempty" yaml:"tools"`
	Codecs          []string `json:"codecs,omitempty" yaml:"codecs"`
}

// Descriptor identifies a backend instance and what it can serve.
type Descriptor struct {
	ID        string      `json:"id"`
	Vendor    string      `json:"vendor"`
	Stage     types.Stage `json:"stage"`
	Model     string      `json:"model,omitempty"`
	Languages []string    `json:"languages"`
	Region    Region      `json:"region"`
	Features  Features    `json:"features"`
}

// SupportsLanguage matches a BCP-47 tag exactly or by primary language subtag.
// An empty language list means the backend is language agnostic.
func (d Descriptor) SupportsLanguage(tag string) bool {
	if len(d.Languages) == 0 {
		return true
	}
	base := primarySubtag(tag)
	for _, l := range d.Languages {
		if strings.EqualFold(l, tag) || strings.EqualFold(primarySubtag(l), base) {
			return true
		}
	}
	return false
}

func primarySubtag(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return tag[:i]
	}
	return tag
}

// Backend is implemented by every pluggable stage implementation.
type Backend interface {
	Describe() Descriptor
}

// Pinger is implemented by backends that expose a health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type STTStreamConfig struct {
	SessionID       string
	UtteranceID     string
	Languages       []string
	Profile         types.AudioProfile
	Script          types.ScriptPreference
	CodeSwitch      bool
	Transliteration bool
}

// STTStream receives the audio of one utterance and yields transcript events lazily.
// Events is closed after the final event or on failure; Err reports the failure.
type STTStream interface {
	SendAudio(chunk []byte) error
	Finalize() error
	Events() <-chan types.TranscriptEvent
	Err() error
	Close() error
}

type STTBackend interface {
	Backend
	Transcribe(ctx context.Context, cfg STTStreamConfig) (STTStream, error)
}

type LLMBackend interface {
	Backend
	Respond(ctx context.Context, conv types.ConversationContext) (types.LLMResponse, error)
}

// TTSStream yields synthesized audio chunks until closed. Cancelling the context passed to
// Synthesize stops production and closes Chunks.
type TTSStream interface {
	Chunks() <-chan []byte
	Err() error
	Close() error
}

type TTSBackend interface {
	Backend
	Synthesize(ctx context.Context, req types.SynthesisRequest) (TTSStream, error)
}

type ActionServer interface {
	Backend
	Invoke(ctx context.Context, tool string, input map[string]any) (json.RawMessage, error)
}

// AnomalySink receives anomalies for audit. Record must not block.
type AnomalySink interface {
	Record(a types.Anomaly)
}

// DiscardAnomalies drops every anomaly.
type DiscardAnomalies struct{}

func (DiscardAnomalies) Record(types.Anomaly) {}
