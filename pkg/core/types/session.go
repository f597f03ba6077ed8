package types

// Stage is a pipeline stage a backend serves.
type Stage string

const (
	StageSTT    Stage = "stt"
	StageLLM    Stage = "llm"
	StageTTS    Stage = "tts"
	StageNMT    Stage = "nmt"
	StageAction Stage = "action"

	// Not backend stages; used to attribute stream errors and anomalies.
	StageStream      Stage = "stream"
	StageNegotiation Stage = "negotiation"
)

// DataResidency constrains where audio and transcripts may be processed.
type DataResidency string

const (
	ResidencyIndiaOnly DataResidency = "INDIA_ONLY"
	ResidencyAny       DataResidency = "ANY"
	ResidencyOnPrem    DataResidency = "ON_PREM"
)

func (r DataResidency) Valid() bool {
	switch r {
	case ResidencyIndiaOnly, ResidencyAny, ResidencyOnPrem:
		return true
	}
	return false
}

// ScriptPreference selects the transcript script.
type ScriptPreference string

const (
	ScriptNative ScriptPreference = "NATIVE"
	ScriptRoman  ScriptPreference = "ROMAN"
	ScriptBoth   ScriptPreference = "BOTH"
)

func (s ScriptPreference) Valid() bool {
	switch s {
	case ScriptNative, ScriptRoman, ScriptBoth:
		return true
	}
	return false
}

// LanguageHint is one BCP-47 tag the caller expects to speak.
type LanguageHint struct {
	Tag        string  `json:"tag"`
	Confidence float64 `json:"confidence"`
}

// Capabilities are feature flags requested by a client and granted by the gateway.
type Capabilities struct {
	CodeSwitch      bool `json:"code_switch_detection"`
	DialectRouting  bool `json:"dialect_routing"`
	ActionExecution bool `json:"action_execution"`
	BargeIn         bool `json:"barge_in"`
	Transliteration bool `json:"transliteration_output"`
	StreamingTTS    bool `json:"streaming_tts"`
	Diarization     bool `json:"speaker_diarization"`
}

// BackendPreferences lists backend ids (or vendor names) per stage, best first.
type BackendPreferences struct {
	STT              []string `json:"stt,omitempty"`
	LLM              []string `json:"llm,omitempty"`
	TTS              []string `json:"tts,omitempty"`
	NMT              []string `json:"nmt,omitempty"`
	CustomBackendURI string   `json:"custom_backend_uri,omitempty"`
}

// For returns the preference list of a stage.
func (p BackendPreferences) For(stage Stage) []string {
	switch stage {
	case StageSTT:
		return p.STT
	case StageLLM:
		return p.LLM
	case StageTTS:
		return p.TTS
	case StageNMT:
		return p.NMT
	}
	return nil
}

type NegotiationRequest struct {
	LanguageHints []LanguageHint     `json:"language_hints"`
	AudioProfile  AudioProfile       `json:"audio_profile"`
	Capabilities  Capabilities       `json:"capabilities"`
	Preferences   BackendPreferences `json:"backend_preferences"`
	Residency     DataResidency      `json:"data_residency,omitempty"`
	Script        ScriptPreference   `json:"script_preference,omitempty"`
	CallerID      string             `json:"caller_id,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
}

// Bindings are the backend ids bound to a session, one per stage.
type Bindings struct {
	STT    string `json:"stt"`
	LLM    string `json:"llm"`
	TTS    string `json:"tts"`
	Action string `json:"action,omitempty"`
}

// DegradedCapability records a negotiated downgrade.
type DegradedCapability struct {
	Capability string `json:"capability"`
	Requested  string `json:"requested"`
	Granted    string `json:"granted"`
	Reason     string `json:"reason"`
}

type NegotiationResponse struct {
	SessionID     string               `json:"session_id"`
	LanguageHints []LanguageHint       `json:"language_hints"`
	AudioProfile  AudioProfile         `json:"audio_profile"`
	Capabilities  Capabilities         `json:"capabilities"`
	Degraded      []DegradedCapability `json:"degraded"`
	Bindings      Bindings             `json:"bindings"`
	Residency     DataResidency        `json:"data_residency"`
	Script        ScriptPreference     `json:"script_preference"`
}
