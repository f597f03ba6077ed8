package types

import "time"

const (
	// DialectStandard means no non-standard dialect was detected.
	DialectStandard = "standard"
	// DialectUnknown means dialect classification is unsupported for the language.
	DialectUnknown = "unknown"
)

// CodeSwitchSpan annotates [Start, End) code points of a transcript text.
type CodeSwitchSpan struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

func (s CodeSwitchSpan) Len() int { return s.End - s.Start }

func (s CodeSwitchSpan) Overlaps(o CodeSwitchSpan) bool {
	return s.Start < o.End && o.Start < s.End
}

// Contains reports whether o lies entirely within s.
func (s CodeSwitchSpan) Contains(o CodeSwitchSpan) bool {
	return s.Start <= o.Start && o.End <= s.End
}

// TranscriptEvent is a partial or final recognition result.
type TranscriptEvent struct {
	UtteranceID     string           `json:"utterance_id"`
	Text            string           `json:"text"`
	Final           bool             `json:"final"`
	Language        string           `json:"language,omitempty"`
	Confidence      float64          `json:"confidence,omitempty"`
	Spans           []CodeSwitchSpan `json:"code_switch_spans"`
	Dialect         string           `json:"dialect,omitempty"`
	Transliteration string           `json:"transliteration,omitempty"`
}

// Anomaly is a locally repaired or ignored protocol irregularity kept for audit.
type Anomaly struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Stage     Stage     `json:"stage,omitempty"`
	Detail    string    `json:"detail"`
	At        time.Time `json:"at"`
}
