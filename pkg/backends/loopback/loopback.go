// Package loopback provides in-process STT, LLM and TTS backends that need no network. They
// make the gateway runnable end to end on a laptop and in integration tests.
package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// STT returns scripted transcripts, one per utterance in rotation. Latin-script words in a
// transcript whose language is not English are reported as English code-switch spans.
type STT struct {
	desc        core.Descriptor
	transcripts []string

	mu   sync.Mutex
	next int
}

func NewSTT(desc core.Descriptor, transcripts []string) *STT {
	if len(transcripts) == 0 {
		transcripts = []string{"namaste"}
	}
	return &STT{desc: desc, transcripts: transcripts}
}

func (s *STT) Describe() core.Descriptor { return s.desc }

func (s *STT) Transcribe(ctx context.Context, cfg core.STTStreamConfig) (core.STTStream, error) {
	s.mu.Lock()
	text := s.transcripts[s.next%len(s.transcripts)]
	s.next++
	s.mu.Unlock()

	language := "hi-IN"
	if len(cfg.Languages) > 0 {
		language = cfg.Languages[0]
	}
	ctx, cancel := context.WithCancel(ctx)
	return &sttStream{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		text:     text,
		language: language,
		events:   make(chan types.TranscriptEvent, 2),
	}, nil
}

type sttStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      core.STTStreamConfig
	text     string
	language string
	events   chan types.TranscriptEvent

	mu        sync.Mutex
	bytes     int
	partialed bool
	done      bool
}

func (s *sttStream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.bytes += len(chunk)
	if words := strings.Fields(s.text); !s.partialed && len(words) > 1 {
		s.partialed = true
		s.events <- s.event(words[0], false)
	}
	return nil
}

func (s *sttStream) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	if s.ctx.Err() == nil {
		s.events <- s.event(s.text, true)
	}
	close(s.events)
	return nil
}

func (s *sttStream) event(text string, final bool) types.TranscriptEvent {
	ev := types.TranscriptEvent{
		UtteranceID: s.cfg.UtteranceID,
		Text:        text,
		Final:       final,
		Language:    s.language,
		Confidence:  0.9,
	}
	if s.cfg.CodeSwitch && !strings.HasPrefix(s.language, "en") {
		var words []wire.Word
		for _, w := range strings.Fields(text) {
			lang := s.language
			if isLatin(w) {
				lang = "en-IN"
			}
			words = append(words, wire.Word{Text: w, Language: lang, Confidence: 0.8})
		}
		ev.Spans = wire.CodeSwitchSpans(text, s.language, words)
	}
	return ev
}

func (s *sttStream) Events() <-chan types.TranscriptEvent { return s.events }
func (s *sttStream) Err() error                           { return nil }

func (s *sttStream) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.events)
	}
	return nil
}

func isLatin(w string) bool {
	for _, r := range w {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Latin, r) {
			return false
		}
	}
	return true
}

// LLM echoes the caller. When an offered tool declares a property pattern that matches a
// word of the user's message, it calls that tool first and then reports the result.
type LLM struct {
	desc core.Descriptor
}

func NewLLM(desc core.Descriptor) *LLM { return &LLM{desc: desc} }

func (l *LLM) Describe() core.Descriptor { return l.desc }

func (l *LLM) Respond(ctx context.Context, conv types.ConversationContext) (types.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return types.LLMResponse{}, err
	}
	if len(conv.Messages) == 0 {
		return types.LLMResponse{}, errors.New("empty conversation")
	}
	last := conv.Messages[len(conv.Messages)-1]
	switch last.Role {
	case types.RoleTool:
		return types.LLMResponse{Text: fmt.Sprintf("%s ka natija: %s", last.ToolName, last.Content)}, nil
	case types.RoleUser:
		text := firstLine(last.Content)
		if call, ok := matchTool(text, conv.Tools); ok {
			return types.LLMResponse{ToolCalls: []types.ToolCallIntent{call}}, nil
		}
		return types.LLMResponse{Text: "Aapne kaha: " + text}, nil
	}
	return types.LLMResponse{}, nil
}

func matchTool(text string, tools []types.ToolSchema) (types.ToolCallIntent, bool) {
	for _, t := range tools {
		for name, p := range t.Properties {
			if p.Pattern == "" {
				continue
			}
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				continue
			}
			for _, w := range strings.Fields(text) {
				w = strings.Trim(w, ".,?!")
				if re.MatchString(w) {
					return types.ToolCallIntent{Name: t.Name, Input: map[string]any{name: w}}, true
				}
			}
		}
	}
	return types.ToolCallIntent{}, false
}

// firstLine drops the bracketed annotations appended to user content.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// TTS synthesizes a tone whose length follows the text: 60ms per character, at most 5s.
type TTS struct {
	desc core.Descriptor
}

func NewTTS(desc core.Descriptor) *TTS { return &TTS{desc: desc} }

func (t *TTS) Describe() core.Descriptor { return t.desc }

func (t *TTS) Synthesize(ctx context.Context, req types.SynthesisRequest) (core.TTSStream, error) {
	ms := min(60*len([]rune(req.Text)), 5000)
	return wire.NewChunkStream(ctx, wire.Split(render(req.Profile, ms), wire.FrameBytes(req.Profile))), nil
}

// render produces ms of audio in profile p: a 440 Hz tone for PCM and codec silence frames
// for compressed profiles.
func render(p types.AudioProfile, ms int) []byte {
	switch p.Codec {
	case types.CodecAMRNB8K:
		return repeat([]byte{0x7C}, ms/20)
	case types.CodecOpus16K:
		return repeat([]byte{0xF8, 0xFF, 0xFE}, ms/20)
	}
	rate := p.SampleRateHz
	if rate <= 0 {
		rate = 16000
	}
	n := rate * ms / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(3000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func repeat(frame []byte, n int) []byte {
	out := make([]byte, 0, len(frame)*n)
	for i := 0; i < n; i++ {
		out = append(out, frame...)
	}
	return out
}

var (
	_ core.STTBackend = (*STT)(nil)
	_ core.LLMBackend = (*LLM)(nil)
	_ core.TTSBackend = (*TTS)(nil)
)
