package sarvam

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

const (
	// sendWindow is how much audio is batched into one websocket message.
	sendWindow = 250 * time.Millisecond
	// flushWait bounds the wait for the first result after a flush; settleWait is the quiet
	// period after the last result before the transcript is declared final.
	flushWait  = 3 * time.Second
	settleWait = 300 * time.Millisecond
)

// STT is the Sarvam streaming speech-to-text backend.
type STT struct {
	base
	dialer websocket.Dialer
}

func NewSTT(desc core.Descriptor, cfg Config) *STT {
	return &STT{
		base:   newBase(desc, cfg),
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Transcribe opens one websocket session for one utterance.
func (s *STT) Transcribe(ctx context.Context, cfg core.STTStreamConfig) (core.STTStream, error) {
	u, err := url.Parse(s.cfg.wsURL())
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	language := "unknown"
	if len(cfg.Languages) > 0 {
		language = cfg.Languages[0]
	}
	model := s.desc.Model
	if model == "" {
		model = DefaultSTTModel
	}
	q := u.Query()
	q.Set("language-code", language)
	q.Set("model", model)
	q.Set("sample_rate", fmt.Sprintf("%d", cfg.Profile.SampleRateHz))
	u.RawQuery = q.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), s.cfg.header())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return nil, core.NewBackendHTTPError(s.desc.ID, types.StageSTT, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, &core.BackendError{Backend: s.desc.ID, Stage: types.StageSTT, Err: fmt.Errorf("websocket connect: %w", err)}
	}

	ctx, cancel := context.WithCancel(ctx)
	st := &sttStream{
		backend:  s.desc.ID,
		conn:     conn,
		cfg:      cfg,
		language: language,
		window:   max(cfg.Profile.BytesPerSecond()*int(sendWindow/time.Millisecond)/1000, 1),
		events:   make(chan types.TranscriptEvent, 32),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.Transliteration {
		st.translit = s.transliterator()
	}
	go st.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-st.done:
		}
	}()
	return st, nil
}

type sttStream struct {
	backend  string
	conn     *websocket.Conn
	cfg      core.STTStreamConfig
	language string
	window   int
	translit *transliterator

	writeMu    sync.Mutex
	pending    []byte
	finalizing atomic.Bool
	closed     atomic.Bool

	// read loop state
	segments []segment

	events chan types.TranscriptEvent
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error
}

type segment struct {
	text       string
	language   string
	confidence float64
	spans      []types.CodeSwitchSpan
}

type audioMessage struct {
	Audio audioPayload `json:"audio"`
}

type audioPayload struct {
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

type sttMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sttData struct {
	Transcript          string  `json:"transcript"`
	LanguageCode        string  `json:"language_code"`
	LanguageProbability float64 `json:"language_probability"`
	Timestamps          *struct {
		Words []sttWord `json:"words"`
	} `json:"timestamps"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type sttWord struct {
	Word       string  `json:"word"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// SendAudio batches audio and sends it once a full window is buffered.
func (s *sttStream) SendAudio(chunk []byte) error {
	if s.closed.Load() {
		return errors.New("stream closed")
	}
	if s.finalizing.Load() {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.pending = append(s.pending, chunk...)
	if len(s.pending) < s.window {
		return nil
	}
	return s.flushAudioLocked()
}

func (s *sttStream) flushAudioLocked() error {
	if len(s.pending) == 0 {
		return nil
	}
	payload := s.pending
	s.pending = nil
	msg := audioMessage{Audio: audioPayload{
		SampleRate: s.cfg.Profile.SampleRateHz,
		Encoding:   inputEncoding(s.cfg.Profile.Codec),
	}}
	if s.cfg.Profile.Codec == types.CodecPCM16K16 {
		payload = wire.WrapPCM(payload, s.cfg.Profile.SampleRateHz, s.cfg.Profile.Channels)
	}
	msg.Audio.Data = base64.StdEncoding.EncodeToString(payload)
	return s.writeJSONLocked(msg)
}

func (s *sttStream) writeJSONLocked(v any) error {
	if err := s.conn.WriteJSON(v); err != nil {
		return &core.BackendError{Backend: s.backend, Stage: types.StageSTT, Err: fmt.Errorf("websocket write: %w", err)}
	}
	return nil
}

// Finalize sends buffered audio and a flush. The final event follows once results settle.
func (s *sttStream) Finalize() error {
	if s.closed.Load() {
		return errors.New("stream closed")
	}
	if !s.finalizing.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.flushAudioLocked(); err != nil {
		return err
	}
	if err := s.writeJSONLocked(map[string]string{"type": "flush"}); err != nil {
		return err
	}
	return s.conn.SetReadDeadline(time.Now().Add(flushWait))
}

func (s *sttStream) Events() <-chan types.TranscriptEvent { return s.events }

func (s *sttStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *sttStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close ends the websocket session and waits for the read loop to exit.
func (s *sttStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.cancel()
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *sttStream) readLoop() {
	defer func() {
		close(s.events)
		close(s.done)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.finalizing.Load() && !s.closed.Load() && settled(err) {
				s.emit(s.event(true))
				return
			}
			if !s.closed.Load() && s.ctx.Err() == nil {
				s.setErr(&core.BackendError{Backend: s.backend, Stage: types.StageSTT, Err: fmt.Errorf("websocket read: %w", err)})
			}
			return
		}

		var msg sttMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "data":
			var d sttData
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				continue
			}
			s.addSegment(d)
			if s.finalizing.Load() {
				_ = s.conn.SetReadDeadline(time.Now().Add(settleWait))
				continue
			}
			if !s.emit(s.event(false)) {
				return
			}
		case "error":
			var d sttData
			_ = json.Unmarshal(msg.Data, &d)
			s.setErr(&core.BackendError{Backend: s.backend, Stage: types.StageSTT, Err: errors.New(firstNonEmpty(d.Error, d.Message, "stream error"))})
			return
		}
	}
}

// settled reports whether a read error ends a finalizing stream normally: the settle
// deadline passed or the server closed after the flush.
func settled(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (s *sttStream) emit(ev types.TranscriptEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *sttStream) addSegment(d sttData) {
	text := strings.TrimSpace(d.Transcript)
	if text == "" {
		return
	}
	seg := segment{text: text, language: firstNonEmpty(d.LanguageCode, s.language), confidence: d.LanguageProbability}
	if s.cfg.CodeSwitch && d.Timestamps != nil {
		words := make([]wire.Word, 0, len(d.Timestamps.Words))
		for _, w := range d.Timestamps.Words {
			words = append(words, wire.Word{Text: w.Word, Language: w.Language, Confidence: w.Confidence})
		}
		seg.spans = wire.CodeSwitchSpans(text, seg.language, words)
	}
	s.segments = append(s.segments, seg)
}

// event joins the segments received so far into one transcript, shifting each segment's
// spans by its code point offset in the joined text.
func (s *sttStream) event(final bool) types.TranscriptEvent {
	ev := types.TranscriptEvent{UtteranceID: s.cfg.UtteranceID, Final: final, Language: s.language}
	var b strings.Builder
	offset := 0
	for i, seg := range s.segments {
		if i > 0 {
			b.WriteByte(' ')
			offset++
		}
		b.WriteString(seg.text)
		for _, sp := range seg.spans {
			sp.Start += offset
			sp.End += offset
			ev.Spans = append(ev.Spans, sp)
		}
		offset += wire.RuneLen(seg.text)
		ev.Language = seg.language
		ev.Confidence = seg.confidence
	}
	ev.Text = b.String()
	if final && s.translit != nil && ev.Text != "" {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		if t, err := s.translit.convert(ctx, ev.Text, ev.Language, s.cfg.Script); err == nil {
			ev.Transliteration = t
		}
		cancel()
	}
	return ev
}

func inputEncoding(c types.Codec) string {
	switch c {
	case types.CodecAMRNB8K:
		return "audio/amr"
	case types.CodecOpus16K:
		return "audio/opus"
	default:
		return "audio/wav"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var (
	_ core.STTBackend = (*STT)(nil)
	_ core.Pinger     = (*STT)(nil)
)
