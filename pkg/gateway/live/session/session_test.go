package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/protocol"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/sessions"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
)

type fakeConn struct {
	fakeWSWriter
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- b
}

// messages decodes every text frame written so far.
func (c *fakeConn) messages() []map[string]any {
	var out []map[string]any
	for _, w := range c.snapshot() {
		if w.messageType != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(w.data), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) ofType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range c.messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) states() []string {
	var out []string
	for _, m := range c.ofType(protocol.TypeTurn) {
		out = append(out, fmt.Sprint(m["state"]))
	}
	return out
}

type fakeBackend struct{ desc core.Descriptor }

func (f fakeBackend) Describe() core.Descriptor { return f.desc }

type scriptedSTT struct {
	fakeBackend
	final types.TranscriptEvent
}

func (s *scriptedSTT) Transcribe(_ context.Context, cfg core.STTStreamConfig) (core.STTStream, error) {
	ev := s.final
	ev.UtteranceID = cfg.UtteranceID
	return &scriptedStream{events: make(chan types.TranscriptEvent, 1), final: ev}, nil
}

type scriptedStream struct {
	events chan types.TranscriptEvent
	final  types.TranscriptEvent
	once   sync.Once
}

func (s *scriptedStream) SendAudio([]byte) error { return nil }

func (s *scriptedStream) Finalize() error {
	s.once.Do(func() {
		s.events <- s.final
		close(s.events)
	})
	return nil
}

func (s *scriptedStream) Events() <-chan types.TranscriptEvent { return s.events }

func (s *scriptedStream) Err() error { return nil }

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type scriptedLLM struct {
	fakeBackend
	mu        sync.Mutex
	responses []types.LLMResponse
	err       error
	calls     []types.ConversationContext
}

func (l *scriptedLLM) Respond(_ context.Context, conv types.ConversationContext) (types.LLMResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, conv)
	if l.err != nil {
		return types.LLMResponse{}, l.err
	}
	if len(l.responses) == 0 {
		return types.LLMResponse{}, nil
	}
	resp := l.responses[0]
	l.responses = l.responses[1:]
	return resp, nil
}

func (l *scriptedLLM) contexts() []types.ConversationContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.ConversationContext(nil), l.calls...)
}

type scriptedTTS struct {
	fakeBackend
	chunks [][]byte
	// hold keeps the stream open after the last chunk until its context ends.
	hold bool

	mu    sync.Mutex
	texts []string
}

func (f *scriptedTTS) Synthesize(ctx context.Context, req types.SynthesisRequest) (core.TTSStream, error) {
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	f.mu.Unlock()
	s := &scriptedTTSStream{ch: make(chan []byte)}
	go func() {
		defer close(s.ch)
		for _, c := range f.chunks {
			select {
			case s.ch <- c:
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}
		if f.hold {
			<-ctx.Done()
			s.err = ctx.Err()
		}
	}()
	return s, nil
}

type scriptedTTSStream struct {
	ch  chan []byte
	err error
}

func (s *scriptedTTSStream) Chunks() <-chan []byte { return s.ch }

func (s *scriptedTTSStream) Err() error { return s.err }

func (s *scriptedTTSStream) Close() error { return nil }

type harness struct {
	conn *fakeConn
	llm  *scriptedLLM
	sess *sessions.Session
	drv  *Driver
	done chan error
}

func india(id string, stage types.Stage, f core.Features) fakeBackend {
	return fakeBackend{core.Descriptor{ID: id, Vendor: "test", Stage: stage, Region: core.RegionIndia, Languages: []string{"hi-IN", "en-IN"}, Features: f}}
}

func startHarness(t *testing.T, caps types.Capabilities, final types.TranscriptEvent, llm *scriptedLLM, tts *scriptedTTS) *harness {
	t.Helper()
	return startHarnessWith(t, caps, final, llm, tts, nil)
}

// startHarnessWith runs setup against the registry before the session is negotiated.
func startHarnessWith(t *testing.T, caps types.Capabilities, final types.TranscriptEvent, llm *scriptedLLM, tts *scriptedTTS, setup func(*registry.Registry)) *harness {
	t.Helper()
	llm.fakeBackend = india("llm", types.StageLLM, core.Features{Tools: true})
	tts.fakeBackend = india("tts", types.StageTTS, core.Features{Streaming: true})
	stt := &scriptedSTT{fakeBackend: india("stt", types.StageSTT, core.Features{CodeSwitch: true, Transliteration: true}), final: final}

	reg := registry.New()
	for _, b := range []core.Backend{stt, llm, tts} {
		if err := reg.RegisterBackend(b); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.RegisterTool(types.ToolSchema{
		Name:        "check_ticket",
		Properties:  map[string]types.PropertySchema{"ticket": {Type: "string"}},
		Sensitivity: types.SensitivityPersonal,
		Executor:    types.ExecutorClient,
		Timeout:     2 * time.Second,
	}); err != nil {
		t.Fatal(err)
	}
	if setup != nil {
		setup(reg)
	}

	pcm, _ := types.ProfileFor(types.CodecPCM16K16)
	mgr := sessions.NewManager(sessions.ManagerConfig{
		SupportedProfiles: []types.AudioProfile{pcm},
		Enabled:           types.Capabilities{CodeSwitch: true, ActionExecution: true, BargeIn: true, Transliteration: true, StreamingTTS: true, DialectRouting: true},
		IdleTimeout:       time.Minute,
	}, reg, nil)
	sess, _, err := mgr.Negotiate(context.Background(), types.NegotiationRequest{
		LanguageHints: []types.LanguageHint{{Tag: "hi-IN", Confidence: 0.9}, {Tag: "en-IN", Confidence: 0.6}},
		AudioProfile:  pcm,
		Capabilities:  caps,
	})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	conn := newFakeConn()
	drv, err := New(Dependencies{
		Conn:     conn,
		Session:  sess,
		Registry: reg,
		Manager:  mgr,
		Config: Config{
			WriteTimeout:    time.Second,
			PingInterval:    time.Hour,
			TrailingSilence: time.Hour,
			STTFinalTimeout: 2 * time.Second,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{conn: conn, llm: llm, sess: sess, drv: drv, done: make(chan error, 1)}
	go func() { h.done <- drv.Run() }()
	t.Cleanup(func() {
		drv.Cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
	h.waitFor(t, "session start", func() bool { return len(conn.states()) >= 1 })
	return h
}

func (h *harness) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; writes=%v", what, h.conn.messages())
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
		return nil
	}
}

func audioChunk(confidence float64, size int) protocol.ClientAudioChunk {
	return protocol.ClientAudioChunk{
		Type:    protocol.TypeAudioChunk,
		DataB64: base64.StdEncoding.EncodeToString(make([]byte, size)),
		VAD:     &protocol.VADHint{Voiced: confidence >= 0.5, Confidence: &confidence},
	}
}

func (h *harness) speak(t *testing.T) {
	t.Helper()
	h.conn.send(t, audioChunk(0.9, 320))
	h.conn.send(t, audioChunk(0.9, 320))
	h.conn.send(t, protocol.ClientEndOfUtterance{Type: protocol.TypeEndOfUtterance})
}

func equalStates(got []string, want ...string) bool {
	return strings.Join(got, ",") == strings.Join(want, ",")
}

func hinglishFinal() types.TranscriptEvent {
	return types.TranscriptEvent{
		Text:       "mera laptop kaam nahi kar raha",
		Final:      true,
		Language:   "hi-IN",
		Confidence: 0.92,
		Spans:      []types.CodeSwitchSpan{{Start: 5, End: 11, Language: "en-IN", Confidence: 0.8}},
	}
}

func TestDriver_StreamingSynthesisPerSentence(t *testing.T) {
	llm := &scriptedLLM{responses: []types.LLMResponse{{Text: "Namaste! Aapka ticket open hai।"}}}
	tts := &scriptedTTS{chunks: [][]byte{{1, 2}, {3, 4}}}
	h := startHarness(t, types.Capabilities{CodeSwitch: true, StreamingTTS: true}, hinglishFinal(), llm, tts)

	h.speak(t)
	h.waitFor(t, "turn complete", func() bool {
		return equalStates(h.conn.states(), "LISTENING", "THINKING", "SPEAKING", "LISTENING")
	})

	tts.mu.Lock()
	texts := slices.Clone(tts.texts)
	tts.mu.Unlock()
	if !slices.Equal(texts, []string{"Namaste!", "Aapka ticket open hai।"}) {
		t.Fatalf("synthesized=%q", texts)
	}
	chunks := h.conn.ofType(protocol.TypeSynthesisChunk)
	if len(chunks) != 5 {
		t.Fatalf("synthesis chunks=%v", chunks)
	}
	for i, c := range chunks {
		if c["seq"] != float64(i+1) {
			t.Fatalf("chunk %d seq=%v", i, c["seq"])
		}
		if final := c["final"] == true; final != (i == 4) {
			t.Fatalf("chunk %d final=%v", i, c["final"])
		}
	}
}

func TestDriver_TurnWithClientAction(t *testing.T) {
	llm := &scriptedLLM{responses: []types.LLMResponse{
		{ToolCalls: []types.ToolCallIntent{{ID: "tc_1", Name: "check_ticket", Input: map[string]any{"ticket": "T-42"}}}},
		{Text: "Aapka ticket open hai."},
	}}
	tts := &scriptedTTS{chunks: [][]byte{{1, 2}, {3, 4}}}
	h := startHarness(t, types.Capabilities{CodeSwitch: true, ActionExecution: true}, hinglishFinal(), llm, tts)

	h.speak(t)
	h.waitFor(t, "action request", func() bool { return len(h.conn.ofType(protocol.TypeActionRequest)) == 1 })

	tr := h.conn.ofType(protocol.TypeTranscript)
	if len(tr) != 1 || tr[0]["is_final"] != true || tr[0]["text"] != "mera laptop kaam nahi kar raha" {
		t.Fatalf("transcripts=%v", tr)
	}
	spans, _ := tr[0]["code_switch_spans"].([]any)
	if len(spans) != 1 {
		t.Fatalf("spans=%v", tr[0]["code_switch_spans"])
	}
	if s := spans[0].(map[string]any); s["start"] != float64(5) || s["end"] != float64(11) || s["language"] != "en-IN" {
		t.Fatalf("span=%v", s)
	}

	req := h.conn.ofType(protocol.TypeActionRequest)[0]
	if req["tool"] != "check_ticket" {
		t.Fatalf("action request=%v", req)
	}
	time.Sleep(40 * time.Millisecond)
	h.conn.send(t, protocol.ClientActionResult{
		Type:   protocol.TypeActionResult,
		CallID: fmt.Sprint(req["call_id"]),
		Output: json.RawMessage(`{"status":"open"}`),
	})

	h.waitFor(t, "turn complete", func() bool {
		return equalStates(h.conn.states(), "LISTENING", "THINKING", "SPEAKING", "LISTENING")
	})

	chunks := h.conn.ofType(protocol.TypeSynthesisChunk)
	if len(chunks) != 3 {
		t.Fatalf("synthesis chunks=%v", chunks)
	}
	if chunks[2]["final"] != true || chunks[0]["encoding"] != string(types.CodecPCM16K16) {
		t.Fatalf("synthesis chunks=%v", chunks)
	}

	calls := h.llm.contexts()
	if len(calls) != 2 {
		t.Fatalf("llm calls=%d", len(calls))
	}
	if len(calls[0].Tools) != 1 {
		t.Fatalf("first call tools=%+v", calls[0].Tools)
	}
	if !strings.Contains(calls[0].Messages[0].Content, "[Code-switch: 'laptop' (en-IN)]") {
		t.Fatalf("user content=%q", calls[0].Messages[0].Content)
	}
	last := calls[1].Messages[len(calls[1].Messages)-1]
	if last.Role != types.RoleTool || last.ToolCallID != "tc_1" || last.Content != `{"status":"open"}` {
		t.Fatalf("tool message=%+v", last)
	}

	h.conn.send(t, protocol.ClientEndSession{Type: protocol.TypeEndSession})
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if states := h.conn.states(); states[len(states)-1] != "ENDED" {
		t.Fatalf("states=%v", states)
	}
	if !h.sess.Ended() || h.sess.EndReason() != "client_end" {
		t.Fatalf("session ended=%v reason=%q", h.sess.Ended(), h.sess.EndReason())
	}
}

func TestDriver_BargeInCancelsSpeakingTurn(t *testing.T) {
	llm := &scriptedLLM{responses: []types.LLMResponse{{Text: "Ek minute, main dekhta hoon."}}}
	tts := &scriptedTTS{chunks: [][]byte{{1, 2}}, hold: true}
	h := startHarness(t, types.Capabilities{BargeIn: true}, hinglishFinal(), llm, tts)

	h.speak(t)
	h.waitFor(t, "speaking", func() bool { return len(h.conn.ofType(protocol.TypeSynthesisChunk)) == 1 })

	h.conn.send(t, audioChunk(0.9, 320))
	h.waitFor(t, "barge-in", func() bool {
		return equalStates(h.conn.states(), "LISTENING", "THINKING", "SPEAKING", "LISTENING")
	})
	turns := h.conn.ofType(protocol.TypeTurn)
	if turns[3]["turn"] == turns[2]["turn"] {
		t.Fatalf("barge-in did not start a new turn: %v", turns)
	}
	if got := len(h.conn.ofType(protocol.TypeSynthesisChunk)); got != 1 {
		t.Fatalf("synthesis after barge-in: %d chunks", got)
	}
}

func TestDriver_NoBargeInWithoutCapability(t *testing.T) {
	llm := &scriptedLLM{responses: []types.LLMResponse{{Text: "Ek minute."}}}
	tts := &scriptedTTS{chunks: [][]byte{{1, 2}}, hold: true}
	h := startHarness(t, types.Capabilities{}, hinglishFinal(), llm, tts)

	h.speak(t)
	h.waitFor(t, "speaking", func() bool { return len(h.conn.ofType(protocol.TypeSynthesisChunk)) == 1 })
	h.conn.send(t, audioChunk(0.9, 320))
	time.Sleep(50 * time.Millisecond)
	if states := h.conn.states(); !equalStates(states, "LISTENING", "THINKING", "SPEAKING") {
		t.Fatalf("states=%v", states)
	}

	h.conn.send(t, protocol.ClientEndSession{Type: protocol.TypeEndSession})
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if states := h.conn.states(); !equalStates(states, "LISTENING", "THINKING", "SPEAKING", "ENDED") {
		t.Fatalf("states=%v", states)
	}
}

func TestDriver_CorruptChunkLimitIsFatal(t *testing.T) {
	h := startHarness(t, types.Capabilities{}, hinglishFinal(), &scriptedLLM{}, &scriptedTTS{})
	for i := 0; i < 3; i++ {
		h.conn.send(t, audioChunk(0.9, 3)) // odd length PCM16
	}

	err := h.wait(t)
	var se *core.StreamError
	if !errors.As(err, &se) || se.Kind != core.KindFatalStream {
		t.Fatalf("Run error=%v, want fatal stream error", err)
	}
	var order []string
	for _, m := range h.conn.messages() {
		switch m["type"] {
		case protocol.TypeStreamError:
			order = append(order, fmt.Sprintf("%v:%v", m["kind"], m["fatal"]))
		case protocol.TypeTurn:
			order = append(order, fmt.Sprint(m["state"]))
		}
	}
	want := []string{
		"LISTENING",
		"corrupt_stream:false",
		"corrupt_stream:false",
		"fatal_stream_error:true",
		"ENDED",
	}
	if !slices.Equal(order, want) {
		t.Fatalf("message order=%v, want %v", order, want)
	}
}

func TestDriver_SingleCorruptChunkIsRecoverable(t *testing.T) {
	llm := &scriptedLLM{responses: []types.LLMResponse{{Text: "Theek hai."}}}
	h := startHarness(t, types.Capabilities{}, hinglishFinal(), llm, &scriptedTTS{chunks: [][]byte{{1, 2}}})

	h.conn.send(t, audioChunk(0.9, 3))
	h.speak(t)
	h.waitFor(t, "turn complete", func() bool {
		return equalStates(h.conn.states(), "LISTENING", "THINKING", "SPEAKING", "LISTENING")
	})
	errs := h.conn.ofType(protocol.TypeStreamError)
	if len(errs) != 1 || errs[0]["fatal"] != false {
		t.Fatalf("stream errors=%v", errs)
	}
}

func TestDriver_EmptyTranscriptDiscardsUtterance(t *testing.T) {
	h := startHarness(t, types.Capabilities{}, types.TranscriptEvent{Final: true}, &scriptedLLM{}, &scriptedTTS{})

	h.speak(t)
	h.waitFor(t, "discard", func() bool { return equalStates(h.conn.states(), "LISTENING", "LISTENING") })
	if n := len(h.llm.contexts()); n != 0 {
		t.Fatalf("llm called %d times for an empty utterance", n)
	}
}

func TestDriver_LLMFailureReturnsToListening(t *testing.T) {
	llm := &scriptedLLM{err: &core.BackendError{Backend: "llm", Stage: types.StageLLM, Status: 503, Err: errors.New("overloaded")}}
	h := startHarness(t, types.Capabilities{}, hinglishFinal(), llm, &scriptedTTS{})

	h.speak(t)
	h.waitFor(t, "no response", func() bool { return equalStates(h.conn.states(), "LISTENING", "THINKING", "LISTENING") })
	errs := h.conn.ofType(protocol.TypeStreamError)
	if len(errs) != 1 || errs[0]["kind"] != string(core.KindBackendFailure) || errs[0]["stage"] != "llm" || errs[0]["fatal"] != false {
		t.Fatalf("stream errors=%v", errs)
	}
}

func TestDriver_ExpiredActionStillSpeaks(t *testing.T) {
	llm := &scriptedLLM{responses: []types.LLMResponse{
		{ToolCalls: []types.ToolCallIntent{{ID: "tc_1", Name: "mandi_price", Input: map[string]any{"crop": "gehun"}}}},
		{Text: "Abhi bhav nahi mil raha, thodi der baad poochiye."},
	}}
	tts := &scriptedTTS{chunks: [][]byte{{1, 2}}}
	h := startHarnessWith(t, types.Capabilities{ActionExecution: true}, hinglishFinal(), llm, tts, func(reg *registry.Registry) {
		if err := reg.RegisterTool(types.ToolSchema{
			Name:       "mandi_price",
			Properties: map[string]types.PropertySchema{"crop": {Type: "string"}},
			Executor:   types.ExecutorClient,
			Timeout:    100 * time.Millisecond,
		}); err != nil {
			t.Fatal(err)
		}
	})

	h.speak(t)
	h.waitFor(t, "action request", func() bool { return len(h.conn.ofType(protocol.TypeActionRequest)) == 1 })
	req := h.conn.ofType(protocol.TypeActionRequest)[0]
	if req["tool"] != "mandi_price" || req["timeout_ms"] != float64(100) {
		t.Fatalf("action request=%v", req)
	}
	h.waitFor(t, "turn complete", func() bool {
		return equalStates(h.conn.states(), "LISTENING", "THINKING", "SPEAKING", "LISTENING")
	})

	errs := h.conn.ofType(protocol.TypeStreamError)
	if len(errs) != 1 || errs[0]["kind"] != string(core.KindActionTimeout) || errs[0]["fatal"] != false {
		t.Fatalf("stream errors=%v", errs)
	}
	calls := h.llm.contexts()
	if len(calls) != 2 {
		t.Fatalf("llm calls=%d", len(calls))
	}
	last := calls[1].Messages[len(calls[1].Messages)-1]
	if last.Role != types.RoleTool || last.ToolCallID != "tc_1" || last.Content != "tool unavailable: no result within 100ms" {
		t.Fatalf("tool message=%+v", last)
	}

	h.conn.send(t, protocol.ClientActionResult{
		Type:   protocol.TypeActionResult,
		CallID: fmt.Sprint(req["call_id"]),
		Output: json.RawMessage(`{"price":2275}`),
	})
	h.waitFor(t, "late result reported", func() bool { return len(h.conn.ofType(protocol.TypeStreamError)) == 2 })
	late := h.conn.ofType(protocol.TypeStreamError)[1]
	if late["kind"] != string(core.KindUnresolvedActionResult) || late["fatal"] != false {
		t.Fatalf("late result error=%v", late)
	}
	if n := len(h.llm.contexts()); n != 2 {
		t.Fatalf("late result reached the llm: calls=%d", n)
	}
	if states := h.conn.states(); len(states) != 4 {
		t.Fatalf("late result changed turn state: %v", states)
	}
}

func TestDriver_DialectRerouteAppliesOnThinking(t *testing.T) {
	llm := &scriptedLLM{responses: []types.LLMResponse{{Text: "Haan, bataiye."}, {Text: "Theek ba."}}}
	tts := &scriptedTTS{chunks: [][]byte{{1, 2}}}
	first := types.TranscriptEvent{Text: "hamar laptop kaam na karat ba", Final: true, Language: "hi-IN", Confidence: 0.9}
	bho := &scriptedSTT{
		fakeBackend: india("stt-bho", types.StageSTT, core.Features{}),
		final:       types.TranscriptEvent{Text: "ka haal ba", Final: true, Language: "hi-IN", Confidence: 0.9},
	}
	h := startHarnessWith(t, types.Capabilities{DialectRouting: true}, first, llm, tts, func(reg *registry.Registry) {
		if err := reg.RegisterBackend(bho); err != nil {
			t.Fatal(err)
		}
		if err := reg.RegisterDialect(registry.DialectModel{Tag: "bho-IN", Language: "hi-IN", Backend: "stt-bho", Markers: []string{"hamar", "ba", "karat"}}); err != nil {
			t.Fatal(err)
		}
	})
	if !h.sess.Capabilities().DialectRouting || h.sess.Bindings().STT != "stt" {
		t.Fatalf("caps=%+v bindings=%+v", h.sess.Capabilities(), h.sess.Bindings())
	}

	h.speak(t)
	h.waitFor(t, "first turn", func() bool {
		return equalStates(h.conn.states(), "LISTENING", "THINKING", "SPEAKING", "LISTENING")
	})
	warnings := h.conn.ofType(protocol.TypeWarning)
	if len(warnings) != 1 || warnings[0]["code"] != "dialect_rerouted" {
		t.Fatalf("warnings=%v", warnings)
	}
	if got := h.sess.Bindings().STT; got != "stt-bho" {
		t.Fatalf("stt binding=%q, want stt-bho", got)
	}
	tr := h.conn.ofType(protocol.TypeTranscript)
	if len(tr) != 1 || tr[0]["text"] != first.Text || tr[0]["dialect"] != "bho-IN" {
		t.Fatalf("transcripts=%v", tr)
	}

	h.speak(t)
	h.waitFor(t, "second turn", func() bool { return len(h.conn.states()) == 7 })
	tr = h.conn.ofType(protocol.TypeTranscript)
	if len(tr) != 2 || tr[1]["text"] != "ka haal ba" {
		t.Fatalf("transcripts=%v", tr)
	}
	if n := len(h.conn.ofType(protocol.TypeWarning)); n != 1 {
		t.Fatalf("warnings=%d, want 1", n)
	}
}
