package bhashini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

func pcmProfile() types.AudioProfile {
	p, _ := types.ProfileFor(types.CodecPCM16K16)
	return p
}

func TestSTT_BuffersUntilFinalize(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("userID") != "u1" || r.Header.Get("ulcaApiKey") != "k1" {
			t.Errorf("headers=%v", r.Header)
		}
		var req pipelineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		task := req.PipelineTasks[0]
		if task.TaskType != "asr" || task.Config.Language.SourceLanguage != "ta" || task.Config.AudioFormat != "wav" {
			t.Errorf("task=%+v", task)
		}
		raw, _ := base64.StdEncoding.DecodeString(req.InputData.Audio[0].AudioContent)
		if len(raw) != 44+3200 || !strings.HasPrefix(string(raw), "RIFF") {
			t.Errorf("audio len=%d", len(raw))
		}
		_, _ = w.Write([]byte(`{"pipelineResponse":[{"taskType":"asr","output":[{"source":" vanakkam "}]}]}`))
	}))
	defer srv.Close()

	stt := NewSTT(core.Descriptor{ID: "bhashini-stt", Stage: types.StageSTT}, Config{Endpoint: srv.URL, UserID: "u1", APIKey: "k1"})
	stream, err := stt.Transcribe(context.Background(), core.STTStreamConfig{
		UtteranceID: "utt_3",
		Languages:   []string{"ta-IN"},
		Profile:     pcmProfile(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	for i := 0; i < 2; i++ {
		if err := stream.SendAudio(make([]byte, 1600)); err != nil {
			t.Fatal(err)
		}
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("calls before finalize=%d", n)
	}
	if err := stream.Finalize(); err != nil {
		t.Fatal(err)
	}
	ev, ok := <-stream.Events()
	if !ok || !ev.Final || ev.Text != "vanakkam" || ev.UtteranceID != "utt_3" || ev.Language != "ta-IN" {
		t.Fatalf("event=%+v ok=%v err=%v", ev, ok, stream.Err())
	}
	if _, ok := <-stream.Events(); ok {
		t.Fatal("events should close after the final event")
	}
}

func TestSTT_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"service unavailable"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	stt := NewSTT(core.Descriptor{ID: "bhashini-stt", Stage: types.StageSTT}, Config{Endpoint: srv.URL})
	stream, _ := stt.Transcribe(context.Background(), core.STTStreamConfig{Profile: pcmProfile()})
	defer stream.Close()
	_ = stream.SendAudio(make([]byte, 320))
	_ = stream.Finalize()
	for range stream.Events() {
	}
	if stream.Err() == nil || core.IsFatal(stream.Err()) {
		t.Fatalf("err=%v, want transient backend error", stream.Err())
	}
}

func TestSTT_CloseWithoutFinalize(t *testing.T) {
	stt := NewSTT(core.Descriptor{ID: "bhashini-stt", Stage: types.StageSTT}, Config{Endpoint: "http://127.0.0.1:1"})
	stream, _ := stt.Transcribe(context.Background(), core.STTStreamConfig{Profile: pcmProfile()})
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-stream.Events(); ok {
		t.Fatal("events should be closed")
	}
	if err := stream.SendAudio([]byte{0, 0}); err == nil {
		t.Fatal("send after close should fail")
	}
}

func TestTTS_Synthesize(t *testing.T) {
	pcm := make([]byte, 2000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pipelineRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		task := req.PipelineTasks[0]
		if task.TaskType != "tts" || task.Config.Gender != "female" || req.InputData.Input[0].Source != "namaskara" {
			t.Errorf("request=%+v", req)
		}
		audio := base64.StdEncoding.EncodeToString(wire.WrapPCM(pcm, 16000, 1))
		_, _ = w.Write([]byte(`{"pipelineResponse":[{"taskType":"tts","audio":[{"audioContent":"` + audio + `"}]}]}`))
	}))
	defer srv.Close()

	tts := NewTTS(core.Descriptor{ID: "bhashini-tts", Stage: types.StageTTS}, Config{Endpoint: srv.URL})
	stream, err := tts.Synthesize(context.Background(), types.SynthesisRequest{Text: "namaskara", Language: "kn-IN", Profile: pcmProfile()})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	total := 0
	for c := range stream.Chunks() {
		total += len(c)
	}
	if total != len(pcm) {
		t.Fatalf("total=%d, want %d", total, len(pcm))
	}
}

func TestLanguageCode(t *testing.T) {
	for in, want := range map[string]string{"hi-IN": "hi", "mni-IN": "mni", "": "hi", "en": "en"} {
		if got := languageCode(in); got != want {
			t.Fatalf("languageCode(%q)=%q, want %q", in, got, want)
		}
	}
}
