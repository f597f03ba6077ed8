package loopback

import (
	"context"
	"testing"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

func TestSTT_PartialThenFinalWithSpans(t *testing.T) {
	stt := NewSTT(core.Descriptor{ID: "loop-stt"}, []string{"मुझे ये laptop बहुत पसंद है"})
	pcm, _ := types.ProfileFor(types.CodecPCM16K16)
	stream, err := stt.Transcribe(context.Background(), core.STTStreamConfig{
		UtteranceID: "utt_1",
		Languages:   []string{"hi-IN"},
		Profile:     pcm,
		CodeSwitch:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	_ = stream.SendAudio(make([]byte, 640))
	_ = stream.Finalize()

	var events []types.TranscriptEvent
	for ev := range stream.Events() {
		events = append(events, ev)
	}
	if len(events) != 2 || events[0].Final || !events[1].Final {
		t.Fatalf("events=%+v", events)
	}
	spans := events[1].Spans
	if len(spans) != 1 || spans[0].Start != 8 || spans[0].End != 14 || spans[0].Language != "en-IN" {
		t.Fatalf("spans=%+v", spans)
	}
}

func TestLLM_CallsMatchingTool(t *testing.T) {
	llm := NewLLM(core.Descriptor{ID: "loop-llm"})
	tools := []types.ToolSchema{{
		Name:       "pan_validate",
		Properties: map[string]types.PropertySchema{"pan": {Type: "string", Pattern: "^[A-Z]{5}[0-9]{4}[A-Z]$"}},
	}}
	resp, err := llm.Respond(context.Background(), types.ConversationContext{
		Messages: []types.Message{{Role: types.RoleUser, Content: "mera PAN ABCDE1234F hai\n[Code-switch: 'PAN' (en-IN)]"}},
		Tools:    tools,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Input["pan"] != "ABCDE1234F" {
		t.Fatalf("resp=%+v", resp)
	}

	resp, err = llm.Respond(context.Background(), types.ConversationContext{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "mera PAN ABCDE1234F hai"},
			{Role: types.RoleAssistant, ToolCalls: resp.ToolCalls},
			{Role: types.RoleTool, ToolName: "pan_validate", Content: `{"valid":true}`},
		},
		Tools: tools,
	})
	if err != nil || resp.Text == "" || len(resp.ToolCalls) != 0 {
		t.Fatalf("resp=%+v err=%v", resp, err)
	}
}

func TestTTS_ToneLength(t *testing.T) {
	tts := NewTTS(core.Descriptor{ID: "loop-tts"})
	pcm, _ := types.ProfileFor(types.CodecPCM16K16)
	stream, err := tts.Synthesize(context.Background(), types.SynthesisRequest{Text: "namaste", Profile: pcm})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	total := 0
	for c := range stream.Chunks() {
		total += len(c)
	}
	// 7 characters * 60ms at 32000 bytes/s
	if total != 7*60*32 {
		t.Fatalf("total=%d", total)
	}
}
