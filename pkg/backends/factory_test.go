package backends

import (
	"strings"
	"testing"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
)

func TestFactory_Build(t *testing.T) {
	tests := []struct {
		spec registry.BackendSpec
		want func(core.Backend) bool
	}{
		{
			spec: registry.BackendSpec{ID: "sarvam-stt", Vendor: "sarvam", Stage: types.StageSTT, Region: core.RegionIndia},
			want: func(b core.Backend) bool { _, ok := b.(core.STTBackend); return ok },
		},
		{
			spec: registry.BackendSpec{ID: "sarvam-llm", Vendor: "Sarvam", Stage: types.StageLLM, Region: core.RegionIndia},
			want: func(b core.Backend) bool { _, ok := b.(core.LLMBackend); return ok },
		},
		{
			spec: registry.BackendSpec{ID: "bhashini-tts", Vendor: "bhashini", Stage: types.StageTTS, Region: core.RegionIndia},
			want: func(b core.Backend) bool { _, ok := b.(core.TTSBackend); return ok },
		},
		{
			spec: registry.BackendSpec{ID: "gemini", Vendor: "google", Stage: types.StageLLM, Region: core.RegionGlobal},
			want: func(b core.Backend) bool { _, ok := b.(core.LLMBackend); return ok },
		},
		{
			spec: registry.BackendSpec{ID: "actions", Vendor: "custom", Stage: types.StageAction, Region: core.RegionOnPrem, Endpoint: "http://127.0.0.1:8090"},
			want: func(b core.Backend) bool { _, ok := b.(core.ActionServer); return ok },
		},
		{
			spec: registry.BackendSpec{ID: "loop-stt", Vendor: "loopback", Stage: types.StageSTT, Region: core.RegionOnPrem, Options: map[string]string{"transcripts": "namaste | mera laptop"}},
			want: func(b core.Backend) bool { _, ok := b.(core.STTBackend); return ok },
		},
		{
			spec: registry.BackendSpec{ID: "indictrans", Vendor: "ai4bharat", Stage: types.StageNMT, Region: core.RegionIndia},
			want: func(b core.Backend) bool { return b.Describe().Stage == types.StageNMT },
		},
	}
	f := Factory{}
	for _, tc := range tests {
		b, err := f.Build(tc.spec)
		if err != nil {
			t.Fatalf("%s: %v", tc.spec.ID, err)
		}
		if !tc.want(b) {
			t.Fatalf("%s: built %T", tc.spec.ID, b)
		}
		if b.Describe().ID != tc.spec.ID {
			t.Fatalf("%s: descriptor id=%q", tc.spec.ID, b.Describe().ID)
		}
	}
}

func TestFactory_Rejects(t *testing.T) {
	f := Factory{}
	for _, spec := range []registry.BackendSpec{
		{ID: "azure-stt", Vendor: "azure", Stage: types.StageSTT},
		{ID: "gemini-tts", Vendor: "google", Stage: types.StageTTS},
		{ID: "dhruva", Vendor: "ai4bharat", Stage: types.StageSTT},
		{ID: "sarvam-tts", Vendor: "sarvam", Stage: types.StageTTS, Options: map[string]string{"pace": "fast"}},
	} {
		if _, err := f.Build(spec); err == nil {
			t.Fatalf("%s: expected error", spec.ID)
		}
	}
}

func TestFactory_AppliesCatalog(t *testing.T) {
	cat, err := registry.ParseCatalog([]byte(strings.TrimSpace(`
defaults:
  stt: loop-stt
  llm: loop-llm
  tts: loop-tts
backends:
  - {id: loop-stt, vendor: loopback, stage: stt, region: onprem, languages: [hi-IN, en-IN], features: {code_switch: true}}
  - {id: loop-llm, vendor: loopback, stage: llm, region: onprem, features: {tools: true}}
  - {id: loop-tts, vendor: loopback, stage: tts, region: onprem}
`)))
	if err != nil {
		t.Fatal(err)
	}
	r := registry.New()
	if err := cat.Apply(r, Factory{}.Build); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Snapshot().STT("loop-stt"); !ok {
		t.Fatal("loop-stt not registered")
	}
}
