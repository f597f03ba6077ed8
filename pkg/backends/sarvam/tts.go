package sarvam

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// TTS is the Sarvam text-to-speech backend. The API returns the whole clip at once; the
// stream releases it in frame-sized chunks.
type TTS struct {
	base
}

func NewTTS(desc core.Descriptor, cfg Config) *TTS {
	return &TTS{base: newBase(desc, cfg)}
}

type ttsRequest struct {
	Text                string  `json:"text"`
	TargetLanguageCode  string  `json:"target_language_code"`
	Speaker             string  `json:"speaker"`
	Model               string  `json:"model"`
	Pace                float64 `json:"pace,omitempty"`
	SpeechSampleRate    int     `json:"speech_sample_rate,omitempty"`
	EnablePreprocessing bool    `json:"enable_preprocessing"`
	OutputAudioCodec    string  `json:"output_audio_codec,omitempty"`
}

type ttsResponse struct {
	RequestID string   `json:"request_id"`
	Audios    []string `json:"audios"`
}

func (t *TTS) Synthesize(ctx context.Context, req types.SynthesisRequest) (core.TTSStream, error) {
	speaker := req.Voice
	if speaker == "" {
		speaker = t.cfg.Speaker
	}
	if speaker == "" {
		speaker = DefaultSpeaker
	}
	model := t.desc.Model
	if model == "" {
		model = DefaultTTSModel
	}
	body := ttsRequest{
		Text:                req.Text,
		TargetLanguageCode:  req.Language,
		Speaker:             speaker,
		Model:               model,
		Pace:                t.cfg.Pace,
		SpeechSampleRate:    req.Profile.SampleRateHz,
		EnablePreprocessing: true,
		OutputAudioCodec:    outputCodec(req.Profile.Codec),
	}

	var resp ttsResponse
	if err := t.caller.PostJSON(ctx, t.cfg.baseURL()+"/text-to-speech", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Audios) == 0 {
		return nil, &core.BackendError{Backend: t.desc.ID, Stage: types.StageTTS, Err: errors.New("response carried no audio")}
	}
	var audio []byte
	for i, a := range resp.Audios {
		raw, err := base64.StdEncoding.DecodeString(a)
		if err != nil {
			return nil, &core.BackendError{Backend: t.desc.ID, Stage: types.StageTTS, Err: fmt.Errorf("decode audio %d: %w", i, err)}
		}
		if req.Profile.Codec == types.CodecPCM16K16 {
			raw, _ = wire.StripWAV(raw)
		}
		audio = append(audio, raw...)
	}
	return wire.NewChunkStream(ctx, wire.Split(audio, wire.FrameBytes(req.Profile))), nil
}

func outputCodec(c types.Codec) string {
	switch c {
	case types.CodecAMRNB8K:
		return "amr"
	case types.CodecOpus16K:
		return "opus"
	default:
		return "wav"
	}
}

var (
	_ core.TTSBackend = (*TTS)(nil)
	_ core.Pinger     = (*TTS)(nil)
)
