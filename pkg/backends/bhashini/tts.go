package bhashini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// TTS is the ULCA batch speech synthesis backend.
type TTS struct {
	client
}

func NewTTS(desc core.Descriptor, cfg Config) *TTS {
	return &TTS{client: newClient(desc, cfg)}
}

func (t *TTS) Synthesize(ctx context.Context, req types.SynthesisRequest) (core.TTSStream, error) {
	gender := req.Voice
	if gender == "" {
		gender = t.cfg.Gender
	}
	if gender == "" {
		gender = "female"
	}
	resp, err := t.compute(ctx, pipelineRequest{
		PipelineTasks: []pipelineTask{{
			TaskType: "tts",
			Config: taskConfig{
				Language:     taskLanguage{SourceLanguage: languageCode(req.Language)},
				ServiceID:    t.cfg.ServiceID,
				Gender:       gender,
				SamplingRate: req.Profile.SampleRateHz,
			},
		}},
		InputData: inputData{Input: []textSource{{Source: req.Text}}},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.PipelineResponse) == 0 || len(resp.PipelineResponse[0].Audio) == 0 {
		return nil, &core.BackendError{Backend: t.desc.ID, Stage: types.StageTTS, Err: errors.New("response carried no audio")}
	}
	audio, err := base64.StdEncoding.DecodeString(resp.PipelineResponse[0].Audio[0].AudioContent)
	if err != nil {
		return nil, &core.BackendError{Backend: t.desc.ID, Stage: types.StageTTS, Err: fmt.Errorf("decode audio: %w", err)}
	}
	audio, _ = wire.StripWAV(audio)
	return wire.NewChunkStream(ctx, wire.Split(audio, wire.FrameBytes(req.Profile))), nil
}

var _ core.TTSBackend = (*TTS)(nil)
