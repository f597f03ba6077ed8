package bhashini

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"

	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// maxUtteranceBytes caps buffered audio per utterance (60s of 16 kHz PCM).
const maxUtteranceBytes = 60 * 32000

// STT is the ULCA batch ASR backend.
type STT struct {
	client
}

func NewSTT(desc core.Descriptor, cfg Config) *STT {
	return &STT{client: newClient(desc, cfg)}
}

func (s *STT) Transcribe(ctx context.Context, cfg core.STTStreamConfig) (core.STTStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	return &batchStream{
		stt:    s,
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		events: make(chan types.TranscriptEvent, 1),
	}, nil
}

type batchStream struct {
	stt    *STT
	ctx    context.Context
	cancel context.CancelFunc
	cfg    core.STTStreamConfig
	events chan types.TranscriptEvent

	mu        sync.Mutex
	audio     []byte
	finalized bool
	closed    bool
	err       error
	wg        sync.WaitGroup
}

func (b *batchStream) SendAudio(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("stream closed")
	}
	if b.finalized {
		return nil
	}
	if len(b.audio)+len(chunk) > maxUtteranceBytes {
		return &core.BackendError{Backend: b.stt.desc.ID, Stage: types.StageSTT, Err: errors.New("utterance exceeds the batch audio limit")}
	}
	b.audio = append(b.audio, chunk...)
	return nil
}

// Finalize posts the buffered utterance and emits the transcript when the call returns.
func (b *batchStream) Finalize() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("stream closed")
	}
	if b.finalized {
		b.mu.Unlock()
		return nil
	}
	b.finalized = true
	audio := b.audio
	b.audio = nil
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(b.events)
		ev, err := b.recognize(audio)
		if err != nil {
			b.mu.Lock()
			b.err = err
			b.mu.Unlock()
			return
		}
		select {
		case b.events <- ev:
		case <-b.ctx.Done():
		}
	}()
	return nil
}

func (b *batchStream) recognize(audio []byte) (types.TranscriptEvent, error) {
	language := "hi-IN"
	if len(b.cfg.Languages) > 0 {
		language = b.cfg.Languages[0]
	}
	ev := types.TranscriptEvent{UtteranceID: b.cfg.UtteranceID, Final: true, Language: language}
	if len(audio) == 0 {
		return ev, nil
	}
	p := b.cfg.Profile
	format := "wav"
	switch p.Codec {
	case types.CodecPCM16K16:
		audio = wire.WrapPCM(audio, p.SampleRateHz, p.Channels)
	case types.CodecAMRNB8K:
		format = "amr"
	case types.CodecOpus16K:
		format = "opus"
	}
	resp, err := b.stt.compute(b.ctx, pipelineRequest{
		PipelineTasks: []pipelineTask{{
			TaskType: "asr",
			Config: taskConfig{
				Language:     taskLanguage{SourceLanguage: languageCode(language)},
				ServiceID:    b.stt.cfg.ServiceID,
				AudioFormat:  format,
				SamplingRate: p.SampleRateHz,
				Encoding:     "base64",
				Channel:      "1",
			},
		}},
		InputData: inputData{Audio: []audioContent{{AudioContent: base64.StdEncoding.EncodeToString(audio)}}},
	})
	if err != nil {
		return ev, err
	}
	if len(resp.PipelineResponse) > 0 && len(resp.PipelineResponse[0].Output) > 0 {
		ev.Text = strings.TrimSpace(resp.PipelineResponse[0].Output[0].Source)
	}
	return ev, nil
}

// Events stays open until Finalize's request completes.
func (b *batchStream) Events() <-chan types.TranscriptEvent { return b.events }

func (b *batchStream) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *batchStream) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	finalized := b.finalized
	b.mu.Unlock()
	b.cancel()
	if !finalized {
		close(b.events)
	}
	b.wg.Wait()
	return nil
}

var _ core.STTBackend = (*STT)(nil)
