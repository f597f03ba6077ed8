package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/core/voice"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/codec"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/protocol"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/turn"
)

// heldChunk is validated audio waiting for the session to return to LISTENING.
type heldChunk struct {
	data       []byte
	confidence float64
}

// utterance is the STT stream of the audio between one VAD onset and its end.
type utterance struct {
	id         string
	turn       int64
	backend    string
	stream     core.STTStream
	cancel     context.CancelFunc
	partial    string
	finalizing bool
}

type sttEvent struct {
	utterance string
	event     types.TranscriptEvent
	closed    bool
	err       error
}

func (d *Driver) handleInbound(in inboundFrame) error {
	if d.manager != nil {
		d.manager.Touch(d.sess.ID())
	}
	if in.messageType == websocket.BinaryMessage {
		return d.handleAudio(in.data, "", nil)
	}

	msg, err := protocol.DecodeClientMessage(in.data)
	if err != nil {
		var decErr *protocol.DecodeError
		if errors.As(err, &decErr) {
			return d.sendWarning(decErr.Code, decErr.Error())
		}
		return d.sendWarning("bad_request", err.Error())
	}

	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		data, err := base64.StdEncoding.DecodeString(m.DataB64)
		if err != nil {
			return d.corruptChunk(fmt.Errorf("%w: invalid base64 payload", codec.ErrMalformedFrame))
		}
		return d.handleAudio(data, m.Encoding, m.VAD)
	case protocol.ClientEndOfUtterance:
		return d.endUtterance("client")
	case protocol.ClientActionResult:
		if err := d.dispatcher.Resolve(m.Result()); err != nil {
			d.logger.Warn("action result not applied", "call_id", m.CallID, "error", err)
			se := core.NewStreamError(core.KindUnresolvedActionResult, types.StageAction, err.Error(), err)
			return d.sendStreamError(se, d.machine.Turn().ID)
		}
		return nil
	case protocol.ClientEndSession:
		d.end(firstNonEmpty(m.Reason, "client_end"))
		return nil
	case protocol.ClientHello:
		return d.sendWarning("unexpected_hello", "hello is only accepted as the first message")
	default:
		return d.sendWarning("unsupported", fmt.Sprintf("unhandled message %T", msg))
	}
}

// handleAudio validates a chunk against the negotiated profile and routes it by turn state.
func (d *Driver) handleAudio(data []byte, encoding string, hint *protocol.VADHint) error {
	if len(data) > d.cfg.MaxAudioFrameBytes {
		return d.corruptChunk(fmt.Errorf("%w: %d bytes exceeds %d", codec.ErrMalformedFrame, len(data), d.cfg.MaxAudioFrameBytes))
	}
	profile := d.sess.AudioProfile()
	if err := codec.ValidateFrame(profile, encoding, data); err != nil {
		return d.corruptChunk(err)
	}
	d.corrupt = 0

	allowed := d.limiter.Allow(len(data))
	if d.limiter.Transition(allowed) {
		if err := d.sendWarning("rate_limited", "inbound audio exceeds the negotiated rate; frames dropped"); err != nil {
			return err
		}
	}
	if !allowed {
		return nil
	}
	return d.routeAudio(heldChunk{data: data, confidence: d.voiceConfidence(profile, data, hint)})
}

// voiceConfidence prefers the client's hint, then the compressed-frame DTX heuristic, then
// PCM signal energy.
func (d *Driver) voiceConfidence(p types.AudioProfile, data []byte, hint *protocol.VADHint) float64 {
	if hint != nil {
		if hint.Confidence != nil {
			return *hint.Confidence
		}
		if hint.Voiced {
			return 1
		}
		return 0
	}
	if voiced, ok := codec.IsVoiced(p, data); ok {
		if voiced {
			return 1
		}
		return 0
	}
	return voice.EnergyConfidence(data, d.cfg.EnergyFloor, d.cfg.EnergyCeil)
}

func (d *Driver) corruptChunk(cause error) error {
	d.corrupt++
	d.sink.Record(types.Anomaly{
		SessionID: d.sess.ID(),
		Kind:      string(core.KindCorruptStream),
		Stage:     types.StageStream,
		Detail:    cause.Error(),
		At:        d.now(),
	})
	if d.corrupt >= d.cfg.CorruptChunkLimit {
		msg := fmt.Sprintf("%d consecutive corrupt audio chunks", d.corrupt)
		return core.NewStreamError(core.KindFatalStream, types.StageStream, msg, cause)
	}
	se := core.NewStreamError(core.KindCorruptStream, types.StageStream, cause.Error(), cause)
	return d.sendStreamError(se, d.machine.Turn().ID)
}

func (d *Driver) routeAudio(c heldChunk) error {
	switch d.machine.State() {
	case turn.StateListening:
		if d.utt != nil && d.utt.finalizing {
			d.hold(c)
			return nil
		}
		return d.listen(c)
	case turn.StateSpeaking:
		if d.machine.BargeInAllowed() && c.confidence >= d.cfg.BargeInConfidence {
			if err := d.bargeIn(); err != nil {
				return err
			}
			return d.routeAudio(c)
		}
		d.hold(c)
	case turn.StateThinking:
		d.hold(c)
	}
	return nil
}

func (d *Driver) hold(c heldChunk) {
	if len(d.held) >= d.cfg.MaxHeldChunks {
		d.held = d.held[1:]
	}
	d.held = append(d.held, c)
}

// replayHeld feeds audio held during THINKING or SPEAKING back through the listening path
// in arrival order, stopping if an utterance ends and starts finalizing.
func (d *Driver) replayHeld() error {
	for len(d.held) > 0 {
		if d.machine.State() != turn.StateListening || (d.utt != nil && d.utt.finalizing) {
			return nil
		}
		c := d.held[0]
		d.held = d.held[1:]
		if err := d.listen(c); err != nil {
			return err
		}
	}
	d.held = nil
	return nil
}

// listen runs the VAD segmenter over a chunk while LISTENING.
func (d *Driver) listen(c heldChunk) error {
	switch d.seg.Observe(c.confidence, d.now()) {
	case voice.ActivitySilence:
		return nil
	case voice.ActivityOnset:
		if err := d.fire(turn.EventUtteranceStart); err != nil {
			return err
		}
		if err := d.openUtterance(); err != nil {
			return err
		}
		d.armSilence()
		return d.sendToSTT(c.data)
	case voice.ActivityVoiced, voice.ActivityHangover:
		d.armSilence()
		return d.sendToSTT(c.data)
	case voice.ActivityOffset:
		if err := d.sendToSTT(c.data); err != nil {
			return err
		}
		return d.endUtterance("vad")
	}
	return nil
}

func (d *Driver) armSilence() {
	if deadline, ok := d.seg.Deadline(); ok {
		d.silence.reset(deadline.Sub(d.now()))
	}
}

// handleSilenceDeadline ends an utterance when audio stopped arriving altogether.
func (d *Driver) handleSilenceDeadline() error {
	if d.seg.Expired(d.now()) {
		return d.endUtterance("vad_timeout")
	}
	d.armSilence()
	return nil
}

func (d *Driver) openUtterance() error {
	bindings := d.sess.Bindings()
	backend, ok := d.reg.Snapshot().STT(bindings.STT)
	if !ok {
		return core.NewStreamError(core.KindFatalStream, types.StageSTT, fmt.Sprintf("stt backend %q is not registered", bindings.STT), nil)
	}
	d.uttCounter++
	id := fmt.Sprintf("utt_%d", d.uttCounter)
	caps := d.sess.Capabilities()
	ctx, cancel := context.WithCancel(d.ctx)
	stream, err := backend.Transcribe(ctx, core.STTStreamConfig{
		SessionID:       d.sess.ID(),
		UtteranceID:     id,
		Languages:       hintTags(d.sess.LanguageHints()),
		Profile:         d.sess.AudioProfile(),
		Script:          d.sess.Script(),
		CodeSwitch:      caps.CodeSwitch,
		Transliteration: caps.Transliteration,
	})
	if err != nil {
		cancel()
		return d.stageFailure(types.StageSTT, err, false)
	}
	d.utt = &utterance{
		id:      id,
		turn:    d.machine.Turn().ID,
		backend: bindings.STT,
		stream:  stream,
		cancel:  cancel,
	}
	d.logger.Debug("utterance started", "utterance_id", id, "turn", d.utt.turn, "stt", bindings.STT)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.forwardTranscripts(id, stream)
	}()
	return nil
}

func (d *Driver) forwardTranscripts(id string, stream core.STTStream) {
	for ev := range stream.Events() {
		select {
		case d.sttCh <- sttEvent{utterance: id, event: ev}:
		case <-d.ctx.Done():
			return
		}
	}
	select {
	case d.sttCh <- sttEvent{utterance: id, closed: true, err: stream.Err()}:
	case <-d.ctx.Done():
	}
}

func (d *Driver) sendToSTT(data []byte) error {
	if d.utt == nil || d.utt.finalizing {
		return nil
	}
	if err := d.utt.stream.SendAudio(data); err != nil {
		return d.abandonUtterance(err)
	}
	return nil
}

// endUtterance asks the STT backend for the final transcript. The turn moves on when it
// arrives or when STTFinalTimeout passes.
func (d *Driver) endUtterance(source string) error {
	d.silence.stop()
	if source != "vad" {
		d.seg.Reset()
	}
	u := d.utt
	if u == nil || u.finalizing {
		return nil
	}
	u.finalizing = true
	d.logger.Debug("utterance ended", "utterance_id", u.id, "source", source)
	if err := u.stream.Finalize(); err != nil {
		return d.abandonUtterance(err)
	}
	d.finalWait.reset(d.cfg.STTFinalTimeout)
	return nil
}

// abandonUtterance handles an STT failure. The partial transcript, if any, still makes a
// turn; otherwise the utterance is discarded.
func (d *Driver) abandonUtterance(cause error) error {
	u := d.utt
	if u == nil {
		return nil
	}
	if err := d.stageFailure(types.StageSTT, cause, false); err != nil {
		return err
	}
	return d.finalize(types.TranscriptEvent{UtteranceID: u.id, Text: u.partial, Final: true}, false)
}

func (d *Driver) closeUtterance() {
	d.finalWait.stop()
	if d.utt == nil {
		return
	}
	d.utt.cancel()
	if err := d.utt.stream.Close(); err != nil {
		d.logger.Debug("stt stream close", "utterance_id", d.utt.id, "error", err)
	}
	d.utt = nil
}

func hintTags(hints []types.LanguageHint) []string {
	out := make([]string, 0, len(hints))
	for _, h := range hints {
		if tag := strings.TrimSpace(h.Tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}
