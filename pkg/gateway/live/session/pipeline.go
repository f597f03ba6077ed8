package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/core/voice"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/actions"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/dialect"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/turn"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/spans"
)

// reply is the THINKING and SPEAKING half of a turn.
type reply struct {
	turn      int64
	language  string
	rounds    int
	waiting   map[string]types.ToolCallIntent
	cancel    context.CancelFunc
	startedAt time.Time
}

func (r *reply) stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

type llmResult struct {
	turn     int64
	resp     types.LLMResponse
	err      error
	timedOut bool
	latency  time.Duration
}

type ttsResult struct {
	turn     int64
	err      error
	timedOut bool
	latency  time.Duration
}

func (d *Driver) handleTranscript(ev sttEvent) error {
	u := d.utt
	if u == nil || ev.utterance != u.id {
		return nil
	}
	if ev.closed {
		if ev.err != nil {
			return d.abandonUtterance(ev.err)
		}
		return d.finalize(types.TranscriptEvent{UtteranceID: u.id, Text: u.partial, Final: true}, false)
	}
	if !ev.event.Final {
		u.partial = ev.event.Text
		d.machine.SetPartial(ev.event.Text)
		if !d.hello.Features.WantPartialTranscripts {
			return nil
		}
		return d.sendTranscript(u.turn, d.annotate(ev.event, false))
	}
	return d.finalize(ev.event, false)
}

func (d *Driver) handleFinalTimeout() error {
	u := d.utt
	if u == nil || !u.finalizing {
		return nil
	}
	msg := fmt.Sprintf("no final transcript within %s", d.cfg.STTFinalTimeout)
	if err := d.sendStreamError(core.NewStreamError(core.KindBackendTimeout, types.StageSTT, msg, nil), u.turn); err != nil {
		return err
	}
	if strings.TrimSpace(u.partial) != "" {
		return d.finalize(types.TranscriptEvent{UtteranceID: u.id, Text: u.partial, Final: true}, false)
	}
	return d.finalize(types.TranscriptEvent{UtteranceID: u.id, Text: sttTimeoutPlaceholder, Final: true}, true)
}

// finalize closes the utterance and moves the turn to THINKING, or discards it when the
// text is empty. A placeholder transcript reaches the model but not the client.
func (d *Driver) finalize(ev types.TranscriptEvent, placeholder bool) error {
	turnID := d.machine.Turn().ID
	if u := d.utt; u != nil {
		turnID = u.turn
		ev.UtteranceID = u.id
	}
	d.closeUtterance()
	d.silence.stop()
	d.seg.Reset()

	ev.Final = true
	ev.Text = strings.TrimSpace(ev.Text)
	if ev.Text == "" {
		d.logger.Debug("empty utterance discarded", "turn", turnID, "utterance_id", ev.UtteranceID)
		if err := d.fire(turn.EventUtteranceDiscarded); err != nil {
			return err
		}
		return d.replayHeld()
	}

	ev = d.annotate(ev, true)
	if !placeholder {
		if err := d.sendTranscript(turnID, ev); err != nil {
			return err
		}
	}
	if err := d.fire(turn.EventUtteranceEnd); err != nil {
		return err
	}
	if dec, ok := d.router.ApplyPending(); ok {
		d.logger.Info("dialect route decision", "dialect", dec.Tag, "stt", dec.Backend, "rerouted", dec.Rerouted, "reason", dec.Reason)
		if dec.Rerouted {
			if err := d.sendWarning("dialect_rerouted", fmt.Sprintf("speech recognition moved to %s for dialect %s", dec.Backend, dec.Tag)); err != nil {
				return err
			}
		}
	}

	d.history.appendUser(userContent(ev))
	d.reply = &reply{
		turn:      d.machine.Turn().ID,
		language:  firstNonEmpty(ev.Language, d.sess.PrimaryLanguage()),
		startedAt: d.now(),
	}
	return d.requestResponse()
}

// annotate repairs code-switch spans and attaches the session's dialect tag. Anomalies are
// recorded only for final transcripts so partial revisions do not repeat them.
func (d *Driver) annotate(ev types.TranscriptEvent, final bool) types.TranscriptEvent {
	caps := d.sess.Capabilities()
	if caps.CodeSwitch && len(ev.Spans) > 0 {
		res := spans.Validate(ev.Text, ev.Spans)
		ev.Spans = res.Spans
		if final {
			for _, a := range res.Anomalies {
				d.sink.Record(types.Anomaly{
					SessionID: d.sess.ID(),
					Kind:      string(core.KindAnnotationAnomaly),
					Stage:     types.StageSTT,
					Detail:    fmt.Sprintf("%s span [%d,%d) %s", a.Reason, a.Span.Start, a.Span.End, a.Span.Language),
					At:        d.now(),
				})
			}
			if len(res.Anomalies) > 0 {
				d.logger.Debug("code-switch spans repaired", "utterance_id", ev.UtteranceID, "anomalies", len(res.Anomalies))
			}
		}
	} else {
		ev.Spans = nil
	}
	if !caps.Transliteration {
		ev.Transliteration = ""
	}

	switch {
	case !d.router.Enabled():
		ev.Dialect = ""
	case final:
		dec := d.router.Observe(dialect.Features{
			Language: firstNonEmpty(ev.Language, d.sess.PrimaryLanguage()),
			Text:     ev.Text,
			Tag:      ev.Dialect,
		})
		ev.Dialect = dec.Tag
	default:
		ev.Dialect = d.router.Tag()
	}
	return ev
}

func (d *Driver) requestResponse() error {
	r := d.reply
	if r == nil {
		return nil
	}
	snap := d.reg.Snapshot()
	id := d.sess.Bindings().LLM
	llm, ok := snap.LLM(id)
	if !ok {
		return core.NewStreamError(core.KindFatalStream, types.StageLLM, fmt.Sprintf("llm backend %q is not registered", id), nil)
	}
	var tools []types.ToolSchema
	if d.sess.Capabilities().ActionExecution && r.rounds < d.cfg.MaxToolRounds {
		tools = snap.Tools()
	}
	conv := d.history.context(d.sess.ID(), r.language, tools)

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.LLMTimeout)
	r.cancel = cancel
	turnID := r.turn
	started := time.Now()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		resp, err := llm.Respond(ctx, conv)
		res := llmResult{
			turn:     turnID,
			resp:     resp,
			err:      err,
			timedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
			latency:  time.Since(started),
		}
		select {
		case d.llmCh <- res:
		case <-d.ctx.Done():
		}
	}()
	return nil
}

func (d *Driver) handleResponse(res llmResult) error {
	r := d.reply
	if r == nil || res.turn != r.turn || d.machine.State() != turn.StateThinking {
		return nil
	}
	r.cancel = nil
	d.observer.StageLatency(types.StageLLM, res.latency)
	if res.err != nil {
		if err := d.stageFailure(types.StageLLM, res.err, res.timedOut); err != nil {
			return err
		}
		return d.noResponse()
	}

	resp := res.resp
	if len(resp.ToolCalls) > 0 {
		if d.sess.Capabilities().ActionExecution && r.rounds < d.cfg.MaxToolRounds {
			r.rounds++
			return d.dispatchTools(resp)
		}
		d.logger.Warn("tool calls ignored", "turn", r.turn, "rounds", r.rounds, "calls", len(resp.ToolCalls))
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return d.noResponse()
	}
	d.history.appendAssistant(text)
	return d.speak(text)
}

// dispatchTools starts every tool call of a model response. The turn stays in THINKING
// until each synchronous call resolves or expires, then the model is asked again.
func (d *Driver) dispatchTools(resp types.LLMResponse) error {
	r := d.reply
	calls := make([]types.ToolCallIntent, len(resp.ToolCalls))
	for i, c := range resp.ToolCalls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d_%d", r.turn, r.rounds, i)
		}
		calls[i] = c
	}
	d.history.appendToolCalls(strings.TrimSpace(resp.Text), calls)

	snap := d.reg.Snapshot()
	r.waiting = make(map[string]types.ToolCallIntent, len(calls))
	for _, c := range calls {
		id, err := d.dispatcher.Dispatch(r.turn, c.Name, c.Input, 0, false)
		if err != nil {
			d.logger.Warn("action not dispatched", "turn", r.turn, "tool", c.Name, "error", err)
			d.history.appendToolResult(c, "tool unavailable: "+err.Error())
			continue
		}
		if schema, ok := snap.Tool(c.Name); ok && schema.FireAndForget {
			d.history.appendToolResult(c, `{"status":"dispatched"}`)
			continue
		}
		r.waiting[id] = c
	}
	d.machine.SetPendingSync(len(r.waiting))
	if len(r.waiting) > 0 {
		return d.fire(turn.EventActionsPending)
	}
	return d.requestResponse()
}

func (d *Driver) handleOutcome(o actions.Outcome) error {
	if !o.Sync() {
		d.logger.Debug("fire-and-forget action finished", "call_id", o.Call.ID, "tool", o.Call.Tool, "expired", o.Expired)
		return nil
	}
	r := d.reply
	if r == nil || o.Call.Turn != r.turn {
		return nil
	}
	intent, ok := r.waiting[o.Call.ID]
	if !ok {
		return nil
	}
	delete(r.waiting, o.Call.ID)
	d.observer.StageLatency(types.StageAction, o.Latency)

	if o.Expired {
		msg := fmt.Sprintf("action %s (%s) timed out after %s", o.Call.ID, o.Call.Tool, o.Call.Timeout)
		if err := d.sendStreamError(core.NewStreamError(core.KindActionTimeout, types.StageAction, msg, nil), r.turn); err != nil {
			return err
		}
	}
	d.history.appendToolResult(intent, toolContent(o.Result))
	d.machine.SetPendingSync(len(r.waiting))
	if len(r.waiting) > 0 || d.machine.State() != turn.StateThinking {
		return nil
	}
	return d.requestResponse()
}

func toolContent(res types.ActionResult) string {
	if e := strings.TrimSpace(res.Error); e != "" {
		if strings.HasPrefix(e, "tool unavailable") {
			return e
		}
		return "tool error: " + e
	}
	if len(res.Output) == 0 {
		return "null"
	}
	return string(res.Output)
}

func (d *Driver) noResponse() error {
	if d.reply != nil {
		d.reply.stop()
		d.reply = nil
	}
	if err := d.fire(turn.EventNoResponse); err != nil {
		return err
	}
	return d.replayHeld()
}

func (d *Driver) speak(text string) error {
	r := d.reply
	if d.hello.Features.WantAssistantText {
		if err := d.sendAssistantText(r.turn, text); err != nil {
			return err
		}
	}
	if err := d.fire(turn.EventResponseReady); err != nil {
		return err
	}

	id := d.sess.Bindings().TTS
	backend, ok := d.reg.Snapshot().TTS(id)
	if !ok {
		return core.NewStreamError(core.KindFatalStream, types.StageTTS, fmt.Sprintf("tts backend %q is not registered", id), nil)
	}
	req := types.SynthesisRequest{
		SessionID: d.sess.ID(),
		Text:      text,
		Language:  r.language,
		Voice:     d.hello.Voice,
		Profile:   d.sess.AudioProfile(),
		Streaming: d.sess.Capabilities().StreamingTTS,
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.TTSTimeout)
	r.cancel = cancel
	turnID := r.turn
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.synthesize(ctx, cancel, backend, turnID, req)
	}()
	return nil
}

// synthesize streams one response into synthesis chunks and reports completion to Run.
func (d *Driver) synthesize(ctx context.Context, cancel context.CancelFunc, backend core.TTSBackend, turnID int64, req types.SynthesisRequest) {
	defer cancel()
	started := time.Now()
	res := ttsResult{turn: turnID}
	res.err = d.synthesizeSegments(ctx, cancel, backend, turnID, req)
	res.timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	res.latency = time.Since(started)

	select {
	case d.ttsCh <- res:
	case <-d.ctx.Done():
	}
}

// synthesizeSegments sends the response one sentence at a time when streaming synthesis was
// negotiated. Chunk sequence numbers continue across sentences and one final chunk closes the turn.
func (d *Driver) synthesizeSegments(ctx context.Context, cancel context.CancelFunc, backend core.TTSBackend, turnID int64, req types.SynthesisRequest) error {
	segments := []string{req.Text}
	if req.Streaming {
		if s := voice.SplitSentences(req.Text); len(s) > 1 {
			segments = s
		}
	}
	var seq int64
	for _, text := range segments {
		seg := req
		seg.Text = text
		stream, err := backend.Synthesize(ctx, seg)
		if err != nil {
			return err
		}
		err = d.pumpSynthesis(ctx, stream, turnID, &seq)
		if err != nil {
			cancel()
		}
		if cerr := stream.Close(); cerr != nil {
			d.logger.Debug("tts stream close", "turn", turnID, "error", cerr)
		}
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.sendSynthesis(turnID, seq+1, nil, true)
}

func (d *Driver) pumpSynthesis(ctx context.Context, stream core.TTSStream, turnID int64, seq *int64) error {
	for chunk := range stream.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		*seq++
		if err := d.sendSynthesis(turnID, *seq, chunk, false); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Driver) handleSynthesisDone(res ttsResult) error {
	r := d.reply
	if r == nil || res.turn != r.turn || d.machine.State() != turn.StateSpeaking {
		return nil
	}
	r.cancel = nil
	d.observer.StageLatency(types.StageTTS, res.latency)
	if res.err != nil {
		if errors.Is(res.err, errBackpressure) {
			d.cancelTurnAudio(r.turn)
			if err := d.sendWarning("backpressure", "synthesis audio dropped; the client is not reading fast enough"); err != nil {
				return err
			}
		} else if err := d.stageFailure(types.StageTTS, res.err, res.timedOut); err != nil {
			return err
		}
	}
	d.logger.Debug("turn complete", "turn", r.turn, "duration", d.now().Sub(r.startedAt), "tool_rounds", r.rounds)
	d.reply = nil
	if err := d.fire(turn.EventSynthesisDone); err != nil {
		return err
	}
	return d.replayHeld()
}

// bargeIn cancels the speaking turn: its queued and future synthesis chunks are dropped, its
// pending actions are canceled, and a new turn starts LISTENING.
func (d *Driver) bargeIn() error {
	turnID := d.machine.Turn().ID
	d.cancelTurnAudio(turnID)
	if d.reply != nil {
		d.reply.stop()
		d.reply = nil
	}
	if n := d.dispatcher.CancelTurn(turnID); n > 0 {
		d.logger.Debug("actions canceled by barge-in", "turn", turnID, "count", n)
	}
	d.history.markInterrupted()
	d.observer.BargeIn()
	d.logger.Info("barge-in", "turn", turnID)
	if err := d.fire(turn.EventBargeIn); err != nil {
		return err
	}
	d.seg.Reset()
	return d.replayHeld()
}

// stageFailure reports a backend failure. Permanent failures become fatal; transient ones
// are surfaced as non-fatal stream errors and the turn gives up on the stage.
func (d *Driver) stageFailure(stage types.Stage, err error, timedOut bool) error {
	if core.IsFatal(err) {
		return core.NewStreamError(core.KindFatalStream, stage, err.Error(), err)
	}
	kind := core.KindBackendFailure
	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		kind = core.KindBackendTimeout
	}
	d.logger.Warn("backend stage failed", "stage", stage, "kind", kind, "error", err)
	return d.sendStreamError(core.NewStreamError(kind, stage, err.Error(), err), d.machine.Turn().ID)
}
