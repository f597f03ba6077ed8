package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/protocol"
)

func (d *Driver) sendWarning(code, message string) error {
	return d.sendJSON(protocol.ServerWarning{Type: protocol.TypeWarning, Code: code, Message: message})
}

// sendStreamError reports se to the client in order with everything already queued. A
// fatal error falls back to the priority lane only when the normal lane stays full.
func (d *Driver) sendStreamError(se *core.StreamError, turnID int64) error {
	d.observer.StreamError(se.Kind, se.Fatal)
	msg := protocol.ServerStreamError{
		Type:    protocol.TypeStreamError,
		Kind:    string(se.Kind),
		Stage:   string(se.Stage),
		Fatal:   se.Fatal,
		Message: se.Error(),
		Turn:    turnID,
	}
	err := d.sendJSON(msg)
	if se.Fatal && errors.Is(err, errBackpressure) {
		return d.sendJSONPriority(msg)
	}
	return err
}

func (d *Driver) sendTranscript(turnID int64, ev types.TranscriptEvent) error {
	spans := ev.Spans
	if spans == nil {
		spans = []types.CodeSwitchSpan{}
	}
	return d.sendJSON(protocol.ServerTranscript{
		Type:            protocol.TypeTranscript,
		Turn:            turnID,
		UtteranceID:     ev.UtteranceID,
		IsFinal:         ev.Final,
		Text:            ev.Text,
		Language:        ev.Language,
		Confidence:      ev.Confidence,
		Spans:           spans,
		Dialect:         ev.Dialect,
		Transliteration: ev.Transliteration,
	})
}

func (d *Driver) sendAssistantText(turnID int64, text string) error {
	return d.sendJSON(protocol.ServerAssistantText{Type: protocol.TypeAssistantText, Turn: turnID, Text: text})
}

// sendSynthesis queues one synthesis chunk without blocking. Audio of a canceled turn is
// dropped silently; a full queue reports errBackpressure.
func (d *Driver) sendSynthesis(turnID, seq int64, chunk []byte, final bool) error {
	if d.isTurnCanceled(turnID) {
		return nil
	}
	msg := protocol.ServerSynthesisChunk{
		Type:     protocol.TypeSynthesisChunk,
		Turn:     turnID,
		Seq:      seq,
		Encoding: string(d.sess.AudioProfile().Codec),
		Final:    final,
	}
	frame := outboundFrame{synthesis: true, turn: turnID}
	if d.binary && len(chunk) > 0 {
		msg.Bytes = len(chunk)
		header, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		buf := make([]byte, len(chunk))
		copy(buf, chunk)
		frame.binaryPair = &binaryPair{header: header, data: buf}
	} else {
		if len(chunk) > 0 {
			msg.AudioB64 = base64.StdEncoding.EncodeToString(chunk)
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		frame.textPayload = payload
	}

	select {
	case d.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// sendJSON queues a control message. Control messages are never dropped for a slow reader;
// the caller waits up to WriteTimeout for room.
func (d *Driver) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame := outboundFrame{textPayload: payload}
	select {
	case d.outboundNormal <- frame:
		return nil
	default:
	}

	wait := d.cfg.WriteTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case d.outboundNormal <- frame:
		return nil
	case <-d.ctx.Done():
		return errBackpressure
	case <-timer.C:
		return errBackpressure
	}
}

// sendJSONPriority queues v on the priority lane, evicting older priority frames when it is
// full.
func (d *Driver) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame := outboundFrame{textPayload: payload}
	for i := 0; i < 4; i++ {
		select {
		case d.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-d.outboundPriority:
		default:
		}
	}
	select {
	case d.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// cancelTurnAudio marks a turn whose synthesis audio must not reach the client, including
// chunks already queued. The set keeps the most recent maxCanceledTurns turns.
func (d *Driver) cancelTurnAudio(turnID int64) {
	cur, _ := d.canceledTurns.Load().(canceledTurnState)
	if _, ok := cur.set[turnID]; ok {
		return
	}
	next := canceledTurnState{
		set:   make(map[int64]struct{}, len(cur.set)+1),
		order: append(make([]int64, 0, len(cur.order)+1), cur.order...),
	}
	for id := range cur.set {
		next.set[id] = struct{}{}
	}
	next.set[turnID] = struct{}{}
	next.order = append(next.order, turnID)
	for len(next.order) > maxCanceledTurns {
		delete(next.set, next.order[0])
		next.order = next.order[1:]
	}
	d.canceledTurns.Store(next)
}

func (d *Driver) isTurnCanceled(turnID int64) bool {
	cur, _ := d.canceledTurns.Load().(canceledTurnState)
	_, ok := cur.set[turnID]
	return ok
}
