package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundFrame is one queued server message. Synthesis frames carry their turn so the
// writer can drop audio of canceled turns that was queued before the cancellation.
type outboundFrame struct {
	synthesis bool
	turn      int64

	textPayload []byte
	binaryPair  *binaryPair
}

type binaryPair struct {
	header []byte
	data   []byte
}

type outboundWriter struct {
	ws         wsWriter
	ctx        context.Context
	cfg        Config
	priority   <-chan outboundFrame
	normal     <-chan outboundFrame
	isCanceled func(turn int64) bool
	// onStale is told about each synthesis frame dropped because its turn was canceled.
	onStale func(turn int64)
}

// Run writes frames until ctx ends or both queues are closed. Normal frames go out in
// queue order. The priority lane only carries frames that found the normal lane full; one
// waiting there is written before the next normal frame, including a normal frame already
// taken off its queue.
func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				if pendingNormal != nil {
					_ = w.writeFrame(*pendingNormal, writeTimeout)
				}
				w.flushOnShutdown(writeTimeout)
				_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				_ = w.ws.Close()
				return nil
			default:
			}
		}

		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			if err := w.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		var done <-chan struct{}
		if w.ctx != nil {
			done = w.ctx.Done()
		}
		select {
		case <-done:
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

// flushOnShutdown drains what is already queued, priority lane first, within a short
// budget so the terminal error and final turn signal reach the client before close.
func (w *outboundWriter) flushOnShutdown(writeTimeout time.Duration) {
	flushTimeout := 200 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	const maxFlushFrames = 64

	budget := maxFlushFrames
	for _, lane := range []<-chan outboundFrame{w.priority, w.normal} {
	drain:
		for lane != nil && budget > 0 && time.Now().Before(deadline) {
			select {
			case frame, ok := <-lane:
				if !ok {
					break drain
				}
				budget--
				if err := w.writeFrame(frame, writeTimeout); err != nil {
					return
				}
			default:
				break drain
			}
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.synthesis && w.isCanceled != nil && w.isCanceled(frame.turn) {
		if w.onStale != nil {
			w.onStale(frame.turn)
		}
		return nil
	}

	deadline := time.Now().Add(writeTimeout)
	if frame.binaryPair != nil {
		// The JSON header and its audio go out back to back so clients can pair them.
		if err := w.write(websocket.TextMessage, frame.binaryPair.header, deadline); err != nil {
			return err
		}
		return w.write(websocket.BinaryMessage, frame.binaryPair.data, deadline)
	}
	if len(frame.textPayload) == 0 {
		return nil
	}
	return w.write(websocket.TextMessage, frame.textPayload, deadline)
}

func (w *outboundWriter) write(messageType int, data []byte, deadline time.Time) error {
	if err := w.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.ws.WriteMessage(messageType, data)
}
