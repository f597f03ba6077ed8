// Package session drives one live session: it multiplexes the client stream, runs the turn
// state machine, and orchestrates the STT, LLM, TTS, and action backends bound to it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/core/voice"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/actions"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/dialect"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/protocol"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/sessions"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/turn"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
)

const (
	maxCanceledTurns          = 64
	outboundPriorityQueueSize = 8

	sttTimeoutPlaceholder = "[speech recognition timed out]"
)

var errBackpressure = errors.New("live outbound backpressure")

// Conn is the client stream. *websocket.Conn implements it.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Config struct {
	MaxAudioFrameBytes  int
	MaxJSONMessageBytes int64
	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	OutboundQueueSize   int

	VADOnsetConfidence float64
	BargeInConfidence  float64
	TrailingSilence    time.Duration
	EnergyFloor        float64
	EnergyCeil         float64
	CorruptChunkLimit  int
	MaxHeldChunks      int

	// STTFinalTimeout bounds the wait for a final transcript after end of utterance.
	STTFinalTimeout time.Duration
	LLMTimeout      time.Duration
	TTSTimeout      time.Duration
	ActionTimeout   time.Duration
	MaxToolRounds   int
	MaxHistoryTurns int

	DialectContinuous bool
	SystemPrompt      string
}

// WithDefaults fills every unset field.
func (c Config) WithDefaults() Config {
	if c.MaxAudioFrameBytes <= 0 {
		c.MaxAudioFrameBytes = 32 * 1024
	}
	if c.MaxJSONMessageBytes <= 0 {
		c.MaxJSONMessageBytes = 64 * 1024
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	if c.VADOnsetConfidence <= 0 {
		c.VADOnsetConfidence = 0.5
	}
	if c.BargeInConfidence <= 0 {
		c.BargeInConfidence = 0.6
	}
	if c.TrailingSilence <= 0 {
		c.TrailingSilence = 700 * time.Millisecond
	}
	if c.EnergyCeil <= c.EnergyFloor {
		c.EnergyFloor, c.EnergyCeil = 0.01, 0.06
	}
	if c.CorruptChunkLimit <= 0 {
		c.CorruptChunkLimit = 3
	}
	if c.MaxHeldChunks <= 0 {
		c.MaxHeldChunks = 500
	}
	if c.STTFinalTimeout <= 0 {
		c.STTFinalTimeout = 3 * time.Second
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 15 * time.Second
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = 30 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = actions.DefaultTimeout
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 3
	}
	if c.MaxHistoryTurns <= 0 {
		c.MaxHistoryTurns = 10
	}
	return c
}

// Limits are the limits announced in hello_ack.
func (c Config) Limits() protocol.HelloAckLimits {
	return protocol.HelloAckLimits{
		MaxAudioFrameBytes:  c.MaxAudioFrameBytes,
		MaxJSONMessageBytes: int(c.MaxJSONMessageBytes),
		MaxAudioFPS:         c.MaxAudioFPS,
		MaxAudioBPS:         c.MaxAudioBPS,
		InboundBurstSeconds: c.InboundBurstSeconds,
		TrailingSilenceMS:   int(c.TrailingSilence.Milliseconds()),
		ActionTimeoutMS:     int(c.ActionTimeout.Milliseconds()),
		CorruptChunkLimit:   c.CorruptChunkLimit,
	}
}

// Observer receives driver events for metrics.
type Observer interface {
	TurnSignal(state string)
	StreamError(kind core.ErrorKind, fatal bool)
	BargeIn()
	StageLatency(stage types.Stage, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) TurnSignal(string) {}

func (nopObserver) StreamError(core.ErrorKind, bool) {}

func (nopObserver) BargeIn() {}

func (nopObserver) StageLatency(types.Stage, time.Duration) {}

type Dependencies struct {
	Conn     Conn
	Session  *sessions.Session
	Registry *registry.Registry
	// Manager is optional; when set the driver touches the session on inbound traffic and
	// ends it when the stream ends.
	Manager   *sessions.Manager
	Hello     protocol.ClientHello
	RequestID string
	Config    Config
	Sink      core.AnomalySink
	Observer  Observer
	Logger    *slog.Logger
	Now       func() time.Time
	// ActionClock drives action timeouts; tests inject a fake one.
	ActionClock actions.Clock
}

// Driver is the single task that owns a session's turn state. Only Run's goroutine touches
// the fields after wg; backend goroutines report back through the channels.
type Driver struct {
	conn      Conn
	sess      *sessions.Session
	reg       *registry.Registry
	manager   *sessions.Manager
	hello     protocol.ClientHello
	requestID string
	cfg       Config
	sink      core.AnomalySink
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
	binary    bool

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	canceledTurns    atomic.Value // canceledTurnState
	staleFrames      atomic.Int64

	sttCh chan sttEvent
	llmCh chan llmResult
	ttsCh chan ttsResult
	wg    sync.WaitGroup

	machine    *turn.Machine
	seg        *voice.Segmenter
	router     *dialect.Router
	dispatcher *actions.Dispatcher
	history    *history
	limiter    *inboundAudioLimiter

	utt        *utterance
	uttCounter int64
	reply      *reply
	corrupt    int
	held       []heldChunk
	silence    loopTimer
	finalWait  loopTimer
	endReason  string
}

type canceledTurnState struct {
	set   map[int64]struct{}
	order []int64
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Driver, error) {
	if deps.Conn == nil {
		return nil, errors.New("connection is required")
	}
	if deps.Session == nil {
		return nil, errors.New("session is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sink == nil {
		deps.Sink = core.DiscardAnomalies{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config.WithDefaults()
	sess := deps.Session
	logger := deps.Logger.With("session_id", sess.ID())

	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		conn:             deps.Conn,
		sess:             sess,
		reg:              deps.Registry,
		manager:          deps.Manager,
		hello:            deps.Hello,
		requestID:        deps.RequestID,
		cfg:              cfg,
		sink:             deps.Sink,
		observer:         deps.Observer,
		logger:           logger,
		now:              deps.Now,
		binary:           deps.Hello.Features.AudioTransport == protocol.AudioTransportBinary,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		sttCh:            make(chan sttEvent, 16),
		llmCh:            make(chan llmResult, 1),
		ttsCh:            make(chan ttsResult, 1),
		machine:          turn.NewMachine(sess.Capabilities().BargeIn),
		seg:              voice.NewSegmenter(cfg.VADOnsetConfidence, cfg.TrailingSilence),
		history:          newHistory(firstNonEmpty(deps.Hello.SystemPrompt, cfg.SystemPrompt), cfg.MaxHistoryTurns),
	}
	d.canceledTurns.Store(canceledTurnState{set: make(map[int64]struct{})})
	d.limiter = newInboundAudioLimiter(d.now, sess.AudioProfile(), cfg.MaxAudioFPS, cfg.MaxAudioBPS, cfg.InboundBurstSeconds)
	d.router = dialect.NewRouter(dialect.Config{Continuous: cfg.DialectContinuous}, d.reg, sess, logger)

	opts := actions.Options{
		Tools:  registryTools{reg: d.reg},
		Client: actions.StreamExecutor{Send: d.sendJSON},
		Clock:  deps.ActionClock,
		Sink:   d.sink,
		Logger: logger,
	}
	if id := sess.Bindings().Action; id != "" {
		if srv, ok := d.reg.Snapshot().ActionServer(id); ok {
			opts.Server = actions.ServerExecutor{Server: srv, Logger: logger}
		}
	}
	d.dispatcher = actions.New(actions.Config{SessionID: sess.ID(), DefaultTimeout: cfg.ActionTimeout}, opts)
	return d, nil
}

// registryTools reads tools from the registry snapshot current at lookup time.
type registryTools struct{ reg *registry.Registry }

func (t registryTools) Tool(name string) (types.ToolSchema, bool) {
	return t.reg.Snapshot().Tool(name)
}

// Run drives the session until the client ends it, the stream fails, or Cancel is called.
// A non-nil error means the session ended on a fatal stream error or a transport failure.
func (d *Driver) Run() (err error) {
	defer func() {
		d.cancel()
		d.shutdown()
		d.wg.Wait()
		if d.manager != nil {
			d.manager.End(d.sess.ID(), firstNonEmpty(d.endReason, "stream_closed"))
		}
		d.logger.Info("live session ended",
			"request_id", d.requestID,
			"reason", d.endReason,
			"stale_frames", d.staleFrames.Load(),
			"error", err,
		)
	}()

	if d.cfg.MaxJSONMessageBytes > 0 {
		d.conn.SetReadLimit(d.cfg.MaxJSONMessageBytes)
	}
	if d.cfg.ReadTimeout > 0 {
		_ = d.conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
		d.conn.SetPongHandler(func(string) error {
			return d.conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go d.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         d.conn,
			ctx:        d.ctx,
			cfg:        d.cfg,
			priority:   d.outboundPriority,
			normal:     d.outboundNormal,
			isCanceled: d.isTurnCanceled,
			onStale:    func(int64) { d.staleFrames.Add(1) },
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() {
		d.cancel()
		wait := 250 * time.Millisecond
		if d.cfg.WriteTimeout > 0 && d.cfg.WriteTimeout < wait {
			wait = d.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}

	if err := d.fire(turn.EventSessionStart); err != nil {
		flushAndClose()
		return err
	}
	d.logger.Info("live session started",
		"request_id", d.requestID,
		"audio_profile", d.sess.AudioProfile().String(),
		"bindings", d.sess.Bindings(),
	)

	for {
		var stepErr error
		select {
		case <-d.ctx.Done():
			d.end("canceled")
			flushAndClose()
			return nil
		case <-d.sess.Done():
			d.end(firstNonEmpty(d.sess.EndReason(), "ended"))
			flushAndClose()
			return nil
		case werr, ok := <-writerErrCh:
			d.endReason = firstNonEmpty(d.endReason, "write_failed")
			if ok {
				return werr
			}
			return nil
		case in, ok := <-readCh:
			if !ok || in.err != nil {
				d.end("stream_closed")
				flushAndClose()
				if ok && !isCloseError(in.err) {
					return in.err
				}
				return nil
			}
			stepErr = d.handleInbound(in)
		case ev := <-d.sttCh:
			stepErr = d.handleTranscript(ev)
		case res := <-d.llmCh:
			stepErr = d.handleResponse(res)
		case out := <-d.dispatcher.Outcomes():
			stepErr = d.handleOutcome(out)
		case res := <-d.ttsCh:
			stepErr = d.handleSynthesisDone(res)
		case <-d.silence.C():
			d.silence.clear()
			stepErr = d.handleSilenceDeadline()
		case <-d.finalWait.C():
			d.finalWait.clear()
			stepErr = d.handleFinalTimeout()
		}

		if stepErr != nil {
			d.terminate(stepErr)
			flushAndClose()
			return stepErr
		}
		if d.machine.State() == turn.StateEnded {
			flushAndClose()
			return nil
		}
	}
}

// Cancel stops Run. It is safe to call from any goroutine.
func (d *Driver) Cancel() {
	if d == nil || d.cancel == nil {
		return
	}
	d.cancel()
}

// SendWarning queues a warning for the client. It is safe to call from any goroutine.
func (d *Driver) SendWarning(code, message string) error {
	if d == nil {
		return nil
	}
	return d.sendWarning(code, message)
}

// fire applies ev to the turn machine and emits the resulting signal, if any.
func (d *Driver) fire(ev turn.Event) error {
	sig, emitted, err := d.machine.Fire(ev)
	if err != nil {
		return err
	}
	if !emitted {
		return nil
	}
	d.observer.TurnSignal(sig.State.String())
	d.logger.Debug("turn signal", "seq", sig.Seq, "turn", sig.Turn, "state", sig.State.String(), "event", ev.String())
	return d.sendJSON(protocol.ServerTurn{
		Type:  protocol.TypeTurn,
		Seq:   sig.Seq,
		Turn:  sig.Turn,
		State: sig.State.String(),
	})
}

// end moves the session to ENDED once and releases in-flight backend work.
func (d *Driver) end(reason string) {
	if d.machine.State() == turn.StateEnded {
		return
	}
	if d.endReason == "" {
		d.endReason = reason
	}
	if err := d.fire(turn.EventSessionEnd); err != nil {
		d.logger.Warn("failed to signal session end", "error", err)
	}
	d.shutdown()
}

// shutdown cancels in-flight backend work. Safe to call more than once.
func (d *Driver) shutdown() {
	if d.reply != nil {
		d.cancelTurnAudio(d.reply.turn)
		d.reply.stop()
		d.reply = nil
	}
	d.closeUtterance()
	d.silence.stop()
	d.dispatcher.Close()
}

// terminate reports a fatal error after everything already queued and ends the session.
func (d *Driver) terminate(err error) {
	var se *core.StreamError
	if !errors.As(err, &se) {
		stage := types.StageStream
		var be *core.BackendError
		if errors.As(err, &be) {
			stage = be.Stage
		}
		se = core.NewStreamError(core.KindFatalStream, stage, err.Error(), err)
	}
	fatal := *se
	fatal.Fatal = true
	d.logger.Error("live session fatal error", "kind", fatal.Kind, "stage", fatal.Stage, "error", err)
	if serr := d.sendStreamError(&fatal, d.machine.Turn().ID); serr != nil {
		d.logger.Warn("failed to send fatal stream error", "error", serr)
	}
	d.end(string(core.KindFatalStream))
}

func (d *Driver) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := d.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-d.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-d.ctx.Done():
			return
		}
	}
}

func isCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// loopTimer is a stoppable timer read from Run's select. C is nil while inactive.
type loopTimer struct {
	t      *time.Timer
	active bool
}

func (lt *loopTimer) C() <-chan time.Time {
	if lt.t == nil || !lt.active {
		return nil
	}
	return lt.t.C
}

// clear marks a fired timer inactive.
func (lt *loopTimer) clear() { lt.active = false }

func (lt *loopTimer) stop() {
	if lt.t == nil {
		return
	}
	if !lt.t.Stop() && lt.active {
		select {
		case <-lt.t.C:
		default:
		}
	}
	lt.active = false
}

func (lt *loopTimer) reset(d time.Duration) {
	d = max(d, 0)
	if lt.t == nil {
		lt.t = time.NewTimer(d)
		lt.active = true
		return
	}
	lt.stop()
	lt.t.Reset(d)
	lt.active = true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
