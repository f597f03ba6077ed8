// Package actions correlates model tool calls with their results.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
)

const (
	DefaultTimeout        = 5 * time.Second
	defaultMaxPending     = 16
	defaultTombstoneLimit = 256
)

var (
	ErrUnknownTool = errors.New("actions: unknown tool")
	ErrTooMany     = errors.New("actions: too many pending calls")
	ErrClosed      = errors.New("actions: dispatcher closed")

	ErrUnmatched = errors.New("actions: result for unknown call")
	ErrDuplicate = errors.New("actions: result for already resolved call")
	ErrLate      = errors.New("actions: result for expired call")
	ErrCanceled  = errors.New("actions: result for canceled call")
)

// ToolLookup resolves tool schemas. *registry.Snapshot implements it.
type ToolLookup interface {
	Tool(name string) (types.ToolSchema, bool)
}

// ResolveFunc delivers a result for a dispatched call.
type ResolveFunc func(types.ActionResult) error

// Executor starts a call and returns without waiting for its result.
type Executor interface {
	Execute(ctx context.Context, call types.ActionCall, resolve ResolveFunc) error
}

// Clock abstracts timers for tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Outcome is delivered exactly once for every call that is resolved or expires.
type Outcome struct {
	Call    types.ActionCall
	Result  types.ActionResult
	Expired bool
	Latency time.Duration
}

// Sync reports whether the outcome gates the turn.
func (o Outcome) Sync() bool { return !o.Call.FireAndForget }

type Config struct {
	SessionID      string
	DefaultTimeout time.Duration
	MaxPending     int
	TombstoneLimit int
}

type pendingCall struct {
	call   types.ActionCall
	timer  Timer
	cancel context.CancelFunc
}

type tombstone int

const (
	tombResolved tombstone = iota + 1
	tombExpired
	tombCanceled
)

type Dispatcher struct {
	cfg      Config
	tools    ToolLookup
	clients  Executor
	servers  Executor
	clock    Clock
	sink     core.AnomalySink
	logger   *slog.Logger
	outcomes chan Outcome

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	pending   map[string]*pendingCall
	// owed counts admitted calls whose outcome has not reached the outcomes channel yet.
	owed      int
	tombs     map[string]tombstone
	tombOrder []string
}

type Options struct {
	Tools ToolLookup
	// Client runs tools whose executor is "client".
	Client Executor
	// Server runs tools whose executor is "server".
	Server Executor
	Clock  Clock
	Sink   core.AnomalySink
	Logger *slog.Logger
}

func New(cfg Config, opts Options) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.TombstoneLimit <= 0 {
		cfg.TombstoneLimit = defaultTombstoneLimit
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Sink == nil {
		opts.Sink = core.DiscardAnomalies{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		tools:      opts.Tools,
		clients:    opts.Client,
		servers:    opts.Server,
		clock:      opts.Clock,
		sink:       opts.Sink,
		logger:     opts.Logger,
		outcomes:   make(chan Outcome, cfg.MaxPending),
		baseCtx:    ctx,
		baseCancel: cancel,
		pending:    make(map[string]*pendingCall),
		tombs:      make(map[string]tombstone),
	}
}

// Outcomes yields resolved and expired calls. Every admitted call produces at most one
// outcome, and Dispatch admits a call only while owed outcomes plus unread ones stay below
// MaxPending, the channel's capacity. Delivery therefore never blocks or drops.
func (d *Dispatcher) Outcomes() <-chan Outcome { return d.outcomes }

// Dispatch validates the call against its tool schema, registers it, and starts it.
// A zero timeout uses the tool's timeout, then the configured default.
func (d *Dispatcher) Dispatch(turn int64, tool string, input map[string]any, timeout time.Duration, fireAndForget bool) (string, error) {
	if d.tools == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	schema, ok := d.tools.Tool(tool)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := registry.ValidateInput(schema, input); err != nil {
		return "", err
	}
	exec := d.clients
	if schema.Executor == types.ExecutorServer {
		exec = d.servers
	}
	if exec == nil {
		return "", fmt.Errorf("actions: no %s executor for tool %q", schema.Executor, tool)
	}
	if timeout <= 0 {
		timeout = schema.Timeout
	}
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	call := types.ActionCall{
		ID:            "act_" + uuid.NewString(),
		Turn:          turn,
		Tool:          tool,
		Input:         input,
		IssuedAt:      d.clock.Now(),
		Timeout:       timeout,
		FireAndForget: fireAndForget || schema.FireAndForget,
	}
	ctx, cancel := context.WithTimeout(d.baseCtx, timeout)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	if d.owed+len(d.outcomes) >= d.cfg.MaxPending {
		d.mu.Unlock()
		cancel()
		return "", ErrTooMany
	}
	p := &pendingCall{call: call, cancel: cancel}
	d.pending[call.ID] = p
	d.owed++
	p.timer = d.clock.AfterFunc(timeout, func() { d.expire(call.ID) })
	d.mu.Unlock()

	if err := exec.Execute(ctx, call, d.Resolve); err != nil {
		d.mu.Lock()
		if cur, ok := d.pending[call.ID]; ok && cur == p {
			delete(d.pending, call.ID)
			d.owed--
			p.timer.Stop()
		}
		d.mu.Unlock()
		cancel()
		return "", fmt.Errorf("actions: start %s: %w", tool, err)
	}
	d.logger.Debug("action dispatched", "session_id", d.cfg.SessionID, "turn", turn, "call_id", call.ID, "tool", tool, "timeout", timeout, "fire_and_forget", call.FireAndForget)
	return call.ID, nil
}

// Resolve matches a result to its pending call. Unknown, duplicate, and late results are
// recorded as anomalies and otherwise ignored.
func (d *Dispatcher) Resolve(result types.ActionResult) error {
	d.mu.Lock()
	p, ok := d.pending[result.CallID]
	if !ok {
		tomb := d.tombs[result.CallID]
		d.mu.Unlock()
		var err error
		switch tomb {
		case tombResolved:
			err = ErrDuplicate
		case tombExpired:
			err = ErrLate
		case tombCanceled:
			err = ErrCanceled
		default:
			err = ErrUnmatched
		}
		d.anomaly(core.KindUnresolvedActionResult, fmt.Sprintf("%v: %s", err, result.CallID))
		return err
	}
	delete(d.pending, result.CallID)
	d.bury(result.CallID, tombResolved)
	d.mu.Unlock()

	p.timer.Stop()
	p.cancel()
	d.deliver(Outcome{Call: p.call, Result: result, Latency: d.clock.Now().Sub(p.call.IssuedAt)})
	return nil
}

func (d *Dispatcher) expire(id string) {
	d.mu.Lock()
	p, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, id)
	d.bury(id, tombExpired)
	d.mu.Unlock()

	p.cancel()
	d.anomaly(core.KindActionTimeout, fmt.Sprintf("call %s (%s) expired after %s", id, p.call.Tool, p.call.Timeout))
	d.deliver(Outcome{
		Call:    p.call,
		Result:  types.ActionResult{CallID: id, Error: "tool unavailable: no result within " + p.call.Timeout.String()},
		Expired: true,
		Latency: d.clock.Now().Sub(p.call.IssuedAt),
	})
}

func (d *Dispatcher) deliver(o Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owed--
	select {
	case d.outcomes <- o:
	default:
		d.logger.Error("action outcome dropped", "session_id", d.cfg.SessionID, "call_id", o.Call.ID)
	}
}

// bury must be called with d.mu held.
func (d *Dispatcher) bury(id string, t tombstone) {
	if _, exists := d.tombs[id]; !exists {
		d.tombOrder = append(d.tombOrder, id)
	}
	d.tombs[id] = t
	for len(d.tombOrder) > d.cfg.TombstoneLimit {
		oldest := d.tombOrder[0]
		d.tombOrder = d.tombOrder[1:]
		delete(d.tombs, oldest)
	}
}

func (d *Dispatcher) anomaly(kind core.ErrorKind, detail string) {
	d.logger.Warn("action anomaly", "session_id", d.cfg.SessionID, "kind", kind, "detail", detail)
	d.sink.Record(types.Anomaly{
		SessionID: d.cfg.SessionID,
		Kind:      string(kind),
		Stage:     types.StageAction,
		Detail:    detail,
		At:        d.clock.Now(),
	})
}

// PendingSync counts unresolved calls of a turn that gate its response.
func (d *Dispatcher) PendingSync(turn int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.pending {
		if p.call.Turn == turn && !p.call.FireAndForget {
			n++
		}
	}
	return n
}

func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// CancelTurn drops every pending call of a turn without producing outcomes.
func (d *Dispatcher) CancelTurn(turn int64) int {
	d.mu.Lock()
	var canceled []*pendingCall
	for id, p := range d.pending {
		if p.call.Turn == turn {
			delete(d.pending, id)
			d.bury(id, tombCanceled)
			canceled = append(canceled, p)
		}
	}
	d.owed -= len(canceled)
	d.mu.Unlock()
	for _, p := range canceled {
		p.timer.Stop()
		p.cancel()
	}
	return len(canceled)
}

// Close cancels every pending call. Later dispatches fail with ErrClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.pending
	d.pending = make(map[string]*pendingCall)
	for id := range pending {
		d.bury(id, tombCanceled)
	}
	d.owed -= len(pending)
	d.mu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
	}
	d.baseCancel()
}
