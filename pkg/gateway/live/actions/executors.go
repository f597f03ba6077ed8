package actions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/protocol"
)

// StreamExecutor emits an action_request on the session stream. The client answers with an
// action_result that the session passes to Dispatcher.Resolve.
type StreamExecutor struct {
	Send func(v any) error
}

func (e StreamExecutor) Execute(_ context.Context, call types.ActionCall, _ ResolveFunc) error {
	if e.Send == nil {
		return errors.New("stream executor has no sender")
	}
	return e.Send(protocol.ServerActionRequest{
		Type:          protocol.TypeActionRequest,
		Turn:          call.Turn,
		CallID:        call.ID,
		Tool:          call.Tool,
		Input:         call.Input,
		TimeoutMS:     call.Timeout.Milliseconds(),
		FireAndForget: call.FireAndForget,
	})
}

// ServerExecutor invokes the tool on an action server and resolves the call itself.
type ServerExecutor struct {
	Server core.ActionServer
	Logger *slog.Logger
}

func (e ServerExecutor) Execute(ctx context.Context, call types.ActionCall, resolve ResolveFunc) error {
	if e.Server == nil {
		return errors.New("server executor has no action server")
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		out, err := e.Server.Invoke(ctx, call.Tool, call.Input)
		if ctx.Err() != nil {
			// Expired or canceled; the dispatcher already produced the outcome.
			return
		}
		res := types.ActionResult{CallID: call.ID, Output: out}
		if err != nil {
			res.Output = nil
			res.Error = err.Error()
		} else if len(out) == 0 {
			res.Output = json.RawMessage("null")
		}
		if rerr := resolve(res); rerr != nil {
			logger.Warn("action server result not applied", "call_id", call.ID, "tool", call.Tool, "error", rerr)
		}
	}()
	return nil
}
