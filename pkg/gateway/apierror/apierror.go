// Package apierror maps internal errors onto the HTTP error envelope.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/protocol"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

// FromError converts err into a client-safe error and its HTTP status. Messages from
// unknown errors and backend bodies are never copied into the result.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}
	out, status := classify(err)
	out.RequestID = requestID
	return out, status
}

func classify(err error) (*core.Error, int) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &core.Error{Type: core.ErrAPI, Message: "request timeout", Code: "timeout"}, http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return &core.Error{Type: core.ErrAPI, Message: "request cancelled", Code: "cancelled"}, http.StatusRequestTimeout
	}

	var (
		ce *core.Error
		de *protocol.DecodeError
		se *core.StreamError
		be *core.BackendError
	)
	switch {
	case errors.As(err, &ce):
		out := *ce
		return &out, StatusFromType(ce.Type)
	case errors.As(err, &de):
		return &core.Error{
			Type:    core.ErrInvalidRequest,
			Message: de.Message,
			Param:   de.Param,
			Code:    de.Code,
		}, http.StatusBadRequest
	case errors.As(err, &se):
		return fromStreamError(se)
	case errors.As(err, &be):
		return &core.Error{
			Type:    core.ErrBackend,
			Message: fmt.Sprintf("%s backend %s failed", be.Stage, be.Backend),
			Code:    "backend_unavailable",
		}, http.StatusBadGateway
	}
	return &core.Error{Type: core.ErrAPI, Message: "internal error"}, http.StatusInternalServerError
}

// fromStreamError keeps the stream error kind as the code so HTTP callers see the same
// classification live clients do.
func fromStreamError(se *core.StreamError) (*core.Error, int) {
	out := &core.Error{Code: string(se.Kind), Message: string(se.Kind)}
	if se.Stage != "" {
		out.Message = fmt.Sprintf("%s (%s stage)", se.Kind, se.Stage)
	}
	switch se.Kind {
	case core.KindNegotiationDowngrade, core.KindCorruptStream, core.KindUnresolvedActionResult:
		out.Type = core.ErrInvalidRequest
		return out, http.StatusBadRequest
	case core.KindBackendTimeout, core.KindActionTimeout:
		out.Type = core.ErrBackend
		return out, http.StatusGatewayTimeout
	case core.KindBackendFailure:
		out.Type = core.ErrBackend
		return out, http.StatusBadGateway
	default:
		out.Type = core.ErrAPI
		return out, http.StatusInternalServerError
	}
}

func StatusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrPermission:
		return http.StatusForbidden
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrOverloaded:
		return 529
	case core.ErrBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
