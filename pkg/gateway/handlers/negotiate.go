package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/config"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/sessions"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/mw"
)

// Negotiation outcomes reported to NegotiationRecorder.
const (
	NegotiationAccepted = "accepted"
	NegotiationDegraded = "degraded"
	NegotiationRejected = "rejected"
)

type NegotiationRecorder interface {
	RecordNegotiation(result string, degraded []types.DegradedCapability)
}

func recordNegotiation(rec NegotiationRecorder, resp types.NegotiationResponse, err error) {
	if rec == nil {
		return
	}
	switch {
	case err != nil:
		rec.RecordNegotiation(NegotiationRejected, nil)
	case len(resp.Degraded) > 0:
		rec.RecordNegotiation(NegotiationDegraded, resp.Degraded)
	default:
		rec.RecordNegotiation(NegotiationAccepted, nil)
	}
}

// NegotiateHandler serves POST /v1/negotiate: a dry run of the handshake that reports what a
// live session opened with the same request would be granted. No session is created.
type NegotiateHandler struct {
	Config  config.Config
	Manager *sessions.Manager
	Metrics NegotiationRecorder
	Logger  *slog.Logger
}

func (h NegotiateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	maxBody := h.Config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 64 << 10
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()

	var req types.NegotiationRequest
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reqID, _ := mw.RequestIDFrom(r.Context())
			writeCoreErrorJSON(w, reqID, &core.Error{
				Type:    core.ErrInvalidRequest,
				Message: "request body too large",
				Code:    "body_too_large",
			}, http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, r, core.NewInvalidRequestError("invalid json body: "+err.Error()))
		return
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, r, core.NewInvalidRequestError("request body must contain a single json object"))
		return
	}

	resp, err := h.Manager.Preview(r.Context(), req)
	recordNegotiation(h.Metrics, resp, err)
	if err != nil {
		if h.Logger != nil {
			reqID, _ := mw.RequestIDFrom(r.Context())
			h.Logger.Info("negotiation rejected", "request_id", reqID, "error", err)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
