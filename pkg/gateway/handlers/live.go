package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/apierror"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/auth"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/config"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/lifecycle"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/protocol"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/session"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/sessions"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/mw"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/ratelimit"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
)

// LiveMetrics is what the live endpoint reports. *metrics.Metrics implements it.
type LiveMetrics interface {
	session.Observer
	NegotiationRecorder
	RecordSessionStart()
	RecordSessionEnd(reason string, duration time.Duration)
	RecordLiveFrame(direction, frame string, bytes int)
	RecordRateLimitHit(limitType string)
}

// LiveHandler handles /v1/live websocket sessions: the hello handshake, negotiation, and
// then the session driver until the stream ends.
type LiveHandler struct {
	Config    config.Config
	Manager   *sessions.Manager
	Registry  *registry.Registry
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Anomalies core.AnomalySink
	Metrics   LiveMetrics
	Logger    *slog.Logger
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: "draining"}, 529)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	logger := h.logger().With("request_id", reqID)

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		ws.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}
	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))

	hello, err := readHello(ws)
	if err != nil {
		h.writeWSError(ws, reqID, err)
		return
	}

	id, err := h.resolvePrincipal(r, hello)
	if err != nil {
		h.writeWSError(ws, reqID, err)
		return
	}
	logger = logger.With("identity", id.Kind)

	if h.Limiter != nil && h.Config.LimitMaxConcurrentSessions > 0 {
		dec := h.Limiter.AcquireSession(id.Key, time.Now())
		if !dec.Allowed {
			h.metrics().RecordRateLimitHit("session")
			h.writeWSError(ws, reqID, core.NewRateLimitError("too many active live sessions", 0))
			return
		}
		defer dec.Permit.Release()
	}

	sess, resp, err := h.Manager.Negotiate(r.Context(), hello.Negotiation)
	recordNegotiation(h.metrics(), resp, err)
	if err != nil {
		logger.Info("negotiation rejected", "hello", hello.RedactedForLog(), "error", err)
		h.writeWSError(ws, reqID, err)
		return
	}
	logger = logger.With("session_id", sess.ID())

	sessCfg := h.Config.Session().WithDefaults()
	limits := sessCfg.Limits()
	ack := protocol.ServerHelloAck{
		Type:            protocol.TypeHelloAck,
		ProtocolVersion: protocol.ProtocolVersion1,
		Negotiation:     resp,
		Features:        protocol.HelloAckFeatures{AudioTransport: hello.Features.AudioTransport},
		Limits:          &limits,
	}
	if sessCfg.WriteTimeout > 0 {
		_ = ws.SetWriteDeadline(time.Now().Add(sessCfg.WriteTimeout))
	}
	if err := ws.WriteJSON(ack); err != nil {
		h.Manager.End(sess.ID(), "stream_closed")
		return
	}
	_ = ws.SetReadDeadline(time.Time{})
	_ = ws.SetWriteDeadline(time.Time{})

	m := h.metrics()
	drv, err := session.New(session.Dependencies{
		Conn:      meteredConn{Conn: ws, m: m},
		Session:   sess,
		Registry:  h.Registry,
		Manager:   h.Manager,
		Hello:     hello,
		RequestID: reqID,
		Config:    sessCfg,
		Sink:      h.Anomalies,
		Observer:  m,
		Logger:    logger,
	})
	if err != nil {
		h.Manager.End(sess.ID(), "internal_error")
		h.writeWSError(ws, reqID, err)
		return
	}

	detach, err := h.Manager.Attach(sess.ID(), sessions.Handle{Cancel: drv.Cancel, Warn: drv.SendWarning})
	if err != nil {
		h.Manager.End(sess.ID(), "internal_error")
		h.writeWSError(ws, reqID, err)
		return
	}
	defer detach()

	m.RecordSessionStart()
	sess.OnEnd(func() {
		m.RecordSessionEnd(sess.EndReason(), time.Since(sess.CreatedAt()))
	})

	logger.Info("live session started", "hello", hello.RedactedForLog())
	if err := drv.Run(); err != nil {
		logger.Warn("live session ended with error", "error", err)
	}
}

// readHello reads the first frame, which must be a text hello.
func readHello(ws *websocket.Conn) (protocol.ClientHello, error) {
	messageType, frame, err := ws.ReadMessage()
	if err != nil {
		return protocol.ClientHello{}, core.NewInvalidRequestError("failed to read hello")
	}
	if messageType != websocket.TextMessage {
		return protocol.ClientHello{}, core.NewInvalidRequestErrorWithParam("first frame must be hello", "type")
	}
	decoded, err := protocol.DecodeClientMessage(frame)
	if err != nil {
		return protocol.ClientHello{}, err
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		return protocol.ClientHello{}, core.NewInvalidRequestErrorWithParam("first frame must be hello", "type")
	}
	return hello, nil
}

// originAllowed admits non-browser clients, which send no Origin, and allowlisted browsers.
func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	return origin == "" || mw.OriginAllowed(h.Config.CORSAllowedOrigins, origin)
}

// resolvePrincipal authenticates the hello and returns the identity its session slot is
// counted under. The key may come from hello.auth or, for clients that cannot send one
// there, the gateway_api_key query parameter.
func (h LiveHandler) resolvePrincipal(r *http.Request, hello protocol.ClientHello) (auth.Identity, error) {
	apiKey, source := strings.TrimSpace(r.URL.Query().Get("gateway_api_key")), auth.SourceQuery
	if hello.Auth != nil && strings.TrimSpace(hello.Auth.GatewayAPIKey) != "" {
		apiKey, source = strings.TrimSpace(hello.Auth.GatewayAPIKey), auth.SourceHello
	}
	anon := func() auth.Identity { return auth.Identify(r, nil, h.Config.TrustProxyHeaders) }

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional:
		if apiKey == "" {
			if h.Config.AuthMode == config.AuthModeRequired {
				return auth.Identity{}, core.NewAuthenticationError("missing gateway api key")
			}
			return anon(), nil
		}
		if !auth.KnownKey(h.Config.APIKeys, apiKey) {
			return auth.Identity{}, core.NewAuthenticationError("invalid gateway api key")
		}
		h.logger().Debug("live key accepted", "source", source)
		return auth.KeyIdentity(apiKey), nil
	case config.AuthModeDisabled:
		return anon(), nil
	default:
		return auth.Identity{}, &core.Error{Type: core.ErrAPI, Message: "invalid auth_mode"}
	}
}

// writeWSError reports a handshake failure as a fatal stream_error and closes the stream.
func (h LiveHandler) writeWSError(ws *websocket.Conn, reqID string, err error) {
	coreErr, _ := apierror.FromError(err, reqID)
	details := map[string]any{
		"error_type": string(coreErr.Type),
		"request_id": reqID,
	}
	if coreErr.Code != "" {
		details["code"] = coreErr.Code
	}
	if coreErr.Param != "" {
		details["param"] = coreErr.Param
	}
	stage := types.StageNegotiation
	var serr *core.StreamError
	if errors.As(err, &serr) {
		stage = serr.Stage
	}

	writeTimeout := h.Config.LiveWSWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	deadline := time.Now().Add(writeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteJSON(protocol.ServerStreamError{
		Type:    protocol.TypeStreamError,
		Kind:    string(core.KindFatalStream),
		Stage:   string(stage),
		Fatal:   true,
		Message: coreErr.Message,
		Details: details,
	})
	h.metrics().StreamError(core.KindFatalStream, true)

	code := websocket.ClosePolicyViolation
	switch coreErr.Type {
	case core.ErrRateLimit, core.ErrOverloaded:
		code = websocket.CloseTryAgainLater
	case core.ErrAPI:
		code = websocket.CloseInternalServerErr
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, closeReason(coreErr.Message)), deadline)
}

// Close frame payloads are limited to 125 bytes, two of which hold the code.
func closeReason(msg string) string {
	if len(msg) > 123 {
		return msg[:123]
	}
	return msg
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h LiveHandler) metrics() LiveMetrics {
	if h.Metrics != nil {
		return h.Metrics
	}
	return nopLiveMetrics{}
}

// meteredConn counts frame bytes in each direction.
type meteredConn struct {
	*websocket.Conn
	m LiveMetrics
}

func (c meteredConn) ReadMessage() (int, []byte, error) {
	messageType, data, err := c.Conn.ReadMessage()
	if err == nil {
		c.m.RecordLiveFrame("in", frameName(messageType), len(data))
	}
	return messageType, data, err
}

func (c meteredConn) WriteMessage(messageType int, data []byte) error {
	err := c.Conn.WriteMessage(messageType, data)
	if err == nil {
		c.m.RecordLiveFrame("out", frameName(messageType), len(data))
	}
	return err
}

func frameName(messageType int) string {
	if messageType == websocket.BinaryMessage {
		return "binary"
	}
	return "text"
}

type nopLiveMetrics struct{}

func (nopLiveMetrics) TurnSignal(string) {}
func (nopLiveMetrics) StreamError(core.ErrorKind, bool) {}
func (nopLiveMetrics) BargeIn() {}
func (nopLiveMetrics) StageLatency(types.Stage, time.Duration) {}
func (nopLiveMetrics) RecordNegotiation(string, []types.DegradedCapability) {}
func (nopLiveMetrics) RecordSessionStart() {}
func (nopLiveMetrics) RecordSessionEnd(string, time.Duration) {}
func (nopLiveMetrics) RecordLiveFrame(string, string, int) {}
func (nopLiveMetrics) RecordRateLimitHit(string) {}
