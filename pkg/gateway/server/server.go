package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/config"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/handlers"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/lifecycle"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/sessions"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/metrics"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/mw"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/ratelimit"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
)

const drainWarningCode = "draining"

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	registry  *registry.Registry
	manager   *sessions.Manager
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
	anomalies core.AnomalySink
}

// New wires the HTTP surface around reg. Anomalies recorded by live sessions are counted
// and then passed to anomalies, which may be nil.
func New(cfg config.Config, reg *registry.Registry, anomalies core.AnomalySink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = registry.New()
	}
	m := metrics.New("vani")

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		registry: reg,
		manager:  sessions.NewManager(cfg.Manager(), reg, logger),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxConcurrentSessions: cfg.LimitMaxConcurrentSessions,
		}),
		metrics:   m,
		lifecycle: lifecycle.New(time.Now()),
		anomalies: m.Anomalies(anomalies),
	}

	s.routes()
	return s
}

// NewBackendClient is the HTTP client shared by backend adapters.
func NewBackendClient(cfg config.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: cfg.BackendConnectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.BackendResponseHeaderTimeout,
		},
	}
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Registry:  s.registry,
		Lifecycle: s.lifecycle,
		Sessions:  s.manager.Len,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	var negotiate http.Handler = handlers.NegotiateHandler{
		Config:  s.cfg,
		Manager: s.manager,
		Metrics: s.metrics,
		Logger:  s.logger,
	}
	if s.cfg.HandlerTimeout > 0 {
		negotiate = http.TimeoutHandler(negotiate, s.cfg.HandlerTimeout, `{"error":{"type":"api_error","message":"handler timeout"}}`)
	}
	s.mux.Handle("/v1/negotiate", negotiate)

	// No handler timeout: live sessions run for as long as the stream does.
	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:    s.cfg,
		Manager:   s.manager,
		Registry:  s.registry,
		Limiter:   s.limiter,
		Lifecycle: s.lifecycle,
		Anomalies: s.anomalies,
		Metrics:   s.metrics,
		Logger:    s.logger,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, s.metrics, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.metrics, h)
	h = mw.RequestID(h)
	return h
}

// HTTPServer returns the listener configuration for Handler.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
	}
}

func (s *Server) Manager() *sessions.Manager { return s.manager }

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// RunReaper ends idle sessions until ctx is done.
func (s *Server) RunReaper(ctx context.Context) error {
	return s.manager.RunReaper(ctx, s.cfg.ReapInterval)
}

// SetDraining makes /readyz fail and refuses new live sessions.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) WarnLiveSessionsDraining() int {
	return s.manager.WarnAll(drainWarningCode, "gateway is shutting down; finish the current turn and reconnect")
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.manager.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.manager.CancelAll()
}
