// Package actionhttp invokes server-executed tools on an HTTP action server.
//
// A call is POST {endpoint}/tools/{name} with body {"tool":..., "input":{...}}. A 2xx
// response body is the tool output and must be JSON. Anything else fails the call.
package actionhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	Client   *http.Client
}

type Server struct {
	desc   core.Descriptor
	cfg    Config
	caller wire.Caller
}

func New(desc core.Descriptor, cfg Config) (*Server, error) {
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, errors.New("action server endpoint must be an absolute URL")
	}
	h := http.Header{}
	if cfg.Token != "" {
		h.Set("Authorization", "Bearer "+cfg.Token)
	}
	hc := cfg.Client
	if hc == nil {
		hc = wire.NewClient(cfg.Timeout)
	}
	return &Server{
		desc:   desc,
		cfg:    cfg,
		caller: wire.Caller{Backend: desc.ID, Stage: types.StageAction, Client: hc, Header: h},
	}, nil
}

func (s *Server) Describe() core.Descriptor { return s.desc }

type invokeRequest struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// Invoke runs one tool. The caller's context carries the per-call deadline.
func (s *Server) Invoke(ctx context.Context, tool string, input map[string]any) (json.RawMessage, error) {
	if input == nil {
		input = map[string]any{}
	}
	var out json.RawMessage
	target := wire.JoinURL(s.cfg.Endpoint, "tools/"+url.PathEscape(tool))
	if err := s.caller.PostJSON(ctx, target, invokeRequest{Tool: tool, Input: input}, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		out = json.RawMessage(`{}`)
	}
	return out, nil
}

func (s *Server) Ping(ctx context.Context) error {
	return s.caller.Get(ctx, wire.JoinURL(s.cfg.Endpoint, "health"), nil)
}

var (
	_ core.ActionServer = (*Server)(nil)
	_ core.Pinger       = (*Server)(nil)
)
