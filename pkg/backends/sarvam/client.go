// Package sarvam adapts the Sarvam AI speech and chat APIs to the gateway backend contracts:
// streaming speech-to-text over a websocket, text-to-speech and an OpenAI-compatible chat
// endpoint over HTTPS.
package sarvam

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core"
)

const (
	DefaultBaseURL = "https://api.sarvam.ai"

	DefaultSTTModel = "saaras:v3"
	DefaultTTSModel = "bulbul:v3"
	DefaultLLMModel = "sarvam-m"
	DefaultSpeaker  = "anushka"

	apiKeyHeader = "Api-Subscription-Key"
)

// Config holds what every Sarvam adapter needs to reach the API.
type Config struct {
	BaseURL string
	// WSURL overrides the streaming STT endpoint. Derived from BaseURL when empty.
	WSURL   string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
	Speaker string
	Pace    float64
}

func (c Config) baseURL() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

func (c Config) wsURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	u := c.baseURL()
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/speech-to-text/ws"
}

func (c Config) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return wire.NewClient(c.Timeout)
}

func (c Config) header() http.Header {
	h := http.Header{}
	h.Set(apiKeyHeader, c.APIKey)
	return h
}

// base is embedded by every adapter for its descriptor and health probe.
type base struct {
	desc   core.Descriptor
	cfg    Config
	caller wire.Caller
}

func newBase(desc core.Descriptor, cfg Config) base {
	return base{
		desc: desc,
		cfg:  cfg,
		caller: wire.Caller{
			Backend: desc.ID,
			Stage:   desc.Stage,
			Client:  cfg.httpClient(),
			Header:  cfg.header(),
		},
	}
}

func (b base) Describe() core.Descriptor { return b.desc }

// Ping checks the health endpoint.
func (b base) Ping(ctx context.Context) error {
	return b.caller.Get(ctx, b.cfg.baseURL()+"/health", nil)
}
