// Package backends builds live backend adapters from registry catalog entries.
package backends

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/vani-protocol/vani-gateway/pkg/backends/actionhttp"
	"github.com/vani-protocol/vani-gateway/pkg/backends/bhashini"
	"github.com/vani-protocol/vani-gateway/pkg/backends/gemini"
	"github.com/vani-protocol/vani-gateway/pkg/backends/loopback"
	"github.com/vani-protocol/vani-gateway/pkg/backends/sarvam"
	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
)

// Vendors with an adapter in this module.
const (
	VendorSarvam    = "sarvam"
	VendorBhashini  = "bhashini"
	VendorAI4Bharat = "ai4bharat"
	VendorGoogle    = "google"
	VendorCustom    = "custom"
	VendorLoopback  = "loopback"
)

// Factory turns catalog entries into adapters.
type Factory struct {
	// Client, when set, is shared by every HTTP adapter instead of one client per backend.
	Client *http.Client
}

// Build implements registry.BuildFunc.
func (f Factory) Build(spec registry.BackendSpec) (core.Backend, error) {
	desc := spec.Descriptor()
	if spec.Stage == types.StageNMT {
		// Translation backends are registered for preference validation only.
		return described{desc}, nil
	}
	client := f.Client
	if client == nil {
		client = wire.NewClient(spec.Timeout)
	}

	switch strings.ToLower(spec.Vendor) {
	case VendorSarvam:
		cfg := sarvam.Config{
			BaseURL: spec.Endpoint,
			WSURL:   spec.Options["ws_url"],
			APIKey:  spec.APIKey(),
			Client:  client,
			Speaker: spec.Options["speaker"],
		}
		if p := spec.Options["pace"]; p != "" {
			pace, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("options.pace: %w", err)
			}
			cfg.Pace = pace
		}
		switch spec.Stage {
		case types.StageSTT:
			return sarvam.NewSTT(desc, cfg), nil
		case types.StageTTS:
			return sarvam.NewTTS(desc, cfg), nil
		case types.StageLLM:
			return sarvam.NewLLM(desc, cfg), nil
		}

	case VendorBhashini, VendorAI4Bharat:
		if strings.EqualFold(spec.Vendor, VendorAI4Bharat) && spec.Endpoint == "" {
			return nil, fmt.Errorf("vendor %s needs the endpoint of a ULCA compatible deployment", spec.Vendor)
		}
		cfg := bhashini.Config{
			Endpoint:  spec.Endpoint,
			UserID:    spec.Options["user_id"],
			APIKey:    spec.APIKey(),
			ServiceID: spec.Options["service_id"],
			Gender:    spec.Options["gender"],
			Client:    client,
		}
		switch spec.Stage {
		case types.StageSTT:
			return bhashini.NewSTT(desc, cfg), nil
		case types.StageTTS:
			return bhashini.NewTTS(desc, cfg), nil
		}

	case VendorGoogle, "gemini":
		if spec.Stage == types.StageLLM {
			return gemini.New(desc, gemini.Config{APIKey: spec.APIKey(), BaseURL: spec.Endpoint, Client: client}), nil
		}

	case VendorCustom:
		switch spec.Stage {
		case types.StageAction:
			return actionhttp.New(desc, actionhttp.Config{Endpoint: spec.Endpoint, Token: spec.APIKey(), Client: client})
		case types.StageLLM:
			if spec.Endpoint == "" {
				return nil, fmt.Errorf("custom llm needs an OpenAI compatible endpoint")
			}
			return sarvam.NewLLM(desc, sarvam.Config{BaseURL: spec.Endpoint, APIKey: spec.APIKey(), Client: client}), nil
		}

	case VendorLoopback:
		switch spec.Stage {
		case types.StageSTT:
			return loopback.NewSTT(desc, splitScript(spec.Options["transcripts"])), nil
		case types.StageLLM:
			return loopback.NewLLM(desc), nil
		case types.StageTTS:
			return loopback.NewTTS(desc), nil
		}
	}
	return nil, fmt.Errorf("no %s adapter for vendor %q", spec.Stage, spec.Vendor)
}

func splitScript(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "|") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// described is a backend known only by its descriptor.
type described struct{ desc core.Descriptor }

func (d described) Describe() core.Descriptor { return d.desc }
