// Package bhashini adapts the ULCA pipeline compute API used by Bhashini and AI4Bharat
// Dhruva deployments. The API is request/response only, so speech-to-text buffers a whole
// utterance and yields a single final transcript.
package bhashini

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core"
)

const DefaultEndpoint = "https://meity-ai.ulcacontrib.org/ulca/apis/v0/model/compute"

// Config locates a ULCA compute endpoint.
type Config struct {
	Endpoint  string
	UserID    string
	APIKey    string
	ServiceID string
	Gender    string
	Timeout   time.Duration
	Client    *http.Client
}

func (c Config) endpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

type pipelineRequest struct {
	PipelineTasks []pipelineTask `json:"pipelineTasks"`
	InputData     inputData      `json:"inputData"`
}

type pipelineTask struct {
	TaskType string     `json:"taskType"`
	Config   taskConfig `json:"config"`
}

type taskConfig struct {
	Language     taskLanguage `json:"language"`
	ServiceID    string       `json:"serviceId"`
	AudioFormat  string       `json:"audioFormat,omitempty"`
	SamplingRate int          `json:"samplingRate,omitempty"`
	Encoding     string       `json:"encoding,omitempty"`
	Channel      string       `json:"channel,omitempty"`
	Gender       string       `json:"gender,omitempty"`
}

type taskLanguage struct {
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
}

type inputData struct {
	Audio []audioContent `json:"audio,omitempty"`
	Input []textSource   `json:"input,omitempty"`
}

type audioContent struct {
	AudioContent string `json:"audioContent"`
}

type textSource struct {
	Source string `json:"source"`
	Target string `json:"target,omitempty"`
}

type pipelineResponse struct {
	PipelineResponse []struct {
		TaskType string         `json:"taskType"`
		Output   []textSource   `json:"output"`
		Audio    []audioContent `json:"audio"`
	} `json:"pipelineResponse"`
}

// client is shared by the STT and TTS adapters.
type client struct {
	desc   core.Descriptor
	cfg    Config
	caller wire.Caller
}

func newClient(desc core.Descriptor, cfg Config) client {
	h := http.Header{}
	if cfg.UserID != "" {
		h.Set("userID", cfg.UserID)
	}
	if cfg.APIKey != "" {
		h.Set("ulcaApiKey", cfg.APIKey)
		h.Set("Authorization", cfg.APIKey)
	}
	hc := cfg.Client
	if hc == nil {
		hc = wire.NewClient(cfg.Timeout)
	}
	return client{
		desc:   desc,
		cfg:    cfg,
		caller: wire.Caller{Backend: desc.ID, Stage: desc.Stage, Client: hc, Header: h},
	}
}

func (c client) Describe() core.Descriptor { return c.desc }

func (c client) compute(ctx context.Context, req pipelineRequest) (pipelineResponse, error) {
	var resp pipelineResponse
	err := c.caller.PostJSON(ctx, c.cfg.endpoint(), req, &resp)
	return resp, err
}

// languageCode maps a BCP-47 tag to the ULCA code, which is the primary subtag.
func languageCode(tag string) string {
	if tag == "" {
		return "hi"
	}
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
