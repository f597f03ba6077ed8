// Package gemini is an LLM backend on the Google Gen AI SDK with function calling.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

const DefaultModel = "gemini-2.5-flash"

// Config selects the API endpoint and credentials.
type Config struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

// LLM implements core.LLMBackend. The SDK client is created on first use so a missing
// credential surfaces as a backend error for the turn, not a startup failure.
type LLM struct {
	desc core.Descriptor
	cfg  Config

	once   sync.Once
	client *genai.Client
	err    error
}

func New(desc core.Descriptor, cfg Config) *LLM {
	return &LLM{desc: desc, cfg: cfg}
}

func (l *LLM) Describe() core.Descriptor { return l.desc }

func (l *LLM) genaiClient(ctx context.Context) (*genai.Client, error) {
	l.once.Do(func() {
		cc := &genai.ClientConfig{
			APIKey:     l.cfg.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: l.cfg.Client,
		}
		if l.cfg.BaseURL != "" {
			cc.HTTPOptions = genai.HTTPOptions{BaseURL: l.cfg.BaseURL}
		}
		l.client, l.err = genai.NewClient(ctx, cc)
	})
	return l.client, l.err
}

func (l *LLM) Respond(ctx context.Context, conv types.ConversationContext) (types.LLMResponse, error) {
	client, err := l.genaiClient(ctx)
	if err != nil {
		return types.LLMResponse{}, &core.BackendError{Backend: l.desc.ID, Stage: types.StageLLM, Permanent: true, Err: err}
	}
	model := l.desc.Model
	if model == "" {
		model = DefaultModel
	}
	resp, err := client.Models.GenerateContent(ctx, model, buildContents(conv.Messages), buildConfig(conv))
	if err != nil {
		return types.LLMResponse{}, l.wrapError(err)
	}
	return parseResponse(resp), nil
}

func buildConfig(conv types.ConversationContext) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if conv.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: conv.System}}}
	}
	if len(conv.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(conv.Tools))
		for _, t := range conv.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toolSchema(t),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// buildContents maps the history to Gemini turns. Consecutive tool results are folded into
// one user turn, which is how the API expects parallel function responses.
func buildContents(msgs []types.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleUser:
			out = append(out, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		case types.RoleAssistant:
			c := &genai.Content{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Input}})
			}
			if len(c.Parts) > 0 {
				out = append(out, c)
			}
		case types.RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.ToolName,
				Response: toolResponse(m.Content),
			}}
			if n := len(out); n > 0 && out[n-1].Role == "user" && isFunctionResponses(out[n-1]) {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, &genai.Content{Role: "user", Parts: []*genai.Part{part}})
		}
	}
	return out
}

func isFunctionResponses(c *genai.Content) bool {
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return len(c.Parts) > 0
}

// toolResponse decodes a JSON object result; anything else is wrapped under "output".
func toolResponse(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"output": content}
}

func toolSchema(t types.ToolSchema) *genai.Schema {
	s := &genai.Schema{Type: genai.TypeObject, Properties: make(map[string]*genai.Schema, len(t.Properties))}
	for name, p := range t.Properties {
		s.Properties[name] = &genai.Schema{
			Type:        schemaType(p.Type),
			Description: p.Description,
			Enum:        p.Enum,
			Pattern:     p.Pattern,
		}
	}
	s.Required = append(s.Required, t.Required...)
	return s
}

func schemaType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func parseResponse(resp *genai.GenerateContentResponse) types.LLMResponse {
	var out types.LLMResponse
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		switch {
		case p.FunctionCall != nil:
			out.ToolCalls = append(out.ToolCalls, types.ToolCallIntent{
				ID:    p.FunctionCall.ID,
				Name:  p.FunctionCall.Name,
				Input: p.FunctionCall.Args,
			})
		case p.Text != "" && !p.Thought:
			text.WriteString(p.Text)
		}
	}
	out.Text = strings.TrimSpace(text.String())
	return out
}

func (l *LLM) wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return core.NewBackendHTTPError(l.desc.ID, types.StageLLM, apiErr.Code, fmt.Sprintf("%s: %s", apiErr.Status, apiErr.Message))
	}
	return &core.BackendError{Backend: l.desc.ID, Stage: types.StageLLM, Err: err}
}

var _ core.LLMBackend = (*LLM)(nil)
