package sarvam

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/vani-protocol/vani-gateway/pkg/backends/wire"
	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

const defaultMaxTokens = 512

// LLM is the Sarvam chat completions backend. The endpoint speaks the OpenAI Chat
// Completions format, so any compatible server can stand in for it.
type LLM struct {
	base
}

func NewLLM(desc core.Descriptor, cfg Config) *LLM {
	l := &LLM{base: newBase(desc, cfg)}
	if cfg.APIKey != "" {
		l.caller.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return l
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (l *LLM) Respond(ctx context.Context, conv types.ConversationContext) (types.LLMResponse, error) {
	var resp chatResponse
	if err := l.caller.PostJSON(ctx, l.cfg.baseURL()+"/v1/chat/completions", l.buildRequest(conv), &resp); err != nil {
		return types.LLMResponse{}, err
	}
	return l.parseResponse(resp)
}

func (l *LLM) buildRequest(conv types.ConversationContext) *chatRequest {
	model := l.desc.Model
	if model == "" {
		model = DefaultLLMModel
	}
	req := &chatRequest{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		Messages:  translateMessages(conv),
	}
	if len(conv.Tools) > 0 {
		req.Tools = make([]chatTool, 0, len(conv.Tools))
		for _, t := range conv.Tools {
			req.Tools = append(req.Tools, chatTool{
				Type: "function",
				Function: toolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  wire.ToolParameters(t),
				},
			})
		}
		req.ToolChoice = "auto"
	}
	return req
}

func translateMessages(conv types.ConversationContext) []chatMessage {
	out := make([]chatMessage, 0, len(conv.Messages)+1)
	if conv.System != "" {
		out = append(out, chatMessage{Role: "system", Content: strPtr(conv.System)})
	}
	for _, m := range conv.Messages {
		msg := chatMessage{Role: string(m.Role), Content: strPtr(m.Content)}
		switch m.Role {
		case types.RoleTool:
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.ToolName
		case types.RoleAssistant:
			if len(m.ToolCalls) > 0 && m.Content == "" {
				msg.Content = nil
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Input)
				if err != nil || tc.Input == nil {
					args = []byte("{}")
				}
				call := toolCall{ID: tc.ID, Type: "function"}
				call.Function.Name = tc.Name
				call.Function.Arguments = string(args)
				msg.ToolCalls = append(msg.ToolCalls, call)
			}
		}
		out = append(out, msg)
	}
	return out
}

func (l *LLM) parseResponse(resp chatResponse) (types.LLMResponse, error) {
	if len(resp.Choices) == 0 {
		return types.LLMResponse{}, &core.BackendError{Backend: l.desc.ID, Stage: types.StageLLM, Err: errors.New("no choices in response")}
	}
	msg := resp.Choices[0].Message
	var out types.LLMResponse
	if msg.Content != nil {
		out.Text = stripThinking(*msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		var input map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			input = make(map[string]any)
		}
		out.ToolCalls = append(out.ToolCalls, types.ToolCallIntent{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return out, nil
}

// stripThinking drops a leading <think>...</think> block that reasoning models prepend.
func stripThinking(s string) string {
	if i := strings.Index(s, "</think>"); i >= 0 && strings.HasPrefix(strings.TrimSpace(s), "<think>") {
		s = s[i+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

func strPtr(s string) *string { return &s }

var (
	_ core.LLMBackend = (*LLM)(nil)
	_ core.Pinger     = (*LLM)(nil)
)
