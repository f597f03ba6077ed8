package types

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation history handed to an LLM backend.
type Message struct {
	Role       Role             `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolCalls  []ToolCallIntent `json:"tool_calls,omitempty"`
}

// ConversationContext is the input of an LLM backend call.
type ConversationContext struct {
	SessionID string       `json:"session_id"`
	Language  string       `json:"language"`
	System    string       `json:"system"`
	Messages  []Message    `json:"messages"`
	Tools     []ToolSchema `json:"tools,omitempty"`
}

// LLMResponse is the output of an LLM backend call.
type LLMResponse struct {
	Text      string           `json:"text"`
	ToolCalls []ToolCallIntent `json:"tool_calls,omitempty"`
}

// SynthesisRequest is the input of a TTS backend call.
type SynthesisRequest struct {
	SessionID string       `json:"session_id"`
	Text      string       `json:"text"`
	Language  string       `json:"language"`
	Voice     string       `json:"voice,omitempty"`
	Profile   AudioProfile `json:"profile"`
	Streaming bool         `json:"streaming"`
}
