package session

import (
	"fmt"
	"strings"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/spans"
)

const defaultSystemPrompt = "You are a real-time voice assistant. Reply in the caller's language and mix languages the way the caller does. Keep replies short, do not use markdown, and spell out numbers and symbols for speech."

// history is the conversation handed to the LLM backend. It keeps at most maxTurns user
// turns; trimming always cuts at a user message so tool calls stay paired with results.
type history struct {
	system   string
	maxTurns int
	messages []types.Message
}

func newHistory(system string, maxTurns int) *history {
	if strings.TrimSpace(system) == "" {
		system = defaultSystemPrompt
	}
	return &history{system: system, maxTurns: maxTurns, messages: make([]types.Message, 0, 16)}
}

func (h *history) appendUser(text string) {
	h.messages = append(h.messages, types.Message{Role: types.RoleUser, Content: text})
	h.trim()
}

func (h *history) appendAssistant(text string) {
	h.messages = append(h.messages, types.Message{Role: types.RoleAssistant, Content: text})
}

// markInterrupted notes on the last assistant reply that the caller cut it off.
func (h *history) markInterrupted() {
	if n := len(h.messages); n > 0 && h.messages[n-1].Role == types.RoleAssistant && len(h.messages[n-1].ToolCalls) == 0 {
		h.messages[n-1].Content += " [interrupted by caller]"
	}
}

func (h *history) appendToolCalls(text string, calls []types.ToolCallIntent) {
	h.messages = append(h.messages, types.Message{Role: types.RoleAssistant, Content: text, ToolCalls: calls})
}

func (h *history) appendToolResult(call types.ToolCallIntent, content string) {
	h.messages = append(h.messages, types.Message{
		Role:       types.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
}

func (h *history) trim() {
	if h.maxTurns <= 0 {
		return
	}
	users := 0
	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].Role != types.RoleUser {
			continue
		}
		users++
		if users == h.maxTurns {
			if i > 0 {
				h.messages = append(h.messages[:0:0], h.messages[i:]...)
			}
			return
		}
	}
}

func (h *history) context(sessionID, language string, tools []types.ToolSchema) types.ConversationContext {
	msgs := make([]types.Message, len(h.messages))
	copy(msgs, h.messages)
	return types.ConversationContext{
		SessionID: sessionID,
		Language:  language,
		System:    h.system,
		Messages:  msgs,
		Tools:     tools,
	}
}

// userContent renders a final transcript for the model, with the code-switch spans and
// transliteration appended as bracketed notes.
func userContent(ev types.TranscriptEvent) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(ev.Text))
	for _, s := range ev.Spans {
		fmt.Fprintf(&b, "\n[Code-switch: '%s' (%s)]", spans.Substring(ev.Text, s), s.Language)
	}
	if t := strings.TrimSpace(ev.Transliteration); t != "" {
		fmt.Fprintf(&b, "\n[Transliteration: %s]", t)
	}
	if ev.Dialect != "" && ev.Dialect != types.DialectStandard && ev.Dialect != types.DialectUnknown {
		fmt.Fprintf(&b, "\n[Dialect: %s]", ev.Dialect)
	}
	return b.String()
}
