package types

import (
	"encoding/json"
	"time"
)

// Sensitivity classifies the data a tool receives.
type Sensitivity string

const (
	SensitivityPublic    Sensitivity = "public"
	SensitivityPersonal  Sensitivity = "personal"
	SensitivityFinancial Sensitivity = "financial"
)

// Executor selects where a tool runs.
type Executor string

const (
	ExecutorClient Executor = "client"
	ExecutorServer Executor = "server"
)

// PropertySchema describes one input field of a tool.
type PropertySchema struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Enum        []string `json:"enum,omitempty" yaml:"enum"`
	Pattern     string   `json:"pattern,omitempty" yaml:"pattern"`
}

// ToolSchema is a named tool the model may call.
type ToolSchema struct {
	Name          string                    `json:"name" yaml:"name"`
	Description   string                    `json:"description" yaml:"description"`
	Properties    map[string]PropertySchema `json:"properties" yaml:"properties"`
	Required      []string                  `json:"required,omitempty" yaml:"required"`
	Sensitivity   Sensitivity               `json:"sensitivity" yaml:"sensitivity"`
	Executor      Executor                  `json:"executor" yaml:"executor"`
	Timeout       time.Duration             `json:"timeout,omitempty" yaml:"timeout"`
	FireAndForget bool                      `json:"fire_and_forget,omitempty" yaml:"fire_and_forget"`
}

// ToolCallIntent is a model's request to run a tool.
type ToolCallIntent struct {
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ActionCall is a pending tool invocation owned by the dispatcher.
type ActionCall struct {
	ID            string
	Turn          int64
	Tool          string
	Input         map[string]any
	IssuedAt      time.Time
	Timeout       time.Duration
	FireAndForget bool
}

// ActionResult is the outcome reported for a call id.
type ActionResult struct {
	CallID string          `json:"call_id"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}
