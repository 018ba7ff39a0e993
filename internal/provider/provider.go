// Package provider abstracts the model backend behind a small session API.
package provider

import (
	"context"
)

// Message roles on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of provider-visible conversation.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []FunctionCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool" results
}

// FunctionCall is a tool invocation requested by the model. Name carries the
// sanitized form; callers translate back through the session's NameMap.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// ToolDefinition describes one tool in the model's schema dialect.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Usage tracks token consumption of one exchange.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
	Cached int `json:"cached,omitempty"`
}

// Response is the model's reply to one Send.
type Response struct {
	Content      string
	ToolCalls    []FunctionCall
	Usage        *Usage
	FinishReason string // "stop", "tool_calls", "length"
}

// Session accumulates the provider-visible transcript for one chat.
type Session struct {
	System   []string
	Messages []Message
	Tools    []ToolDefinition
	NameMap  NameMap
}

// Append extends the transcript.
func (s *Session) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// Provider is implemented once per LLM family.
type Provider interface {
	Name() string

	// ContextWindow reports the model's context size in tokens.
	ContextWindow() int

	// StartSession opens a logical chat with system prompts, prior history,
	// and the tool bindings from PrepareTools.
	StartSession(system []string, history []Message, tools []ToolDefinition, nameMap NameMap) *Session

	// Send appends msg to the session, performs the exchange, appends the
	// assistant reply, and returns it.
	Send(ctx context.Context, sess *Session, msg Message) (*Response, error)
}
