package protocol

import "encoding/json"

// WSMessageType discriminates the payload union of a WSMessage.
type WSMessageType string

const (
	WSStatus        WSMessageType = "status"
	WSMessageText   WSMessageType = "message"
	WSToolUse       WSMessageType = "tool_use"
	WSToolResult    WSMessageType = "tool_result"
	WSThought       WSMessageType = "thought"
	WSTokenUsage    WSMessageType = "token_usage"
	WSTokenEstimate WSMessageType = "token_estimate"
	WSTaskStatus    WSMessageType = "task_status"
	WSError         WSMessageType = "error"
)

// WSMessage is the envelope forwarded to live clients. Data holds exactly one
// of the payload variants below, selected by Type.
type WSMessage struct {
	Type      WSMessageType   `json:"type"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	ChatID    string          `json:"chat_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusData reports orchestrator lifecycle transitions.
type StatusData struct {
	State string `json:"state"` // "chat_started", "turn_complete", "summarized"
}

// MessageData carries user or model text.
type MessageData struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolUseData announces a tool invocation before dispatch.
type ToolUseData struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResultData carries the outcome of a tool invocation.
type ToolResultData struct {
	Name   string `json:"name"`
	Result string `json:"result"`
}

// ThoughtData carries model reasoning text that is not part of a tool call.
type ThoughtData struct {
	Text string `json:"text"`
}

// TokenUsageData mirrors provider-reported token consumption.
type TokenUsageData struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
	Cached int `json:"cached,omitempty"`
}

// TokenEstimateData carries a local token estimate for a message or history slice.
type TokenEstimateData struct {
	Source string `json:"source"` // "message", "history", "summary_input"
	Tokens int    `json:"tokens"`
}

// TaskStatusData mirrors task lifecycle changes.
type TaskStatusData struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorData carries a turn-level failure.
type ErrorData struct {
	Message string `json:"message"`
}
