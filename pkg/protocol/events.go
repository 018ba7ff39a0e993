// Package protocol defines the event names published on the internal bus and
// the wire messages mirrored to WebSocket clients. The sets are closed:
// consumers switch exhaustively over them and unknown names are a bug.
package protocol

// Bot events, emitted by the conversation orchestrator.
const (
	EventLoad            = "bot.load"
	EventChatStarted     = "bot.chat_started"
	EventMessageSent     = "bot.message_sent"
	EventMessageReceived = "bot.message_received"
	EventTurnComplete    = "bot.turn_complete"
	EventToolUse         = "bot.tool_use"
	EventToolResult      = "bot.tool_result"
	EventThought         = "bot.thought"
	EventSummarized      = "bot.summarized"
	EventTokenUsage      = "bot.token_usage"
	EventTokenEstimate   = "bot.token_estimate"
)

// Task events, emitted by the task queue and scheduler.
const (
	EventTaskAdded         = "task.added"
	EventTaskAvailable     = "task.available"
	EventTaskStarted       = "task.started"
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventTaskStatusChanged = "task.status_changed"
)

// Knowledge events, emitted by the graph store consumers.
const (
	EventMemorySaved            = "knowledge.memory_saved"
	EventSummarizationStarted   = "knowledge.summarization_started"
	EventSummarizationCompleted = "knowledge.summarization_completed"
)

// EventScope identifies the conversation an event belongs to.
type EventScope struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	TaskID    string `json:"task_id,omitempty"`
}

// BusEvent is the payload shape published on the internal bus. Data holds
// the same typed variants a WSMessage carries; forwarders marshal it onto
// the wire.
type BusEvent struct {
	Scope EventScope
	Data  any
}
