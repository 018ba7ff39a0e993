// Package graph is the persistent typed-graph store backing chats, tasks and
// derived knowledge. Nodes and edges are the only two tables; everything else
// (chat threads, task queue, memories) is a convention over them.
package graph

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Node types. Closed, normalized set (PascalCase).
const (
	TypeChat        = "Chat"
	TypeChatMessage = "ChatMessage"
	TypeUser        = "User"
	TypeSession     = "Session"
	TypeTask        = "Task"
	TypeMemory      = "Memory"
	TypeConcept     = "Concept"
	TypeSummary     = "Summary"
	TypeFile        = "File"
	TypeToolCall    = "ToolCall"
	TypeOntology    = "Ontology"
)

// Edge types. Closed set (SCREAMING_SNAKE_CASE). The (source, target, type)
// triple is unique.
const (
	EdgeContains      = "CONTAINS"
	EdgeBelongsTo     = "BELONGS_TO"
	EdgeRelatesTo     = "RELATES_TO"
	EdgeHasAttachment = "HAS_ATTACHMENT"
	EdgeInstanceOf    = "INSTANCE_OF"
	EdgeDependsOn     = "DEPENDS_ON"
	EdgeSummarizes    = "SUMMARIZES"
)

// Message roles and types stored in ChatMessage properties.
const (
	RoleUser  = "user"
	RoleModel = "model"

	MessageTypeMessage    = "message"
	MessageTypeSummary    = "summary"
	MessageTypeToolUse    = "tool_use"
	MessageTypeToolResult = "tool_result"
	MessageTypeInternal   = "internal"
)

// Task statuses stored in Task properties. Transitions are
// pending → in_progress → {completed, failed}; never backwards.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// DefaultEmbeddingDim is the expected embedding width unless configured.
const DefaultEmbeddingDim = 768

// Node is one row of the graph.
type Node struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Label      string         `json:"label"`
	Content    string         `json:"content,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Edge links two nodes. Properties are merged on upsert like node properties.
type Edge struct {
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ScoredNode pairs a node with a similarity score from vector search.
type ScoredNode struct {
	Node  Node
	Score float64
}

// ChatSummary is the list view of a user's chats.
type ChatSummary struct {
	ChatID       string    `json:"chat_id"`
	Name         string    `json:"name"`
	Archived     bool      `json:"archived"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BulkError records a single failed record inside a batch operation.
type BulkError struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Err   string `json:"error"`
}

// BulkResult reports per-record outcomes; batch operations never fail as a whole.
type BulkResult struct {
	Added   int         `json:"added"`
	Updated int         `json:"updated"`
	Failed  []BulkError `json:"failed,omitempty"`
}

// ErrNotFound reports an absent entity. Idempotent deletes treat it as success.
var ErrNotFound = errors.New("not found")

// ValidationError reports bad input; never retried.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// SchemaError reports an invariant violation such as an embedding dimension
// mismatch. Batch operations isolate it to the offending record.
type SchemaError struct{ Reason string }

func (e *SchemaError) Error() string { return "schema: " + e.Reason }

// Typed id helpers. Node ids carry a type prefix: "chat:<uuid>", "task:<uuid>".

func NewChatID() string    { return "chat:" + uuid.Must(uuid.NewV7()).String() }
func NewTaskID() string    { return "task:" + uuid.Must(uuid.NewV7()).String() }
func NewMessageID() string { return "message:" + uuid.Must(uuid.NewV7()).String() }
func NewMemoryID() string  { return "memory:" + uuid.Must(uuid.NewV7()).String() }

// UserID builds the well-known id of a user node.
func UserID(name string) string { return "user:" + name }

// validateNodeInput rejects writes the schema cannot hold.
func validateNodeInput(n NodeInput, embeddingDim int) error {
	if n.ID == "" {
		return &ValidationError{Reason: "node id is empty"}
	}
	if n.Type == "" {
		return &ValidationError{Reason: fmt.Sprintf("node %s has empty type", n.ID)}
	}
	if len(n.Embedding) > 0 && len(n.Embedding) != embeddingDim {
		return &SchemaError{Reason: fmt.Sprintf("embedding dimension %d, want %d", len(n.Embedding), embeddingDim)}
	}
	return nil
}

func validateEdgeInput(e EdgeInput) error {
	if e.SourceID == "" || e.TargetID == "" {
		return &ValidationError{Reason: "edge endpoints must be non-empty"}
	}
	if e.Type == "" {
		return &ValidationError{Reason: "edge type is empty"}
	}
	return nil
}

// mergeProperties overlays patch onto base without mutating either.
func mergeProperties(base, patch map[string]any) map[string]any {
	if len(base) == 0 && len(patch) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
