package graph

import "context"

// NodeInput is the write shape for AddNode / BulkAddNodes. Writing an existing
// id updates the row: label/content/embedding are replaced when non-zero,
// properties are merged key-wise.
type NodeInput struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Label      string         `json:"label"`
	Content    string         `json:"content,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
}

// NodePatch is a partial update for UpdateNode. Nil fields are left untouched.
type NodePatch struct {
	Label      *string        `json:"label,omitempty"`
	Content    *string        `json:"content,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
}

// EdgeInput is the write shape for AddEdge / BulkAddEdges.
type EdgeInput struct {
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// EdgeQuery filters GetEdges. Empty fields match everything.
type EdgeQuery struct {
	SourceID string
	TargetID string
	Type     string
}

// SearchQuery filters SearchNodes. Text matches the weighted projection
// label > content > type > properties.
type SearchQuery struct {
	Type   string
	Text   string
	Limit  int
	Offset int
}

// Store is the transactional typed-graph contract (C1). Implementations must
// be safe for concurrent use; writes are the single serialization point for
// graph mutation.
type Store interface {
	AddNode(ctx context.Context, n NodeInput) (*Node, error)
	GetNode(ctx context.Context, id string) (*Node, error)
	UpdateNode(ctx context.Context, id string, patch NodePatch) (*Node, error)
	// DeleteNode removes a node and every edge touching it. Deleting an
	// absent node is a no-op.
	DeleteNode(ctx context.Context, id string) error

	AddEdge(ctx context.Context, e EdgeInput) (*Edge, error)
	GetEdges(ctx context.Context, q EdgeQuery) ([]Edge, error)
	DeleteEdge(ctx context.Context, sourceID, targetID, edgeType string) error

	SearchNodes(ctx context.Context, q SearchQuery) ([]Node, int, error)
	VectorSearch(ctx context.Context, embedding []float32, k int, typeFilter string) ([]ScoredNode, error)

	BulkAddNodes(ctx context.Context, nodes []NodeInput) (*BulkResult, error)
	BulkAddEdges(ctx context.Context, edges []EdgeInput) (*BulkResult, error)

	Close() error
}
