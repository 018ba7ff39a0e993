package graph

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the map-backed Store used by tests and ephemeral runs.
// It mirrors the SQL stores' semantics exactly: upsert-by-id with property
// merge, unique edge triples, cascade on node delete.
type MemoryStore struct {
	mu           sync.RWMutex
	nodes        map[string]*Node
	edges        map[[3]string]*Edge
	embeddingDim int
	lastStamp    time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:        make(map[string]*Node),
		edges:        make(map[[3]string]*Edge),
		embeddingDim: DefaultEmbeddingDim,
	}
}

// SetEmbeddingDim overrides the expected embedding width (default 768).
func (s *MemoryStore) SetEmbeddingDim(dim int) { s.embeddingDim = dim }

// stamp returns a timestamp strictly greater than any previously issued one,
// so insertion order and created_at order agree even within a millisecond.
func (s *MemoryStore) stamp() time.Time {
	now := time.Now().UTC()
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = now
	return now
}

func (s *MemoryStore) AddNode(ctx context.Context, in NodeInput) (*Node, error) {
	if err := validateNodeInput(in, s.embeddingDim); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	if existing, ok := s.nodes[in.ID]; ok {
		if in.Label != "" {
			existing.Label = in.Label
		}
		if in.Content != "" {
			existing.Content = in.Content
		}
		if len(in.Embedding) > 0 {
			existing.Embedding = in.Embedding
		}
		existing.Properties = mergeProperties(existing.Properties, in.Properties)
		existing.UpdatedAt = now
		return copyNode(existing), nil
	}

	n := &Node{
		ID:         in.ID,
		Type:       in.Type,
		Label:      in.Label,
		Content:    in.Content,
		Properties: mergeProperties(nil, in.Properties),
		Embedding:  in.Embedding,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.nodes[in.ID] = n
	return copyNode(n), nil
}

func (s *MemoryStore) GetNode(ctx context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(n), nil
}

func (s *MemoryStore) UpdateNode(ctx context.Context, id string, patch NodePatch) (*Node, error) {
	if len(patch.Embedding) > 0 && len(patch.Embedding) != s.embeddingDim {
		return nil, &SchemaError{Reason: "embedding dimension mismatch"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Label != nil {
		n.Label = *patch.Label
	}
	if patch.Content != nil {
		n.Content = *patch.Content
	}
	if len(patch.Embedding) > 0 {
		n.Embedding = patch.Embedding
	}
	n.Properties = mergeProperties(n.Properties, patch.Properties)
	n.UpdatedAt = s.stamp()
	return copyNode(n), nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nodes, id)
	for key := range s.edges {
		if key[0] == id || key[1] == id {
			delete(s.edges, key)
		}
	}
	return nil
}

func (s *MemoryStore) AddEdge(ctx context.Context, in EdgeInput) (*Edge, error) {
	if err := validateEdgeInput(in); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := [3]string{in.SourceID, in.TargetID, in.Type}
	if existing, ok := s.edges[key]; ok {
		existing.Properties = mergeProperties(existing.Properties, in.Properties)
		return copyEdge(existing), nil
	}

	e := &Edge{
		SourceID:   in.SourceID,
		TargetID:   in.TargetID,
		Type:       in.Type,
		Properties: mergeProperties(nil, in.Properties),
		CreatedAt:  s.stamp(),
	}
	s.edges[key] = e
	return copyEdge(e), nil
}

func (s *MemoryStore) GetEdges(ctx context.Context, q EdgeQuery) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Edge
	for _, e := range s.edges {
		if q.SourceID != "" && e.SourceID != q.SourceID {
			continue
		}
		if q.TargetID != "" && e.TargetID != q.TargetID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		out = append(out, *copyEdge(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteEdge(ctx context.Context, sourceID, targetID, edgeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges, [3]string{sourceID, targetID, edgeType})
	return nil
}

// SearchNodes matches the weighted projection label > content > type >
// properties with case-insensitive substring matching. Results order by
// weight, then recency.
func (s *MemoryStore) SearchNodes(ctx context.Context, q SearchQuery) ([]Node, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type ranked struct {
		node   *Node
		weight int
	}

	needle := strings.ToLower(q.Text)
	var matches []ranked
	for _, n := range s.nodes {
		if q.Type != "" && n.Type != q.Type {
			continue
		}
		w := 0
		if needle == "" {
			w = 1
		} else {
			switch {
			case strings.Contains(strings.ToLower(n.Label), needle):
				w = 4
			case strings.Contains(strings.ToLower(n.Content), needle):
				w = 3
			case strings.Contains(strings.ToLower(n.Type), needle):
				w = 2
			case strings.Contains(strings.ToLower(propertiesJSON(n.Properties)), needle):
				w = 1
			}
		}
		if w > 0 {
			matches = append(matches, ranked{node: n, weight: w})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].weight != matches[j].weight {
			return matches[i].weight > matches[j].weight
		}
		return matches[i].node.UpdatedAt.After(matches[j].node.UpdatedAt)
	})

	total := len(matches)
	if q.Offset > 0 {
		if q.Offset >= len(matches) {
			return nil, total, nil
		}
		matches = matches[q.Offset:]
	}
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	out := make([]Node, 0, len(matches))
	for _, m := range matches {
		out = append(out, *copyNode(m.node))
	}
	return out, total, nil
}

func (s *MemoryStore) VectorSearch(ctx context.Context, embedding []float32, k int, typeFilter string) ([]ScoredNode, error) {
	if len(embedding) != s.embeddingDim {
		return nil, &SchemaError{Reason: "query embedding dimension mismatch"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var scored []ScoredNode
	for _, n := range s.nodes {
		if len(n.Embedding) == 0 {
			continue
		}
		if typeFilter != "" && n.Type != typeFilter {
			continue
		}
		scored = append(scored, ScoredNode{Node: *copyNode(n), Score: cosine(embedding, n.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *MemoryStore) BulkAddNodes(ctx context.Context, nodes []NodeInput) (*BulkResult, error) {
	res := &BulkResult{}
	for i, in := range nodes {
		s.mu.RLock()
		_, existed := s.nodes[in.ID]
		s.mu.RUnlock()

		if _, err := s.AddNode(ctx, in); err != nil {
			res.Failed = append(res.Failed, BulkError{Index: i, ID: in.ID, Err: err.Error()})
			continue
		}
		if existed {
			res.Updated++
		} else {
			res.Added++
		}
	}
	return res, nil
}

func (s *MemoryStore) BulkAddEdges(ctx context.Context, edges []EdgeInput) (*BulkResult, error) {
	res := &BulkResult{}
	for i, in := range edges {
		s.mu.RLock()
		_, existed := s.edges[[3]string{in.SourceID, in.TargetID, in.Type}]
		s.mu.RUnlock()

		if _, err := s.AddEdge(ctx, in); err != nil {
			res.Failed = append(res.Failed, BulkError{Index: i, ID: in.SourceID, Err: err.Error()})
			continue
		}
		if existed {
			res.Updated++
		} else {
			res.Added++
		}
	}
	return res, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyNode(n *Node) *Node {
	cp := *n
	cp.Properties = mergeProperties(nil, n.Properties)
	if len(n.Embedding) > 0 {
		cp.Embedding = append([]float32(nil), n.Embedding...)
	}
	return &cp
}

func copyEdge(e *Edge) *Edge {
	cp := *e
	cp.Properties = mergeProperties(nil, e.Properties)
	return &cp
}

func propertiesJSON(props map[string]any) string {
	if len(props) == 0 {
		return ""
	}
	data, err := json.Marshal(props)
	if err != nil {
		return ""
	}
	return string(data)
}

func cosine(a []float32, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
