package graph

import (
	"context"
	"errors"
	"testing"
)

func TestAddNodeUpsertMergesProperties(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.AddNode(ctx, NodeInput{
		ID: "memory:1", Type: TypeMemory, Label: "fact",
		Properties: map[string]any{"a": 1.0, "b": "x"},
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := s.AddNode(ctx, NodeInput{
		ID: "memory:1", Type: TypeMemory,
		Properties: map[string]any{"b": "y", "c": true},
	})
	if err != nil {
		t.Fatal(err)
	}

	if second.Properties["a"] != 1.0 || second.Properties["b"] != "y" || second.Properties["c"] != true {
		t.Errorf("merged properties = %v", second.Properties)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("updated_at did not advance: %v vs %v", first.UpdatedAt, second.UpdatedAt)
	}
	if second.Label != "fact" {
		t.Errorf("empty label overwrote existing, got %q", second.Label)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("created_at changed on upsert")
	}
}

func TestAddNodeValidation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.AddNode(ctx, NodeInput{Type: TypeMemory}); err == nil {
		t.Error("empty id accepted")
	}
	if _, err := s.AddNode(ctx, NodeInput{ID: "x"}); err == nil {
		t.Error("empty type accepted")
	}

	_, err := s.AddNode(ctx, NodeInput{
		ID: "memory:emb", Type: TypeMemory, Label: "v",
		Embedding: make([]float32, 5),
	})
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Errorf("embedding dim mismatch: got %v, want SchemaError", err)
	}
}

func TestDeleteNodeCascadesEdges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustAddNode(t, s, "a", TypeConcept)
	mustAddNode(t, s, "b", TypeConcept)
	if _, err := s.AddEdge(ctx, EdgeInput{SourceID: "a", TargetID: "b", Type: EdgeRelatesTo}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteNode(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	edges, err := s.GetEdges(ctx, EdgeQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 0 {
		t.Errorf("edges survived node delete: %v", edges)
	}

	// Idempotent delete.
	if err := s.DeleteNode(ctx, "a"); err != nil {
		t.Errorf("second delete failed: %v", err)
	}
}

func TestSearchNodesWeighting(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustAdd := func(id, label, content string, props map[string]any) {
		t.Helper()
		if _, err := s.AddNode(ctx, NodeInput{ID: id, Type: TypeMemory, Label: label, Content: content, Properties: props}); err != nil {
			t.Fatal(err)
		}
	}
	mustAdd("m:label", "quantum computing", "", nil)
	mustAdd("m:content", "notes", "about quantum effects", nil)
	mustAdd("m:props", "misc", "", map[string]any{"topic": "quantum"})
	mustAdd("m:other", "cooking", "pasta", nil)

	nodes, total, err := s.SearchNodes(ctx, SearchQuery{Text: "quantum", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if nodes[0].ID != "m:label" {
		t.Errorf("label match should rank first, got %s", nodes[0].ID)
	}
	if nodes[1].ID != "m:content" {
		t.Errorf("content match should rank second, got %s", nodes[1].ID)
	}
}

func TestSearchNodesPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustAddNode(t, s, NewMemoryID(), TypeMemory)
	}

	nodes, total, err := s.SearchNodes(ctx, SearchQuery{Type: TypeMemory, Limit: 2, Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(nodes) != 1 {
		t.Errorf("total=%d len=%d, want 5 and 1", total, len(nodes))
	}
}

func TestVectorSearch(t *testing.T) {
	s := NewMemoryStore()
	s.SetEmbeddingDim(3)
	ctx := context.Background()

	add := func(id string, emb []float32) {
		t.Helper()
		if _, err := s.AddNode(ctx, NodeInput{ID: id, Type: TypeMemory, Label: id, Embedding: emb}); err != nil {
			t.Fatal(err)
		}
	}
	add("m:x", []float32{1, 0, 0})
	add("m:y", []float32{0, 1, 0})
	add("m:xy", []float32{1, 1, 0})

	got, err := s.VectorSearch(ctx, []float32{1, 0, 0}, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Node.ID != "m:x" {
		t.Errorf("best match = %s, want m:x", got[0].Node.ID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v", got)
	}
}

func TestBulkAddNodesIsolatesFailures(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	res, err := s.BulkAddNodes(ctx, []NodeInput{
		{ID: "a", Type: TypeConcept, Label: "a"},
		{ID: "", Type: TypeConcept},
		{ID: "a", Type: TypeConcept, Properties: map[string]any{"k": 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 || res.Updated != 1 || len(res.Failed) != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Failed[0].Index != 1 {
		t.Errorf("failed index = %d, want 1", res.Failed[0].Index)
	}
}

func mustAddNode(t *testing.T, s Store, id, typ string) {
	t.Helper()
	if _, err := s.AddNode(context.Background(), NodeInput{ID: id, Type: typ, Label: id}); err != nil {
		t.Fatal(err)
	}
}
