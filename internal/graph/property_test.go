package graph

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestUpsertMergeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("re-adding a node merges properties and advances updated_at", prop.ForAll(
		func(id string, first, second map[string]string) bool {
			s := NewMemoryStore()
			ctx := context.Background()

			a, err := s.AddNode(ctx, NodeInput{ID: id, Type: TypeMemory, Label: id, Properties: toAny(first)})
			if err != nil {
				return false
			}
			b, err := s.AddNode(ctx, NodeInput{ID: id, Type: TypeMemory, Properties: toAny(second)})
			if err != nil {
				return false
			}

			if !b.UpdatedAt.After(a.UpdatedAt) {
				return false
			}
			for k, v := range second {
				if b.Properties[k] != v {
					return false
				}
			}
			for k, v := range first {
				if _, overwritten := second[k]; overwritten {
					continue
				}
				if b.Properties[k] != v {
					return false
				}
			}

			nodes, total, err := s.SearchNodes(ctx, SearchQuery{Type: TypeMemory, Limit: 10})
			return err == nil && total == 1 && len(nodes) == 1 && nodes[0].ID == id
		},
		gen.Identifier(),
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestEdgeUniquenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("(source, target, type) stays unique no matter how often it is added", prop.ForAll(
		func(repeats int) bool {
			s := NewMemoryStore()
			ctx := context.Background()

			if _, err := s.AddNode(ctx, NodeInput{ID: "a", Type: TypeConcept, Label: "a"}); err != nil {
				return false
			}
			if _, err := s.AddNode(ctx, NodeInput{ID: "b", Type: TypeConcept, Label: "b"}); err != nil {
				return false
			}

			var created time.Time
			for i := 0; i < repeats; i++ {
				e, err := s.AddEdge(ctx, EdgeInput{
					SourceID: "a", TargetID: "b", Type: EdgeRelatesTo,
					Properties: map[string]any{"round": i},
				})
				if err != nil {
					return false
				}
				if i == 0 {
					created = e.CreatedAt
				} else if !e.CreatedAt.Equal(created) {
					return false
				}
			}

			edges, err := s.GetEdges(ctx, EdgeQuery{SourceID: "a"})
			return err == nil && len(edges) == 1
		},
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
