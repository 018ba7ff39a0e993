package conversation

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentfoundry/proactor/internal/graph"
)

func TestTokenBudgetRespectedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("the history window never exceeds its token budget", prop.ForAll(
		func(contents []string, budget int) bool {
			store := graph.NewMemoryStore()
			ctx := context.Background()
			if _, err := graph.CreateChat(ctx, store, "chat:p", "user:p", "prop"); err != nil {
				return false
			}
			m := NewMessages(store, nil)

			for _, c := range contents {
				if _, err := m.Save(ctx, SaveInput{ChatID: "chat:p", Content: c, Role: graph.RoleUser}); err != nil {
					return false
				}
			}

			kept, err := m.GetWithinTokenLimit(ctx, "chat:p", budget, false)
			if err != nil {
				return false
			}
			total := 0
			for i := range kept {
				total += m.MessageTokens(&kept[i])
			}
			if total > budget {
				return false
			}

			// The walk keeps the newest suffix: if anything was cut, adding
			// the next-older message must overshoot.
			if len(kept) < len(contents) {
				all, err := graph.GetChatMessages(ctx, store, "chat:p", 0, 0, false)
				if err != nil {
					return false
				}
				next := all[len(all)-len(kept)-1]
				if total+m.MessageTokens(&next) <= budget {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}
