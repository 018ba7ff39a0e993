package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentfoundry/proactor/internal/graph"
)

// Identity assembles the compact identity block injected as a system prompt:
// who the user is plus the memories related to them. The scheduler caches
// the result per session, so assembly cost is paid once per run.
type Identity struct {
	store graph.Store
}

func NewIdentity(store graph.Store) *Identity {
	return &Identity{store: store}
}

// Assemble builds the identity text for a user. An unknown user yields a
// minimal block rather than an error; first contact happens before any
// profile exists.
func (i *Identity) Assemble(ctx context.Context, userID string) (string, error) {
	var b strings.Builder

	user, err := i.store.GetNode(ctx, userID)
	switch {
	case errors.Is(err, graph.ErrNotFound):
		fmt.Fprintf(&b, "You are a proactive assistant for %s.\n", strings.TrimPrefix(userID, "user:"))
		return b.String(), nil
	case err != nil:
		return "", fmt.Errorf("load user: %w", err)
	}

	name := user.Label
	if name == "" {
		name = strings.TrimPrefix(user.ID, "user:")
	}
	fmt.Fprintf(&b, "You are a proactive assistant for %s.\n", name)
	if user.Content != "" {
		fmt.Fprintf(&b, "Profile: %s\n", user.Content)
	}

	memories, err := i.relatedMemories(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(memories) > 0 {
		b.WriteString("Known facts:\n")
		for _, mem := range memories {
			line := mem.Content
			if line == "" {
				line = mem.Label
			}
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return b.String(), nil
}

func (i *Identity) relatedMemories(ctx context.Context, userID string) ([]graph.Node, error) {
	edges, err := i.store.GetEdges(ctx, graph.EdgeQuery{TargetID: userID, Type: graph.EdgeRelatesTo})
	if err != nil {
		return nil, fmt.Errorf("load memory edges: %w", err)
	}

	var out []graph.Node
	for _, e := range edges {
		n, err := i.store.GetNode(ctx, e.SourceID)
		if err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if n.Type == graph.TypeMemory {
			out = append(out, *n)
		}
	}
	return out, nil
}
