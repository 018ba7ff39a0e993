package conversation

import (
	"context"
	"fmt"

	"github.com/agentfoundry/proactor/internal/bus"
	"github.com/agentfoundry/proactor/internal/graph"
	"github.com/agentfoundry/proactor/pkg/protocol"
)

// Chat node counters maintained by the usage recorder.
const (
	propTotalInputTokens  = "total_input_tokens"
	propTotalOutputTokens = "total_output_tokens"
	propTotalTokens       = "total_tokens"
)

// RecordUsage subscribes a consumer that accumulates provider-reported token
// usage onto the owning chat node. The returned func unsubscribes.
func RecordUsage(b *bus.Bus, store graph.Store) func() {
	return b.Subscribe(protocol.EventTokenUsage, "usage-recorder", func(ctx context.Context, ev bus.Event) (any, error) {
		be, ok := ev.Payload.(protocol.BusEvent)
		if !ok {
			return nil, nil
		}
		usage, ok := be.Data.(protocol.TokenUsageData)
		if !ok || be.Scope.ChatID == "" {
			return nil, nil
		}

		chat, err := store.GetNode(ctx, be.Scope.ChatID)
		if err != nil {
			return nil, fmt.Errorf("load chat %s: %w", be.Scope.ChatID, err)
		}
		_, err = store.UpdateNode(ctx, chat.ID, graph.NodePatch{Properties: map[string]any{
			propTotalInputTokens:  propInt(chat.Properties, propTotalInputTokens) + usage.Input,
			propTotalOutputTokens: propInt(chat.Properties, propTotalOutputTokens) + usage.Output,
			propTotalTokens:       propInt(chat.Properties, propTotalTokens) + usage.Total,
		}})
		return nil, err
	})
}

// ChatUsage reports the accumulated counters for a chat.
func ChatUsage(ctx context.Context, store graph.Store, chatID string) (input, output, total int, err error) {
	chat, err := store.GetNode(ctx, chatID)
	if err != nil {
		return 0, 0, 0, err
	}
	return propInt(chat.Properties, propTotalInputTokens),
		propInt(chat.Properties, propTotalOutputTokens),
		propInt(chat.Properties, propTotalTokens), nil
}

// propInt tolerates the float64 that JSON-backed stores hand back.
func propInt(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
