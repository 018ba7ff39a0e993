// Package conversation holds the message service, identity assembly, and the
// per-chat orchestrator that drives the model's tool-call loop.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentfoundry/proactor/internal/graph"
)

// TokenEstimator approximates token counts without a tokenizer round trip.
type TokenEstimator func(text string) int

// DefaultEstimator is ceil(len/4): close enough for budget decisions across
// the model families the runtime targets.
func DefaultEstimator(text string) int {
	return (len(text) + 3) / 4
}

// messageOverhead covers role and framing tokens per message.
const messageOverhead = 4

// Messages is the token-budget-aware history layer over the graph store.
type Messages struct {
	store     graph.Store
	estimator TokenEstimator
}

// NewMessages builds the service. A nil estimator selects the default.
func NewMessages(store graph.Store, estimator TokenEstimator) *Messages {
	if estimator == nil {
		estimator = DefaultEstimator
	}
	return &Messages{store: store, estimator: estimator}
}

// EstimateTokens applies the configured estimator to raw text.
func (m *Messages) EstimateTokens(text string) int {
	return m.estimator(text)
}

// MessageTokens estimates a stored message including framing overhead.
func (m *Messages) MessageTokens(n *graph.Node) int {
	return m.estimator(n.Content) + messageOverhead
}

// SaveInput describes one message to persist.
type SaveInput struct {
	ChatID      string
	Content     string
	Role        string
	MessageType string
	Internal    bool
	ToolName    string
	ToolArgs    map[string]any
	Attachments []string // file node ids linked by HAS_ATTACHMENT
}

// Save creates the ChatMessage node and links it into the chat. A missing
// chat node is only warned about: scheduler-created chats may still be in
// flight when the first message lands.
func (m *Messages) Save(ctx context.Context, in SaveInput) (*graph.Node, error) {
	if in.ChatID == "" {
		return nil, &graph.ValidationError{Reason: "chat id is empty"}
	}
	if in.MessageType == "" {
		in.MessageType = graph.MessageTypeMessage
	}

	if _, err := m.store.GetNode(ctx, in.ChatID); err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			slog.Warn("conversation.save.chat_missing", "chat_id", in.ChatID)
		} else {
			return nil, fmt.Errorf("verify chat: %w", err)
		}
	}

	props := map[string]any{
		"role":         in.Role,
		"message_type": in.MessageType,
		"internal":     in.Internal,
	}
	if in.ToolName != "" {
		props["tool_name"] = in.ToolName
	}
	if in.ToolArgs != nil {
		props["tool_args"] = in.ToolArgs
	}

	msg, err := m.store.AddNode(ctx, graph.NodeInput{
		ID:         graph.NewMessageID(),
		Type:       graph.TypeChatMessage,
		Content:    in.Content,
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	if _, err := m.store.AddEdge(ctx, graph.EdgeInput{
		SourceID: in.ChatID, TargetID: msg.ID, Type: graph.EdgeContains,
	}); err != nil {
		return nil, fmt.Errorf("link message: %w", err)
	}

	for _, fileID := range in.Attachments {
		if _, err := m.store.AddEdge(ctx, graph.EdgeInput{
			SourceID: msg.ID, TargetID: fileID, Type: graph.EdgeHasAttachment,
		}); err != nil {
			return nil, fmt.Errorf("link attachment %s: %w", fileID, err)
		}
	}
	return msg, nil
}

// GetRecent returns the last n non-internal messages, oldest-first. When a
// Summary falls inside that window it stands in for everything before it:
// the result is the summary plus all later messages.
func (m *Messages) GetRecent(ctx context.Context, chatID string, n int) ([]graph.Node, error) {
	all, err := graph.GetChatMessages(ctx, m.store, chatID, 0, 0, true)
	if err != nil {
		return nil, err
	}

	var visible []graph.Node
	for _, msg := range all {
		if isInternal(&msg) {
			continue
		}
		visible = append(visible, msg)
	}
	if n > 0 && len(visible) > n {
		visible = visible[len(visible)-n:]
	}

	for i := len(visible) - 1; i >= 0; i-- {
		if messageType(&visible[i]) == graph.MessageTypeSummary {
			return visible[i:], nil
		}
	}
	return visible, nil
}

// GetWithinTokenLimit walks the history newest-to-oldest accumulating
// estimated tokens until maxTokens would be exceeded. With preferSummaries a
// Summary is taken and the walk stops, since it stands in for everything
// earlier. Returns oldest-first.
func (m *Messages) GetWithinTokenLimit(ctx context.Context, chatID string, maxTokens int, preferSummaries bool) ([]graph.Node, error) {
	all, err := graph.GetChatMessages(ctx, m.store, chatID, 0, 0, true)
	if err != nil {
		return nil, err
	}

	var kept []graph.Node
	budget := 0
	for i := len(all) - 1; i >= 0; i-- {
		msg := all[i]
		cost := m.MessageTokens(&msg)
		if budget+cost > maxTokens {
			break
		}
		budget += cost
		kept = append(kept, msg)
		if preferSummaries && messageType(&msg) == graph.MessageTypeSummary {
			break
		}
	}

	// Reverse into chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, nil
}

// FormatForSummary renders the conversation since the last Summary as plain
// text, one "role: content" line per message, ready to feed a summarization
// prompt.
func (m *Messages) FormatForSummary(ctx context.Context, chatID string) (string, error) {
	all, err := graph.GetChatMessages(ctx, m.store, chatID, 0, 0, true)
	if err != nil {
		return "", err
	}

	start := 0
	for i := len(all) - 1; i >= 0; i-- {
		if messageType(&all[i]) == graph.MessageTypeSummary {
			start = i + 1
			break
		}
	}

	var b strings.Builder
	for _, msg := range all[start:] {
		if isInternal(&msg) {
			continue
		}
		role, _ := msg.Properties["role"].(string)
		if role == "" {
			role = graph.RoleUser
		}
		fmt.Fprintf(&b, "%s: %s\n", role, msg.Content)
	}
	return b.String(), nil
}

// TokensSinceSummary estimates the live (un-summarized) history size.
func (m *Messages) TokensSinceSummary(ctx context.Context, chatID string) (int, error) {
	all, err := graph.GetChatMessages(ctx, m.store, chatID, 0, 0, true)
	if err != nil {
		return 0, err
	}

	total := 0
	for i := len(all) - 1; i >= 0; i-- {
		if messageType(&all[i]) == graph.MessageTypeSummary {
			break
		}
		total += m.MessageTokens(&all[i])
	}
	return total, nil
}

func messageType(n *graph.Node) string {
	mt, _ := n.Properties["message_type"].(string)
	return mt
}

func isInternal(n *graph.Node) bool {
	internal, _ := n.Properties["internal"].(bool)
	return internal
}
