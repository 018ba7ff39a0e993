package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Chat operations are conventions over the node/edge primitives: a Chat node
// BELONGS_TO its User and CONTAINS its ChatMessage nodes. They work against
// any Store implementation.

// CreateChat creates the chat node and its ownership edge. The user node is
// upserted so a first chat for a new user works without prior setup.
func CreateChat(ctx context.Context, s Store, chatID, userID, name string) (*Node, error) {
	if chatID == "" || userID == "" {
		return nil, &ValidationError{Reason: "chat id and user id must be non-empty"}
	}
	if _, err := s.AddNode(ctx, NodeInput{ID: userID, Type: TypeUser, Label: userID}); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	chat, err := s.AddNode(ctx, NodeInput{
		ID:    chatID,
		Type:  TypeChat,
		Label: name,
		Properties: map[string]any{
			"archived": false,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	if _, err := s.AddEdge(ctx, EdgeInput{SourceID: chatID, TargetID: userID, Type: EdgeBelongsTo}); err != nil {
		return nil, fmt.Errorf("link chat to user: %w", err)
	}
	return chat, nil
}

// GetUserChats lists a user's chats newest-first.
func GetUserChats(ctx context.Context, s Store, userID string, limit, offset int, includeArchived bool) ([]ChatSummary, error) {
	edges, err := s.GetEdges(ctx, EdgeQuery{TargetID: userID, Type: EdgeBelongsTo})
	if err != nil {
		return nil, err
	}

	var out []ChatSummary
	for _, e := range edges {
		chat, err := s.GetNode(ctx, e.SourceID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if chat.Type != TypeChat {
			continue
		}
		archived, _ := chat.Properties["archived"].(bool)
		if archived && !includeArchived {
			continue
		}
		contains, err := s.GetEdges(ctx, EdgeQuery{SourceID: chat.ID, Type: EdgeContains})
		if err != nil {
			return nil, err
		}
		out = append(out, ChatSummary{
			ChatID:       chat.ID,
			Name:         chat.Label,
			Archived:     archived,
			MessageCount: len(contains),
			CreatedAt:    chat.CreatedAt,
			UpdatedAt:    chat.UpdatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetChatMessages returns the chat's messages oldest-first. With
// useSessionFallback set, a chat with no directly attached messages falls
// back to the pre-migration layout where messages hang off Session nodes
// that BELONGS_TO the chat.
func GetChatMessages(ctx context.Context, s Store, chatID string, limit, offset int, useSessionFallback bool) ([]Node, error) {
	msgs, err := containedMessages(ctx, s, chatID)
	if err != nil {
		return nil, err
	}

	if len(msgs) == 0 && useSessionFallback {
		sessions, err := s.GetEdges(ctx, EdgeQuery{TargetID: chatID, Type: EdgeBelongsTo})
		if err != nil {
			return nil, err
		}
		for _, se := range sessions {
			sess, err := s.GetNode(ctx, se.SourceID)
			if err != nil || sess.Type != TypeSession {
				continue
			}
			more, err := containedMessages(ctx, s, sess.ID)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, more...)
		}
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if offset > 0 {
		if offset >= len(msgs) {
			return nil, nil
		}
		msgs = msgs[offset:]
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func containedMessages(ctx context.Context, s Store, containerID string) ([]Node, error) {
	edges, err := s.GetEdges(ctx, EdgeQuery{SourceID: containerID, Type: EdgeContains})
	if err != nil {
		return nil, err
	}
	var msgs []Node
	for _, e := range edges {
		n, err := s.GetNode(ctx, e.TargetID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if n.Type == TypeChatMessage {
			msgs = append(msgs, *n)
		}
	}
	return msgs, nil
}

// ArchiveChat hides a chat from default listings.
func ArchiveChat(ctx context.Context, s Store, chatID string) error {
	return setChatArchived(ctx, s, chatID, true)
}

// UnarchiveChat restores a chat to default listings.
func UnarchiveChat(ctx context.Context, s Store, chatID string) error {
	return setChatArchived(ctx, s, chatID, false)
}

func setChatArchived(ctx context.Context, s Store, chatID string, archived bool) error {
	_, err := s.UpdateNode(ctx, chatID, NodePatch{Properties: map[string]any{"archived": archived}})
	return err
}

// UpdateChatName renames a chat.
func UpdateChatName(ctx context.Context, s Store, chatID, name string) error {
	_, err := s.UpdateNode(ctx, chatID, NodePatch{Label: &name})
	return err
}

// DeleteChat removes a chat and cascades to every message it contains.
func DeleteChat(ctx context.Context, s Store, chatID string) error {
	edges, err := s.GetEdges(ctx, EdgeQuery{SourceID: chatID, Type: EdgeContains})
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := s.DeleteNode(ctx, e.TargetID); err != nil {
			return fmt.Errorf("delete message %s: %w", e.TargetID, err)
		}
	}
	return s.DeleteNode(ctx, chatID)
}
