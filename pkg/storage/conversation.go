package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/epw80/chat-store/pkg/message"
	"github.com/google/uuid"
)

// Meta keys written by CreateConversation besides MetaTagsKey
const (
	metaModelsKey = "models"
	metaParamsKey = "params"
)

// message fields stored as top-level attributes rather than in Metadata
var messageColumns = []string{"id", "role", "content", "timestamp"}

// CreateConversation creates a conversation with a generated ID from form.
// The chat's tags, models and params go into Meta; the messages of the
// active branch are stored in order.
func (r *DynamoDBRepository) CreateConversation(ctx context.Context, userID string, form *message.ChatForm) (*Metadata, error) {
	if form == nil {
		return nil, errors.New("storage: chat form must not be nil")
	}
	if err := form.Validate(); err != nil {
		return nil, err
	}

	convID := uuid.NewString()
	chat := form.Chat

	meta := map[string]any{}
	if chat.Tags != nil {
		meta[MetaTagsKey] = slices.Clone(chat.Tags)
	}
	if chat.Models != nil {
		meta[metaModelsKey] = slices.Clone(chat.Models)
	}
	if chat.Params != nil {
		meta[metaParamsKey] = chat.Params
	}

	if _, err := r.CreateMetadata(ctx, userID, convID, NewMetadata{
		Title:    chat.Title,
		Pinned:   form.Pinned,
		Archived: form.Archived,
		Meta:     meta,
		FolderID: form.FolderID,
	}); err != nil {
		return nil, err
	}

	for i := range chat.Messages {
		in, err := newMessageFromChat(&chat.Messages[i])
		if err != nil {
			return nil, err
		}
		if _, err := r.InsertMessage(ctx, userID, convID, in); err != nil {
			return nil, fmt.Errorf("failed to store message %s: %w", in.MessageID, err)
		}
	}

	r.logger.Info("conversation created",
		slog.String("userId", userID),
		slog.String("conversationId", convID),
		slog.Int("messages", len(chat.Messages)))

	return r.GetMetadata(ctx, userID, convID)
}

// ExportConversation rebuilds the conversation record from its stored items.
// It returns nil when the conversation has no items.
func (r *DynamoDBRepository) ExportConversation(ctx context.Context, userID, convID string) (*message.Conversation, error) {
	items, err := r.GetAllItems(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	conv := &message.Conversation{
		ID:       convID,
		Title:    message.DefaultTitle,
		Tags:     []string{},
		Models:   []string{},
		Params:   map[string]any{},
		Messages: []message.ChatMessage{},
		Files:    []any{},
	}

	for _, item := range items {
		switch item.Kind {
		case ItemKindMetadata:
			md := item.Metadata
			conv.Title = md.Title
			conv.Timestamp = md.UpdatedAt
			if tags := md.Tags(); tags != nil {
				conv.Tags = tags
			}
			if models := stringsOf(md.Meta[metaModelsKey]); models != nil {
				conv.Models = models
			}
			if params, ok := md.Meta[metaParamsKey].(map[string]any); ok {
				conv.Params = params
			}
		case ItemKindMessage:
			cm, err := chatFromMessage(item.Message)
			if err != nil {
				return nil, err
			}
			conv.Messages = append(conv.Messages, cm)
		}
	}

	conv.History = message.NewHistory(conv.Messages)

	return conv, nil
}

// newMessageFromChat maps a chat message onto a stored message. Everything
// besides the id, role, content and timestamp is kept in Metadata.
func newMessageFromChat(cm *message.ChatMessage) (NewMessage, error) {
	raw, err := json.Marshal(cm)
	if err != nil {
		return NewMessage{}, fmt.Errorf("failed to marshal chat message %s: %w", cm.ID, err)
	}

	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err != nil {
		return NewMessage{}, fmt.Errorf("failed to unmarshal chat message %s: %w", cm.ID, err)
	}
	for _, k := range messageColumns {
		delete(extra, k)
	}

	return NewMessage{
		MessageID: cm.ID,
		Content:   cm.Content,
		Sender:    string(cm.Role),
		Timestamp: cm.Timestamp,
		Metadata:  extra,
	}, nil
}

func chatFromMessage(msg *Message) (message.ChatMessage, error) {
	fields := make(map[string]any, len(msg.Metadata)+len(messageColumns))
	for k, v := range msg.Metadata {
		fields[k] = v
	}
	fields["id"] = msg.MessageID
	fields["role"] = msg.Sender
	fields["content"] = msg.Content
	fields["timestamp"] = msg.Timestamp

	raw, err := json.Marshal(fields)
	if err != nil {
		return message.ChatMessage{}, fmt.Errorf("failed to marshal message %s: %w", msg.MessageID, err)
	}

	var cm message.ChatMessage
	if err := json.Unmarshal(raw, &cm); err != nil {
		return message.ChatMessage{}, fmt.Errorf("failed to rebuild chat message %s: %w", msg.MessageID, err)
	}

	return cm, nil
}
