package storage

import (
	"context"

	"github.com/epw80/chat-store/pkg/message"
)

// ConversationRepository defines the conversation persistence operations.
// Implementations should be safe for concurrent use.
type ConversationRepository interface {
	// CreateMetadata creates the metadata item of a new conversation.
	// Returns ErrConversationExists if the conversation already exists.
	CreateMetadata(ctx context.Context, userID, convID string, in NewMetadata) (*Metadata, error)

	// CreateConversation creates a conversation with a generated ID from a
	// chat form, including the messages of its active branch.
	CreateConversation(ctx context.Context, userID string, form *message.ChatForm) (*Metadata, error)

	// GetMetadata returns the conversation metadata, or nil if it does not exist.
	GetMetadata(ctx context.Context, userID, convID string) (*Metadata, error)

	// UpdateMetadata overlays the given fields onto the stored metadata,
	// creating the conversation if it does not exist.
	UpdateMetadata(ctx context.Context, userID, convID string, update MetadataUpdate) (*Metadata, error)

	// Pin sets the pinned flag of a conversation.
	Pin(ctx context.Context, userID, convID string, pinned bool) (*Metadata, error)

	// Archive sets the archived flag of a conversation.
	Archive(ctx context.Context, userID, convID string, archived bool) (*Metadata, error)

	// InsertMessage stores a message and bumps the conversation's UpdatedAt
	// in the same transaction.
	InsertMessage(ctx context.Context, userID, convID string, in NewMessage) (*Message, error)

	// ListMessages returns one page of messages ordered by timestamp.
	ListMessages(ctx context.Context, userID, convID string, opts ListOptions) (*MessagePage, error)

	// GetAllItems returns every item of the conversation, metadata included.
	GetAllItems(ctx context.Context, userID, convID string) ([]Item, error)

	// ExportConversation rebuilds the conversation record from storage, or
	// returns nil if the conversation does not exist.
	ExportConversation(ctx context.Context, userID, convID string) (*message.Conversation, error)

	// DeleteConversation removes every item of the conversation. An
	// interrupted delete is resumed by calling it again.
	DeleteConversation(ctx context.Context, userID, convID string) error

	// AddTag adds a tag to the conversation if not already present.
	AddTag(ctx context.Context, userID, convID, tag string) (*Metadata, error)

	// RemoveTag removes a tag from the conversation. Returns false if there
	// was nothing to remove.
	RemoveTag(ctx context.Context, userID, convID, tag string) (bool, error)

	// SearchByTag returns up to limit of the user's conversations carrying
	// the tag, most recently updated first across all matches.
	SearchByTag(ctx context.Context, userID, tag string, limit int) ([]Metadata, error)

	// HealthCheck verifies the storage backend is accessible and operational.
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the repository.
	Close() error
}
