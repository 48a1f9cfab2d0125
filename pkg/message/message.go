package message

import (
	"encoding/json"
	"errors"
)

// Role identifies the author of a chat message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultTitle is used for conversations created without a title
const DefaultTitle = "New Chat"

// UsageDetails reports token accounting for a model response
type UsageDetails struct {
	PromptTokens            int            `json:"prompt_tokens"`
	CompletionTokens        int            `json:"completion_tokens"`
	TotalTokens             int            `json:"total_tokens"`
	PromptTokensDetails     map[string]any `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails map[string]any `json:"completion_tokens_details,omitempty"`
}

// FileMeta describes an uploaded file
type FileMeta struct {
	Name           string         `json:"name"`
	ContentType    string         `json:"content_type"`
	Size           int64          `json:"size"`
	Data           map[string]any `json:"data"`
	CollectionName string         `json:"collection_name"`
}

// FileData holds extracted file content
type FileData struct {
	Content *string `json:"content,omitempty"`
}

// File is a file attached to a message
type File struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	Hash      string   `json:"hash"`
	Filename  string   `json:"filename"`
	Data      FileData `json:"data"`
	Meta      FileMeta `json:"meta"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// Source is a retrieval source cited by a message
type Source struct {
	Source    map[string]any   `json:"source"`
	Document  []string         `json:"document,omitempty"`
	Metadata  []map[string]any `json:"metadata,omitempty"`
	Distances []float64        `json:"distances,omitempty"`
}

// ChatMessage is a single node of a conversation tree
type ChatMessage struct {
	ID          string   `json:"id"`
	ParentID    *string  `json:"parentId"`
	ChildrenIDs []string `json:"childrenIds"`
	Role        Role     `json:"role"`
	Content     string   `json:"content"`
	Timestamp   int64    `json:"timestamp"`
	Models      []string `json:"models"`

	Model       *string       `json:"model,omitempty"`
	ModelName   *string       `json:"modelName,omitempty"`
	ModelIdx    *int          `json:"modelIdx,omitempty"`
	UserContext any           `json:"userContext,omitempty"`
	Usage       *UsageDetails `json:"usage,omitempty"`
	Done        *bool         `json:"done,omitempty"`
	Files       []File        `json:"files,omitempty"`
	Sources     []Source      `json:"sources,omitempty"`
}

// Messages maps message ID to message
type Messages struct {
	Messages map[string]ChatMessage `json:"messages"`
}

// History is the full message tree including edited branches
type History struct {
	Messages  map[string]ChatMessage `json:"messages"`
	CurrentID *string                `json:"currentId,omitempty"`
}

// Conversation represents a conversation with its metadata and message history.
// Messages holds the active branch in order; History holds every message.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Models    []string       `json:"models"`
	Params    map[string]any `json:"params"`
	History   History        `json:"history"`
	Messages  []ChatMessage  `json:"messages"`
	Tags      []string       `json:"tags"`
	Timestamp int64          `json:"timestamp"`
	Files     []any          `json:"files"`
}

// ChatForm is the inbound shape used to create a conversation
type ChatForm struct {
	Chat     Conversation `json:"chat"`
	FolderID string       `json:"folder_id,omitempty"`
	Pinned   bool         `json:"pinned,omitempty"`
	Archived bool         `json:"archived,omitempty"`
}

// Validation constants
const (
	MaxTitleLength = 512
)

var (
	ErrEmptyID           = errors.New("message id cannot be empty")
	ErrInvalidRole       = errors.New("invalid message role")
	ErrNegativeTimestamp = errors.New("message timestamp cannot be negative")
	ErrTitleTooLong      = errors.New("conversation title exceeds maximum length")
)

// Validate checks if the message meets all requirements
func (m *ChatMessage) Validate() error {
	if m.ID == "" {
		return ErrEmptyID
	}

	if m.Role != RoleUser && m.Role != RoleAssistant && m.Role != RoleSystem {
		return ErrInvalidRole
	}

	if m.Timestamp < 0 {
		return ErrNegativeTimestamp
	}

	return nil
}

// Validate checks the form title and every message in the active branch
func (f *ChatForm) Validate() error {
	if len(f.Chat.Title) > MaxTitleLength {
		return ErrTitleTooLong
	}

	for i := range f.Chat.Messages {
		if err := f.Chat.Messages[i].Validate(); err != nil {
			return err
		}
	}

	return nil
}

// NewHistory builds a History from an ordered branch of messages. The last
// message becomes the current one.
func NewHistory(msgs []ChatMessage) History {
	history := History{Messages: make(map[string]ChatMessage, len(msgs))}
	for _, m := range msgs {
		history.Messages[m.ID] = m
	}
	if len(msgs) > 0 {
		id := msgs[len(msgs)-1].ID
		history.CurrentID = &id
	}
	return history
}

// ToJSON converts the conversation to JSON bytes
func (c *Conversation) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// FromJSON parses JSON bytes into a chat form
func FromJSON(data []byte) (*ChatForm, error) {
	var form ChatForm
	if err := json.Unmarshal(data, &form); err != nil {
		return nil, err
	}
	return &form, nil
}
