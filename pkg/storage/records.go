package storage

import (
	"slices"
)

// Metadata is the per-conversation item stored under MetadataSortKey
type Metadata struct {
	PK             string         `json:"-" dynamodbav:"PK"`
	SK             string         `json:"-" dynamodbav:"SK"`
	ConversationID string         `json:"id" dynamodbav:"ConversationID"`
	UserID         string         `json:"user_id" dynamodbav:"UserID"`
	Title          string         `json:"title" dynamodbav:"Title"`
	CreatedAt      int64          `json:"created_at" dynamodbav:"CreatedAt"`
	UpdatedAt      int64          `json:"updated_at" dynamodbav:"UpdatedAt"`
	Pinned         bool           `json:"pinned" dynamodbav:"Pinned"`
	Archived       bool           `json:"archived" dynamodbav:"Archived"`
	Meta           map[string]any `json:"meta" dynamodbav:"Meta"`
	FolderID       string         `json:"folder_id" dynamodbav:"FolderID"`
	Version        int64          `json:"version" dynamodbav:"Version"`
	DeletingAt     int64          `json:"deleting_at,omitempty" dynamodbav:"DeletingAt,omitempty"`
}

// Tags returns a copy of the tag list held in Meta
func (m *Metadata) Tags() []string {
	if m == nil {
		return nil
	}
	return tagsOf(m.Meta)
}

// Deleting reports whether a delete of this conversation is in flight
func (m *Metadata) Deleting() bool {
	return m != nil && m.DeletingAt != 0
}

func (m *Metadata) clone() *Metadata {
	next := *m
	next.Meta = make(map[string]any, len(m.Meta)+1)
	for k, v := range m.Meta {
		next.Meta[k] = v
	}
	if tags := tagsOf(m.Meta); tags != nil {
		next.Meta[MetaTagsKey] = tags
	}
	return &next
}

func (m *Metadata) setTags(tags []string) {
	if m.Meta == nil {
		m.Meta = make(map[string]any)
	}
	m.Meta[MetaTagsKey] = tags
}

// NewMetadata carries the caller supplied fields of a new conversation
type NewMetadata struct {
	Title    string
	Pinned   bool
	Archived bool
	Meta     map[string]any
	FolderID string
}

// MetadataUpdate overlays the non-nil fields onto the stored metadata. Meta,
// when non-nil, replaces the whole map. ExpectedVersion, when set, rejects
// the update with ErrVersionConflict unless the stored version matches
// (0 means the conversation must not exist yet).
type MetadataUpdate struct {
	Title           *string
	Pinned          *bool
	Archived        *bool
	Meta            map[string]any
	FolderID        *string
	ExpectedVersion *int64
}

// changes reports whether applying u would alter md. A non-nil Meta always
// counts as a change.
func (u MetadataUpdate) changes(md *Metadata) bool {
	return (u.Title != nil && *u.Title != md.Title) ||
		(u.Pinned != nil && *u.Pinned != md.Pinned) ||
		(u.Archived != nil && *u.Archived != md.Archived) ||
		(u.FolderID != nil && *u.FolderID != md.FolderID) ||
		u.Meta != nil
}

func (u MetadataUpdate) apply(md *Metadata) {
	if u.Title != nil {
		md.Title = *u.Title
	}
	if u.Pinned != nil {
		md.Pinned = *u.Pinned
	}
	if u.Archived != nil {
		md.Archived = *u.Archived
	}
	if u.Meta != nil {
		md.Meta = make(map[string]any, len(u.Meta))
		for k, v := range u.Meta {
			md.Meta[k] = v
		}
		if tags := tagsOf(u.Meta); tags != nil {
			md.Meta[MetaTagsKey] = tags
		}
	}
	if u.FolderID != nil {
		md.FolderID = *u.FolderID
	}
}

// Message is a single stored chat message
type Message struct {
	PK        string         `json:"-" dynamodbav:"PK"`
	SK        string         `json:"-" dynamodbav:"SK"`
	MessageID string         `json:"id" dynamodbav:"MessageID"`
	Content   string         `json:"content" dynamodbav:"Content"`
	Sender    string         `json:"sender" dynamodbav:"Sender"`
	Timestamp int64          `json:"timestamp" dynamodbav:"Timestamp"`
	Metadata  map[string]any `json:"metadata" dynamodbav:"Metadata"`
}

// NewMessage carries the caller supplied fields of a message. An empty
// MessageID is replaced with a generated UUID.
type NewMessage struct {
	MessageID string
	Content   string
	Sender    string
	Timestamp int64
	Metadata  map[string]any
}

// ListOptions controls a ListMessages call. From and To bound the message
// timestamps inclusively.
type ListOptions struct {
	Limit      int
	Cursor     string
	Descending bool
	From       *int64
	To         *int64
}

// MessagePage is one page of ListMessages. NextCursor is empty on the last page.
type MessagePage struct {
	Messages   []Message
	NextCursor string
}

// ItemKind distinguishes the items of a conversation partition
type ItemKind string

const (
	ItemKindMetadata ItemKind = "metadata"
	ItemKindMessage  ItemKind = "message"
	ItemKindUnknown  ItemKind = "unknown"
)

// Item is one decoded item of a conversation partition
type Item struct {
	Kind     ItemKind
	PK       string
	SK       string
	Metadata *Metadata
	Message  *Message
}

// tagsOf reads the tag list out of a Meta map
func tagsOf(meta map[string]any) []string {
	return stringsOf(meta[MetaTagsKey])
}

// stringsOf converts a string list held in a Meta map. Lists decoded from
// DynamoDB arrive as []any.
func stringsOf(v any) []string {
	switch s := v.(type) {
	case []string:
		return slices.Clone(s)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
