package storage

import "errors"

var (
	ErrInvalidID            = errors.New("invalid identifier")
	ErrInvalidTag           = errors.New("invalid tag")
	ErrTooManyTags          = errors.New("too many tags on conversation")
	ErrInvalidTimestamp     = errors.New("invalid message timestamp")
	ErrInvalidCursor        = errors.New("invalid continuation cursor")
	ErrConversationExists   = errors.New("conversation already exists")
	ErrConversationDeleting = errors.New("conversation is being deleted")
	ErrVersionConflict      = errors.New("conversation was modified concurrently")
	ErrMessageExists        = errors.New("message sort key already exists")
)
