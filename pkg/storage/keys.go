package storage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	conversationPrefix = "USER#"
	tagIndexPrefix     = "TAG#"
	messagePrefix      = "MSG#"

	// MetadataSortKey is the reserved sort key of the conversation metadata item
	MetadataSortKey = "METADATA"

	// timestampWidth keeps lexical and numeric order identical for any int64 >= 0
	timestampWidth = 20

	// rangeCeiling sorts after every tiebreaker character
	rangeCeiling = "~"
)

// ConversationKey returns the partition key shared by a conversation's
// metadata item and all of its messages.
func ConversationKey(userID, convID string) string {
	return conversationPrefix + userID + "#" + convID
}

// TagIndexKey returns the partition key of the tag index for a user's tag.
func TagIndexKey(userID, tag string) string {
	return tagIndexPrefix + userID + "#" + tag
}

// MessageSortKey returns the sort key of a message. The tiebreaker keeps two
// messages with the same timestamp from sharing a key.
func MessageSortKey(timestamp int64, tiebreaker string) string {
	return fmt.Sprintf("%s%0*d#%s", messagePrefix, timestampWidth, timestamp, tiebreaker)
}

// ParseMessageSortKey splits a message sort key into its timestamp and tiebreaker.
func ParseMessageSortKey(sk string) (int64, string, error) {
	rest, ok := strings.CutPrefix(sk, messagePrefix)
	if !ok {
		return 0, "", fmt.Errorf("sort key %s is not a message sort key", sk)
	}

	ts, tiebreaker, ok := strings.Cut(rest, "#")
	if !ok || len(ts) != timestampWidth {
		return 0, "", fmt.Errorf("invalid message sort key format: %s", sk)
	}

	timestamp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid message sort key timestamp %s: %w", sk, err)
	}

	return timestamp, tiebreaker, nil
}

// messageRangeBounds returns inclusive BETWEEN bounds covering every message
// with from <= timestamp <= to. Nil bounds are open.
func messageRangeBounds(from, to *int64) (string, string, error) {
	lo := int64(0)
	hi := int64(math.MaxInt64)

	if from != nil {
		lo = *from
	}
	if to != nil {
		hi = *to
	}

	if lo < 0 || hi < 0 {
		return "", "", fmt.Errorf("%w: range bounds must not be negative", ErrInvalidTimestamp)
	}
	if lo > hi {
		return "", "", fmt.Errorf("%w: range start %d is after end %d", ErrInvalidTimestamp, lo, hi)
	}

	return fmt.Sprintf("%s%0*d", messagePrefix, timestampWidth, lo),
		fmt.Sprintf("%s%0*d#%s", messagePrefix, timestampWidth, hi, rangeCeiling),
		nil
}

func isMessageSortKey(sk string) bool {
	return strings.HasPrefix(sk, messagePrefix)
}

func validateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidID, kind)
	}
	if strings.Contains(id, "#") {
		return fmt.Errorf("%w: %s cannot contain '#'", ErrInvalidID, kind)
	}
	return nil
}

// conversationKey validates both identifiers before building the partition key.
func conversationKey(userID, convID string) (string, error) {
	if err := validateID("user ID", userID); err != nil {
		return "", err
	}
	if err := validateID("conversation ID", convID); err != nil {
		return "", err
	}
	return ConversationKey(userID, convID), nil
}

// cleanTag trims surrounding whitespace from tag and validates the result.
func cleanTag(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if err := validateTag(tag); err != nil {
		return "", err
	}
	return tag, nil
}

func validateTag(tag string) error {
	if strings.TrimSpace(tag) == "" {
		return fmt.Errorf("%w: tag cannot be empty", ErrInvalidTag)
	}
	if strings.Contains(tag, "#") {
		return fmt.Errorf("%w: tag %q cannot contain '#'", ErrInvalidTag, tag)
	}
	return nil
}
