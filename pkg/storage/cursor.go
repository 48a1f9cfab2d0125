package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// encodeCursor turns a LastEvaluatedKey into an opaque token. An empty key
// yields an empty cursor, meaning there are no further pages.
func encodeCursor(lastKey map[string]types.AttributeValue) (string, error) {
	if len(lastKey) == 0 {
		return "", nil
	}

	var key map[string]string
	if err := attributevalue.UnmarshalMap(lastKey, &key); err != nil {
		return "", fmt.Errorf("failed to decode last evaluated key: %w", err)
	}

	data, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(data), nil
}

// decodeCursor turns a token back into an ExclusiveStartKey. The key must
// belong to partition pk and point at a message inside the sort key range
// [lo, hi] of the query it will resume.
func decodeCursor(cursor, pk, lo, hi string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	var key map[string]string
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	if len(key) != 2 || key[AttrPK] != pk || !isMessageSortKey(key[AttrSK]) {
		return nil, fmt.Errorf("%w: cursor does not belong to this conversation", ErrInvalidCursor)
	}
	if key[AttrSK] < lo || key[AttrSK] > hi {
		return nil, fmt.Errorf("%w: cursor is outside the requested time range", ErrInvalidCursor)
	}

	startKey, err := attributevalue.MarshalMap(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode start key: %w", err)
	}

	return startKey, nil
}
