package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// InsertMessage stores a message under a unique time-ordered sort key and
// bumps the conversation's UpdatedAt in the same transaction. The
// conversation is created with default metadata if it does not exist.
func (r *DynamoDBRepository) InsertMessage(ctx context.Context, userID, convID string, in NewMessage) (*Message, error) {
	pk, err := conversationKey(userID, convID)
	if err != nil {
		return nil, err
	}

	if in.Timestamp < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTimestamp, in.Timestamp)
	}

	// Generate UUID if not already set
	if in.MessageID == "" {
		in.MessageID = uuid.New().String()
	}

	msg := &Message{
		PK:        pk,
		SK:        MessageSortKey(in.Timestamp, r.opts.tiebreaker()),
		MessageID: in.MessageID,
		Content:   in.Content,
		Sender:    in.Sender,
		Timestamp: in.Timestamp,
		Metadata:  in.Metadata,
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}

	item, err := attributevalue.MarshalMap(msg)
	if err != nil {
		r.logger.Error("failed to marshal message",
			slog.String("error", err.Error()),
			slog.String("messageId", msg.MessageID))
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	put := types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(r.tableName),
			Item:                item,
			ConditionExpression: aws.String(condMessageNew),
		},
	}

	_, err = r.mutateMetadata(ctx, userID, convID, nil, func(current *Metadata) (*Metadata, []types.TransactWriteItem, error) {
		return r.baseMetadata(current, userID, convID), []types.TransactWriteItem{put}, nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("message saved to DynamoDB",
		slog.String("messageId", msg.MessageID),
		slog.String("conversationId", convID),
		slog.String("userId", userID))

	return msg, nil
}

// ListMessages returns one page of messages in timestamp order. Pass the
// returned NextCursor back in opts.Cursor to continue.
func (r *DynamoDBRepository) ListMessages(ctx context.Context, userID, convID string, opts ListOptions) (*MessagePage, error) {
	pk, err := conversationKey(userID, convID)
	if err != nil {
		return nil, err
	}

	lo, hi, err := messageRangeBounds(opts.From, opts.To)
	if err != nil {
		return nil, err
	}

	startKey, err := decodeCursor(opts.Cursor, pk, lo, hi)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = r.opts.defaultPageSize
	}
	limit = min(limit, maxPageSize)

	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(keyMessageRange),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
			":lo": &types.AttributeValueMemberS{Value: lo},
			":hi": &types.AttributeValueMemberS{Value: hi},
		},
		ScanIndexForward:  aws.Bool(!opts.Descending),
		Limit:             aws.Int32(int32(limit)),
		ExclusiveStartKey: startKey,
	}

	result, err := r.client.Query(ctx, input)
	if err != nil {
		r.logger.Error("failed to query messages",
			slog.String("error", err.Error()),
			slog.String("conversationId", convID))
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	messages := make([]Message, 0, len(result.Items))
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}

	next, err := encodeCursor(result.LastEvaluatedKey)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("retrieved messages from DynamoDB",
		slog.String("conversationId", convID),
		slog.Int("count", len(messages)),
		slog.Bool("more", next != ""))

	return &MessagePage{Messages: messages, NextCursor: next}, nil
}

// GetAllItems returns every item in the conversation partition, metadata
// first, then messages in timestamp order. All pages are read.
func (r *DynamoDBRepository) GetAllItems(ctx context.Context, userID, convID string) ([]Item, error) {
	pk, err := conversationKey(userID, convID)
	if err != nil {
		return nil, err
	}

	var items []Item

	err = r.queryPartition(ctx, pk, "", func(page []map[string]types.AttributeValue) error {
		for _, raw := range page {
			item, err := decodeItem(raw)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

// queryPartition walks every page of partition pk, handing each page to fn.
func (r *DynamoDBRepository) queryPartition(ctx context.Context, pk, projection string, fn func([]map[string]types.AttributeValue) error) error {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(keyPartition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ConsistentRead: aws.Bool(true),
	}
	if projection != "" {
		input.ProjectionExpression = aws.String(projection)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		output, err := r.client.Query(ctx, input)
		if err != nil {
			r.logger.Error("failed to query conversation partition",
				slog.String("error", err.Error()),
				slog.String("pk", pk))
			return fmt.Errorf("failed to query DynamoDB table %s: %w", r.tableName, err)
		}

		if err := fn(output.Items); err != nil {
			return err
		}

		if len(output.LastEvaluatedKey) == 0 {
			return nil
		}

		input.ExclusiveStartKey = output.LastEvaluatedKey
	}
}

func decodeItem(raw map[string]types.AttributeValue) (Item, error) {
	item := Item{
		Kind: ItemKindUnknown,
		PK:   getStringValue(raw[AttrPK]),
		SK:   getStringValue(raw[AttrSK]),
	}

	switch {
	case item.SK == MetadataSortKey:
		var md Metadata
		if err := attributevalue.UnmarshalMap(raw, &md); err != nil {
			return Item{}, fmt.Errorf("failed to unmarshal conversation metadata: %w", err)
		}
		item.Kind = ItemKindMetadata
		item.Metadata = &md
	case isMessageSortKey(item.SK):
		var msg Message
		if err := attributevalue.UnmarshalMap(raw, &msg); err != nil {
			return Item{}, fmt.Errorf("failed to unmarshal message %s: %w", item.SK, err)
		}
		item.Kind = ItemKindMessage
		item.Message = &msg
	}

	return item, nil
}

// getStringValue extracts the string value from a DynamoDB AttributeValue.
// It returns an empty string if the AttributeValue is not of type AttributeValueMemberS.
func getStringValue(attr types.AttributeValue) string {
	if attrValue, ok := attr.(*types.AttributeValueMemberS); ok {
		return attrValue.Value
	}

	return ""
}
