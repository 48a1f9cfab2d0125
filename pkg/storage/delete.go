package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"
)

// batchWriteLimit is the DynamoDB BatchWriteItem request limit
const batchWriteLimit = 25

// DeleteConversation removes the metadata item, every message and the tag
// index entries of a conversation.
//
// The delete runs in three steps. The metadata item is first marked with
// DeletingAt, which makes every other write to the conversation fail with
// ErrConversationDeleting. The partition and the tag index entries are then
// swept, and the metadata item is removed last. A crash before the last step
// leaves the marker in place; calling DeleteConversation again resumes the
// sweep. Deleting a conversation that does not exist is a no-op.
func (r *DynamoDBRepository) DeleteConversation(ctx context.Context, userID, convID string) error {
	pk, err := conversationKey(userID, convID)
	if err != nil {
		return err
	}

	marker, err := r.markDeleting(ctx, pk, userID, convID)
	if err != nil {
		return err
	}

	var deleted int

	err = r.queryPartition(ctx, pk, projectionKeys, func(page []map[string]types.AttributeValue) error {
		keys := make([]map[string]types.AttributeValue, 0, len(page))
		for _, item := range page {
			if getStringValue(item[AttrSK]) == MetadataSortKey {
				continue
			}
			keys = append(keys, map[string]types.AttributeValue{
				AttrPK: item[AttrPK],
				AttrSK: item[AttrSK],
			})
		}
		deleted += len(keys)
		return r.batchDelete(ctx, keys)
	})
	if err != nil {
		return fmt.Errorf("failed to sweep conversation %s: %w", convID, err)
	}

	tagKeys := make([]map[string]types.AttributeValue, 0, len(marker.Tags()))
	for _, tag := range marker.Tags() {
		tagKeys = append(tagKeys, tagIndexEntryKey(userID, convID, tag))
	}
	if err := r.batchDelete(ctx, tagKeys); err != nil {
		return fmt.Errorf("failed to remove tag index entries of conversation %s: %w", convID, err)
	}

	_, err = r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: pk},
			AttrSK: &types.AttributeValueMemberS{Value: MetadataSortKey},
		},
	})
	if err != nil {
		r.logger.Error("failed to delete conversation metadata",
			slog.String("error", err.Error()),
			slog.String("conversationId", convID))
		return fmt.Errorf("failed to delete metadata from DynamoDB table %s: %w", r.tableName, err)
	}

	r.logger.Info("conversation deleted",
		slog.String("userId", userID),
		slog.String("conversationId", convID),
		slog.Int("messages", deleted),
		slog.Int("tags", len(tagKeys)))

	return nil
}

// markDeleting stamps DeletingAt on the metadata item and returns the marked
// metadata. A conversation already being deleted is returned as is. An
// absent conversation gets a bare marker item so orphaned messages are
// still swept.
func (r *DynamoDBRepository) markDeleting(ctx context.Context, pk, userID, convID string) (*Metadata, error) {
	return retryOnConflict(ctx, r, convID, func() (*Metadata, error) {
		current, err := r.getMetadata(ctx, pk)
		if err != nil {
			return nil, err
		}

		if current.Deleting() {
			r.logger.Info("resuming interrupted conversation delete",
				slog.String("conversationId", convID),
				slog.Int64("deletingAt", current.DeletingAt))
			return current, nil
		}

		var readVersion int64
		if current != nil {
			readVersion = current.Version
		}

		marker := r.baseMetadata(current, userID, convID)
		marker.DeletingAt = r.now()

		err = r.writeMetadata(ctx, marker, readVersion, ErrVersionConflict)
		if errors.Is(err, ErrConversationDeleting) {
			// Another caller marked it first; the retry picks up its marker.
			return nil, ErrVersionConflict
		}
		if err != nil {
			return nil, err
		}

		return marker, nil
	})
}

// batchDelete removes keys in chunks of 25, issuing up to deleteConcurrency
// BatchWriteItem calls at once.
func (r *DynamoDBRepository) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	if len(keys) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.deleteConcurrency)

	for i := 0; i < len(keys); i += batchWriteLimit {
		end := min(i+batchWriteLimit, len(keys))

		requests := make([]types.WriteRequest, 0, end-i)
		for _, key := range keys[i:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: key},
			})
		}

		g.Go(func() error {
			return r.batchWrite(gctx, requests)
		})
	}

	return g.Wait()
}

// batchWrite sends one BatchWriteItem request, retrying unprocessed items
// with exponential backoff.
func (r *DynamoDBRepository) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	input := &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{
			r.tableName: requests,
		},
	}

	const maxRetries = 5
	backoff := 50 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := r.client.BatchWriteItem(ctx, input)
		if err != nil {
			r.logger.Error("failed to batch delete items",
				slog.String("error", err.Error()),
				slog.Int("items", len(input.RequestItems[r.tableName])))
			return fmt.Errorf("failed to batch delete items from DynamoDB table %s: %w", r.tableName, err)
		}

		if len(result.UnprocessedItems) == 0 {
			return nil
		}

		if attempt == maxRetries {
			return fmt.Errorf("%d unprocessed items after %d retries",
				len(result.UnprocessedItems[r.tableName]), maxRetries)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
		input.RequestItems = result.UnprocessedItems
	}

	return nil
}
