package storage

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// AddTag adds tag to the conversation, creating the conversation if it does
// not exist. Adding a tag that is already present writes nothing.
func (r *DynamoDBRepository) AddTag(ctx context.Context, userID, convID, tag string) (*Metadata, error) {
	tag, err := cleanTag(tag)
	if err != nil {
		return nil, err
	}

	return r.mutateMetadata(ctx, userID, convID, nil, func(current *Metadata) (*Metadata, []types.TransactWriteItem, error) {
		tags := current.Tags()
		if current != nil && containsTag(tags, tag) {
			return nil, nil, nil
		}

		next := r.baseMetadata(current, userID, convID)
		next.setTags(append(tags, tag))
		return next, nil, nil
	})
}

// RemoveTag removes tag from the conversation. It returns false when there
// was nothing to do: no conversation, no tags, or tag not present.
func (r *DynamoDBRepository) RemoveTag(ctx context.Context, userID, convID, tag string) (bool, error) {
	tag, err := cleanTag(tag)
	if err != nil {
		return false, err
	}

	var removed bool

	_, err = r.mutateMetadata(ctx, userID, convID, nil, func(current *Metadata) (*Metadata, []types.TransactWriteItem, error) {
		removed = false

		tags := current.Tags()
		if !containsTag(tags, tag) {
			return nil, nil, nil
		}

		next := current.clone()
		next.setTags(slices.DeleteFunc(tags, func(t string) bool { return t == tag }))
		removed = true
		return next, nil, nil
	})
	if err != nil {
		return false, err
	}

	return removed, nil
}

// SearchByTag returns up to limit of the user's conversations carrying tag,
// most recently updated first. Every index entry for the tag is read, the
// matching metadata is fetched in batches, and only then sorted and cut to
// limit.
func (r *DynamoDBRepository) SearchByTag(ctx context.Context, userID, tag string, limit int) ([]Metadata, error) {
	if err := validateID("user ID", userID); err != nil {
		return nil, err
	}
	tag, err := cleanTag(tag)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = r.opts.searchLimit
	}
	limit = min(limit, maxSearchLimit)

	var keys []map[string]types.AttributeValue
	err = r.queryPartition(ctx, TagIndexKey(userID, tag), projectionKeys, func(page []map[string]types.AttributeValue) error {
		for _, item := range page {
			keys = append(keys, map[string]types.AttributeValue{
				AttrPK: &types.AttributeValueMemberS{Value: ConversationKey(userID, getStringValue(item[AttrSK]))},
				AttrSK: &types.AttributeValueMemberS{Value: MetadataSortKey},
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query tag index: %w", err)
	}

	results := make([]Metadata, 0, min(len(keys), limit))
	for chunk := range slices.Chunk(keys, batchGetLimit) {
		rawItems, err := r.batchGet(ctx, chunk)
		if err != nil {
			return nil, err
		}

		for _, raw := range rawItems {
			var md Metadata
			if err := attributevalue.UnmarshalMap(raw, &md); err != nil {
				return nil, fmt.Errorf("failed to unmarshal conversation metadata: %w", err)
			}
			// The index and the metadata are written together, but a delete in
			// flight leaves index entries behind until its sweep finishes.
			if md.Deleting() || !containsTag(md.Tags(), tag) {
				continue
			}
			results = append(results, md)
		}
	}

	slices.SortFunc(results, func(a, b Metadata) int {
		if c := cmp.Compare(b.UpdatedAt, a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ConversationID, b.ConversationID)
	})
	if len(results) > limit {
		results = results[:limit]
	}

	r.logger.Debug("searched conversations by tag",
		slog.String("userId", userID),
		slog.String("tag", tag),
		slog.Int("matches", len(keys)),
		slog.Int("count", len(results)))

	return results, nil
}

// batchGetLimit is the most keys one BatchGetItem call accepts
const batchGetLimit = 100

// batchGet fetches up to batchGetLimit items by key, retrying unprocessed keys with
// exponential backoff.
func (r *DynamoDBRepository) batchGet(ctx context.Context, keys []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.BatchGetItemInput{
		RequestItems: map[string]types.KeysAndAttributes{
			r.tableName: {Keys: keys, ConsistentRead: aws.Bool(true)},
		},
	}

	var items []map[string]types.AttributeValue

	const maxRetries = 5
	backoff := 50 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		output, err := r.client.BatchGetItem(ctx, input)
		if err != nil {
			r.logger.Error("failed to batch get conversation metadata",
				slog.String("error", err.Error()),
				slog.Int("keys", len(keys)))
			return nil, fmt.Errorf("failed to batch get items from DynamoDB table %s: %w", r.tableName, err)
		}

		items = append(items, output.Responses[r.tableName]...)

		if len(output.UnprocessedKeys) == 0 {
			return items, nil
		}

		input.RequestItems = output.UnprocessedKeys

		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}

	return nil, fmt.Errorf("%d unprocessed keys after %d retries", len(input.RequestItems[r.tableName].Keys), maxRetries)
}
