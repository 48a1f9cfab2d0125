package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	appconfig "github.com/epw80/chat-store/pkg/config"
	"github.com/epw80/chat-store/pkg/message"
)

const (
	// maxTagsPerConversation keeps a tag replacement inside one transaction
	// (metadata put + removed + added index entries <= 100 items).
	maxTagsPerConversation = 40

	conflictBackoff = 20 * time.Millisecond
	maxBackoff      = 2 * time.Second
)

// API is the subset of the DynamoDB client used by DynamoDBRepository.
// *dynamodb.Client satisfies it.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBRepository implements ConversationRepository using AWS DynamoDB
type DynamoDBRepository struct {
	client    API
	tableName string
	logger    *slog.Logger
	opts      *Options
}

// LoadAWSConfig loads the AWS SDK configuration for cfg. A configured
// DynamoDB endpoint means DynamoDB Local, which takes static credentials.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	var awsCfg aws.Config
	var err error

	// If using local DynamoDB endpoint, configure with static credentials
	if cfg.DynamoDBEndpoint != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.DynamoDBRegion),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AWSAccessKey,
				cfg.AWSSecretKey,
				"",
			)),
		)
	} else {
		// Use default AWS credentials chain for production
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.DynamoDBRegion),
		)
	}

	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return awsCfg, nil
}

// NewDynamoDBClient creates a DynamoDB client, pointed at cfg.DynamoDBEndpoint
// when one is set.
func NewDynamoDBClient(awsCfg aws.Config, cfg *appconfig.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	})
}

// NewDynamoDBRepository creates a new DynamoDB-backed conversation repository
func NewDynamoDBRepository(ctx context.Context, cfg *appconfig.Config, logger *slog.Logger) (*DynamoDBRepository, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := NewDynamoDBClient(awsCfg, cfg)

	repo, err := New(client, cfg.TableName,
		WithLogger(logger),
		WithDefaultPageSize(cfg.PageSize),
		WithSearchLimit(cfg.SearchLimit),
		WithConflictRetries(cfg.ConflictRetries),
	)
	if err != nil {
		return nil, err
	}

	// Verify connection with health check
	if err := repo.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("DynamoDB health check failed: %w", err)
	}

	logger.Info("DynamoDB repository initialized",
		slog.String("region", cfg.DynamoDBRegion),
		slog.String("endpoint", cfg.DynamoDBEndpoint),
		slog.String("table", cfg.TableName))

	return repo, nil
}

// New creates a repository over an existing DynamoDB API implementation
func New(api API, tableName string, opts ...Option) (*DynamoDBRepository, error) {
	if api == nil {
		return nil, errors.New("storage: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("storage: table name must not be empty")
	}

	options := newOptions()
	for _, o := range opts {
		o(options)
	}
	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("storage: invalid options: %w", err)
	}

	return &DynamoDBRepository{
		client:    api,
		tableName: tableName,
		logger:    options.logger,
		opts:      options,
	}, nil
}

// CreateMetadata creates the metadata item of a new conversation. Tags found
// in in.Meta are indexed in the same write.
func (r *DynamoDBRepository) CreateMetadata(ctx context.Context, userID, convID string, in NewMetadata) (*Metadata, error) {
	if _, err := conversationKey(userID, convID); err != nil {
		return nil, err
	}

	md := r.newMetadata(userID, convID)
	MetadataUpdate{Meta: in.Meta}.apply(md)
	if in.Title != "" {
		md.Title = in.Title
	}
	md.Pinned = in.Pinned
	md.Archived = in.Archived
	md.FolderID = in.FolderID

	tags, err := normalizeTags(md)
	if err != nil {
		return nil, err
	}

	if err := r.writeMetadata(ctx, md, 0, ErrConversationExists, r.tagIndexWrites(userID, convID, nil, tags)...); err != nil {
		return nil, err
	}

	r.logger.Debug("conversation metadata created",
		slog.String("userId", userID),
		slog.String("conversationId", convID))

	return md, nil
}

// GetMetadata returns the conversation metadata, or nil if it does not exist
func (r *DynamoDBRepository) GetMetadata(ctx context.Context, userID, convID string) (*Metadata, error) {
	pk, err := conversationKey(userID, convID)
	if err != nil {
		return nil, err
	}
	return r.getMetadata(ctx, pk)
}

// UpdateMetadata overlays update onto the stored metadata, creating the
// conversation from the partial fields if it does not exist. An update that
// changes nothing writes nothing.
func (r *DynamoDBRepository) UpdateMetadata(ctx context.Context, userID, convID string, update MetadataUpdate) (*Metadata, error) {
	return r.mutateMetadata(ctx, userID, convID, update.ExpectedVersion, func(current *Metadata) (*Metadata, []types.TransactWriteItem, error) {
		if current != nil && !update.changes(current) {
			return nil, nil, nil
		}
		next := r.baseMetadata(current, userID, convID)
		update.apply(next)
		return next, nil, nil
	})
}

// Pin sets the pinned flag of a conversation
func (r *DynamoDBRepository) Pin(ctx context.Context, userID, convID string, pinned bool) (*Metadata, error) {
	return r.UpdateMetadata(ctx, userID, convID, MetadataUpdate{Pinned: aws.Bool(pinned)})
}

// Archive sets the archived flag of a conversation
func (r *DynamoDBRepository) Archive(ctx context.Context, userID, convID string, archived bool) (*Metadata, error) {
	return r.UpdateMetadata(ctx, userID, convID, MetadataUpdate{Archived: aws.Bool(archived)})
}

// HealthCheck verifies DynamoDB is accessible
func (r *DynamoDBRepository) HealthCheck(ctx context.Context) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(r.tableName),
	})
	if err != nil {
		return fmt.Errorf("DynamoDB health check failed: %w", err)
	}

	return nil
}

// Close releases resources (DynamoDB client doesn't need explicit cleanup)
func (r *DynamoDBRepository) Close() error {
	r.logger.Info("DynamoDB repository closed")
	return nil
}

// mutation derives the next metadata from the current one (nil if absent).
// Returning a nil metadata skips the write. Extra items join the metadata
// write in one transaction.
type mutation func(current *Metadata) (*Metadata, []types.TransactWriteItem, error)

// mutateMetadata runs a version-guarded read-modify-write of the metadata
// item. Without an expected version, conflicts are retried with backoff.
func (r *DynamoDBRepository) mutateMetadata(ctx context.Context, userID, convID string, expected *int64, mutate mutation) (*Metadata, error) {
	pk, err := conversationKey(userID, convID)
	if err != nil {
		return nil, err
	}

	attempt := func() (*Metadata, error) {
		current, err := r.getMetadata(ctx, pk)
		if err != nil {
			return nil, err
		}

		var readVersion int64
		if current != nil {
			if current.Deleting() {
				return nil, ErrConversationDeleting
			}
			readVersion = current.Version
		}

		if expected != nil && *expected != readVersion {
			return nil, fmt.Errorf("%w: expected version %d, found %d", ErrVersionConflict, *expected, readVersion)
		}

		next, extra, err := mutate(current)
		if err != nil || next == nil {
			return current, err
		}

		tags, err := normalizeTags(next)
		if err != nil {
			return nil, err
		}

		writes := append(extra, r.tagIndexWrites(userID, convID, current.Tags(), tags)...)
		next.UpdatedAt = r.now()

		if err := r.writeMetadata(ctx, next, readVersion, ErrVersionConflict, writes...); err != nil {
			return nil, err
		}

		return next, nil
	}

	if expected != nil {
		return attempt()
	}

	return retryOnConflict(ctx, r, convID, attempt)
}

// writeMetadata puts md with version readVersion+1. A readVersion of 0 means
// the item must not exist; existsErr is returned when it does. Extra items
// are written in the same transaction after the metadata put.
func (r *DynamoDBRepository) writeMetadata(ctx context.Context, md *Metadata, readVersion int64, existsErr error, extra ...types.TransactWriteItem) error {
	md.Version = readVersion + 1

	item, err := attributevalue.MarshalMap(md)
	if err != nil {
		r.logger.Error("failed to marshal conversation metadata",
			slog.String("error", err.Error()),
			slog.String("conversationId", md.ConversationID))
		return fmt.Errorf("failed to marshal conversation metadata: %w", err)
	}

	cond, names, values := metadataCondition(readVersion)

	if len(extra) == 0 {
		_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                           aws.String(r.tableName),
			Item:                                item,
			ConditionExpression:                 aws.String(cond),
			ExpressionAttributeNames:            names,
			ExpressionAttributeValues:           values,
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		})
		if err != nil {
			var condErr *types.ConditionalCheckFailedException
			if errors.As(err, &condErr) {
				return classifyConditionFailure(condErr.Item, existsErr)
			}
			r.logger.Error("failed to save conversation metadata",
				slog.String("error", err.Error()),
				slog.String("conversationId", md.ConversationID))
			return fmt.Errorf("failed to write metadata to DynamoDB table %s: %w", r.tableName, err)
		}
		return nil
	}

	transactItems := make([]types.TransactWriteItem, 0, len(extra)+1)
	transactItems = append(transactItems, types.TransactWriteItem{
		Put: &types.Put{
			TableName:                           aws.String(r.tableName),
			Item:                                item,
			ConditionExpression:                 aws.String(cond),
			ExpressionAttributeNames:            names,
			ExpressionAttributeValues:           values,
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		},
	})
	transactItems = append(transactItems, extra...)

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var txErr *types.TransactionCanceledException
		if errors.As(err, &txErr) {
			for i, reason := range txErr.CancellationReasons {
				switch aws.ToString(reason.Code) {
				case "ConditionalCheckFailed":
					if i == 0 {
						return classifyConditionFailure(reason.Item, existsErr)
					}
					return ErrMessageExists
				case "TransactionConflict":
					return fmt.Errorf("%w: concurrent transaction", ErrVersionConflict)
				}
			}
		}
		r.logger.Error("failed to write conversation transaction",
			slog.String("error", err.Error()),
			slog.String("conversationId", md.ConversationID),
			slog.Int("items", len(transactItems)))
		return fmt.Errorf("failed to write transaction to DynamoDB table %s: %w", r.tableName, err)
	}

	return nil
}

func (r *DynamoDBRepository) getMetadata(ctx context.Context, pk string) (*Metadata, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: pk},
			AttrSK: &types.AttributeValueMemberS{Value: MetadataSortKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		r.logger.Error("failed to get conversation metadata",
			slog.String("error", err.Error()),
			slog.String("pk", pk))
		return nil, fmt.Errorf("failed to get metadata from DynamoDB table %s: %w", r.tableName, err)
	}

	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	var md Metadata
	if err := attributevalue.UnmarshalMap(out.Item, &md); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation metadata: %w", err)
	}

	return &md, nil
}

func (r *DynamoDBRepository) newMetadata(userID, convID string) *Metadata {
	now := r.now()
	return &Metadata{
		PK:             ConversationKey(userID, convID),
		SK:             MetadataSortKey,
		ConversationID: convID,
		UserID:         userID,
		Title:          message.DefaultTitle,
		CreatedAt:      now,
		UpdatedAt:      now,
		Meta:           map[string]any{},
	}
}

// baseMetadata returns a mutable copy of current, or fresh metadata when the
// conversation does not exist.
func (r *DynamoDBRepository) baseMetadata(current *Metadata, userID, convID string) *Metadata {
	if current == nil {
		return r.newMetadata(userID, convID)
	}
	return current.clone()
}

// tagIndexWrites returns the index puts and deletes that move a conversation
// from the old tag set to the new one.
func (r *DynamoDBRepository) tagIndexWrites(userID, convID string, oldTags, newTags []string) []types.TransactWriteItem {
	var writes []types.TransactWriteItem

	for _, tag := range newTags {
		if containsTag(oldTags, tag) {
			continue
		}
		writes = append(writes, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(r.tableName),
				Item: map[string]types.AttributeValue{
					AttrPK:             &types.AttributeValueMemberS{Value: TagIndexKey(userID, tag)},
					AttrSK:             &types.AttributeValueMemberS{Value: convID},
					AttrConversationID: &types.AttributeValueMemberS{Value: convID},
					AttrUserID:         &types.AttributeValueMemberS{Value: userID},
				},
			},
		})
	}

	for _, tag := range oldTags {
		if containsTag(newTags, tag) {
			continue
		}
		writes = append(writes, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(r.tableName),
				Key:       tagIndexEntryKey(userID, convID, tag),
			},
		})
	}

	return writes
}

func (r *DynamoDBRepository) now() int64 {
	return r.opts.clock().Unix()
}

func tagIndexEntryKey(userID, convID, tag string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: &types.AttributeValueMemberS{Value: TagIndexKey(userID, tag)},
		AttrSK: &types.AttributeValueMemberS{Value: convID},
	}
}

func metadataCondition(readVersion int64) (string, map[string]string, map[string]types.AttributeValue) {
	if readVersion == 0 {
		return condCreate, nil, nil
	}
	return condVersion,
		map[string]string{
			"#version":  AttrVersion,
			"#deleting": AttrDeletingAt,
		},
		map[string]types.AttributeValue{
			":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(readVersion, 10)},
		}
}

// classifyConditionFailure maps a failed metadata condition to a sentinel,
// using the item returned with the failure.
func classifyConditionFailure(old map[string]types.AttributeValue, existsErr error) error {
	if _, ok := old[AttrDeletingAt]; ok {
		return ErrConversationDeleting
	}
	return existsErr
}

// normalizeTags validates and de-duplicates the tags of md in place,
// keeping first occurrences in order.
func normalizeTags(md *Metadata) ([]string, error) {
	tags := md.Tags()
	if tags == nil {
		return nil, nil
	}

	unique := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag, err := cleanTag(tag)
		if err != nil {
			return nil, err
		}
		if !containsTag(unique, tag) {
			unique = append(unique, tag)
		}
	}

	if len(unique) > maxTagsPerConversation {
		return nil, fmt.Errorf("%w: %d tags, maximum is %d", ErrTooManyTags, len(unique), maxTagsPerConversation)
	}

	md.setTags(unique)
	return unique, nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// retryOnConflict retries fn while it reports ErrVersionConflict, up to the
// configured budget, with exponential backoff.
func retryOnConflict[T any](ctx context.Context, r *DynamoDBRepository, convID string, fn func() (T, error)) (T, error) {
	backoff := conflictBackoff

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if !errors.Is(err, ErrVersionConflict) || attempt >= r.opts.conflictRetries {
			return result, err
		}

		r.logger.Debug("retrying after version conflict",
			slog.String("conversationId", convID),
			slog.Int("attempt", attempt+1))

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}
