package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

const testTable = "test-table"

// fakeDynamo is an in-memory table that understands the key conditions and
// condition expressions the repository issues.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]types.AttributeValue

	// maxPage splits query results the way the 1 MB response limit would
	maxPage int

	// unprocessedWrites and unprocessedGets hold back the last request of the
	// next N batch calls
	unprocessedWrites int
	unprocessedGets   int

	// beforeWrite runs once, ahead of the next conditional write
	beforeWrite func(f *fakeDynamo)

	getErr        error
	putErr        error
	deleteErr     error
	queryErr      error
	batchWriteErr error
	batchGetErr   error
	txErr         error
	describeErr   error

	calls   map[string]int
	queries []*dynamodb.QueryInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items: make(map[string]map[string]map[string]types.AttributeValue),
		calls: make(map[string]int),
	}
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetItem"]++

	if f.getErr != nil {
		return nil, f.getErr
	}

	pk, sk := keyOf(in.Key)
	return &dynamodb.GetItemOutput{Item: copyItem(f.items[pk][sk])}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.runBeforeWrite()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PutItem"]++

	if f.putErr != nil {
		return nil, f.putErr
	}

	pk, sk := keyOf(in.Item)
	old := f.items[pk][sk]

	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		condErr := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		if in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			condErr.Item = copyItem(old)
		}
		return nil, condErr
	}

	f.storeLocked(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteItem"]++

	if f.deleteErr != nil {
		return nil, f.deleteErr
	}

	f.removeLocked(in.Key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Query"]++
	f.queries = append(f.queries, in)

	if f.queryErr != nil {
		return nil, f.queryErr
	}

	pk := stringAttr(in.ExpressionAttributeValues[":pk"])

	var lo, hi string
	switch aws.ToString(in.KeyConditionExpression) {
	case keyPartition:
	case keyMessageRange:
		lo = stringAttr(in.ExpressionAttributeValues[":lo"])
		hi = stringAttr(in.ExpressionAttributeValues[":hi"])
	default:
		return nil, fmt.Errorf("fake: unsupported key condition %q", aws.ToString(in.KeyConditionExpression))
	}

	sks := make([]string, 0, len(f.items[pk]))
	for sk := range f.items[pk] {
		if hi != "" && (sk < lo || sk > hi) {
			continue
		}
		sks = append(sks, sk)
	}
	sort.Strings(sks)

	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	if !forward {
		slices.Reverse(sks)
	}

	if start := in.ExclusiveStartKey; len(start) > 0 {
		_, startSK := keyOf(start)
		sks = slices.DeleteFunc(sks, func(sk string) bool {
			if forward {
				return sk <= startSK
			}
			return sk >= startSK
		})
	}

	page := len(sks)
	if in.Limit != nil {
		page = min(page, int(*in.Limit))
	}
	if f.maxPage > 0 {
		page = min(page, f.maxPage)
	}

	out := &dynamodb.QueryOutput{}
	for _, sk := range sks[:page] {
		item := copyItem(f.items[pk][sk])
		if aws.ToString(in.ProjectionExpression) == projectionKeys {
			item = map[string]types.AttributeValue{AttrPK: item[AttrPK], AttrSK: item[AttrSK]}
		}
		out.Items = append(out.Items, item)
	}
	out.Count = int32(len(out.Items))

	stoppedByLimit := in.Limit != nil && page == int(*in.Limit)
	stoppedByPage := f.maxPage > 0 && page == f.maxPage && page < len(sks)
	if page > 0 && (stoppedByLimit || stoppedByPage) {
		last := sks[page-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: pk},
			AttrSK: &types.AttributeValueMemberS{Value: last},
		}
	}

	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["BatchWriteItem"]++

	if f.batchWriteErr != nil {
		return nil, f.batchWriteErr
	}

	out := &dynamodb.BatchWriteItemOutput{}
	for table, requests := range in.RequestItems {
		if len(requests) > 25 {
			return nil, fmt.Errorf("fake: %d write requests exceed the batch limit", len(requests))
		}
		if f.unprocessedWrites > 0 && len(requests) > 0 {
			f.unprocessedWrites--
			out.UnprocessedItems = map[string][]types.WriteRequest{table: requests[len(requests)-1:]}
			requests = requests[:len(requests)-1]
		}
		for _, req := range requests {
			switch {
			case req.DeleteRequest != nil:
				f.removeLocked(req.DeleteRequest.Key)
			case req.PutRequest != nil:
				f.storeLocked(req.PutRequest.Item)
			}
		}
	}

	return out, nil
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["BatchGetItem"]++

	if f.batchGetErr != nil {
		return nil, f.batchGetErr
	}

	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, ka := range in.RequestItems {
		keys := ka.Keys
		if len(keys) > 100 {
			return nil, fmt.Errorf("fake: %d batch get keys exceed the limit", len(keys))
		}
		if f.unprocessedGets > 0 && len(keys) > 0 {
			f.unprocessedGets--
			out.UnprocessedKeys = map[string]types.KeysAndAttributes{table: {Keys: keys[len(keys)-1:]}}
			keys = keys[:len(keys)-1]
		}
		for _, key := range keys {
			pk, sk := keyOf(key)
			if item, ok := f.items[pk][sk]; ok {
				out.Responses[table] = append(out.Responses[table], copyItem(item))
			}
		}
	}

	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.runBeforeWrite()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["TransactWriteItems"]++

	if f.txErr != nil {
		return nil, f.txErr
	}
	if len(in.TransactItems) > 100 {
		return nil, fmt.Errorf("fake: %d transaction items exceed the limit", len(in.TransactItems))
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false

	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}

		var (
			cond   *string
			values map[string]types.AttributeValue
			key    map[string]types.AttributeValue
			retOld types.ReturnValuesOnConditionCheckFailure
		)
		switch {
		case ti.Put != nil:
			cond, values, key, retOld = ti.Put.ConditionExpression, ti.Put.ExpressionAttributeValues, ti.Put.Item, ti.Put.ReturnValuesOnConditionCheckFailure
		case ti.Delete != nil:
			cond, values, key, retOld = ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeValues, ti.Delete.Key, ti.Delete.ReturnValuesOnConditionCheckFailure
		default:
			return nil, fmt.Errorf("fake: unsupported transaction item %d", i)
		}

		pk, sk := keyOf(key)
		old := f.items[pk][sk]

		ok, err := evalCondition(cond, values, old)
		if err != nil {
			return nil, err
		}
		if !ok {
			failed = true
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			if retOld == types.ReturnValuesOnConditionCheckFailureAllOld {
				reasons[i].Item = copyItem(old)
			}
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.storeLocked(ti.Put.Item)
		} else {
			f.removeLocked(ti.Delete.Key)
		}
	}

	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DescribeTable"]++

	if f.describeErr != nil {
		return nil, f.describeErr
	}

	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{
			TableName:   in.TableName,
			TableStatus: types.TableStatusActive,
		},
	}, nil
}

func (f *fakeDynamo) runBeforeWrite() {
	f.mu.Lock()
	hook := f.beforeWrite
	f.beforeWrite = nil
	f.mu.Unlock()

	if hook != nil {
		hook(f)
	}
}

func (f *fakeDynamo) storeLocked(item map[string]types.AttributeValue) {
	pk, sk := keyOf(item)
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[pk][sk] = copyItem(item)
}

func (f *fakeDynamo) removeLocked(key map[string]types.AttributeValue) {
	pk, sk := keyOf(key)
	delete(f.items[pk], sk)
	if len(f.items[pk]) == 0 {
		delete(f.items, pk)
	}
}

// put seeds an item directly, bypassing conditions.
func (f *fakeDynamo) put(item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeLocked(item)
}

func (f *fakeDynamo) get(pk, sk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyItem(f.items[pk][sk])
}

// update edits a stored item in place. The item must exist.
func (f *fakeDynamo) update(pk, sk string, fn func(item map[string]types.AttributeValue)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.items[pk][sk])
}

func (f *fakeDynamo) partitionSize(pk string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items[pk])
}

func (f *fakeDynamo) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeDynamo) lastQuery() *dynamodb.QueryInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return nil
	}
	return f.queries[len(f.queries)-1]
}

func evalCondition(cond *string, values map[string]types.AttributeValue, old map[string]types.AttributeValue) (bool, error) {
	switch aws.ToString(cond) {
	case "":
		return true, nil
	case condCreate, condMessageNew:
		return old == nil, nil
	case condVersion:
		if old == nil {
			return false, nil
		}
		if _, deleting := old[AttrDeletingAt]; deleting {
			return false, nil
		}
		return numberAttr(old[AttrVersion]) == numberAttr(values[":version"]), nil
	default:
		return false, fmt.Errorf("fake: unsupported condition %q", aws.ToString(cond))
	}
}

func keyOf(item map[string]types.AttributeValue) (string, string) {
	return stringAttr(item[AttrPK]), stringAttr(item[AttrSK])
}

func stringAttr(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func numberAttr(v types.AttributeValue) string {
	if n, ok := v.(*types.AttributeValueMemberN); ok {
		return n.Value
	}
	return ""
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

// stepClock advances one second per reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestRepo(t *testing.T, opts ...Option) (*DynamoDBRepository, *fakeDynamo) {
	t.Helper()

	db := newFakeDynamo()
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	repo, err := New(db, testTable, opts...)
	require.NoError(t, err)

	return repo, db
}

// markDeletingInPlace simulates a delete that crashed after stamping the marker.
func markDeletingInPlace(db *fakeDynamo, userID, convID string) {
	db.update(ConversationKey(userID, convID), MetadataSortKey, func(item map[string]types.AttributeValue) {
		item[AttrDeletingAt] = &types.AttributeValueMemberN{Value: "1700000000"}
	})
}

// bumpVersion simulates a concurrent writer committing first.
func bumpVersion(db *fakeDynamo, userID, convID string) {
	pk := ConversationKey(userID, convID)
	db.mu.Lock()
	defer db.mu.Unlock()
	item := db.items[pk][MetadataSortKey]
	var v int64
	fmt.Sscan(numberAttr(item[AttrVersion]), &v)
	item[AttrVersion] = &types.AttributeValueMemberN{Value: fmt.Sprint(v + 1)}
}
