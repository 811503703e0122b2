// Package dynamotest provides an in-memory stand-in for the DynamoDB client.
// It understands just enough of the API for the store and repository tests:
// paginated Scan/Query with an optional chainId equality filter, GetItem,
// and TransactWriteItems made of `SET` updates with an optional existence
// condition, as produced by the expression builder.
package dynamotest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const offsetAttr = "__offset"

type table struct {
	keyNames []string
	items    []map[string]types.AttributeValue
}

type FakeDynamoDB struct {
	mu     sync.Mutex
	tables map[string]*table

	// PageSize caps the items returned per Scan/Query page. Zero means unlimited.
	PageSize int

	// FailTransact, when set, is consulted before each TransactWriteItems call;
	// a non-nil error fails that call without applying it.
	FailTransact func(input *dynamodb.TransactWriteItemsInput) error
	// FailRead fails Scan/Query calls on the given page number (1-based); 0 disables.
	FailRead      int
	GetItemErr    error
	ListTablesErr error

	TransactCalls []*dynamodb.TransactWriteItemsInput
	ScanCalls     []*dynamodb.ScanInput
	QueryCalls    []*dynamodb.QueryInput
}

func New() *FakeDynamoDB {
	return &FakeDynamoDB{tables: make(map[string]*table)}
}

// CreateTable registers a table and its key attribute names.
func (f *FakeDynamoDB) CreateTable(name string, keyNames ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{keyNames: keyNames}
}

// Put stores v (a struct or an attribute map), replacing any item with the same key.
func (f *FakeDynamoDB) Put(tableName string, v interface{}) error {
	item, ok := v.(map[string]types.AttributeValue)
	if !ok {
		var err error
		item, err = attributevalue.MarshalMap(v)
		if err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(tableName)
	if err != nil {
		return err
	}
	if idx := t.find(t.keyOf(item)); idx >= 0 {
		t.items[idx] = item
		return nil
	}
	t.items = append(t.items, item)
	return nil
}

// Items returns the stored items of a table in insertion order.
func (f *FakeDynamoDB) Items(tableName string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]map[string]types.AttributeValue, len(t.items))
	copy(out, t.items)
	return out
}

// Find returns the item stored under key.
func (f *FakeDynamoDB) Find(tableName string, key map[string]types.AttributeValue) (map[string]types.AttributeValue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil, false
	}
	idx := t.find(t.keyOf(key))
	if idx < 0 {
		return nil, false
	}
	return t.items[idx], true
}

func (f *FakeDynamoDB) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.GetItemErr != nil {
		return nil, f.GetItemErr
	}
	item, _ := f.Find(aws.ToString(params.TableName), params.Key)
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *FakeDynamoDB) Scan(_ context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	f.ScanCalls = append(f.ScanCalls, params)
	page := len(f.ScanCalls)
	f.mu.Unlock()

	chainID, filtered := chainIDCondition(params.FilterExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	items, last, err := f.page(aws.ToString(params.TableName), chainID, filtered, params.ExclusiveStartKey, page)
	if err != nil {
		return nil, err
	}
	return &dynamodb.ScanOutput{Items: items, LastEvaluatedKey: last, Count: int32(len(items))}, nil
}

func (f *FakeDynamoDB) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	f.QueryCalls = append(f.QueryCalls, params)
	page := len(f.QueryCalls)
	f.mu.Unlock()

	chainID, filtered := chainIDCondition(params.KeyConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	items, last, err := f.page(aws.ToString(params.TableName), chainID, filtered, params.ExclusiveStartKey, page)
	if err != nil {
		return nil, err
	}
	return &dynamodb.QueryOutput{Items: items, LastEvaluatedKey: last, Count: int32(len(items))}, nil
}

func (f *FakeDynamoDB) TransactWriteItems(_ context.Context, params *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	f.TransactCalls = append(f.TransactCalls, params)
	fail := f.FailTransact
	f.mu.Unlock()

	if fail != nil {
		if err := fail(params); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	canceled := false
	for i, item := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if item.Update == nil {
			continue
		}
		t, err := f.table(aws.ToString(item.Update.TableName))
		if err != nil {
			return nil, err
		}
		if item.Update.ConditionExpression != nil && t.find(t.keyOf(item.Update.Key)) < 0 {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			canceled = true
		}
	}
	if canceled {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons [ConditionalCheckFailed]"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range params.TransactItems {
		if item.Update == nil {
			continue
		}
		t, _ := f.table(aws.ToString(item.Update.TableName))
		t.apply(item.Update)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *FakeDynamoDB) ListTables(_ context.Context, _ *dynamodb.ListTablesInput, _ ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error) {
	if f.ListTablesErr != nil {
		return nil, f.ListTablesErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.tables))
	for name := range f.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return &dynamodb.ListTablesOutput{TableNames: names}, nil
}

func (f *FakeDynamoDB) page(tableName string, chainID types.AttributeValue, filtered bool, startKey map[string]types.AttributeValue, call int) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	if f.FailRead > 0 && call == f.FailRead {
		return nil, nil, errors.New("dynamotest: read failed")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(tableName)
	if err != nil {
		return nil, nil, err
	}

	var matched []map[string]types.AttributeValue
	for _, item := range t.items {
		if filtered && !sameNumber(item["chainId"], chainID) {
			continue
		}
		matched = append(matched, item)
	}

	offset := 0
	if n, ok := startKey[offsetAttr].(*types.AttributeValueMemberN); ok {
		offset, _ = strconv.Atoi(n.Value)
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := len(matched)
	if f.PageSize > 0 && offset+f.PageSize < end {
		end = offset + f.PageSize
	}

	var last map[string]types.AttributeValue
	if end < len(matched) {
		last = map[string]types.AttributeValue{offsetAttr: &types.AttributeValueMemberN{Value: strconv.Itoa(end)}}
	}
	return matched[offset:end], last, nil
}

func (f *FakeDynamoDB) table(name string) (*table, error) {
	t, ok := f.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: " + name)}
	}
	return t, nil
}

func (t *table) keyOf(item map[string]types.AttributeValue) string {
	parts := make([]string, 0, len(t.keyNames))
	for _, name := range t.keyNames {
		parts = append(parts, name+"="+scalar(item[name]))
	}
	return strings.Join(parts, "|")
}

func (t *table) find(key string) int {
	for i, item := range t.items {
		if t.keyOf(item) == key {
			return i
		}
	}
	return -1
}

func (t *table) apply(update *types.Update) {
	idx := t.find(t.keyOf(update.Key))
	var item map[string]types.AttributeValue
	if idx >= 0 {
		item = make(map[string]types.AttributeValue, len(t.items[idx]))
		for name, value := range t.items[idx] {
			item[name] = value
		}
	} else {
		item = make(map[string]types.AttributeValue)
		for name, value := range update.Key {
			item[name] = value
		}
	}
	for name, value := range assignments(update) {
		item[name] = value
	}
	if idx >= 0 {
		t.items[idx] = item
		return
	}
	t.items = append(t.items, item)
}

// assignments resolves the `SET a = :v, ...` clauses of an update expression.
func assignments(update *types.Update) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue)
	expr := strings.TrimSpace(aws.ToString(update.UpdateExpression))
	if !strings.HasPrefix(expr, "SET") {
		return out
	}
	for _, clause := range strings.Split(strings.TrimPrefix(expr, "SET"), ",") {
		name, value, ok := equality(clause, update.ExpressionAttributeNames, update.ExpressionAttributeValues)
		if ok {
			out[name] = value
		}
	}
	return out
}

// chainIDCondition extracts the value of a `chainId = :v` key condition or filter.
func chainIDCondition(expr *string, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, bool) {
	if expr == nil {
		return nil, false
	}
	for _, clause := range strings.Split(aws.ToString(expr), " AND ") {
		name, value, ok := equality(strings.Trim(clause, "() "), names, values)
		if ok && name == "chainId" {
			return value, true
		}
	}
	return nil, false
}

func equality(clause string, names map[string]string, values map[string]types.AttributeValue) (string, types.AttributeValue, bool) {
	parts := strings.SplitN(clause, "=", 2)
	if len(parts) != 2 {
		return "", nil, false
	}
	name := strings.TrimSpace(parts[0])
	if resolved, ok := names[name]; ok {
		name = resolved
	}
	value, ok := values[strings.TrimSpace(parts[1])]
	return name, value, ok
}

func scalar(v types.AttributeValue) string {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return av.Value
	case *types.AttributeValueMemberN:
		return av.Value
	default:
		return ""
	}
}

func sameNumber(a, b types.AttributeValue) bool {
	an, ok := a.(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	bn, ok := b.(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	return an.Value == bn.Value
}
