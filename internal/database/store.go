package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/ratelimit"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MaxBatchWriteSize is the largest number of items sent in one TransactWriteItems call.
const MaxBatchWriteSize = 25

// DynamoDBAPI is the subset of the DynamoDB client used by Store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
}

// ErrorReporter receives failures nobody up the stack will see otherwise.
type ErrorReporter interface {
	CaptureException(err error, extra map[string]interface{})
}

type StoreConfig struct {
	Region           string
	Endpoint         string
	AccessKey        string
	SecretKey        string
	MaxRetries       int
	RetryDelay       time.Duration
	BatchSize        int
	WriteConcurrency int
	AliveTimeout     time.Duration
	PoolsTable       string
	TokensTable      string
}

func (c *StoreConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 50
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.BatchSize <= 0 || c.BatchSize > MaxBatchWriteSize {
		c.BatchSize = MaxBatchWriteSize
	}
	if c.WriteConcurrency <= 0 {
		c.WriteConcurrency = 16
	}
	if c.AliveTimeout <= 0 {
		c.AliveTimeout = 2 * time.Second
	}
	if c.PoolsTable == "" {
		c.PoolsTable = "pools"
	}
	if c.TokensTable == "" {
		c.TokensTable = "tokens"
	}
}

// WriteFailureReason classifies a failed chunk.
type WriteFailureReason string

const (
	ReasonThroughputExceeded WriteFailureReason = "ThroughputExceeded"
	ReasonWriteConflict      WriteFailureReason = "WriteConflict"
	ReasonUnknown            WriteFailureReason = "Unknown"
)

// ChunkOutcome is the result of one transactional chunk. A chunk is atomic:
// either every item in it was written or none was.
type ChunkOutcome struct {
	Index  int
	Size   int
	Err    error
	Reason WriteFailureReason
}

func (o ChunkOutcome) Succeeded() bool {
	return o.Err == nil
}

// UpdateItem is a partial update of one record.
type UpdateItem struct {
	Key       map[string]types.AttributeValue
	Fields    map[string]types.AttributeValue
	Static    map[string]types.AttributeValue
	MustExist bool
}

type WriteOptions struct {
	IgnoreStaticData bool // skip fields that rarely ever change
}

// Store is the DynamoDB adapter shared by the token and pool repositories.
type Store struct {
	api      DynamoDBAPI
	cfg      StoreConfig
	log      zerolog.Logger
	reporter ErrorReporter
}

func NewStore(cfg *koanf.Koanf, log zerolog.Logger, reporter ErrorReporter) *Store {
	storeCfg := StoreConfig{
		Region:           cfg.String("dynamodb.region"),
		Endpoint:         cfg.String("dynamodb.endpoint"),
		AccessKey:        cfg.String("dynamodb.access-key"),
		SecretKey:        cfg.String("dynamodb.secret-key"),
		MaxRetries:       cfg.Int("dynamodb.max-retries"),
		RetryDelay:       cfg.Duration("dynamodb.retry-delay"),
		BatchSize:        cfg.Int("dynamodb.batch-size"),
		WriteConcurrency: cfg.Int("dynamodb.write-concurrency"),
		AliveTimeout:     cfg.Duration("dynamodb.alive-timeout"),
		PoolsTable:       cfg.String("dynamodb.tables.pools"),
		TokensTable:      cfg.String("dynamodb.tables.tokens"),
	}
	storeCfg.applyDefaults()
	return &Store{cfg: storeCfg, log: log, reporter: reporter}
}

// NewStoreWithAPI builds a Store around an existing client.
func NewStoreWithAPI(api DynamoDBAPI, storeCfg StoreConfig, log zerolog.Logger, reporter ErrorReporter) *Store {
	storeCfg.applyDefaults()
	return &Store{api: api, cfg: storeCfg, log: log, reporter: reporter}
}

type fixedBackoff time.Duration

func (b fixedBackoff) BackoffDelay(int, error) (time.Duration, error) {
	return time.Duration(b), nil
}

// Connect creates the DynamoDB client. Every call made through it is retried
// up to MaxRetries times with a fixed RetryDelay between attempts.
func (s *Store) Connect(ctx context.Context) error {
	if s.api != nil {
		s.log.Info().Msg("The store is already connected!")
		return nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = s.cfg.MaxRetries
				o.Backoff = fixedBackoff(s.cfg.RetryDelay)
				o.RateLimiter = ratelimit.None
			})
		}),
	}
	if s.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.cfg.Region))
	}
	if s.cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKey, s.cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	s.api = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if s.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
		}
	})
	s.log.Info().Str("region", awsCfg.Region).Msg("Connected the store succesfully!")
	return nil
}

func (s *Store) PoolsTable() string {
	return s.cfg.PoolsTable
}

func (s *Store) TokensTable() string {
	return s.cfg.TokensTable
}

func (s *Store) BatchSize() int {
	return s.cfg.BatchSize
}

// IsAlive reports whether the store answers a ListTables call within AliveTimeout.
func (s *Store) IsAlive(ctx context.Context) bool {
	if s.api == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AliveTimeout)
	defer cancel()

	if _, err := s.api.ListTables(ctx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)}); err != nil {
		s.log.Warn().Err(err).Msg("store liveness check failed")
		return false
	}
	return true
}

// GetItem returns the item stored under key. Missing items and transport
// errors both come back as found == false; errors are logged and reported.
func (s *Store) GetItem(ctx context.Context, table string, key map[string]types.AttributeValue) (map[string]types.AttributeValue, bool) {
	if !s.ready("GetItem") {
		return nil, false
	}

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       key,
	})
	if err != nil {
		s.log.Error().Err(err).Str("table", table).Msgf("Failed to get item %s", describeKey(key))
		s.Report(err, map[string]interface{}{"operation": "GetItem", "table": table, "key": describeKey(key)})
		return nil, false
	}
	if len(out.Item) == 0 {
		return nil, false
	}
	return out.Item, true
}

// ScanAll reads every page of a scan. On failure it returns an empty result.
func (s *Store) ScanAll(ctx context.Context, input *dynamodb.ScanInput) []map[string]types.AttributeValue {
	if !s.ready("Scan") {
		return []map[string]types.AttributeValue{}
	}
	params := *input
	return s.paginate(ctx, "Scan", aws.ToString(input.TableName), func(startKey map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
		params.ExclusiveStartKey = startKey
		out, err := s.api.Scan(ctx, &params)
		if err != nil {
			return nil, nil, err
		}
		return out.Items, out.LastEvaluatedKey, nil
	})
}

// QueryAll reads every page of a query. On failure it returns an empty result.
func (s *Store) QueryAll(ctx context.Context, input *dynamodb.QueryInput) []map[string]types.AttributeValue {
	if !s.ready("Query") {
		return []map[string]types.AttributeValue{}
	}
	params := *input
	return s.paginate(ctx, "Query", aws.ToString(input.TableName), func(startKey map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
		params.ExclusiveStartKey = startKey
		out, err := s.api.Query(ctx, &params)
		if err != nil {
			return nil, nil, err
		}
		return out.Items, out.LastEvaluatedKey, nil
	})
}

type pageFunc func(startKey map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error)

func (s *Store) paginate(ctx context.Context, operation, table string, fetch pageFunc) []map[string]types.AttributeValue {
	var (
		items    []map[string]types.AttributeValue
		startKey map[string]types.AttributeValue
		pages    int
	)
	for {
		page, lastKey, err := fetch(startKey)
		if err != nil {
			s.log.Error().Err(err).Str("table", table).Msgf("Failed to %s, read %d pages before the error", strings.ToLower(operation), pages)
			s.Report(err, map[string]interface{}{"operation": operation, "table": table, "pages": pages})
			return []map[string]types.AttributeValue{}
		}
		pages++
		items = append(items, page...)
		if len(lastKey) == 0 {
			break
		}
		startKey = lastKey
	}
	s.log.Debug().Str("table", table).Int("pages", pages).Int("items", len(items)).Msgf("%s finished", operation)
	if items == nil {
		items = []map[string]types.AttributeValue{}
	}
	return items
}

// WriteBatch splits items into transactional chunks and writes the chunks
// concurrently. One chunk failing never stops the others.
func (s *Store) WriteBatch(ctx context.Context, table string, items []UpdateItem, opts WriteOptions) []ChunkOutcome {
	if !s.ready("TransactWriteItems") {
		return nil
	}

	requests := make([]types.TransactWriteItem, 0, len(items))
	for _, item := range items {
		update, err := buildUpdate(table, item, opts)
		if err != nil {
			s.log.Error().Err(err).Str("table", table).Msg("Skipping malformed update item")
			s.Report(err, map[string]interface{}{"operation": "TransactWriteItems", "table": table, "key": describeKey(item.Key)})
			continue
		}
		if update == nil {
			continue
		}
		requests = append(requests, types.TransactWriteItem{Update: update})
	}

	var chunks [][]types.TransactWriteItem
	for i := 0; i < len(requests); i += s.cfg.BatchSize {
		end := i + s.cfg.BatchSize
		if end > len(requests) {
			end = len(requests)
		}
		chunks = append(chunks, requests[i:end])
	}

	outcomes := make([]ChunkOutcome, len(chunks))
	var g errgroup.Group
	g.SetLimit(s.cfg.WriteConcurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			outcomes[i] = s.writeChunk(ctx, table, i, chunk)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (s *Store) writeChunk(ctx context.Context, table string, index int, chunk []types.TransactWriteItem) ChunkOutcome {
	outcome := ChunkOutcome{Index: index, Size: len(chunk)}
	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: chunk})
	if err == nil {
		return outcome
	}

	outcome.Err = err
	outcome.Reason = ClassifyWriteError(err)
	switch outcome.Reason {
	case ReasonThroughputExceeded:
		s.log.Error().Str("table", table).Int("chunk", index).Msg("Unable to update items - Table Throughput exceeded")
	case ReasonWriteConflict:
		s.log.Error().Str("table", table).Int("chunk", index).Msg("Unable to update items - Conflict with concurrent update")
	default:
		keys := chunkKeys(chunk)
		s.log.Error().Err(err).Str("table", table).Int("chunk", index).Strs("keys", keys).Msg("Unable to update items")
		s.Report(err, map[string]interface{}{"operation": "TransactWriteItems", "table": table, "chunk": index, "keys": keys})
	}
	return outcome
}

// ClassifyWriteError maps a TransactWriteItems error onto a WriteFailureReason.
func ClassifyWriteError(err error) WriteFailureReason {
	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return ReasonThroughputExceeded
	}
	var conflict *types.TransactionConflictException
	if errors.As(err, &conflict) {
		return ReasonWriteConflict
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			switch aws.ToString(reason.Code) {
			case "TransactionConflict":
				return ReasonWriteConflict
			case "ProvisionedThroughputExceeded", "ThrottlingError":
				return ReasonThroughputExceeded
			}
		}
		if strings.Contains(canceled.ErrorMessage(), "TransactionConflict") {
			return ReasonWriteConflict
		}
		return ReasonUnknown
	}
	// retries exhausted on a throttled request
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "RequestLimitExceeded":
			return ReasonThroughputExceeded
		case "TransactionConflictException":
			return ReasonWriteConflict
		}
	}
	return ReasonUnknown
}

// attributeValue passes an already marshalled value through the expression builder.
type attributeValue struct {
	av types.AttributeValue
}

func (v attributeValue) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return v.av, nil
}

// buildUpdate returns nil, nil when the item has nothing to set.
func buildUpdate(table string, item UpdateItem, opts WriteOptions) (*types.Update, error) {
	if len(item.Key) == 0 {
		return nil, errors.New("update item without key")
	}

	fields := make(map[string]types.AttributeValue, len(item.Fields)+len(item.Static))
	for name, value := range item.Fields {
		fields[name] = value
	}
	if !opts.IgnoreStaticData {
		for name, value := range item.Static {
			fields[name] = value
		}
	}
	for name := range item.Key {
		delete(fields, name)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	var set expression.UpdateBuilder
	for _, name := range sortedNames(fields) {
		set = set.Set(expression.Name(name), expression.Value(attributeValue{av: fields[name]}))
	}
	builder := expression.NewBuilder().WithUpdate(set)
	if item.MustExist {
		builder = builder.WithCondition(expression.AttributeExists(expression.Name(sortedNames(item.Key)[0])))
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build update expression: %w", err)
	}

	return &types.Update{
		TableName:                 aws.String(table),
		Key:                       item.Key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, nil
}

func (s *Store) ready(operation string) bool {
	if s.api != nil {
		return true
	}
	s.log.Error().Msgf("store is not connected, skipping %s", operation)
	return false
}

// Report forwards err to the error reporter, if one is configured.
func (s *Store) Report(err error, extra map[string]interface{}) {
	if s.reporter != nil {
		s.reporter.CaptureException(err, extra)
	}
}

func sortedNames(m map[string]types.AttributeValue) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func chunkKeys(chunk []types.TransactWriteItem) []string {
	keys := make([]string, 0, len(chunk))
	for _, item := range chunk {
		if item.Update != nil {
			keys = append(keys, describeKey(item.Update.Key))
		}
	}
	return keys
}

func describeKey(key map[string]types.AttributeValue) string {
	parts := make([]string, 0, len(key))
	for _, name := range sortedNames(key) {
		switch v := key[name].(type) {
		case *types.AttributeValueMemberS:
			parts = append(parts, name+"="+v.Value)
		case *types.AttributeValueMemberN:
			parts = append(parts, name+"="+v.Value)
		default:
			parts = append(parts, name+"=?")
		}
	}
	return strings.Join(parts, ",")
}
