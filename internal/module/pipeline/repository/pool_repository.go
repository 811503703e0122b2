package repository

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/database"
	"github.com/DODOEX/liquidity-sync/internal/database/schema"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

type PoolRepository interface {
	GetPool(ctx context.Context, chainID int, id string) (*schema.Pool, bool)
	ListPools(ctx context.Context, chainID int) []schema.Pool
	// UpsertPools updates pools that already exist. Pools are never created here.
	UpsertPools(ctx context.Context, pools []schema.Pool, opts database.WriteOptions) []database.ChunkOutcome
}

type poolRepository struct {
	store  *database.Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewPoolRepository(store *database.Store, logger zerolog.Logger) PoolRepository {
	return &poolRepository{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func poolKey(chainID int, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id":      &types.AttributeValueMemberS{Value: id},
		"chainId": &types.AttributeValueMemberN{Value: strconv.Itoa(chainID)},
	}
}

func (r *poolRepository) GetPool(ctx context.Context, chainID int, id string) (*schema.Pool, bool) {
	item, found := r.store.GetItem(ctx, r.store.PoolsTable(), poolKey(chainID, id))
	if !found {
		return nil, false
	}

	var pool schema.Pool
	if err := attributevalue.UnmarshalMap(item, &pool); err != nil {
		r.logger.Error().Err(err).Msgf("Failed to unmarshal pool %d:%s", chainID, id)
		r.store.Report(err, map[string]interface{}{"operation": "GetPool", "chainId": chainID, "id": id})
		return nil, false
	}
	return &pool, true
}

func (r *poolRepository) ListPools(ctx context.Context, chainID int) []schema.Pool {
	input := &dynamodb.ScanInput{TableName: aws.String(r.store.PoolsTable())}
	if chainID != 0 {
		expr, err := expression.NewBuilder().
			WithFilter(expression.Name("chainId").Equal(expression.Value(chainID))).
			Build()
		if err != nil {
			r.logger.Error().Err(err).Msgf("Failed to build pool scan of chain %d", chainID)
			return []schema.Pool{}
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	items := r.store.ScanAll(ctx, input)
	pools := make([]schema.Pool, 0, len(items))
	for _, item := range items {
		var pool schema.Pool
		if err := attributevalue.UnmarshalMap(item, &pool); err != nil {
			r.logger.Error().Err(err).Msg("Failed to unmarshal pool, skipped")
			r.store.Report(err, map[string]interface{}{"operation": "ListPools", "chainId": chainID})
			continue
		}
		pools = append(pools, pool)
	}
	return pools
}

func (r *poolRepository) UpsertPools(ctx context.Context, pools []schema.Pool, opts database.WriteOptions) []database.ChunkOutcome {
	lastUpdate := r.now().UnixMilli()

	items := make([]database.UpdateItem, 0, len(pools))
	for _, pool := range pools {
		pool = lowercasePool(pool)
		pool.LastUpdate = lastUpdate
		av, err := attributevalue.MarshalMap(pool)
		if err != nil {
			r.logger.Error().Err(err).Msgf("Failed to marshal pool %d:%s, skipped", pool.ChainID, pool.ID)
			r.store.Report(err, map[string]interface{}{"operation": "UpsertPools", "chainId": pool.ChainID, "id": pool.ID})
			continue
		}

		item := database.UpdateItem{
			Key:       poolKey(pool.ChainID, pool.ID),
			Fields:    make(map[string]types.AttributeValue),
			Static:    make(map[string]types.AttributeValue),
			MustExist: true,
		}
		for name, value := range av {
			if _, isKey := item.Key[name]; isKey {
				continue
			}
			if _, static := schema.PoolStaticFields[name]; static {
				item.Static[name] = value
				continue
			}
			item.Fields[name] = value
		}
		items = append(items, item)
	}

	return r.store.WriteBatch(ctx, r.store.PoolsTable(), items, opts)
}

// lowercasePool copies the address fields of pool in lowercase; the caller's
// slices are left untouched.
func lowercasePool(pool schema.Pool) schema.Pool {
	pool.Address = strings.ToLower(pool.Address)
	if pool.TokensList != nil {
		list := make([]string, len(pool.TokensList))
		for i, address := range pool.TokensList {
			list[i] = strings.ToLower(address)
		}
		pool.TokensList = list
	}
	if pool.Tokens != nil {
		tokens := make([]schema.PoolToken, len(pool.Tokens))
		for i, token := range pool.Tokens {
			token.Address = strings.ToLower(token.Address)
			tokens[i] = token
		}
		pool.Tokens = tokens
	}
	return pool
}
