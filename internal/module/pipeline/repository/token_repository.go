package repository

import (
	"context"
	"fmt"
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

type TokenRepository interface {
	GetToken(ctx context.Context, chainID int, address string) (*schema.Token, bool)
	// ListTokens returns the tokens of one chain, or of every chain when chainID is 0.
	ListTokens(ctx context.Context, chainID int) []schema.Token
	UpsertToken(ctx context.Context, token schema.Token) error
	UpsertTokens(ctx context.Context, tokens []schema.Token) []database.ChunkOutcome
}

type tokenRepository struct {
	store  *database.Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewTokenRepository(store *database.Store, logger zerolog.Logger) TokenRepository {
	return &tokenRepository{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func tokenKey(chainID int, address string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"chainId": &types.AttributeValueMemberN{Value: strconv.Itoa(chainID)},
		"address": &types.AttributeValueMemberS{Value: strings.ToLower(address)},
	}
}

func (r *tokenRepository) GetToken(ctx context.Context, chainID int, address string) (*schema.Token, bool) {
	item, found := r.store.GetItem(ctx, r.store.TokensTable(), tokenKey(chainID, address))
	if !found {
		return nil, false
	}

	var token schema.Token
	if err := attributevalue.UnmarshalMap(item, &token); err != nil {
		r.logger.Error().Err(err).Msgf("Failed to unmarshal token %d:%s", chainID, address)
		r.store.Report(err, map[string]interface{}{"operation": "GetToken", "chainId": chainID, "address": address})
		return nil, false
	}
	return &token, true
}

func (r *tokenRepository) ListTokens(ctx context.Context, chainID int) []schema.Token {
	var items []map[string]types.AttributeValue
	if chainID == 0 {
		items = r.store.ScanAll(ctx, &dynamodb.ScanInput{
			TableName: aws.String(r.store.TokensTable()),
		})
	} else {
		expr, err := expression.NewBuilder().
			WithKeyCondition(expression.Key("chainId").Equal(expression.Value(chainID))).
			Build()
		if err != nil {
			r.logger.Error().Err(err).Msgf("Failed to build token query of chain %d", chainID)
			return []schema.Token{}
		}
		items = r.store.QueryAll(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(r.store.TokensTable()),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
	}

	tokens := make([]schema.Token, 0, len(items))
	for _, item := range items {
		var token schema.Token
		if err := attributevalue.UnmarshalMap(item, &token); err != nil {
			r.logger.Error().Err(err).Msg("Failed to unmarshal token, skipped")
			r.store.Report(err, map[string]interface{}{"operation": "ListTokens", "chainId": chainID})
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

func (r *tokenRepository) UpsertToken(ctx context.Context, token schema.Token) error {
	outcomes := r.UpsertTokens(ctx, []schema.Token{token})
	for _, outcome := range outcomes {
		if !outcome.Succeeded() {
			return fmt.Errorf("upsert token %d:%s: %w", token.ChainID, token.LowerAddress(), outcome.Err)
		}
	}
	if len(outcomes) == 0 {
		return fmt.Errorf("upsert token %d:%s: nothing written", token.ChainID, token.LowerAddress())
	}
	return nil
}

// UpsertTokens writes tokens through Update so existing attributes the batch
// does not carry (symbol, decimals) survive. Duplicated keys keep the last entry.
func (r *tokenRepository) UpsertTokens(ctx context.Context, tokens []schema.Token) []database.ChunkOutcome {
	lastUpdate := r.now().UnixMilli()

	deduped := make([]schema.Token, 0, len(tokens))
	position := make(map[string]int, len(tokens))
	for _, token := range tokens {
		token.Address = token.LowerAddress()
		token.LastUpdate = lastUpdate
		if token.Price == nil {
			token.Price = map[string]string{}
		}

		key := strconv.Itoa(token.ChainID) + ":" + token.Address
		if idx, ok := position[key]; ok {
			deduped[idx] = token
			continue
		}
		position[key] = len(deduped)
		deduped = append(deduped, token)
	}

	items := make([]database.UpdateItem, 0, len(deduped))
	for _, token := range deduped {
		av, err := attributevalue.MarshalMap(token)
		if err != nil {
			r.logger.Error().Err(err).Msgf("Failed to marshal token %d:%s, skipped", token.ChainID, token.Address)
			r.store.Report(err, map[string]interface{}{"operation": "UpsertTokens", "chainId": token.ChainID, "address": token.Address})
			continue
		}
		item := database.UpdateItem{
			Key:    tokenKey(token.ChainID, token.Address),
			Fields: make(map[string]types.AttributeValue, len(av)),
		}
		for name, value := range av {
			if _, isKey := item.Key[name]; isKey {
				continue
			}
			item.Fields[name] = value
		}
		items = append(items, item)
	}

	return r.store.WriteBatch(ctx, r.store.TokensTable(), items, database.WriteOptions{IgnoreStaticData: true})
}

// TokensToTokenPrices maps each priced token's lowercase address to its price.
func TokensToTokenPrices(tokens []schema.Token) map[string]map[string]string {
	prices := make(map[string]map[string]string, len(tokens))
	for _, token := range tokens {
		if len(token.Price) == 0 {
			continue
		}
		prices[token.LowerAddress()] = token.Price
	}
	return prices
}
