package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DODOEX/liquidity-sync/internal/database/schema"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/service"
	"github.com/DODOEX/liquidity-sync/internal/module/shared"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAggregator(chunkSize int, coinGecko service.CoinGeckoService, tokenInfo service.TokenInfoService) service.PriceAggregatorService {
	cfg := shared.SetupCfg(map[string]interface{}{
		"coingecko.chunk-size":         chunkSize,
		"coingecko.rate-limit-retries": 1,
		"coingecko.rate-limit-wait":    "0s",
	})
	return service.NewPriceAggregatorService(cfg, testNetworks(), coinGecko, tokenInfo, zerolog.Nop())
}

func byAddress(tokens []schema.Token) map[string]schema.Token {
	result := make(map[string]schema.Token, len(tokens))
	for _, token := range tokens {
		result[token.Address] = token
	}
	return result
}

func TestAggregateTokens(t *testing.T) {
	coinGecko := newFakeCoinGecko()
	coinGecko.listed = []schema.Token{
		{ChainID: 1, Address: "0xaa", Symbol: "aa", Price: map[string]string{}},
		{ChainID: 1, Address: "0xbb", Symbol: "bb", Price: map[string]string{}},
		{ChainID: 1, Address: "0xcc", Symbol: "cc", Price: map[string]string{}},
		{ChainID: 137, Address: "0xdd", Symbol: "dd", Price: map[string]string{}},
	}
	coinGecko.setPrice("ethereum", "0xaa", "1")
	coinGecko.setPrice("ethereum", "0xbb", "2")
	coinGecko.setPrice("polygon-pos", "0xdd", "3")
	coinGecko.native["ethereum"] = map[string]string{"usd": "2000"}
	tokenInfo := &fakeTokenInfo{info: service.TokenInfo{Symbol: "TKN", Decimals: 6}}

	aggregator := setupAggregator(2, coinGecko, tokenInfo)
	tokens, err := aggregator.AggregateTokens(context.Background(), nil, false)
	require.NoError(t, err)
	require.Len(t, tokens, 5)

	// native 总是最后一个
	native := tokens[len(tokens)-1]
	assert.Equal(t, 1, native.ChainID)
	assert.Equal(t, "0x0000000000000000000000000000000000000000", native.Address)
	assert.Equal(t, "eth", native.Symbol)
	assert.Equal(t, 18, native.Decimals)
	assert.Equal(t, map[string]string{"usd": "2000", "eth": "1"}, native.Price)

	tokensByAddress := byAddress(tokens)
	assert.Equal(t, map[string]string{"usd": "1"}, tokensByAddress["0xaa"].Price)
	assert.False(t, tokensByAddress["0xaa"].NoPriceData)
	assert.Equal(t, 6, tokensByAddress["0xaa"].Decimals)
	assert.Equal(t, "TKN", tokensByAddress["0xaa"].Symbol)
	assert.True(t, tokensByAddress["0xcc"].NoPriceData)
	assert.Empty(t, tokensByAddress["0xcc"].Price)
	assert.Equal(t, map[string]string{"usd": "3"}, tokensByAddress["0xdd"].Price)

	// chain 1: 2 chunks, chain 137: 1 chunk
	assert.Equal(t, 3, coinGecko.priceCalls)
	assert.Len(t, tokenInfo.resolved, 4)
}

func TestAggregateTokensAbortsOnRateLimit(t *testing.T) {
	coinGecko := newFakeCoinGecko()
	coinGecko.listed = []schema.Token{
		{ChainID: 1, Address: "0xaa", Decimals: 18},
		{ChainID: 1, Address: "0xbb", Decimals: 18},
		{ChainID: 1, Address: "0xcc", Decimals: 18},
	}
	coinGecko.setPrice("ethereum", "0xaa", "1")
	coinGecko.setPrice("ethereum", "0xbb", "2")
	coinGecko.native["ethereum"] = map[string]string{"usd": "2000"}
	coinGecko.rateLimitAfter = 1

	aggregator := setupAggregator(1, coinGecko, &fakeTokenInfo{})
	tokens, err := aggregator.AggregateTokens(context.Background(), []int{1}, true)
	require.NoError(t, err)

	require.Len(t, tokens, 1)
	assert.Equal(t, "0xaa", tokens[0].Address)
	assert.Equal(t, map[string]string{"usd": "1"}, tokens[0].Price)
	assert.Equal(t, 2, coinGecko.priceCalls)
	assert.Equal(t, 0, coinGecko.simpleCalls)
}

func TestAggregateTokensRetriesRateLimit(t *testing.T) {
	coinGecko := newFakeCoinGecko()
	coinGecko.listed = []schema.Token{
		{ChainID: 1, Address: "0xaa", Decimals: 18},
		{ChainID: 1, Address: "0xbb", Decimals: 18},
		{ChainID: 1, Address: "0xcc", Decimals: 18},
	}
	coinGecko.setPrice("ethereum", "0xaa", "1")
	coinGecko.native["ethereum"] = map[string]string{"usd": "2000"}
	coinGecko.rateLimitAfter = 1

	aggregator := setupAggregator(1, coinGecko, &fakeTokenInfo{})
	tokens, err := aggregator.AggregateTokens(context.Background(), []int{1}, false)
	require.NoError(t, err)

	// 0xbb 和 0xcc 的 chunk 重试一次后丢弃
	require.Len(t, tokens, 2)
	assert.Equal(t, "0xaa", tokens[0].Address)
	assert.Equal(t, "0x0000000000000000000000000000000000000000", tokens[1].Address)
	assert.Equal(t, 5, coinGecko.priceCalls)
}

func TestAggregateTokensListFailure(t *testing.T) {
	coinGecko := newFakeCoinGecko()
	coinGecko.listErr = errors.New("coins list unavailable")

	aggregator := setupAggregator(10, coinGecko, &fakeTokenInfo{})
	_, err := aggregator.AggregateTokens(context.Background(), []int{1}, false)
	require.Error(t, err)
	assert.Equal(t, 0, coinGecko.priceCalls)
}

func TestAggregateTokensWithoutConfiguredChain(t *testing.T) {
	coinGecko := newFakeCoinGecko()

	aggregator := setupAggregator(10, coinGecko, &fakeTokenInfo{})
	tokens, err := aggregator.AggregateTokens(context.Background(), []int{42}, false)
	require.NoError(t, err)
	assert.Empty(t, tokens)
	assert.Equal(t, 0, coinGecko.listCalls)
}

func TestPriceTokensSkipsChainWithoutPlatform(t *testing.T) {
	coinGecko := newFakeCoinGecko()
	coinGecko.setPrice("ethereum", "0xaa", "1.5")

	aggregator := setupAggregator(10, coinGecko, &fakeTokenInfo{})
	tokens := aggregator.PriceTokens(context.Background(), []schema.Token{
		{ChainID: 1, Address: "0xAA", Symbol: "AA", Decimals: 6, Price: map[string]string{"usd": "1"}},
		{ChainID: 5, Address: "0xee", Symbol: "EE", Decimals: 18},
	}, false)

	require.Len(t, tokens, 1)
	assert.Equal(t, "0xAA", tokens[0].Address)
	assert.Equal(t, "AA", tokens[0].Symbol)
	assert.Equal(t, map[string]string{"usd": "1.5"}, tokens[0].Price)
	assert.Equal(t, 1, coinGecko.priceCalls)
}

func TestAggregateTokensRebuildsListedNativeAsset(t *testing.T) {
	native := "0x0000000000000000000000000000000000000000"
	coinGecko := newFakeCoinGecko()
	coinGecko.listed = []schema.Token{
		{ChainID: 1, Address: "0xaa", Price: map[string]string{}},
		{ChainID: 1, Address: native, Price: map[string]string{}},
	}
	coinGecko.setPrice("ethereum", "0xaa", "1")
	coinGecko.native["ethereum"] = map[string]string{"usd": "2000"}

	aggregator := setupAggregator(10, coinGecko, &fakeTokenInfo{info: service.TokenInfo{Symbol: "AA", Decimals: 6}})
	tokens, err := aggregator.AggregateTokens(context.Background(), []int{1}, false)
	require.NoError(t, err)

	require.Len(t, tokens, 2)
	assert.Equal(t, []string{"0xaa"}, coinGecko.requested)
	assert.Equal(t, native, tokens[1].Address)
	assert.Equal(t, map[string]string{"usd": "2000", "eth": "1"}, tokens[1].Price)
}

func TestPriceTokensRepricesNativeAsset(t *testing.T) {
	native := "0x0000000000000000000000000000000000000000"
	coinGecko := newFakeCoinGecko()
	coinGecko.setPrice("ethereum", "0xaa", "1")
	coinGecko.native["ethereum"] = map[string]string{"usd": "2100"}

	aggregator := setupAggregator(10, coinGecko, &fakeTokenInfo{})
	tokens := aggregator.PriceTokens(context.Background(), []schema.Token{
		{ChainID: 1, Address: "0xaa", Decimals: 6, Price: map[string]string{"usd": "0.9"}},
		{ChainID: 1, Address: native, Symbol: "eth", Decimals: 18, Price: map[string]string{"usd": "2000", "eth": "1"}},
	}, true)

	require.Len(t, tokens, 2)
	assert.Equal(t, 1, coinGecko.priceCalls)
	assert.Equal(t, 1, coinGecko.simpleCalls)
	assert.Equal(t, map[string]string{"usd": "2100", "eth": "1"}, byAddress(tokens)[native].Price)

	// after an abort the stored native price passes through
	coinGecko.rateLimitAfter = 0
	tokens = aggregator.PriceTokens(context.Background(), []schema.Token{
		{ChainID: 1, Address: "0xaa", Decimals: 6},
		{ChainID: 1, Address: native, Price: map[string]string{"usd": "2000", "eth": "1"}},
	}, true)
	require.Len(t, tokens, 1)
	assert.Equal(t, native, tokens[0].Address)
	assert.Equal(t, "2000", tokens[0].Price["usd"])
	assert.Equal(t, 1, coinGecko.simpleCalls)
}
