package service_test

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/database/schema"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/service"
	"github.com/DODOEX/liquidity-sync/utils/config"
	"github.com/ethereum/go-ethereum"
)

// memCache 内存缓存，替代 redis
type memCache struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemCache() *memCache {
	return &memCache{values: make(map[string]string)}
}

func (c *memCache) GetCache(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *memCache) SetCache(_ context.Context, key string, value string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// fakeCoinGecko answers from fixed tables and counts calls.
type fakeCoinGecko struct {
	mu sync.Mutex

	listed []schema.Token
	// platform -> address -> currency -> price
	prices map[string]map[string]map[string]string
	native map[string]map[string]string

	// rateLimitAfter makes every TokenPrices call after the first n return ErrRateLimited; -1 disables.
	rateLimitAfter int
	listErr        error

	listCalls   int
	priceCalls  int
	simpleCalls int
	requested   []string
}

func newFakeCoinGecko() *fakeCoinGecko {
	return &fakeCoinGecko{
		prices:         make(map[string]map[string]map[string]string),
		native:         make(map[string]map[string]string),
		rateLimitAfter: -1,
	}
}

func (f *fakeCoinGecko) TokenList(_ context.Context, platforms map[string]int) ([]schema.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var tokens []schema.Token
	for _, token := range f.listed {
		for _, chainID := range platforms {
			if chainID == token.ChainID {
				tokens = append(tokens, token)
				break
			}
		}
	}
	return tokens, nil
}

func (f *fakeCoinGecko) TokenPrices(_ context.Context, platformID string, addresses []string, currencies []string) (map[string]map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	f.requested = append(f.requested, addresses...)
	if f.rateLimitAfter >= 0 && f.priceCalls > f.rateLimitAfter {
		return nil, fmt.Errorf("TokenPrices: %w", service.ErrRateLimited)
	}
	result := make(map[string]map[string]string)
	for _, address := range addresses {
		if price, ok := f.prices[platformID][strings.ToLower(address)]; ok {
			result[strings.ToLower(address)] = price
		}
	}
	return result, nil
}

func (f *fakeCoinGecko) SimplePrices(_ context.Context, ids []string, _ []string) (map[string]map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simpleCalls++
	result := make(map[string]map[string]string)
	for _, id := range ids {
		if price, ok := f.native[id]; ok {
			result[id] = price
		}
	}
	return result, nil
}

func (f *fakeCoinGecko) setPrice(platformID, address, usd string) {
	if f.prices[platformID] == nil {
		f.prices[platformID] = make(map[string]map[string]string)
	}
	f.prices[platformID][strings.ToLower(address)] = map[string]string{"usd": usd}
}

// fakeTokenInfo resolves every token to the same info.
type fakeTokenInfo struct {
	mu       sync.Mutex
	info     service.TokenInfo
	resolved []string
}

func (f *fakeTokenInfo) Supports(int) bool {
	return true
}

func (f *fakeTokenInfo) Resolve(_ context.Context, _ int, address string) service.TokenInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, address)
	return f.info
}

// fakeCaller answers eth_call by 4-byte selector.
type fakeCaller struct {
	mu        sync.Mutex
	responses map[string][]byte
	err       error
	calls     int
}

func (c *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("short calldata")
	}
	resp, ok := c.responses[fmt.Sprintf("%x", msg.Data[:4])]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return resp, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	keys   []string
	bodies [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	p.bodies = append(p.bodies, body)
	return nil
}

func testNetworks() config.Networks {
	return config.NewNetworks([]config.Chain{
		{
			ChainID: 1,
			Network: "mainnet",
			RPC:     "http://localhost:8545",
			Addresses: config.Addresses{
				NativeAsset: "0x0000000000000000000000000000000000000000",
			},
			Coingecko: config.Coingecko{
				PlatformID:             "ethereum",
				NativeAssetID:          "ethereum",
				NativeAssetPriceSymbol: "eth",
			},
		},
		{
			ChainID: 137,
			Network: "polygon",
			Coingecko: config.Coingecko{
				PlatformID: "polygon-pos",
			},
		},
		{
			ChainID: 5,
			Network: "goerli",
		},
	})
}
