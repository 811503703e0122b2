package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/database"
	"github.com/DODOEX/liquidity-sync/internal/database/dynamotest"
	"github.com/DODOEX/liquidity-sync/internal/database/schema"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/repository"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/service"
	"github.com/DODOEX/liquidity-sync/internal/module/shared"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRuns struct {
	mu   sync.Mutex
	runs []schema.SyncRun
}

func (r *recordingRuns) Record(_ context.Context, run *schema.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func (r *recordingRuns) Recent(_ context.Context, kind string, _ int) ([]schema.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var runs []schema.SyncRun
	for _, run := range r.runs {
		if kind == "" || run.Kind == kind {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

func (r *recordingRuns) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.runs[:0]
	var deleted int64
	for _, run := range r.runs {
		if run.StartedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, run)
	}
	r.runs = kept
	return deleted, nil
}

type syncFixture struct {
	fake      *dynamotest.FakeDynamoDB
	coinGecko *fakeCoinGecko
	tokenRepo repository.TokenRepository
	poolRepo  repository.PoolRepository
	runs      *recordingRuns
	publisher *fakePublisher
	svc       service.SyncService
}

func setupSyncService(t *testing.T) *syncFixture {
	t.Helper()

	fake := dynamotest.New()
	fake.CreateTable("pools", "id", "chainId")
	fake.CreateTable("tokens", "chainId", "address")
	store := database.NewStoreWithAPI(fake, database.StoreConfig{}, zerolog.Nop(), nil)

	cfg := shared.SetupCfg(map[string]interface{}{
		"coingecko.rate-limit-wait": "0s",
	})
	networks := testNetworks()
	coinGecko := newFakeCoinGecko()
	tokenInfo := &fakeTokenInfo{info: service.TokenInfo{Symbol: "AA", Decimals: 6}}
	aggregator := service.NewPriceAggregatorService(cfg, networks, coinGecko, tokenInfo, zerolog.Nop())

	f := &syncFixture{
		fake:      fake,
		coinGecko: coinGecko,
		tokenRepo: repository.NewTokenRepository(store, zerolog.Nop()),
		poolRepo:  repository.NewPoolRepository(store, zerolog.Nop()),
		runs:      &recordingRuns{},
		publisher: &fakePublisher{},
	}
	f.svc = service.NewSyncService(cfg, networks, aggregator, f.tokenRepo, f.poolRepo, f.runs, f.publisher, zerolog.Nop())
	return f
}

func TestSyncTokenPrices(t *testing.T) {
	f := setupSyncService(t)
	f.coinGecko.listed = []schema.Token{{ChainID: 1, Address: "0xAA", Price: map[string]string{}}}
	f.coinGecko.setPrice("ethereum", "0xaa", "1")
	f.coinGecko.native["ethereum"] = map[string]string{"usd": "2000"}

	result, err := f.svc.SyncTokenPrices(context.Background(), []int{1}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Written)
	assert.Zero(t, result.FailedChunks)
	assert.Len(t, f.fake.Items("tokens"), 2)

	token, found := f.tokenRepo.GetToken(context.Background(), 1, "0xaa")
	require.True(t, found)
	assert.Equal(t, "0xaa", token.Address)
	assert.Equal(t, 6, token.Decimals)
	assert.Equal(t, map[string]string{"usd": "1"}, token.Price)
	assert.False(t, token.NoPriceData)

	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, schema.SyncRunKindTokens, f.runs.runs[0].Kind)
	assert.Equal(t, schema.SyncRunStatusSuccess, f.runs.runs[0].Status)
	assert.Equal(t, "1", f.runs.runs[0].ChainIDs)

	require.Equal(t, []string{service.EventTokensSynced}, f.publisher.keys)
	var event service.TokensSyncedEvent
	require.NoError(t, json.Unmarshal(f.publisher.bodies[0], &event))
	assert.Equal(t, result.RunID, event.RunID)
	assert.Equal(t, []int{1}, event.ChainIDs)
}

func TestRefreshTokenPricesKeepsMetadata(t *testing.T) {
	f := setupSyncService(t)
	require.NoError(t, f.fake.Put("tokens", schema.Token{
		ChainID:  1,
		Address:  "0xbb",
		Symbol:   "BB",
		Decimals: 8,
		Price:    map[string]string{"usd": "1"},
	}))
	f.coinGecko.setPrice("ethereum", "0xbb", "1.1")

	result, err := f.svc.RefreshTokenPrices(context.Background(), 1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Written)

	token, found := f.tokenRepo.GetToken(context.Background(), 1, "0xbb")
	require.True(t, found)
	assert.Equal(t, "BB", token.Symbol)
	assert.Equal(t, 8, token.Decimals)
	assert.Equal(t, map[string]string{"usd": "1.1"}, token.Price)
}

func TestRefreshTokenPricesKeepsNativePrice(t *testing.T) {
	f := setupSyncService(t)
	native := "0x0000000000000000000000000000000000000000"
	f.coinGecko.listed = []schema.Token{{ChainID: 1, Address: "0xAA", Price: map[string]string{}}}
	f.coinGecko.setPrice("ethereum", "0xaa", "1")
	f.coinGecko.native["ethereum"] = map[string]string{"usd": "2000"}

	_, err := f.svc.SyncTokenPrices(context.Background(), []int{1}, false)
	require.NoError(t, err)

	f.coinGecko.native["ethereum"] = map[string]string{"usd": "2100"}
	result, err := f.svc.RefreshTokenPrices(context.Background(), 1, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Written)
	assert.NotContains(t, f.coinGecko.requested, native)

	token, found := f.tokenRepo.GetToken(context.Background(), 1, native)
	require.True(t, found)
	assert.Equal(t, map[string]string{"usd": "2100", "eth": "1"}, token.Price)
	assert.False(t, token.NoPriceData)
	assert.Equal(t, "eth", token.Symbol)

	// no fresh native price: the stored one stays
	delete(f.coinGecko.native, "ethereum")
	_, err = f.svc.RefreshTokenPrices(context.Background(), 1, false)
	require.NoError(t, err)

	token, found = f.tokenRepo.GetToken(context.Background(), 1, native)
	require.True(t, found)
	assert.Equal(t, "2100", token.Price["usd"])
	assert.False(t, token.NoPriceData)
}

func TestDecoratePoolsWritesChangedPools(t *testing.T) {
	f := setupSyncService(t)
	require.NoError(t, f.fake.Put("tokens", schema.Token{ChainID: 1, Address: "0xaa", Price: map[string]string{"usd": "1"}}))
	require.NoError(t, f.fake.Put("pools", schema.Pool{
		ID: "p1", ChainID: 1, Name: "Pool One", TotalLiquidity: "0", LastUpdate: 1,
		Tokens: []schema.PoolToken{{Address: "0xaa", Balance: "10"}},
	}))
	require.NoError(t, f.fake.Put("pools", schema.Pool{
		ID: "p2", ChainID: 1, TotalLiquidity: "5", LastUpdate: 1,
		Tokens: []schema.PoolToken{{Address: "0xAA", Balance: "5"}},
	}))
	require.NoError(t, f.fake.Put("pools", schema.Pool{
		ID: "p3", ChainID: 137, TotalLiquidity: "0", LastUpdate: 1,
		Tokens: []schema.PoolToken{{Address: "0xaa", Balance: "5"}},
	}))

	result, err := f.svc.DecoratePools(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Written)

	p1, found := f.poolRepo.GetPool(context.Background(), 1, "p1")
	require.True(t, found)
	assert.Equal(t, "10", p1.TotalLiquidity)
	assert.Equal(t, "Pool One", p1.Name)
	assert.Len(t, p1.Tokens, 1)
	assert.Greater(t, p1.LastUpdate, int64(1))

	p2, found := f.poolRepo.GetPool(context.Background(), 1, "p2")
	require.True(t, found)
	assert.Equal(t, int64(1), p2.LastUpdate)

	p3, found := f.poolRepo.GetPool(context.Background(), 137, "p3")
	require.True(t, found)
	assert.Equal(t, "0", p3.TotalLiquidity)

	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, schema.SyncRunKindPools, f.runs.runs[0].Kind)
	assert.Empty(t, f.publisher.keys)
}

func TestUnconfiguredChainFails(t *testing.T) {
	f := setupSyncService(t)

	_, err := f.svc.DecoratePools(context.Background(), 42)
	require.Error(t, err)
	_, err = f.svc.RefreshTokenPrices(context.Background(), 42, false)
	require.Error(t, err)

	runs, err := f.svc.RecentRuns(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, schema.SyncRunStatusFailed, run.Status)
		assert.Contains(t, run.Error, "42")
	}
	assert.Empty(t, f.fake.TransactCalls)
}

func TestPruneRuns(t *testing.T) {
	f := setupSyncService(t)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, f.runs.Record(context.Background(), &schema.SyncRun{RunID: "old", StartedAt: old}))
	require.NoError(t, f.runs.Record(context.Background(), &schema.SyncRun{RunID: "new", StartedAt: time.Now()}))

	deleted, err := f.svc.PruneRuns(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Len(t, f.runs.runs, 1)
}
