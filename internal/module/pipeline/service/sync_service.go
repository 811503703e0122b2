package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/database"
	"github.com/DODOEX/liquidity-sync/internal/database/schema"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/repository"
	"github.com/DODOEX/liquidity-sync/utils/config"
	"github.com/google/uuid"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

const EventTokensSynced = "tokens.synced"

// EventPublisher publishes pipeline events; *shared.Amqp implements it.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type TokensSyncedEvent struct {
	RunID    string `json:"runId"`
	ChainIDs []int  `json:"chainIds"`
}

type SyncResult struct {
	RunID        string         `json:"runId"`
	Kind         string         `json:"kind"`
	ChainIDs     []int          `json:"chainIds"`
	Processed    int            `json:"processed"`
	Written      int            `json:"written"`
	FailedChunks int            `json:"failedChunks"`
	Reasons      map[string]int `json:"reasons,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   time.Time      `json:"finishedAt"`
}

func (r *SyncResult) addOutcomes(outcomes []database.ChunkOutcome) {
	for _, outcome := range outcomes {
		if outcome.Succeeded() {
			r.Written += outcome.Size
			continue
		}
		r.FailedChunks++
		if r.Reasons == nil {
			r.Reasons = make(map[string]int)
		}
		r.Reasons[string(outcome.Reason)]++
	}
}

type SyncService interface {
	// SyncTokenPrices aggregates tokens of chainIDs and writes all of them.
	SyncTokenPrices(ctx context.Context, chainIDs []int, abortOnRateLimit bool) (*SyncResult, error)
	// RefreshTokenPrices re-prices the stored tokens of one chain.
	RefreshTokenPrices(ctx context.Context, chainID int, abortOnRateLimit bool) (*SyncResult, error)
	// DecoratePools recomputes pool liquidity of one chain and writes the pools that changed.
	DecoratePools(ctx context.Context, chainID int) (*SyncResult, error)
	RecentRuns(ctx context.Context, kind string, limit int) ([]schema.SyncRun, error)
	PruneRuns(ctx context.Context, retention time.Duration) (int64, error)
}

type syncService struct {
	networks   config.Networks
	aggregator PriceAggregatorService
	tokenRepo  repository.TokenRepository
	poolRepo   repository.PoolRepository
	runRepo    repository.SyncRunRepository
	publisher  EventPublisher
	touch      TouchPolicy
	now        func() time.Time
	logger     zerolog.Logger
}

func NewSyncService(
	cfg *koanf.Koanf,
	networks config.Networks,
	aggregator PriceAggregatorService,
	tokenRepo repository.TokenRepository,
	poolRepo repository.PoolRepository,
	runRepo repository.SyncRunRepository,
	publisher EventPublisher,
	logger zerolog.Logger,
) SyncService {
	return &syncService{
		networks:   networks,
		aggregator: aggregator,
		tokenRepo:  tokenRepo,
		poolRepo:   poolRepo,
		runRepo:    runRepo,
		publisher:  publisher,
		touch:      ParseTouchPolicy(cfg.String("pipeline.touch-policy")),
		now:        time.Now,
		logger:     logger,
	}
}

func (s *syncService) newResult(kind string, chainIDs []int) *SyncResult {
	return &SyncResult{
		RunID:     uuid.NewString(),
		Kind:      kind,
		ChainIDs:  chainIDs,
		StartedAt: s.now(),
	}
}

// finish stamps the result and records it in the ledger. Ledger failures are only logged.
func (s *syncService) finish(ctx context.Context, result *SyncResult, runErr error) {
	result.FinishedAt = s.now()

	ids := make([]string, len(result.ChainIDs))
	for i, id := range result.ChainIDs {
		ids[i] = strconv.Itoa(id)
	}
	reasons := make(schema.JSONCounts, len(result.Reasons))
	for reason, count := range result.Reasons {
		reasons[reason] = count
	}

	run := &schema.SyncRun{
		RunID:        result.RunID,
		Kind:         result.Kind,
		ChainIDs:     strings.Join(ids, ","),
		StartedAt:    result.StartedAt,
		FinishedAt:   result.FinishedAt,
		Processed:    result.Processed,
		Written:      result.Written,
		FailedChunks: result.FailedChunks,
		Reasons:      reasons,
		Status:       schema.SyncRunStatusSuccess,
	}
	if runErr != nil {
		run.Status = schema.SyncRunStatusFailed
		run.Error = runErr.Error()
	}

	event := s.logger.Info()
	if runErr != nil {
		event = s.logger.Error().Err(runErr)
	}
	event.Str("run_id", result.RunID).
		Str("kind", result.Kind).
		Ints("chain_ids", result.ChainIDs).
		Int("processed", result.Processed).
		Int("written", result.Written).
		Int("failed_chunks", result.FailedChunks).
		Dur("took", result.FinishedAt.Sub(result.StartedAt)).
		Msg("sync run finished")

	if s.runRepo == nil {
		return
	}
	if err := s.runRepo.Record(ctx, run); err != nil {
		s.logger.Error().Err(err).Str("run_id", result.RunID).Msg("Failed to record sync run")
	}
}

func (s *syncService) SyncTokenPrices(ctx context.Context, chainIDs []int, abortOnRateLimit bool) (*SyncResult, error) {
	result := s.newResult(schema.SyncRunKindTokens, chainIDs)

	tokens, err := s.aggregator.AggregateTokens(ctx, chainIDs, abortOnRateLimit)
	if err != nil {
		s.finish(ctx, result, err)
		return result, err
	}
	result.Processed = len(tokens)
	result.addOutcomes(s.tokenRepo.UpsertTokens(ctx, tokens))
	s.finish(ctx, result, nil)

	s.publishTokensSynced(ctx, result)
	return result, nil
}

func (s *syncService) RefreshTokenPrices(ctx context.Context, chainID int, abortOnRateLimit bool) (*SyncResult, error) {
	result := s.newResult(schema.SyncRunKindTokenPrices, []int{chainID})
	if _, ok := s.networks.Get(chainID); !ok {
		err := fmt.Errorf("chain %d is not configured", chainID)
		s.finish(ctx, result, err)
		return result, err
	}

	stored := s.tokenRepo.ListTokens(ctx, chainID)
	tokens := s.aggregator.PriceTokens(ctx, stored, abortOnRateLimit)
	result.Processed = len(tokens)
	result.addOutcomes(s.tokenRepo.UpsertTokens(ctx, tokens))
	s.finish(ctx, result, nil)

	s.publishTokensSynced(ctx, result)
	return result, nil
}

func (s *syncService) DecoratePools(ctx context.Context, chainID int) (*SyncResult, error) {
	result := s.newResult(schema.SyncRunKindPools, []int{chainID})
	if _, ok := s.networks.Get(chainID); !ok {
		err := fmt.Errorf("chain %d is not configured", chainID)
		s.finish(ctx, result, err)
		return result, err
	}

	tokens := s.tokenRepo.ListTokens(ctx, chainID)
	pools := s.poolRepo.ListPools(ctx, chainID)

	start := s.now().UnixMilli()
	decorator := NewPoolDecorator(PoolDecoratorOptions{ChainID: chainID, Touch: s.touch, Now: s.now}, s.logger)
	decorated := decorator.Decorate(pools, tokens)

	// 只写入本轮更新过的 pool，且只带动态字段
	modified := make([]schema.Pool, 0, len(decorated))
	for _, pool := range decorated {
		if pool.LastUpdate < start {
			continue
		}
		modified = append(modified, schema.Pool{
			ID:             pool.ID,
			ChainID:        pool.ChainID,
			TotalLiquidity: pool.TotalLiquidity,
			LastUpdate:     pool.LastUpdate,
		})
	}
	s.logger.Info().Msgf("Saving %d of %d pools of chain %d", len(modified), len(pools), chainID)

	result.Processed = len(modified)
	if len(modified) > 0 {
		result.addOutcomes(s.poolRepo.UpsertPools(ctx, modified, database.WriteOptions{IgnoreStaticData: true}))
	}
	s.finish(ctx, result, nil)
	return result, nil
}

func (s *syncService) publishTokensSynced(ctx context.Context, result *SyncResult) {
	if s.publisher == nil {
		return
	}
	chainIDs := result.ChainIDs
	if len(chainIDs) == 0 {
		chainIDs = s.networks.IDs()
	}
	body, err := json.Marshal(TokensSyncedEvent{RunID: result.RunID, ChainIDs: chainIDs})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, EventTokensSynced, body); err != nil {
		s.logger.Warn().Err(err).Str("run_id", result.RunID).Msg("Failed to publish tokens.synced event")
	}
}

func (s *syncService) RecentRuns(ctx context.Context, kind string, limit int) ([]schema.SyncRun, error) {
	return s.runRepo.Recent(ctx, kind, limit)
}

func (s *syncService) PruneRuns(ctx context.Context, retention time.Duration) (int64, error) {
	return s.runRepo.DeleteOlderThan(ctx, s.now().Add(-retention))
}
