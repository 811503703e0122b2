package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/service"
	"github.com/DODOEX/liquidity-sync/utils/config"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	amqplib "github.com/streadway/amqp"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
)

// EventConsumer subscribes to pipeline events; *shared.Amqp implements it.
// A nil channel with a nil error means events are disabled.
type EventConsumer interface {
	Consume(queue string, routingKey string) (<-chan amqplib.Delivery, error)
}

type Options struct {
	TokenInterval     time.Duration
	DecorateInterval  time.Duration
	RetentionInterval time.Duration
	Retention         time.Duration
	AbortOnRateLimit  bool
	Queue             string
	// ResubscribeDelay is the pause before consuming again after the queue closed.
	ResubscribeDelay time.Duration
}

// Scheduler 定时触发同步任务，并在 tokens.synced 事件后装饰 pool
type Scheduler struct {
	SyncService service.SyncService
	Networks    config.Networks
	Consumer    EventConsumer
	Options     Options
	Logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(lc fx.Lifecycle, cfg *koanf.Koanf, networks config.Networks, syncService service.SyncService, consumer EventConsumer, logger zerolog.Logger) *Scheduler {
	s := New(networks, syncService, consumer, Options{
		TokenInterval:     cfg.Duration("scheduler.token-interval"),
		DecorateInterval:  cfg.Duration("scheduler.decorate-interval"),
		RetentionInterval: cfg.Duration("scheduler.retention-interval"),
		Retention:         cfg.Duration("scheduler.retention"),
		AbortOnRateLimit:  cfg.Bool("pipeline.abort-on-rate-limit"),
		Queue:             cfg.String("amqp.queue"),
		ResubscribeDelay:  5 * time.Second,
	}, logger)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			s.Stop()
			return nil
		},
	})
	return s
}

func New(networks config.Networks, syncService service.SyncService, consumer EventConsumer, opts Options, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		SyncService: syncService,
		Networks:    networks,
		Consumer:    consumer,
		Options:     opts,
		Logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Scheduler) Stop() {
	s.cancel()
}

func (s *Scheduler) every(name string, interval time.Duration, task func(ctx context.Context)) {
	if interval <= 0 {
		s.Logger.Info().Msgf("%s disabled", name)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			task(s.ctx)
		}
	}
}

// StartSyncTokens 定时同步所有链的 token 价格
func (s *Scheduler) StartSyncTokens() {
	s.every("token sync", s.Options.TokenInterval, func(ctx context.Context) {
		if _, err := s.SyncService.SyncTokenPrices(ctx, nil, s.Options.AbortOnRateLimit); err != nil {
			s.Logger.Error().Err(err).Msg("处理 SyncTokenPrices 失败")
			return
		}
		s.Logger.Info().Msg("处理 SyncTokenPrices 成功")
	})
}

// StartDecoratePools 定时重新计算所有链的 pool 流动性
func (s *Scheduler) StartDecoratePools() {
	s.every("pool decoration", s.Options.DecorateInterval, func(ctx context.Context) {
		s.DecorateChains(ctx, s.Networks.IDs())
	})
}

func (s *Scheduler) StartPruneRuns() {
	if s.Options.Retention <= 0 {
		s.Logger.Info().Msg("sync run retention disabled")
		return
	}
	s.every("sync run retention", s.Options.RetentionInterval, func(ctx context.Context) {
		deleted, err := s.SyncService.PruneRuns(ctx, s.Options.Retention)
		if err != nil {
			s.Logger.Error().Err(err).Msg("处理 PruneRuns 失败")
			return
		}
		s.Logger.Info().Msgf("处理 PruneRuns 成功, 删除 %d 条", deleted)
	})
}

// DecorateChains decorates the pools of every chain concurrently. A failing
// chain is logged and does not stop the others.
func (s *Scheduler) DecorateChains(ctx context.Context, chainIDs []int) {
	g, gctx := errgroup.WithContext(ctx)
	for _, chainID := range chainIDs {
		chainID := chainID
		g.Go(func() error {
			result, err := s.SyncService.DecoratePools(gctx, chainID)
			if err != nil {
				s.Logger.Error().Err(err).Msgf("处理 DecoratePools 失败, chain %d", chainID)
				return nil
			}
			s.Logger.Info().Msgf("处理 DecoratePools 成功, chain %d, 写入 %d 个 pool", chainID, result.Written)
			return nil
		})
	}
	_ = g.Wait()
}

// HandleTokensSynced decorates the chains named by a tokens.synced event.
func (s *Scheduler) HandleTokensSynced(ctx context.Context, body []byte) error {
	var event service.TokensSyncedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("decode %s event: %w", service.EventTokensSynced, err)
	}

	chainIDs := event.ChainIDs
	if len(chainIDs) == 0 {
		chainIDs = s.Networks.IDs()
	}
	s.Logger.Info().Str("run_id", event.RunID).Ints("chain_ids", chainIDs).Msg("prices updated, decorating pools")
	s.DecorateChains(ctx, chainIDs)
	return nil
}

// StartConsumeTokensSynced consumes tokens.synced events until the scheduler
// stops, subscribing again whenever the delivery channel closes.
func (s *Scheduler) StartConsumeTokensSynced() {
	if s.Consumer == nil {
		return
	}
	for {
		deliveries, err := s.Consumer.Consume(s.Options.Queue, service.EventTokensSynced)
		if err == nil && deliveries == nil {
			s.Logger.Info().Msg("amqp disabled, pool decoration only runs on the ticker")
			return
		}
		if err != nil {
			s.Logger.Warn().Err(err).Msgf("Failed to consume %s, retrying in %s", s.Options.Queue, s.Options.ResubscribeDelay)
		} else {
			s.drain(deliveries)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.Options.ResubscribeDelay):
		}
	}
}

func (s *Scheduler) drain(deliveries <-chan amqplib.Delivery) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				s.Logger.Warn().Msgf("delivery channel of %s closed", s.Options.Queue)
				return
			}
			if err := s.HandleTokensSynced(s.ctx, delivery.Body); err != nil {
				s.Logger.Error().Err(err).Msg("处理 tokens.synced 事件失败")
			}
		}
	}
}
