package repository

import (
	"context"
	"errors"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/database"
	"github.com/DODOEX/liquidity-sync/internal/database/schema"
	"github.com/rs/zerolog"
)

var ErrLedgerDisabled = errors.New("sync run ledger is not connected")

type SyncRunRepository interface {
	Record(ctx context.Context, run *schema.SyncRun) error
	Recent(ctx context.Context, kind string, limit int) ([]schema.SyncRun, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type syncRunRepository struct {
	db     *database.Database
	logger zerolog.Logger
}

func NewSyncRunRepository(db *database.Database, logger zerolog.Logger) SyncRunRepository {
	return &syncRunRepository{
		db:     db,
		logger: logger,
	}
}

func (r *syncRunRepository) enabled() bool {
	return r.db != nil && r.db.DB != nil
}

// Record 写入一次同步记录，账本未启用时直接跳过
func (r *syncRunRepository) Record(ctx context.Context, run *schema.SyncRun) error {
	if !r.enabled() {
		r.logger.Debug().Str("run_id", run.RunID).Msg("ledger disabled, sync run not recorded")
		return nil
	}
	return r.db.DB.WithContext(ctx).Create(run).Error
}

func (r *syncRunRepository) Recent(ctx context.Context, kind string, limit int) ([]schema.SyncRun, error) {
	if !r.enabled() {
		return nil, ErrLedgerDisabled
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var runs []schema.SyncRun
	query := r.db.DB.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if err := query.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *syncRunRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if !r.enabled() {
		return 0, nil
	}
	result := r.db.DB.WithContext(ctx).Unscoped().Where("started_at < ?", cutoff).Delete(&schema.SyncRun{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
