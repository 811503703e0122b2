package schema

import (
	"time"

	"gorm.io/gorm"
)

const (
	SyncRunKindTokens      = "tokens"
	SyncRunKindTokenPrices = "token-prices"
	SyncRunKindPools       = "pools"

	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
)

// SyncRun 记录每一次同步任务的执行结果
type SyncRun struct {
	RunID        string     `gorm:"type:varchar(36);uniqueIndex;notNull" json:"run_id"`
	Kind         string     `gorm:"type:varchar(32);index;notNull" json:"kind"`
	ChainIDs     string     `gorm:"type:varchar(255)" json:"chain_ids"` // 逗号分隔
	StartedAt    time.Time  `gorm:"index" json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
	Processed    int        `json:"processed"`
	Written      int        `json:"written"`
	FailedChunks int        `json:"failed_chunks"`
	Reasons      JSONCounts `gorm:"type:json" json:"reasons"` // reason -> chunk count
	Status       string     `gorm:"type:varchar(16);notNull" json:"status"`
	Error        string     `gorm:"type:text" json:"error"`
	Base
}

// Base holds the bookkeeping columns of a ledger row.
type Base struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}
