package database

import (
	"github.com/DODOEX/liquidity-sync/internal/database/schema"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Database holds the postgres connection of the sync run ledger.
// DB stays nil when no dsn is configured; the ledger is optional.
type Database struct {
	DB  *gorm.DB
	Log zerolog.Logger
	Cfg *koanf.Koanf
}

func NewDatabase(cfg *koanf.Koanf, log zerolog.Logger) *Database {
	db := &Database{
		Cfg: cfg,
		Log: log,
	}

	return db
}

// connect database
func (_db *Database) ConnectDatabase() {
	if _db.DB != nil {
		_db.Log.Info().Msg("The database is already connected!")
		return
	}

	dsn := _db.Cfg.String("db.postgres.dsn")
	if dsn == "" {
		_db.Log.Warn().Msg("db.postgres.dsn is empty, sync run ledger disabled")
		return
	}

	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		DisableForeignKeyConstraintWhenMigrating: _db.Cfg.Bool("db.gorm.disable-foreign-key-constraint-when-migrating"),
	})
	if err != nil {
		_db.Log.Error().Err(err).Msg("An unknown error occurred when to connect the database!")
		return
	}

	// ledger 只有少量写入，连接池保持很小
	if sqlDB, err := conn.DB(); err == nil {
		sqlDB.SetMaxOpenConns(_db.Cfg.Int("db.postgres.max-open-conns"))
		sqlDB.SetMaxIdleConns(_db.Cfg.Int("db.postgres.max-idle-conns"))
		sqlDB.SetConnMaxLifetime(_db.Cfg.Duration("db.postgres.conn-max-lifetime"))
	}

	_db.Log.Info().Msg("Connected the sync run ledger succesfully!")
	_db.DB = conn
}

// shutdown database
func (_db *Database) ShutdownDatabase() {
	if _db.DB == nil {
		return
	}
	sqlDB, err := _db.DB.DB()
	if err != nil {
		_db.Log.Error().Err(err).Msg("An unknown error occurred when to shutdown the database!")
		return
	}
	if err := sqlDB.Close(); err != nil {
		_db.Log.Error().Err(err).Msg("An unknown error occurred when to shutdown the database!")
		return
	}
	_db.Log.Info().Msg("Shutdown the database succesfully!")
}

// list of models for migration
func Models() []interface{} {
	return []interface{}{
		schema.SyncRun{},
	}
}

// migrate models
func (_db *Database) MigrateModels() {
	if _db.DB == nil {
		return
	}
	if err := _db.DB.AutoMigrate(
		Models()...,
	); err != nil {
		_db.Log.Error().Err(err).Msg("An unknown error occurred when to migrate the database!")
	}
}
