package database

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/backstage/tickets/config"
)

// Database holds the write connection and the read-only connection used for
// catalog reads. Both point at the same pool when no replica is configured.
type Database struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// Connect opens the configured Postgres connections
func Connect(cfg config.DatabaseConfig, environment string) (*Database, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel(environment)),
	}

	db, err := open(cfg.DSN, cfg, gormCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	readOnlyDB := db
	if cfg.ReadOnlyDSN != "" && cfg.ReadOnlyDSN != cfg.DSN {
		readOnlyDB, err = open(cfg.ReadOnlyDSN, cfg, gormCfg)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to read-only database")
		}
		log.Info().Msg("Using separate read-only database connection")
	}

	return &Database{db: db, readOnlyDB: readOnlyDB}, nil
}

func open(dsn string, cfg config.DatabaseConfig, gormCfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get DB instance")
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 100
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}

	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(lifetime)

	return db, nil
}

func logLevel(environment string) logger.LogLevel {
	if environment == "development" {
		return logger.Info
	}
	return logger.Warn
}

// DB returns the write connection
func (d *Database) DB() *gorm.DB {
	return d.db
}

// ReadOnlyDB returns the read-only connection
func (d *Database) ReadOnlyDB() *gorm.DB {
	return d.readOnlyDB
}

// Close closes both connections
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	if d.readOnlyDB != d.db {
		if roDB, err := d.readOnlyDB.DB(); err == nil {
			if err := roDB.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close read-only database")
			}
		}
	}
	return sqlDB.Close()
}
