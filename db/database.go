package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	openBackoffBase  = 1 * time.Second
	openBackoffScale = 1.618
)

// Open connects to Postgres, retrying with golden ratio backoff until the
// server answers a ping or retries run out.
func Open(ctx context.Context, dsn string, retries int, log logrus.FieldLogger) (*gorm.DB, error) {
	if retries <= 0 {
		retries = 1
	}

	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = sqlDB.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			log.Info("Database connection established")
			return gormDB, nil
		}

		backoff := time.Duration(float64(openBackoffBase) * math.Pow(openBackoffScale, float64(i)))
		log.WithError(lastErr).Warnf("Database not ready, retrying in %v", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	_ = sqlDB.Close()
	return nil, fmt.Errorf("failed to ping database after %d attempts: %w", retries, lastErr)
}

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies embedded migrations up to version, or all of them when
// version is goose.MaxVersion.
func Migrate(ctx context.Context, sqlDB *sql.DB, version int64, log logrus.FieldLogger) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(log)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	current, err := goose.GetDBVersionContext(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	log.WithField("version", current).Info("Current schema version")

	if err := goose.UpToContext(ctx, sqlDB, "migrations", version); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// MigrateDown rolls the schema back to version.
func MigrateDown(ctx context.Context, sqlDB *sql.DB, version int64, log logrus.FieldLogger) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(log)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.DownToContext(ctx, sqlDB, "migrations", version); err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}
