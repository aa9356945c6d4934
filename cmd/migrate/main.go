package main

import (
	"context"
	"os"
	"time"

	"github.com/devrayat000/vidpipe/config"
	"github.com/devrayat000/vidpipe/db"
	"github.com/devrayat000/vidpipe/logger"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	var (
		to   = pflag.Int64("to", goose.MaxVersion, "migrate up to this version")
		down = pflag.Int64("down-to", -1, "roll back to this version instead of migrating up")
	)
	pflag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := config.LoadDotEnv(); err != nil {
		logrus.WithError(err).Fatal("Failed to load .env")
	}
	conf, err := config.LoadConfig(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	log := logger.New(conf.LogLevel, conf.LogFormat)
	log.Info("Starting database migrator")

	gormDB, err := db.Open(ctx, conf.DatabaseDSN, conf.DatabaseRetries, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.WithError(err).Fatal("Failed to get database handle")
	}
	defer sqlDB.Close()

	if *down >= 0 {
		err = db.MigrateDown(ctx, sqlDB, *down, log)
	} else {
		err = db.Migrate(ctx, sqlDB, *to, log)
	}
	if err != nil {
		log.WithError(err).Error("Migration failed")
		os.Exit(1)
	}
	log.Info("Database migrations completed successfully")
}
