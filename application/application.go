// Package application wires configuration into the pipeline's components
// for the cmd binaries.
package application

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/devrayat000/vidpipe/assets"
	"github.com/devrayat000/vidpipe/cache"
	"github.com/devrayat000/vidpipe/config"
	"github.com/devrayat000/vidpipe/db"
	"github.com/devrayat000/vidpipe/pubsub"
	"github.com/devrayat000/vidpipe/queue"
	"github.com/devrayat000/vidpipe/worker"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App holds the long-lived handles shared by a process. Close releases them.
type App struct {
	Config *config.Config
	Log    *logrus.Logger

	DB     *gorm.DB
	Store  db.VideoStore
	Redis  *redis.Client
	Queue  queue.Handle
	Bus    pubsub.Bus
	Assets assets.Store

	closers []func() error
}

// New connects to Postgres and, when configured, Redis. A Redis failure is
// not fatal: the process runs without a queue and videos stay PENDING.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Queue: queue.None(), Bus: pubsub.NewLocalBus()}

	gormDB, err := db.Open(ctx, cfg.DatabaseDSN, cfg.DatabaseRetries, log.WithField("component", "database"))
	if err != nil {
		return nil, err
	}
	a.DB = gormDB
	a.Store = db.NewGormStore(gormDB)
	a.closers = append(a.closers, func() error {
		sqlDB, err := gormDB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	if cfg.RedisEnabled() {
		if err := a.connectRedis(ctx); err != nil {
			log.WithError(err).Warn("Redis unavailable, async processing disabled")
		}
	} else {
		log.Warn("REDIS_ADDR not set, async processing disabled")
	}
	return a, nil
}

func (a *App) connectRedis(ctx context.Context) error {
	client, err := pubsub.Connect(ctx, pubsub.RedisConfig{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	if err != nil {
		return err
	}
	bus := pubsub.NewRedisBus(client, a.Log)
	q, err := queue.NewRedisQueue(ctx, client, a.Log,
		queue.WithStaleAfter(a.Config.JobStaleAfter),
		queue.WithEvents(bus),
	)
	if err != nil {
		_ = client.Close()
		return err
	}

	a.Redis = client
	a.Bus = bus
	a.Queue = queue.Some(q)
	a.closers = append(a.closers, client.Close)
	a.Log.WithField("addr", a.Config.RedisAddr).Info("Connected to Redis")
	return nil
}

// OpenAssets connects the configured asset store.
func (a *App) OpenAssets(ctx context.Context) (assets.Store, error) {
	if a.Assets != nil {
		return a.Assets, nil
	}
	cfg := a.Config
	switch cfg.AssetBackend {
	case "gcs":
		store, err := assets.NewGCSStore(ctx, cfg.GCSBucketName, cfg.AssetPublicBaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		a.Assets = store
	default:
		base := cfg.AssetPublicBaseURL
		if base == "" {
			scheme := "http://"
			if cfg.S3UseSSL {
				scheme = "https://"
			}
			base = scheme + strings.TrimRight(cfg.S3Endpoint, "/")
		}
		store, err := assets.NewMinioStore(assets.MinioConfig{
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			UseSSL:        cfg.S3UseSSL,
			Region:        cfg.S3Region,
			ImageBucket:   cfg.S3ImageBucket,
			VideoBucket:   cfg.S3VideoBucket,
			PublicBaseURL: base,
		})
		if err != nil {
			return nil, err
		}
		a.Assets = store
	}
	a.Log.WithField("backend", cfg.AssetBackend).Info("Asset store ready")
	return a.Assets, nil
}

// DetailCache returns the configured video detail cache.
func (a *App) DetailCache() cache.Cache {
	if a.Config.CacheBackend == "redis" && a.Redis != nil {
		return cache.NewRedisCache(a.Redis)
	}
	return cache.NewMemoryCache()
}

func (a *App) JobOptions() queue.Options {
	opts := queue.DefaultOptions()
	opts.Attempts = a.Config.JobAttempts
	opts.Backoff.Delay = a.Config.JobBackoffDelay
	opts.KeepCompleted = a.Config.JobKeepCompleted
	opts.KeepFailed = a.Config.JobKeepFailed
	return opts
}

// ConsumerName identifies this process in the consumer group.
func (a *App) ConsumerName(role string) string {
	if a.Config.QueueConsumerName != "" {
		return a.Config.QueueConsumerName
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "vidpipe"
	}
	return fmt.Sprintf("%s-%s-%s", role, host, uuid.NewString()[:8])
}

// NewPool builds a worker pool over the queue. It fails when no queue is
// available.
func (a *App) NewPool(role string, autoStart bool) (*worker.Pool, error) {
	q, ok := a.Queue.Get()
	if !ok {
		return nil, errors.New("worker pool needs a queue")
	}
	processor := worker.NewProcessor(a.Store, a.Bus, worker.ProcessorConfig{
		ThumbnailOffsetSeconds: a.Config.ThumbnailOffsetSeconds,
	}, a.Log)
	return worker.NewPool(q, processor.HandleJob, worker.PoolConfig{
		Concurrency: a.Config.WorkerConcurrency,
		IdleTimeout: a.Config.WorkerIdleTimeout,
		AutoStart:   autoStart,
		Consumer:    a.ConsumerName(role),
	}, a.Log), nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
