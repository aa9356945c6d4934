package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// HTTP
	HTTPPort       int     `mapstructure:"HTTP_PORT" validate:"gt=0,lt=65536"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS" validate:"gte=0"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST" validate:"gte=0"`
	AdminToken     string  `mapstructure:"ADMIN_TOKEN"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"oneof=json text"`

	// Database
	DatabaseDSN     string `mapstructure:"DATABASE_DSN" validate:"required"`
	DatabaseRetries int    `mapstructure:"DATABASE_RETRIES" validate:"gte=0"`

	// Redis. An empty address disables the queue, the event bus and the
	// Redis cache.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB" validate:"gte=0"`

	// Queue
	QueueConsumerName string        `mapstructure:"QUEUE_CONSUMER_NAME"`
	JobAttempts       int           `mapstructure:"JOB_ATTEMPTS" validate:"gte=1"`
	JobBackoffDelay   time.Duration `mapstructure:"JOB_BACKOFF_DELAY" validate:"gt=0"`
	JobKeepCompleted  int           `mapstructure:"JOB_KEEP_COMPLETED" validate:"gte=1"`
	JobKeepFailed     int           `mapstructure:"JOB_KEEP_FAILED" validate:"gte=1"`
	JobStaleAfter     time.Duration `mapstructure:"JOB_STALE_AFTER" validate:"gt=0"`

	// Worker
	WorkerConcurrency      int           `mapstructure:"WORKER_CONCURRENCY" validate:"gte=1,lte=32"`
	WorkerIdleTimeout      time.Duration `mapstructure:"WORKER_IDLE_TIMEOUT" validate:"gte=0"`
	WorkerAutoStart        bool          `mapstructure:"WORKER_AUTO_START"`
	WorkerEmbedded         bool          `mapstructure:"WORKER_EMBEDDED"`
	WorkerMetricsPort      int           `mapstructure:"WORKER_METRICS_PORT" validate:"gt=0,lt=65536"`
	ThumbnailOffsetSeconds int           `mapstructure:"THUMBNAIL_OFFSET_SECONDS" validate:"gte=0"`
	SoftDeleteGrace        time.Duration `mapstructure:"SOFT_DELETE_GRACE" validate:"gt=0"`
	PurgeInterval          time.Duration `mapstructure:"PURGE_INTERVAL" validate:"gt=0"`

	// Cache
	DetailCacheTTL time.Duration `mapstructure:"DETAIL_CACHE_TTL" validate:"gt=0"`
	CacheBackend   string        `mapstructure:"CACHE_BACKEND" validate:"oneof=memory redis"`

	// Asset store
	AssetBackend       string `mapstructure:"ASSET_BACKEND" validate:"oneof=minio gcs"`
	AssetPublicBaseURL string `mapstructure:"ASSET_PUBLIC_BASE_URL" validate:"omitempty,url"`
	S3Endpoint         string `mapstructure:"S3_ENDPOINT" validate:"required_if=AssetBackend minio"`
	S3AccessKey        string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey        string `mapstructure:"S3_SECRET_KEY"`
	S3UseSSL           bool   `mapstructure:"S3_USE_SSL"`
	S3Region           string `mapstructure:"S3_REGION"`
	S3ImageBucket      string `mapstructure:"S3_IMAGE_BUCKET" validate:"required_if=AssetBackend minio"`
	S3VideoBucket      string `mapstructure:"S3_VIDEO_BUCKET" validate:"required_if=AssetBackend minio"`
	GCSBucketName      string `mapstructure:"GCS_BUCKET_NAME" validate:"required_if=AssetBackend gcs"`
}

// RedisEnabled reports whether a Redis server is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	typ := reflect.TypeOf(c)
	for i := 0; i < typ.NumField(); i++ {
		if tag := typ.Field(i).Tag.Get("mapstructure"); tag != "" {
			_ = viper.BindEnv(tag)
		}
	}
}

func setDefaults() {
	viper.SetDefault("HTTP_PORT", 8080)
	viper.SetDefault("RATE_LIMIT_RPS", 5)
	viper.SetDefault("RATE_LIMIT_BURST", 10)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("DATABASE_RETRIES", 10)
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("QUEUE_CONSUMER_NAME", "")
	viper.SetDefault("JOB_ATTEMPTS", 5)
	viper.SetDefault("JOB_BACKOFF_DELAY", "2s")
	viper.SetDefault("JOB_KEEP_COMPLETED", 20)
	viper.SetDefault("JOB_KEEP_FAILED", 100)
	viper.SetDefault("JOB_STALE_AFTER", "10m")
	viper.SetDefault("WORKER_CONCURRENCY", 2)
	viper.SetDefault("WORKER_IDLE_TIMEOUT", "5m")
	viper.SetDefault("WORKER_AUTO_START", true)
	viper.SetDefault("WORKER_EMBEDDED", false)
	viper.SetDefault("WORKER_METRICS_PORT", 2112)
	viper.SetDefault("THUMBNAIL_OFFSET_SECONDS", 2)
	viper.SetDefault("SOFT_DELETE_GRACE", "168h")
	viper.SetDefault("PURGE_INTERVAL", "24h")
	viper.SetDefault("DETAIL_CACHE_TTL", "30s")
	viper.SetDefault("CACHE_BACKEND", "memory")
	viper.SetDefault("ASSET_BACKEND", "minio")
	viper.SetDefault("S3_ENDPOINT", "localhost:9000")
	viper.SetDefault("S3_IMAGE_BUCKET", "images")
	viper.SetDefault("S3_VIDEO_BUCKET", "videos")
}

// LoadDotEnv loads variables from the given .env files, or ./.env when none
// are given. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func LoadConfig(ctx context.Context) (*Config, error) {
	bindEnv(Config{})
	viper.AutomaticEnv()
	setDefaults()

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.CacheBackend == "redis" && !cfg.RedisEnabled() {
		return nil, fmt.Errorf("validate config: CACHE_BACKEND=redis requires REDIS_ADDR")
	}

	return &cfg, nil
}
