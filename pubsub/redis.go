package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devrayat000/vidpipe/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	QueueEventsChannel = "video:queue:events"
	ProgressKeyPrefix  = "progress:"
	ProgressChannel    = "video:progress:"

	progressTTL = 24 * time.Hour
)

var ErrNoProgress = errors.New("no progress recorded")

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a Redis client and checks the server answers.
func Connect(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisBus is a Bus on Redis pub/sub. The latest progress per video is also
// kept under a key so late subscribers can catch up.
type RedisBus struct {
	client redis.UniversalClient
	log    logrus.FieldLogger
}

func NewRedisBus(client redis.UniversalClient, log logrus.FieldLogger) *RedisBus {
	return &RedisBus{client: client, log: log.WithField("component", "pubsub")}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, QueueEventsChannel, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	return subscribe[Event](ctx, b, QueueEventsChannel)
}

func (b *RedisBus) PublishProgress(ctx context.Context, progress models.ProcessingProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Publish(ctx, ProgressChannel+progress.VideoID, data)
	pipe.Set(ctx, ProgressKeyPrefix+progress.VideoID, data, progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

func (b *RedisBus) GetProgress(ctx context.Context, videoID string) (*models.ProcessingProgress, error) {
	data, err := b.client.Get(ctx, ProgressKeyPrefix+videoID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoProgress
	}
	if err != nil {
		return nil, err
	}

	var progress models.ProcessingProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

func (b *RedisBus) SubscribeToProgress(ctx context.Context, videoID string) (<-chan *models.ProcessingProgress, error) {
	return subscribe[*models.ProcessingProgress](ctx, b, ProgressChannel+videoID)
}

// subscribe decodes every message on channel into T until ctx is done.
func subscribe[T any](ctx context.Context, b *RedisBus, channel string) (<-chan T, error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan T, subscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var v T
				if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
					b.log.WithError(err).WithField("channel", channel).Warn("Error unmarshaling message")
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
