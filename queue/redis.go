package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/devrayat000/vidpipe/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	VideoJobsStream = "video:jobs"
	ConsumerGroup   = "video-workers"
	JobKeyPrefix    = "video:job:"
	DelayedKey      = "video:jobs:delayed"
	CompletedKey    = "video:jobs:completed"
	FailedKey       = "video:jobs:failed"
)

// Job hashes track state; the stream carries deliveries and its pending
// entries list is the lease table.
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state and state ~= 'completed' and state ~= 'failed' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('LREM', KEYS[3], 0, ARGV[1])
redis.call('LREM', KEYS[4], 0, ARGV[1])
local entry = redis.call('XADD', KEYS[2], '*', 'jobId', ARGV[1])
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'opts', ARGV[3], 'state', 'waiting',
  'attempts', 0, 'createdAt', ARGV[4], 'entry', entry)
return 1
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local promoted = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local key = ARGV[2] .. id
    if redis.call('HGET', key, 'state') == 'delayed' then
      local entry = redis.call('XADD', KEYS[2], '*', 'jobId', id)
      redis.call('HSET', key, 'state', 'waiting', 'entry', entry)
      promoted = promoted + 1
    end
  end
end
return promoted
`)

var activateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'entry') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'active', 'processedAt', ARGV[2])
return 1
`)

var completeScript = redis.NewScript(`
redis.call('XACK', KEYS[2], ARGV[2], ARGV[1])
redis.call('XDEL', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[1], 'entry') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'finishedAt', ARGV[3])
redis.call('HDEL', KEYS[1], 'entry')
redis.call('LPUSH', KEYS[3], ARGV[4])
local keep = tonumber(ARGV[5])
for _, id in ipairs(redis.call('LRANGE', KEYS[3], keep, -1)) do
  local key = ARGV[6] .. id
  if redis.call('HGET', key, 'state') == 'completed' then
    redis.call('DEL', key)
  end
end
redis.call('LTRIM', KEYS[3], 0, keep - 1)
return 1
`)

// ARGV[7] is the retry score, or empty for a final failure.
var failScript = redis.NewScript(`
redis.call('XACK', KEYS[2], ARGV[2], ARGV[1])
redis.call('XDEL', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[1], 'entry') ~= ARGV[1] then
  return 0
end
redis.call('HDEL', KEYS[1], 'entry')
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'failedReason', ARGV[3])
if ARGV[7] ~= '' then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[4], ARGV[7], ARGV[4])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'finishedAt', ARGV[8])
redis.call('LPUSH', KEYS[3], ARGV[4])
local keep = tonumber(ARGV[5])
for _, id in ipairs(redis.call('LRANGE', KEYS[3], keep, -1)) do
  local key = ARGV[6] .. id
  if redis.call('HGET', key, 'state') == 'failed' then
    redis.call('DEL', key)
  end
end
redis.call('LTRIM', KEYS[3], 0, keep - 1)
return 1
`)

var removeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return 0
end
if state == 'completed' or state == 'failed' then
  return -1
end
local entry = redis.call('HGET', KEYS[1], 'entry')
if entry then
  redis.call('XACK', KEYS[2], ARGV[1], entry)
  redis.call('XDEL', KEYS[2], entry)
end
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('DEL', KEYS[1])
return 1
`)

type RedisOption func(*RedisQueue)

// WithStaleAfter sets how long a delivery may stay unacknowledged before
// another consumer reclaims it.
func WithStaleAfter(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.staleAfter = d
		}
	}
}

func WithEvents(pub EventPublisher) RedisOption {
	return func(q *RedisQueue) { q.events.pub = pub }
}

func WithClock(now func() time.Time) RedisOption {
	return func(q *RedisQueue) {
		q.now = now
		q.events.now = now
	}
}

// RedisQueue implements Queue on Redis Streams with a consumer group.
type RedisQueue struct {
	client     redis.UniversalClient
	log        logrus.FieldLogger
	events     emitter
	staleAfter time.Duration
	now        func() time.Time
}

func NewRedisQueue(ctx context.Context, client redis.UniversalClient, log logrus.FieldLogger, opts ...RedisOption) (*RedisQueue, error) {
	q := &RedisQueue{
		client:     client,
		log:        log.WithField("component", "queue"),
		staleAfter: 10 * time.Minute,
		now:        time.Now,
	}
	q.events = emitter{log: q.log, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}

	err := client.XGroupCreateMkStream(ctx, VideoJobsStream, ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return q, nil
}

func jobKey(id string) string {
	return JobKeyPrefix + id
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, payload Payload, opts Options) (*Job, bool, error) {
	opts = opts.withDefaults()
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	rawOpts, err := json.Marshal(opts)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal job options: %w", err)
	}

	created, err := enqueueScript.Run(ctx, q.client,
		[]string{jobKey(jobID), VideoJobsStream, CompletedKey, FailedKey},
		jobID, data, rawOpts, millis(q.now()),
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("failed to add job to stream: %w", err)
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if created == 1 {
		q.log.WithFields(logrus.Fields{"job_id": jobID, "video_id": payload.VideoID}).Info("Job enqueued")
		q.events.emit(ctx, pubsub.EventWaiting, job, "")
	}
	return job, created == 1, nil
}

func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(jobID, fields)
}

// parseJob decodes a job hash.
func parseJob(jobID string, fields map[string]string) (*Job, error) {
	job := &Job{
		ID:           jobID,
		State:        State(fields["state"]),
		FailedReason: fields["failedReason"],
		LeaseID:      fields["entry"],
	}
	if err := json.Unmarshal([]byte(fields["data"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}
	if err := json.Unmarshal([]byte(fields["opts"]), &job.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job options: %w", err)
	}
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts"])
	job.CreatedAt = parseMillis(fields["createdAt"])
	job.ProcessedAt = parseMillis(fields["processedAt"])
	job.FinishedAt = parseMillis(fields["finishedAt"])
	return job, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (q *RedisQueue) RemoveJob(ctx context.Context, job *Job) error {
	res, err := removeScript.Run(ctx, q.client,
		[]string{jobKey(job.ID), VideoJobsStream, DelayedKey},
		ConsumerGroup, job.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	switch res {
	case 0:
		return ErrJobNotFound
	case -1:
		return ErrJobFinished
	}
	q.log.WithField("job_id", job.ID).Info("Job removed")
	return nil
}

func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{DelayedKey, VideoJobsStream},
		millis(q.now()), JobKeyPrefix,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	if n > 0 {
		q.log.WithField("count", n).Debug("Promoted delayed jobs")
	}
	return nil
}

// claimStale takes over a delivery whose consumer stopped acknowledging,
// e.g. after a worker crash.
func (q *RedisQueue) claimStale(ctx context.Context, consumer string) (*redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   VideoJobsStream,
		Group:    ConsumerGroup,
		Consumer: consumer,
		MinIdle:  q.staleAfter,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim stale jobs: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	q.log.WithFields(logrus.Fields{"message_id": msgs[0].ID, "consumer": consumer}).Warn("Reclaimed stale job")
	return &msgs[0], nil
}

func (q *RedisQueue) readNew(ctx context.Context, consumer string, block time.Duration) (*redis.XMessage, error) {
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: consumer,
		Streams:  []string{VideoJobsStream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	for _, stream := range streams {
		if len(stream.Messages) > 0 {
			return &stream.Messages[0], nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) Lease(ctx context.Context, consumer string, block time.Duration) (*Job, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	msg, err := q.claimStale(ctx, consumer)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		if msg, err = q.readNew(ctx, consumer, block); err != nil || msg == nil {
			return nil, err
		}
	}

	jobID, _ := msg.Values["jobId"].(string)
	ok, err := activateScript.Run(ctx, q.client, []string{jobKey(jobID)}, msg.ID, millis(q.now())).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to activate job: %w", err)
	}
	if ok == 0 {
		// Removed or superseded after it was added; drop the delivery.
		q.client.XAck(ctx, VideoJobsStream, ConsumerGroup, msg.ID)
		q.client.XDel(ctx, VideoJobsStream, msg.ID)
		q.log.WithFields(logrus.Fields{"job_id": jobID, "message_id": msg.ID}).Debug("Skipped stale delivery")
		return nil, nil
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	q.events.emit(ctx, pubsub.EventActive, job, "")
	return job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	ok, err := completeScript.Run(ctx, q.client,
		[]string{jobKey(job.ID), VideoJobsStream, CompletedKey},
		job.LeaseID, ConsumerGroup, millis(q.now()), job.ID, job.Options.withDefaults().KeepCompleted, JobKeyPrefix,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	job.State = StateCompleted
	job.LeaseID = ""
	q.events.emit(ctx, pubsub.EventCompleted, job, "")
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	opts := job.Options.withDefaults()
	attempts := job.AttemptsMade + 1
	retrying := attempts < opts.Attempts

	retryAt := ""
	if retrying {
		retryAt = strconv.FormatInt(millis(q.now().Add(opts.BackoffFor(attempts))), 10)
	}

	ok, err := failScript.Run(ctx, q.client,
		[]string{jobKey(job.ID), VideoJobsStream, FailedKey, DelayedKey},
		job.LeaseID, ConsumerGroup, cause.Error(), job.ID, opts.KeepFailed, JobKeyPrefix, retryAt, millis(q.now()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record job failure: %w", err)
	}
	if ok == 0 {
		return false, ErrLeaseLost
	}

	job.AttemptsMade = attempts
	job.FailedReason = cause.Error()
	job.LeaseID = ""
	if retrying {
		job.State = StateDelayed
	} else {
		job.State = StateFailed
	}
	q.events.emit(ctx, pubsub.EventFailed, job, cause.Error())
	return retrying, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	length := pipe.XLen(ctx, VideoJobsStream)
	pending := pipe.XPending(ctx, VideoJobsStream, ConsumerGroup)
	delayed := pipe.ZCard(ctx, DelayedKey)
	completed := pipe.LLen(ctx, CompletedKey)
	failed := pipe.LLen(ctx, FailedKey)
	_, _ = pipe.Exec(ctx)
	for _, cmd := range []redis.Cmder{length, delayed, completed, failed} {
		if err := cmd.Err(); err != nil {
			return Counts{}, fmt.Errorf("failed to count jobs: %w", err)
		}
	}

	// An empty pending list may come back as a nil reply.
	var active int64
	if p, err := pending.Result(); err == nil {
		active = p.Count
	}
	return Counts{
		Waiting:   length.Val() - active,
		Active:    active,
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}
