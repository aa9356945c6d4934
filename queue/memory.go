package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/devrayat000/vidpipe/pubsub"
	"github.com/sirupsen/logrus"
)

type memoryLease struct {
	id       string
	leasedAt time.Time
}

// MemoryQueue is a Queue held in process memory. It follows the Redis
// queue's semantics and is used by tests and single-process runs.
type MemoryQueue struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	waiting    []string
	active     map[string]memoryLease
	delayed    map[string]time.Time
	completed  []string
	failed     []string
	seq        uint64
	wake       chan struct{}
	staleAfter time.Duration
	now        func() time.Time
	events     emitter
	log        logrus.FieldLogger
}

type MemoryOption func(*MemoryQueue)

func WithMemoryEvents(pub EventPublisher) MemoryOption {
	return func(q *MemoryQueue) { q.events.pub = pub }
}

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		q.now = now
		q.events.now = now
	}
}

func WithMemoryStaleAfter(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.staleAfter = d
		}
	}
}

func NewMemoryQueue(log logrus.FieldLogger, opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		jobs:       make(map[string]*Job),
		active:     make(map[string]memoryLease),
		delayed:    make(map[string]time.Time),
		wake:       make(chan struct{}),
		staleAfter: 10 * time.Minute,
		now:        time.Now,
		log:        log.WithField("component", "queue"),
	}
	q.events = emitter{log: q.log, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func cloneJob(j *Job) *Job {
	c := *j
	return &c
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string, payload Payload, opts Options) (*Job, bool, error) {
	q.mu.Lock()
	if existing, ok := q.jobs[jobID]; ok && !existing.State.Finished() {
		job := cloneJob(existing)
		q.mu.Unlock()
		return job, false, nil
	}
	q.completed = removeID(q.completed, jobID)
	q.failed = removeID(q.failed, jobID)

	job := &Job{
		ID:        jobID,
		Payload:   payload,
		Options:   opts.withDefaults(),
		State:     StateWaiting,
		CreatedAt: q.now(),
	}
	q.jobs[jobID] = job
	q.waiting = append(q.waiting, jobID)
	q.signalLocked()
	out := cloneJob(job)
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{"job_id": jobID, "video_id": payload.VideoID}).Info("Job enqueued")
	q.events.emit(ctx, pubsub.EventWaiting, out, "")
	return out, true, nil
}

func (q *MemoryQueue) GetJob(_ context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (q *MemoryQueue) RemoveJob(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if current.State.Finished() {
		return ErrJobFinished
	}
	q.waiting = removeID(q.waiting, job.ID)
	delete(q.active, job.ID)
	delete(q.delayed, job.ID)
	delete(q.jobs, job.ID)
	q.log.WithField("job_id", job.ID).Info("Job removed")
	return nil
}

// nextLocked promotes due retries, reclaims stale leases and pops the next
// waiting job.
func (q *MemoryQueue) nextLocked() *Job {
	now := q.now()
	for id, at := range q.delayed {
		if !at.After(now) {
			delete(q.delayed, id)
			q.jobs[id].State = StateWaiting
			q.waiting = append(q.waiting, id)
		}
	}
	for id, lease := range q.active {
		if now.Sub(lease.leasedAt) >= q.staleAfter {
			q.log.WithField("job_id", id).Warn("Reclaimed stale job")
			delete(q.active, id)
			q.waiting = append([]string{id}, q.waiting...)
		}
	}
	if len(q.waiting) == 0 {
		return nil
	}

	id := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.seq++
	job := q.jobs[id]
	job.State = StateActive
	job.ProcessedAt = now
	job.LeaseID = strconv.FormatUint(q.seq, 10)
	q.active[id] = memoryLease{id: job.LeaseID, leasedAt: now}
	return cloneJob(job)
}

func (q *MemoryQueue) Lease(ctx context.Context, _ string, block time.Duration) (*Job, error) {
	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		q.mu.Lock()
		job := q.nextLocked()
		wake := q.wake
		q.mu.Unlock()

		if job != nil {
			q.events.emit(ctx, pubsub.EventActive, job, "")
			return job, nil
		}
		if timeout == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-wake:
		}
	}
}

// holdsLeaseLocked reports whether job still owns its delivery.
func (q *MemoryQueue) holdsLeaseLocked(job *Job) bool {
	lease, ok := q.active[job.ID]
	return ok && lease.id == job.LeaseID
}

func trim(ids []string, keep int, jobs map[string]*Job, state State) []string {
	if len(ids) <= keep {
		return ids
	}
	for _, id := range ids[keep:] {
		if j, ok := jobs[id]; ok && j.State == state {
			delete(jobs, id)
		}
	}
	return ids[:keep]
}

func (q *MemoryQueue) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	if !q.holdsLeaseLocked(job) {
		q.mu.Unlock()
		return ErrLeaseLost
	}
	delete(q.active, job.ID)
	current := q.jobs[job.ID]
	current.State = StateCompleted
	current.FinishedAt = q.now()
	current.LeaseID = ""
	q.completed = append([]string{job.ID}, q.completed...)
	q.completed = trim(q.completed, current.Options.KeepCompleted, q.jobs, StateCompleted)
	*job = *current
	q.mu.Unlock()

	q.events.emit(ctx, pubsub.EventCompleted, job, "")
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	q.mu.Lock()
	if !q.holdsLeaseLocked(job) {
		q.mu.Unlock()
		return false, ErrLeaseLost
	}
	delete(q.active, job.ID)
	current := q.jobs[job.ID]
	current.AttemptsMade++
	current.FailedReason = cause.Error()
	current.LeaseID = ""

	retrying := current.AttemptsMade < current.Options.Attempts
	if retrying {
		current.State = StateDelayed
		q.delayed[job.ID] = q.now().Add(current.Options.BackoffFor(current.AttemptsMade))
	} else {
		current.State = StateFailed
		current.FinishedAt = q.now()
		q.failed = append([]string{job.ID}, q.failed...)
		q.failed = trim(q.failed, current.Options.KeepFailed, q.jobs, StateFailed)
	}
	*job = *current
	q.mu.Unlock()

	q.events.emit(ctx, pubsub.EventFailed, job, cause.Error())
	return retrying, nil
}

func (q *MemoryQueue) Counts(_ context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{
		Waiting:   int64(len(q.waiting)),
		Active:    int64(len(q.active)),
		Delayed:   int64(len(q.delayed)),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
	}, nil
}
