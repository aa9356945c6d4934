// Package queue is the durable job queue behind video processing. Jobs are
// keyed by a deterministic ID so at most one is outstanding per video.
package queue

import (
	"context"
	"errors"
	"math"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	// ErrLeaseLost is returned when a job was removed or re-leased while the
	// caller was processing it.
	ErrLeaseLost = errors.New("job lease lost")
)

const jobIDPrefix = "video-"

// JobIDFor returns the job ID for a video.
func JobIDFor(videoID string) string {
	return jobIDPrefix + videoID
}

type Payload struct {
	VideoID string `json:"videoId"`
}

type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

type Options struct {
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
	// Priority is recorded but delivery is FIFO.
	Priority      int `json:"priority,omitempty"`
	KeepCompleted int `json:"keepCompleted"`
	KeepFailed    int `json:"keepFailed"`
}

func DefaultOptions() Options {
	return Options{
		Attempts:      5,
		Backoff:       Backoff{Type: "exponential", Delay: 2 * time.Second},
		KeepCompleted: 20,
		KeepFailed:    100,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Backoff.Type == "" {
		o.Backoff = d.Backoff
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = d.KeepCompleted
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = d.KeepFailed
	}
	return o
}

// BackoffFor returns the delay before the retry that follows the given
// number of failed attempts.
func (o Options) BackoffFor(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	if o.Backoff.Type == "fixed" {
		return o.Backoff.Delay
	}
	return time.Duration(float64(o.Backoff.Delay) * math.Pow(2, float64(attemptsMade-1)))
}

type Job struct {
	ID           string    `json:"id"`
	Payload      Payload   `json:"payload"`
	Options      Options   `json:"options"`
	State        State     `json:"state"`
	AttemptsMade int       `json:"attemptsMade"`
	FailedReason string    `json:"failedReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ProcessedAt  time.Time `json:"processedAt,omitempty"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
	// LeaseID identifies the delivery a worker holds. Empty unless leased.
	LeaseID string `json:"-"`
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Outstanding is the number of jobs that still need a worker.
func (c Counts) Outstanding() int64 {
	return c.Waiting + c.Active + c.Delayed
}

type Queue interface {
	// Enqueue adds a job unless one with the same ID is outstanding. created
	// is false when the call was deduplicated.
	Enqueue(ctx context.Context, jobID string, payload Payload, opts Options) (job *Job, created bool, err error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// RemoveJob drops a waiting, delayed or active job. A worker already
	// holding an active job keeps running; its Complete or Fail then reports
	// ErrLeaseLost.
	RemoveJob(ctx context.Context, job *Job) error

	// Lease hands the next job to consumer, waiting up to block for one.
	// It returns nil, nil when nothing is available.
	Lease(ctx context.Context, consumer string, block time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	// Fail records a failed attempt and reports whether the job will be retried.
	Fail(ctx context.Context, job *Job, cause error) (retrying bool, err error)
	Counts(ctx context.Context) (Counts, error)
}
